// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package logging centralizes the logrus setup every component threads in
// via constructor injection, rather than pulling in a package-level global.
package logging

import (
	"os"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/sirupsen/logrus"
)

// DebugEnvVar is the single environment variable that gates verbose
// logging.
const DebugEnvVar = "VFIOCTL_DEBUG"

// journalHook mirrors entries to the systemd journal by wrapping it as a
// logrus.Hook, the same way a syslog backend would be wired in.
type journalHook struct{}

func (journalHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (journalHook) Fire(e *logrus.Entry) error {
	if !journal.Enabled() {
		return nil
	}
	msg, err := e.String()
	if err != nil {
		return err
	}
	return journal.Send(msg, journalPriority(e.Level), nil)
}

func journalPriority(level logrus.Level) journal.Priority {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return journal.PriEmerg
	case logrus.ErrorLevel:
		return journal.PriErr
	case logrus.WarnLevel:
		return journal.PriWarning
	case logrus.InfoLevel:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

// New returns a component-scoped logger. source is a short tag such as
// "sysfs" or "domain" that gets attached to every entry emitted through it.
func New(source string) *logrus.Entry {
	base := logrus.New()
	base.SetLevel(logrus.WarnLevel)
	if os.Getenv(DebugEnvVar) != "" {
		base.SetLevel(logrus.DebugLevel)
	}
	if journal.Enabled() {
		base.AddHook(journalHook{})
	}
	return base.WithField("source", source)
}
