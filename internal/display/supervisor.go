// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package display

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"

	"github.com/originull/vfioctl/pkg/model"
)

// killGrace bounds how long a terminated client gets before Supervisor
// escalates to SIGKILL.
const killGrace = 3 * time.Second

// Options parameterize the spawned client process from the profile:
// fullscreen flag, input-release key, pointer-grab mode.
type Options struct {
	BinaryPath      string
	Fullscreen      bool
	InputReleaseKey string
	PointerGrab     string
	RegionPath      string
}

func (o Options) args() []string {
	args := []string{"--region", o.RegionPath}
	if o.Fullscreen {
		args = append(args, "--fullscreen")
	}
	if o.InputReleaseKey != "" {
		args = append(args, "--release-key", o.InputReleaseKey)
	}
	if o.PointerGrab != "" {
		args = append(args, "--pointer-grab", o.PointerGrab)
	}
	return args
}

// ExitRecord is the last observed exit of a domain's display client.
type ExitRecord struct {
	Code   int
	Normal bool
}

// Supervisor owns a single domain's shared region and display client
// process, and guarantees both are released on every exit path.
type Supervisor struct {
	domain string
	region model.SharedRegion
	opts   Options
	log    *logrus.Entry

	mu       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	lastExit *ExitRecord
	doneCh   chan struct{}
}

// New constructs a Supervisor for domain; the shared region is not yet
// created until Start is called.
func New(domain string, region model.SharedRegion, opts Options, log *logrus.Entry) *Supervisor {
	return &Supervisor{domain: domain, region: region, opts: opts, log: log}
}

// Start creates the shared region, spawns the client process, and begins
// the non-blocking monitor loop. Region creation happens before the client
// is spawned so the client never sees a missing backing file.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return model.New(model.KindBug, "display.Start", fmt.Errorf("supervisor for %s already running", s.domain))
	}

	if err := createRegion(s.region); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, s.opts.BinaryPath, s.opts.args()...)
	if err := cmd.Start(); err != nil {
		unlinkRegion(s.region.Path)
		return model.New(model.KindIoError, "display.Start", err)
	}

	s.cmd = cmd
	s.running = true
	s.lastExit = nil
	s.doneCh = make(chan struct{})

	go s.monitor()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	return nil
}

// monitor waits for the child non-blockingly relative to callers of
// Stop/Wait; on abnormal exit while the domain is still believed running
// it records the exit code and does not auto-restart, to avoid flapping.
func (s *Supervisor) monitor() {
	err := s.cmd.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	normal := err == nil
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}
	s.lastExit = &ExitRecord{Code: code, Normal: normal}
	s.running = false

	if !normal && s.log != nil {
		s.log.WithFields(logrus.Fields{"domain": s.domain, "exit_code": code}).Warn("display client exited abnormally, not restarting")
	}

	unlinkRegion(s.region.Path)
	close(s.doneCh)
}

// LastExit reports the most recently observed exit, if any.
func (s *Supervisor) LastExit() (ExitRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastExit == nil {
		return ExitRecord{}, false
	}
	return *s.lastExit, true
}

// Restart implements the operator-issued restart_display(name): stop the
// current client (if any) and start a fresh one.
func (s *Supervisor) Restart(ctx context.Context) error {
	_ = s.Stop()
	return s.Start(ctx)
}

// Stop sends the child a terminate signal, then a kill after killGrace;
// the region is unlinked only after the client has exited. Safe to call
// when already stopped.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running || s.cmd == nil {
		s.mu.Unlock()
		return nil
	}
	cmd := s.cmd
	doneCh := s.doneCh
	s.mu.Unlock()

	cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-doneCh:
		return nil
	case <-time.After(killGrace):
		cmd.Process.Signal(syscall.SIGKILL)
		<-doneCh
		return nil
	}
}

// Shutdown is the guaranteed-release path for process/parent termination:
// it stops the client and reports readiness-to-stop to an init system via
// sd_notify.
func (s *Supervisor) Shutdown() error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return s.Stop()
}
