// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package bootconfig applies a PassthroughPlan to a target root, either
// the live host or a mounted installation root, with atomicity and
// failure-breadcrumb guarantees so a partial failure can resume instead of
// leaving the boot configuration half-edited.
package bootconfig

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/originull/vfioctl/pkg/model"
)

// Mutator applies plans to a target root.
type Mutator struct {
	Root   string
	Log    *logrus.Entry
	Runner Runner
}

// New returns a Mutator for root whose Runner is the production
// chroot-wrapping runner, DefaultRunner.
func New(root string, log *logrus.Entry) *Mutator {
	return &Mutator{Root: root, Log: log, Runner: DefaultRunner}
}

// lockRelPath guards concurrent Apply invocations against the same root; it
// is not the breadcrumb file itself, so a reader inspecting the breadcrumb
// never races a writer.
const lockRelPath = "var/lib/vfioctl/apply.lock"

// Apply runs the five edit steps in order. If a breadcrumb from a prior
// failed apply exists, steps already recorded as successful are skipped
// so apply can resume instead of restarting.
func (m *Mutator) Apply(plan *model.PassthroughPlan) error {
	if err := plan.Validate(); err != nil {
		return err
	}

	unlock, err := m.acquireLock()
	if err != nil {
		return err
	}
	defer unlock()

	resumeFrom := StepModprobe
	if crumb, err := ReadBreadcrumb(m.Root); err == nil && crumb != nil {
		resumeFrom = crumb.LastSuccessfulStep + 1
		m.logf("resuming apply from step %s", resumeFrom)
	}

	steps := []struct {
		step Step
		fn   func(context.Context, *model.PassthroughPlan) error
	}{
		{StepModprobe, m.stepModprobe},
		{StepInitramfsConfig, m.stepInitramfsConfig},
		{StepCmdlineEdit, m.stepCmdlineEdit},
		{StepInitramfsRegen, m.stepInitramfsRegen},
		{StepBootloaderRegen, m.stepBootloaderRegen},
	}

	ctx := context.Background()
	for _, s := range steps {
		if s.step < resumeFrom {
			continue
		}
		if s.step == StepBootloaderRegen && plan.BootloaderKind != model.BootloaderB {
			if err := writeBreadcrumb(m.Root, s.step); err != nil {
				return err
			}
			continue
		}
		if err := s.fn(ctx, plan); err != nil {
			return model.New(model.KindIoError, fmt.Sprintf("bootconfig.Apply step %s", s.step), err)
		}
		if err := writeBreadcrumb(m.Root, s.step); err != nil {
			return err
		}
	}
	return removeBreadcrumb(m.Root)
}

func (m *Mutator) stepModprobe(_ context.Context, plan *model.PassthroughPlan) error {
	path := filepath.Join(m.Root, "etc/modprobe.d", ModprobeFileName)
	return writeFileAtomic(path, renderModprobeConf(plan), 0o644)
}

func (m *Mutator) stepInitramfsConfig(_ context.Context, plan *model.PassthroughPlan) error {
	path := filepath.Join(m.Root, initramfsConfigRelPath)
	existing, err := readFileOrEmpty(path)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, renderInitramfsConfig(existing, plan.InitramfsModules), 0o644)
}

// initramfsConfigRelPath is the host's initramfs configuration file this
// project owns the MODULES=(...) token of.
const initramfsConfigRelPath = "etc/mkinitcpio.conf"

func (m *Mutator) stepCmdlineEdit(_ context.Context, plan *model.PassthroughPlan) error {
	switch plan.BootloaderKind {
	case model.BootloaderA:
		files, err := entryFiles(m.Root)
		if err != nil {
			return err
		}
		for _, f := range files {
			existing, err := readFileOrEmpty(f)
			if err != nil {
				return err
			}
			if err := writeFileAtomic(f, appendOptionsFragment(existing, plan.KernelCmdlineFragment), 0o644); err != nil {
				return err
			}
		}
		return nil
	case model.BootloaderB:
		path := filepath.Join(m.Root, bootloaderBDefaultFile)
		existing, err := readFileOrEmpty(path)
		if err != nil {
			return err
		}
		return writeFileAtomic(path, appendDefaultArgsFragment(existing, GrubDefaultArgsKey, plan.KernelCmdlineFragment), 0o644)
	default:
		return model.New(model.KindUnknownBootloader, "bootconfig.stepCmdlineEdit", nil)
	}
}

func (m *Mutator) stepInitramfsRegen(ctx context.Context, _ *model.PassthroughPlan) error {
	return m.Runner.Run(ctx, m.Root, "mkinitcpio", "-P")
}

func (m *Mutator) stepBootloaderRegen(ctx context.Context, _ *model.PassthroughPlan) error {
	return m.Runner.Run(ctx, m.Root, "grub-mkconfig", "-o", "/boot/grub/grub.cfg")
}

func (m *Mutator) acquireLock() (func(), error) {
	path := filepath.Join(m.Root, lockRelPath)
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, model.NewPath(model.KindIoError, "bootconfig.acquireLock", path, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		unix.Close(fd)
		return nil, model.NewPath(model.KindIoError, "bootconfig.acquireLock", path, err)
	}
	return func() {
		unix.Flock(fd, unix.LOCK_UN)
		unix.Close(fd)
	}, nil
}

func (m *Mutator) logf(format string, args ...interface{}) {
	if m.Log != nil {
		m.Log.Infof(format, args...)
	}
}
