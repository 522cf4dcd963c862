// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package bootconfig

import (
	"context"
	"os/exec"

	"github.com/originull/vfioctl/pkg/model"
)

// Runner invokes an external regenerator command against a target root.
// Production code always goes through chrootRunner; tests substitute a
// fake that records invocations instead of touching the host.
type Runner interface {
	Run(ctx context.Context, root, name string, args ...string) error
}

// chrootRunner invokes the regenerator directly when root is "/", or
// through a chroot-style wrapper when operating against a foreign root
// (a mounted installation target).
type chrootRunner struct{}

func (chrootRunner) Run(ctx context.Context, root, name string, args ...string) error {
	var cmd *exec.Cmd
	if root == "/" || root == "" {
		cmd = exec.CommandContext(ctx, name, args...)
	} else {
		chrootArgs := append([]string{root, name}, args...)
		cmd = exec.CommandContext(ctx, "chroot", chrootArgs...)
	}
	if err := cmd.Run(); err != nil {
		return model.New(model.KindIoError, "bootconfig.Run:"+name, err)
	}
	return nil
}

// DefaultRunner is the production Runner.
var DefaultRunner Runner = chrootRunner{}
