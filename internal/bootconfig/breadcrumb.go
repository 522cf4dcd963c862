// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package bootconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/originull/vfioctl/pkg/model"
)

// BreadcrumbPath is the machine-readable record of the last successful
// apply step, so a reconfiguration tool (or a second `hwdetect apply`) can
// resume instead of restarting from step 1.
const BreadcrumbPath = "var/lib/vfioctl/apply.state"

// Step is the exhaustive tag for each apply step, used both as the
// breadcrumb's recorded index and as the identifier named in a failure.
type Step int

const (
	StepModprobe Step = iota
	StepInitramfsConfig
	StepCmdlineEdit
	StepInitramfsRegen
	StepBootloaderRegen
)

func (s Step) String() string {
	switch s {
	case StepModprobe:
		return "modprobe config"
	case StepInitramfsConfig:
		return "initramfs config"
	case StepCmdlineEdit:
		return "cmdline edit"
	case StepInitramfsRegen:
		return "initramfs regen"
	case StepBootloaderRegen:
		return "bootloader regen"
	default:
		return "unknown step"
	}
}

// Breadcrumb is the on-disk record written after every step.
type Breadcrumb struct {
	LastSuccessfulStep Step      `json:"last_successful_step"`
	StepName           string    `json:"step_name"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func writeBreadcrumb(root string, step Step) error {
	path := filepath.Join(root, BreadcrumbPath)
	crumb := Breadcrumb{LastSuccessfulStep: step, StepName: step.String(), UpdatedAt: time.Now().UTC()}
	content, err := json.MarshalIndent(crumb, "", "  ")
	if err != nil {
		return model.New(model.KindBug, "bootconfig.writeBreadcrumb", err)
	}
	return writeFileAtomic(path, append(content, '\n'), 0o644)
}

// ReadBreadcrumb loads the breadcrumb left by a prior failed apply, if any.
// Its absence is not an error: a fresh host has never failed an apply.
func ReadBreadcrumb(root string) (*Breadcrumb, error) {
	path := filepath.Join(root, BreadcrumbPath)
	content, err := readFileOrEmpty(path)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, nil
	}
	var crumb Breadcrumb
	if err := json.Unmarshal(content, &crumb); err != nil {
		return nil, model.NewPath(model.KindParseError, "bootconfig.ReadBreadcrumb", path, err)
	}
	return &crumb, nil
}

// removeBreadcrumb deletes the breadcrumb left by a prior apply. Called
// once Apply has run every step successfully, so the next Apply against
// this root starts from step 1 rather than resuming into a no-op against
// a changed plan. Its absence is not an error.
func removeBreadcrumb(root string) error {
	path := filepath.Join(root, BreadcrumbPath)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return model.NewPath(model.KindIoError, "bootconfig.removeBreadcrumb", path, err)
	}
	return nil
}
