// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli"

	"github.com/originull/vfioctl/internal/bootconfig"
	"github.com/originull/vfioctl/internal/iommu"
	"github.com/originull/vfioctl/internal/logging"
	"github.com/originull/vfioctl/internal/planner"
	"github.com/originull/vfioctl/internal/platform"
	"github.com/originull/vfioctl/internal/sysfs"
	"github.com/originull/vfioctl/pkg/model"
)

// Exit codes used by every subcommand to signal the caller why it failed.
const (
	exitSuccess             = 0
	exitNoCandidate         = 2
	exitIommuDisabled       = 3
	exitBootloaderUnknown   = 4
	exitApplyFailedPartway  = 5
	exitUsageError          = 64
)

var hwdetectLog = logging.New("hwdetect")

func gatherInputs(root string) (planner.Inputs, []string, error) {
	sysRoot := filepath.Join(root, "sys")
	devices, warnings, err := sysfs.Scan(sysRoot, hwdetectLog)
	if err != nil {
		return planner.Inputs{}, warnings, err
	}
	tree, err := iommu.Read(sysRoot)
	if err != nil {
		if model.KindOf(err) != model.KindIommuDisabled {
			return planner.Inputs{}, warnings, err
		}
		// A nil tree makes the planner record an IOMMU-disabled warning
		// and still emit the cmdline fragment for the next boot.
		tree = nil
	}
	plat, platWarnings := platform.Probe(root)
	warnings = append(warnings, platWarnings...)
	bootloaderKind := bootconfig.DetectBootloader(root)

	return planner.Inputs{
		Scan:           devices,
		IommuTree:      tree,
		Platform:       plat,
		BootloaderKind: bootloaderKind,
	}, warnings, nil
}

func exitCodeForErr(err error) int {
	switch model.KindOf(err) {
	case model.KindNoPassthroughCandidate:
		return exitNoCandidate
	case model.KindIommuDisabled:
		return exitIommuDisabled
	case model.KindUnknownBootloader:
		return exitBootloaderUnknown
	default:
		return 1
	}
}

func cmdScan(c *cli.Context) error {
	root := c.GlobalString("root")
	devices, warnings, err := sysfs.Scan(filepath.Join(root, "sys"), hwdetectLog)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeForErr(err))
	}
	for _, w := range warnings {
		hwdetectLog.Warn(w)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(devices)
}

func cmdPlan(c *cli.Context) error {
	root := c.GlobalString("root")
	in, warnings, err := gatherInputs(root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeForErr(err))
	}
	for _, w := range warnings {
		hwdetectLog.Warn(w)
	}

	plan, err := planner.Plan(in)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeForErr(err))
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}

func cmdApply(c *cli.Context) error {
	target := c.String("target")
	if target == "" {
		target = "/"
	}

	in, warnings, err := gatherInputs(target)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeForErr(err))
	}
	for _, w := range warnings {
		hwdetectLog.Warn(w)
	}

	plan, err := planner.Plan(in)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeForErr(err))
	}

	mutator := bootconfig.New(target, hwdetectLog)
	if err := mutator.Apply(plan); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitApplyFailedPartway)
	}
	fmt.Println("passthrough configuration applied")
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "hwdetect"
	app.Usage = "scan, plan, and apply GPU passthrough configuration"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "root",
			Value: "/",
			Usage: "filesystem root to scan; sysfs is read from <root>/sys (for tests: a synthetic tree)",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "scan",
			Usage:  "print the PCI scan as structured output",
			Action: cmdScan,
		},
		{
			Name:   "plan",
			Usage:  "print the passthrough plan",
			Action: cmdPlan,
		},
		{
			Name:  "apply",
			Usage: "apply the passthrough plan to a target root",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "target", Value: "/", Usage: "target root for boot-config mutation"},
			},
			Action: cmdApply,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsageError)
	}
}
