// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package planner combines the PCI scan, GPU classification, IOMMU
// analysis and CPU probe into a single immutable PassthroughPlan. The
// planner never writes files; it only produces a value for the
// boot-config mutator to consume.
package planner

import (
	"fmt"

	cdispec "github.com/container-orchestrated-devices/container-device-interface/specs-go"

	"github.com/originull/vfioctl/internal/gpu"
	"github.com/originull/vfioctl/internal/iommu"
	"github.com/originull/vfioctl/internal/platform"
	"github.com/originull/vfioctl/pkg/model"
)

// knownProblematicDrivers are host GPU drivers that must be reloaded only
// after the VFIO stub has claimed the target device, because they probe
// PCI display controllers eagerly at module load.
var knownProblematicDrivers = []string{"nvidia", "nouveau", "amdgpu", "radeon", "i915"}

// Inputs bundles the upstream scan/analysis outputs the planner consumes.
type Inputs struct {
	Scan           []model.PciDevice
	IommuTree      *iommu.Tree
	Platform       platform.Info
	BootloaderKind model.Bootloader
}

// Plan runs the seven-step candidate-selection-to-rendered-plan algorithm.
func Plan(in Inputs) (*model.PassthroughPlan, error) {
	candidate, err := gpu.SelectCandidate(in.Scan)
	if err != nil {
		return nil, err
	}

	plan := &model.PassthroughPlan{
		TargetGPU:         candidate,
		RebindIDs:         []string{candidate.VendorDevice()},
		DriverPreemptList: append([]string(nil), knownProblematicDrivers...),
		InitramfsModules:  []string{"vfio_pci", "vfio", "vfio_iommu_type1"},
		KernelCmdlineFragment: in.Platform.CmdlineFragment,
		BootloaderKind:    in.BootloaderKind,
	}

	classOf := classLookup(in.Scan)

	if in.IommuTree == nil {
		plan.Warnings = append(plan.Warnings, "IOMMU disabled or unavailable; cmdline fragment generated for a future reboot")
	} else if group, ok := in.IommuTree.GroupOf(candidate.Address, classOf); ok {
		addAudioPeers(plan, group, in.Scan)
		if !group.IsClean {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("IOMMU group %d not clean; isolation patch may be required", group.GroupID))
		}
	}

	if !in.Platform.IommuRuntimeActive {
		plan.Warnings = append(plan.Warnings, "no runtime evidence IOMMU is currently active; a reboot with the emitted cmdline fragment may be required")
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func classLookup(scan []model.PciDevice) iommu.ClassLookup {
	byAddr := make(map[string]string, len(scan))
	for _, d := range scan {
		byAddr[d.Address] = d.BaseClass()
	}
	return func(address string) (string, bool) {
		c, ok := byAddr[address]
		return c, ok
	}
}

// addAudioPeers appends every audio-class peer in the candidate's IOMMU
// group to rebind_ids (bridges are skipped; any other class already
// produced the "group not clean" warning by the caller).
func addAudioPeers(plan *model.PassthroughPlan, group *model.IommuGroup, scan []model.PciDevice) {
	byAddr := make(map[string]model.PciDevice, len(scan))
	for _, d := range scan {
		byAddr[d.Address] = d
	}

	seen := make(map[string]bool, len(plan.RebindIDs))
	for _, vd := range plan.RebindIDs {
		seen[vd] = true
	}

	for _, addr := range group.Members {
		if addr == plan.TargetGPU.Address {
			continue
		}
		dev, ok := byAddr[addr]
		if !ok {
			continue
		}
		if dev.BaseClass() != model.ClassPrefixAudio {
			continue
		}
		vd := dev.VendorDevice()
		if seen[vd] {
			continue
		}
		plan.RebindIDs = append(plan.RebindIDs, vd)
		seen[vd] = true
	}
}

// cdiKind identifies the CDI vendor/class this project exports devices
// under, used only by ToCDISpec — never required on the boot-config
// mutation path. No hwdetect subcommand currently emits a CDI spec.
const cdiKind = "vendor.com/vfioctl"

// ToCDISpec renders the plan's rebind_ids as a Container Device Interface
// spec, so downstream tooling speaking CDI can consume a passthrough plan
// without a bespoke format. vfioGroup is the /dev/vfio group node number
// the candidate GPU belongs to.
func ToCDISpec(plan *model.PassthroughPlan, vfioGroup int) *cdispec.Spec {
	spec := &cdispec.Spec{
		Version: "0.6.0",
		Kind:    cdiKind,
	}
	for _, vd := range plan.RebindIDs {
		spec.Devices = append(spec.Devices, cdispec.Device{
			Name: vd,
			ContainerEdits: cdispec.ContainerEdits{
				DeviceNodes: []*cdispec.DeviceNode{
					{Path: fmt.Sprintf("/dev/vfio/%d", vfioGroup)},
				},
			},
		})
	}
	return spec
}
