// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package domain

import (
	"github.com/google/uuid"

	"github.com/originull/vfioctl/pkg/model"
)

// Definition is the parameterized domain definition rendered from a
// VmProfile and handed to the daemon's "define" call. Passthrough devices
// are deliberately absent here — they are added at start time by the
// device-transfer path so the domain can fall back gracefully if the
// device turns out to be unavailable.
type Definition struct {
	Name          string         `json:"name"`
	UUID          string         `json:"uuid"`
	Firmware      string         `json:"firmware"` // "uefi" or "bios"
	Chipset       string         `json:"chipset"`  // "q35" on x86
	HideHypervisor bool          `json:"hide_hypervisor"`
	MemoryMiB     int            `json:"memory_mib"`
	Vcpus         int            `json:"vcpus"`
	CPUPinning    []int          `json:"cpu_pinning,omitempty"`
	Hugepages     bool           `json:"hugepages"`
	TPM           bool           `json:"tpm"`
	Disk          DiskDef        `json:"disk"`
	Network       NetworkDef     `json:"network"`
	SharedRegion  *SharedRegionDef `json:"shared_region,omitempty"`
}

// DiskDef is always a para-virtual bus.
type DiskDef struct {
	Path      string `json:"path"`
	SizeGiB   int    `json:"size_gib"`
	Bus       string `json:"bus"` // "virtio"
}

// NetworkDef is always a para-virtual model.
type NetworkDef struct {
	Model  string `json:"model"` // "virtio-net"
	Bridge string `json:"bridge"`
}

// SharedRegionDef sizes the display client's shared ring from the profile.
type SharedRegionDef struct {
	SizeMiB int `json:"size_mib"`
}

// alwaysHideHypervisor applies the hidden-hypervisor hints unconditionally,
// since the controller has no reliable way to detect the guest OS ahead of
// first boot and the hint is inert for guests that don't check for it.
const alwaysHideHypervisor = true

// RenderDefinition builds a Definition from profile, assigning a fresh
// UUID. bridgeName is the host bridge the profile's virtio-net device
// attaches to (see network.go).
func RenderDefinition(profile model.VmProfile, bridgeName string) Definition {
	def := Definition{
		Name:           profile.Name,
		UUID:           uuid.NewString(),
		Firmware:       profile.Firmware.String(),
		Chipset:        "q35",
		HideHypervisor: alwaysHideHypervisor,
		MemoryMiB:      profile.MemoryMiB,
		Vcpus:          profile.Vcpus,
		CPUPinning:     profile.CPUPinning,
		Hugepages:      profile.Hugepages,
		TPM:            profile.TPM,
		Disk: DiskDef{
			Path:    profile.DiskImagePath,
			SizeGiB: profile.DiskSizeGiB,
			Bus:     "virtio",
		},
		Network: NetworkDef{
			Model:  "virtio-net",
			Bridge: bridgeName,
		},
	}
	if profile.DisplaySupervisor && profile.SharedRegionMiB > 0 {
		def.SharedRegion = &SharedRegionDef{SizeMiB: profile.SharedRegionMiB}
	}
	return def
}
