// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package model holds the data types shared across every component:
// PciDevice, IommuGroup, PassthroughPlan, Domain, VmProfile, SharedRegion
// and the guest-channel ChannelState, plus the discriminated error
// taxonomy in errors.go.
package model

import "fmt"

// PciDevice is one PCI function discovered by a sysfs scan. Immutable for
// the lifetime of a scan.
type PciDevice struct {
	Address       string // domain:bus:device.function, e.g. "0000:01:00.0"
	VendorID      string // 4 hex digits, lowercase
	DeviceID      string // 4 hex digits, lowercase
	ClassCode     string // 6 hex digits, e.g. "030000"
	VendorName    string
	DeviceName    string
	IsBootDisplay bool
	IommuGroup    *int // nil if the device has no IOMMU group
	CurrentDriver string
}

// VendorDevice returns the "vendor:device" identity used for rebind_ids.
func (d PciDevice) VendorDevice() string {
	return fmt.Sprintf("%s:%s", d.VendorID, d.DeviceID)
}

// ClassPrefix classes are 6 hex digit codes; callers compare against the
// 2-digit base class (first two hex digits) for "display", "audio", "bridge".
const (
	ClassPrefixDisplay = "03"
	ClassPrefixAudio   = "04"
	ClassPrefixBridge  = "06"
)

// BaseClass returns the two-digit base class of the device, or "" if the
// class code is malformed.
func (d PciDevice) BaseClass() string {
	if len(d.ClassCode) < 2 {
		return ""
	}
	return d.ClassCode[:2]
}

// IommuGroup is a set of PciDevice addresses sharing an isolation domain.
type IommuGroup struct {
	GroupID int
	Members []string // PCI addresses
	IsClean bool
}

// Bootloader is an exhaustive tagged variant, used in place of duck-typed
// bootloader dispatch.
type Bootloader int

const (
	BootloaderUnknown Bootloader = iota
	BootloaderA                  // loader-style entries directory (systemd-boot-like)
	BootloaderB                  // menu-style default file (grub-like)
)

func (b Bootloader) String() string {
	switch b {
	case BootloaderA:
		return "A"
	case BootloaderB:
		return "B"
	default:
		return "unknown"
	}
}

// PassthroughPlan is the immutable output of the passthrough planner.
type PassthroughPlan struct {
	TargetGPU             *PciDevice
	RebindIDs             []string // ordered, GPU first
	DriverPreemptList     []string
	InitramfsModules      []string
	KernelCmdlineFragment string
	BootloaderKind        Bootloader
	Warnings              []string
}

// Validate checks the plan-soundness invariant: rebind_ids is non-empty
// iff target_gpu is set, and rebind_ids[0] is the candidate's
// vendor:device.
func (p *PassthroughPlan) Validate() error {
	if p.TargetGPU == nil {
		if len(p.RebindIDs) != 0 {
			return New(KindBug, "plan.Validate", fmt.Errorf("rebind_ids non-empty with no target_gpu"))
		}
		return nil
	}
	if len(p.RebindIDs) == 0 {
		return New(KindBug, "plan.Validate", fmt.Errorf("target_gpu set but rebind_ids empty"))
	}
	if p.RebindIDs[0] != p.TargetGPU.VendorDevice() {
		return New(KindBug, "plan.Validate", fmt.Errorf("rebind_ids[0]=%q != target gpu %q", p.RebindIDs[0], p.TargetGPU.VendorDevice()))
	}
	return nil
}

// DomainState is the exhaustive state-machine tag for a Domain.
type DomainState int

const (
	DomainOff DomainState = iota
	DomainStarting
	DomainRunning
	DomainPaused
	DomainStopping
	DomainCrashed
)

func (s DomainState) String() string {
	switch s {
	case DomainOff:
		return "off"
	case DomainStarting:
		return "starting"
	case DomainRunning:
		return "running"
	case DomainPaused:
		return "paused"
	case DomainStopping:
		return "stopping"
	case DomainCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Domain is a virtual machine record held by the virtualization daemon.
type Domain struct {
	Name         string
	UUID         string
	State        DomainState
	MemoryMiB    int
	Vcpus        int
	HasPassthrough bool
	AttachedPCI  []string
}

// PassthroughConfig names the GPU (and optional audio peer) a profile wants
// attached at start time.
type PassthroughConfig struct {
	GPUAddress   string
	AudioAddress string // optional, empty if none
}

// VmProfile is the declarative template a Domain is defined from.
type VmProfile struct {
	Name              string
	MemoryMiB         int
	Vcpus             int
	CPUPinning        []int
	Hugepages         bool
	Passthrough       *PassthroughConfig // nil if no passthrough requested
	SharedRegionMiB   int
	DiskImagePath     string
	DiskSizeGiB       int
	Firmware          FirmwareType
	TPM               bool
	DisplaySupervisor bool
	ChannelPSK        string // optional; empty selects the keypair handshake
}

// FirmwareType is the exhaustive tagged variant for VmProfile.Firmware.
type FirmwareType int

const (
	FirmwareUEFI FirmwareType = iota
	FirmwareBIOS
)

func (f FirmwareType) String() string {
	if f == FirmwareUEFI {
		return "uefi"
	}
	return "bios"
}

// SharedRegion is the host-visible shared ring used by the display client.
type SharedRegion struct {
	Path  string
	SizeMiB int
	UID   int
	GID   int
	Mode  uint32
}

// ChannelState is the exhaustive state tag for a GuestChannel.
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelHandshaking
	ChannelAuthenticated
	ChannelClosingState
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "closed"
	case ChannelHandshaking:
		return "handshaking"
	case ChannelAuthenticated:
		return "authenticated"
	case ChannelClosingState:
		return "closing"
	default:
		return "unknown"
	}
}

// MaxMessageBytes is the default per-message ceiling for the guest channel.
const MaxMessageBytes = 64 * 1024

// InstallMethod is an exhaustive tagged variant for the broader product;
// no code in the core produces or switches over it, and the type is
// exhaustive so a caller (e.g. the profile store) can switch over it
// without a default case.
type InstallMethod int

const (
	InstallNative InstallMethod = iota
	InstallCompatibilityLayer
	InstallVMPassthrough
	InstallVMMacOS
	InstallWeb
)
