// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package gpu distinguishes integrated from discrete GPUs, identifies the
// boot display adapter, and selects a deterministic passthrough candidate.
package gpu

import (
	"fmt"
	"sort"
	"strings"

	"gitlab.com/nvidia/cloud-native/go-nvlib/pkg/nvpci"

	"github.com/originull/vfioctl/pkg/model"
)

// integratedVendors is the known iGPU-vendor table; a display controller
// from one of these vendors that is also the boot display is integrated.
var integratedVendors = map[string]bool{
	"8086": true, // Intel
	"1002": true, // AMD APUs also expose an integrated display controller
}

// denyList holds vendor:device pairs known to be incompatible with
// passthrough (e.g. GPUs that panic or hang when their driver is unbound).
// Empty by default; replaced wholesale via SetDenyList.
var denyList = map[string]bool{}

// SetDenyList replaces the deny-list used by IsCandidate, for callers that
// load one from a config file.
func SetDenyList(vendorDevicePairs []string) {
	denyList = make(map[string]bool, len(vendorDevicePairs))
	for _, vd := range vendorDevicePairs {
		denyList[vd] = true
	}
}

// DisplayControllers filters a scan down to devices whose base class is
// "display controller".
func DisplayControllers(devices []model.PciDevice) []model.PciDevice {
	var out []model.PciDevice
	for _, d := range devices {
		if d.BaseClass() == model.ClassPrefixDisplay {
			out = append(out, d)
		}
	}
	return out
}

// nvidiaVendorHex is the go-nvlib-recognized NVIDIA vendor ID, used to
// flag NVIDIA discrete GPUs precisely instead of relying solely on the
// bundled pci.ids text table.
var nvidiaVendorHex = fmt.Sprintf("%04x", nvpci.PCINvidiaVendorID)

// IsNVIDIA reports whether d is recognized as an NVIDIA device by the
// same vendor ID go-nvlib's PCI detector matches against.
func IsNVIDIA(d model.PciDevice) bool {
	return strings.ToLower(d.VendorID) == nvidiaVendorHex
}

// IsIntegrated reports whether d is an integrated GPU: its vendor is on
// the known iGPU-vendor table and it is the boot display.
func IsIntegrated(d model.PciDevice) bool {
	return integratedVendors[strings.ToLower(d.VendorID)] && d.IsBootDisplay
}

// IsCandidate reports whether d is eligible as a discrete passthrough
// candidate: not the boot display, and not on the deny-list.
func IsCandidate(d model.PciDevice) bool {
	if d.IsBootDisplay {
		return false
	}
	return !denyList[d.VendorDevice()]
}

// NoCandidate is returned by SelectCandidate when no discrete passthrough
// candidate exists among the scanned display controllers.
var NoCandidate = model.ErrKind(model.KindNoPassthroughCandidate)

// SelectCandidate picks the passthrough candidate deterministically: when
// several display controllers are eligible, the one with the
// lexically-greatest device name wins; ties are broken by the lower PCI
// address. This tie-break is documented here because it is otherwise an
// arbitrary choice a reader could not infer from the code alone.
func SelectCandidate(devices []model.PciDevice) (*model.PciDevice, error) {
	var candidates []model.PciDevice
	for _, d := range DisplayControllers(devices) {
		if IsCandidate(d) {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return nil, model.New(model.KindNoPassthroughCandidate, "gpu.SelectCandidate", nil)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].DeviceName != candidates[j].DeviceName {
			return candidates[i].DeviceName > candidates[j].DeviceName
		}
		return candidates[i].Address < candidates[j].Address
	})

	winner := candidates[0]
	return &winner, nil
}
