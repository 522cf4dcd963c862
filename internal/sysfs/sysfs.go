// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package sysfs is a pure, side-effect free enumeration of PCI functions
// from the kernel's device tree. Every input is a filesystem read; the
// result is an immutable snapshot.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/originull/vfioctl/pkg/model"
	"github.com/originull/vfioctl/pkg/pciids"
)

const devicesRelPath = "bus/pci/devices"

// Scan enumerates every PCI function under root (normally "/sys", or a
// fake tree in tests). A missing device root is fatal; a per-function read
// error drops that function and appends a human-readable warning rather
// than aborting the whole scan.
func Scan(root string, log *logrus.Entry) ([]model.PciDevice, []string, error) {
	devicesRoot := filepath.Join(root, devicesRelPath)

	entries, err := os.ReadDir(devicesRoot)
	if err != nil {
		return nil, nil, model.NewPath(model.KindIoError, "sysfs.Scan", devicesRoot, err)
	}

	var devices []model.PciDevice
	var warnings []string

	for _, entry := range entries {
		address := entry.Name()
		dev, err := readFunction(devicesRoot, address)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("dropped PCI function %s: %v", address, err))
			if log != nil {
				log.WithField("address", address).WithError(err).Warn("dropped PCI function")
			}
			continue
		}
		devices = append(devices, dev)
	}

	return devices, warnings, nil
}

func readFunction(devicesRoot, address string) (model.PciDevice, error) {
	funcDir := filepath.Join(devicesRoot, address)

	vendorID, err := readHexAttr(funcDir, "vendor")
	if err != nil {
		return model.PciDevice{}, err
	}
	deviceID, err := readHexAttr(funcDir, "device")
	if err != nil {
		return model.PciDevice{}, err
	}
	class, err := readClassAttr(funcDir)
	if err != nil {
		return model.PciDevice{}, err
	}

	dev := model.PciDevice{
		Address:       address,
		VendorID:      vendorID,
		DeviceID:      deviceID,
		ClassCode:     class,
		VendorName:    pciids.VendorName(vendorID),
		DeviceName:    pciids.DeviceName(vendorID, deviceID),
		IsBootDisplay: readBootDisplay(funcDir),
		IommuGroup:    readIommuGroup(funcDir),
		CurrentDriver: readDriver(funcDir),
	}
	return dev, nil
}

func readHexAttr(funcDir, attr string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(funcDir, attr))
	if err != nil {
		return "", model.NewPath(model.KindIoError, "sysfs.readHexAttr", filepath.Join(funcDir, attr), err)
	}
	v := strings.TrimSpace(string(raw))
	v = strings.TrimPrefix(v, "0x")
	if v == "" {
		return "", model.New(model.KindParseError, "sysfs.readHexAttr", fmt.Errorf("empty %s", attr))
	}
	return strings.ToLower(v), nil
}

func readClassAttr(funcDir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(funcDir, "class"))
	if err != nil {
		return "", model.NewPath(model.KindIoError, "sysfs.readClassAttr", filepath.Join(funcDir, "class"), err)
	}
	v := strings.TrimSpace(string(raw))
	v = strings.TrimPrefix(v, "0x")
	if len(v) < 6 {
		return "", model.New(model.KindParseError, "sysfs.readClassAttr", fmt.Errorf("malformed class %q", v))
	}
	// The kernel reports a 6-digit class code; keep only the first 6,
	// ignoring the revision nibble some kernels append.
	return strings.ToLower(v[:6]), nil
}

// readBootDisplay looks for the "boot_vga" attribute some display drivers
// (notably i915 and the VGA arbiter) expose under sysfs. Its absence is
// not an error: most non-display functions simply don't have it.
func readBootDisplay(funcDir string) bool {
	raw, err := os.ReadFile(filepath.Join(funcDir, "boot_vga"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(raw)) == "1"
}

func readIommuGroup(funcDir string) *int {
	target, err := os.Readlink(filepath.Join(funcDir, "iommu_group"))
	if err != nil {
		return nil
	}
	base := filepath.Base(target)
	n, err := strconv.Atoi(base)
	if err != nil {
		return nil
	}
	return &n
}

func readDriver(funcDir string) string {
	target, err := os.Readlink(filepath.Join(funcDir, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}
