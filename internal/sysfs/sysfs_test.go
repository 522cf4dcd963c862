// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sysfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFunction(t *testing.T, devicesRoot, address string, attrs map[string]string) {
	t.Helper()
	dir := filepath.Join(devicesRoot, address)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range attrs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func TestScanReadsVendorDeviceAndClass(t *testing.T) {
	root := t.TempDir()
	devicesRoot := filepath.Join(root, devicesRelPath)
	writeFunction(t, devicesRoot, "0000:01:00.0", map[string]string{
		"vendor": "0x10de",
		"device": "0x2504",
		"class":  "0x030000",
	})

	devices, warnings, err := Scan(root, nil)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, devices, 1)

	dev := devices[0]
	assert.Equal(t, "0000:01:00.0", dev.Address)
	assert.Equal(t, "10de", dev.VendorID)
	assert.Equal(t, "2504", dev.DeviceID)
	assert.Equal(t, "030000", dev.ClassCode)
}

func TestScanTruncatesRevisionNibbleInClass(t *testing.T) {
	root := t.TempDir()
	devicesRoot := filepath.Join(root, devicesRelPath)
	writeFunction(t, devicesRoot, "0000:01:00.1", map[string]string{
		"vendor": "0x10de",
		"device": "0x228b",
		"class":  "0x040300a1",
	})

	devices, _, err := Scan(root, nil)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "040300", devices[0].ClassCode)
}

func TestScanDropsFunctionWithMissingAttrAndWarns(t *testing.T) {
	root := t.TempDir()
	devicesRoot := filepath.Join(root, devicesRelPath)
	writeFunction(t, devicesRoot, "0000:02:00.0", map[string]string{
		"vendor": "0x8086",
		// device and class deliberately missing
	})
	writeFunction(t, devicesRoot, "0000:01:00.0", map[string]string{
		"vendor": "0x10de",
		"device": "0x2504",
		"class":  "0x030000",
	})

	devices, warnings, err := Scan(root, nil)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "0000:01:00.0", devices[0].Address)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "0000:02:00.0")
}

func TestScanMissingDevicesRootIsFatal(t *testing.T) {
	root := t.TempDir()
	_, _, err := Scan(root, nil)
	assert.Error(t, err)
}

func TestScanDetectsBootDisplay(t *testing.T) {
	root := t.TempDir()
	devicesRoot := filepath.Join(root, devicesRelPath)
	writeFunction(t, devicesRoot, "0000:01:00.0", map[string]string{
		"vendor":   "0x10de",
		"device":   "0x2504",
		"class":    "0x030000",
		"boot_vga": "1",
	})
	writeFunction(t, devicesRoot, "0000:02:00.0", map[string]string{
		"vendor":   "0x10de",
		"device":   "0x2504",
		"class":    "0x030000",
		"boot_vga": "0",
	})

	devices, _, err := Scan(root, nil)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	byAddr := map[string]bool{}
	for _, d := range devices {
		byAddr[d.Address] = d.IsBootDisplay
	}
	assert.True(t, byAddr["0000:01:00.0"])
	assert.False(t, byAddr["0000:02:00.0"])
}

func TestScanResolvesIommuGroupAndDriverSymlinks(t *testing.T) {
	root := t.TempDir()
	devicesRoot := filepath.Join(root, devicesRelPath)
	writeFunction(t, devicesRoot, "0000:01:00.0", map[string]string{
		"vendor": "0x10de",
		"device": "0x2504",
		"class":  "0x030000",
	})

	groupsDir := filepath.Join(root, "kernel", "iommu_groups", "7")
	require.NoError(t, os.MkdirAll(groupsDir, 0o755))
	require.NoError(t, os.Symlink(groupsDir, filepath.Join(devicesRoot, "0000:01:00.0", "iommu_group")))

	driverDir := filepath.Join(root, "bus", "pci", "drivers", "nvidia")
	require.NoError(t, os.MkdirAll(driverDir, 0o755))
	require.NoError(t, os.Symlink(driverDir, filepath.Join(devicesRoot, "0000:01:00.0", "driver")))

	devices, _, err := Scan(root, nil)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.NotNil(t, devices[0].IommuGroup)
	assert.Equal(t, 7, *devices[0].IommuGroup)
	assert.Equal(t, "nvidia", devices[0].CurrentDriver)
}

func TestScanWithoutIommuGroupOrDriverLeavesZeroValues(t *testing.T) {
	root := t.TempDir()
	devicesRoot := filepath.Join(root, devicesRelPath)
	writeFunction(t, devicesRoot, "0000:01:00.0", map[string]string{
		"vendor": "0x10de",
		"device": "0x2504",
		"class":  "0x030000",
	})

	devices, _, err := Scan(root, nil)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Nil(t, devices[0].IommuGroup)
	assert.Equal(t, "", devices[0].CurrentDriver)
}
