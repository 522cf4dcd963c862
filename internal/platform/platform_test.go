// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCPUInfo(t *testing.T, root, vendor string) {
	t.Helper()
	path := filepath.Join(root, cpuInfoRelPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	content := "processor\t: 0\nvendor_id\t: " + vendor + "\nmodel name\t: Fake CPU\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func withFakeMemory(t *testing.T, bytes uint64) {
	t.Helper()
	prior := hostMemoryProbe
	hostMemoryProbe = func() uint64 { return bytes }
	t.Cleanup(func() { hostMemoryProbe = prior })
}

func TestProbeDetectsIntelVendor(t *testing.T) {
	root := t.TempDir()
	writeCPUInfo(t, root, VendorIntel)
	withFakeMemory(t, 16*1024*1024*1024)

	info, warnings := Probe(root)
	assert.Equal(t, VendorIntel, info.CPUVendor)
	assert.Equal(t, "intel_iommu=on iommu=pt", info.CmdlineFragment)
	assert.Equal(t, 16384, info.HostMemoryMiB)
	assert.Empty(t, warnings)
}

func TestProbeDetectsAMDVendor(t *testing.T) {
	root := t.TempDir()
	writeCPUInfo(t, root, VendorAMD)
	withFakeMemory(t, 8*1024*1024*1024)

	info, warnings := Probe(root)
	assert.Equal(t, VendorAMD, info.CPUVendor)
	assert.Equal(t, "amd_iommu=on iommu=pt", info.CmdlineFragment)
	assert.Empty(t, warnings)
}

func TestProbeFallsBackOnUnknownVendor(t *testing.T) {
	root := t.TempDir()
	writeCPUInfo(t, root, "VeryRareCPU")
	withFakeMemory(t, 4*1024*1024*1024)

	info, warnings := Probe(root)
	assert.Equal(t, "iommu=pt", info.CmdlineFragment)
	assert.NotEmpty(t, warnings)
}

func TestProbeMissingCPUInfoWarnsButDoesNotFail(t *testing.T) {
	root := t.TempDir()
	withFakeMemory(t, 4*1024*1024*1024)

	info, warnings := Probe(root)
	assert.Equal(t, "iommu=pt", info.CmdlineFragment)
	assert.NotEmpty(t, warnings)
	assert.Equal(t, "", info.CPUVendor)
}

func TestProbeKernelRingBufferTrueWhenPopulated(t *testing.T) {
	root := t.TempDir()
	writeCPUInfo(t, root, VendorIntel)
	withFakeMemory(t, 1024*1024*1024)
	require.NoError(t, os.MkdirAll(filepath.Join(root, iommuClassRelPath, "dmar0"), 0o755))

	info, _ := Probe(root)
	assert.True(t, info.IommuRuntimeActive)
}

func TestProbeKernelRingBufferFalseWhenAbsent(t *testing.T) {
	root := t.TempDir()
	writeCPUInfo(t, root, VendorIntel)
	withFakeMemory(t, 1024*1024*1024)

	info, _ := Probe(root)
	assert.False(t, info.IommuRuntimeActive)
}
