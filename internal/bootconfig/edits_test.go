// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package bootconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/originull/vfioctl/pkg/model"
)

func TestRenderModprobeConf(t *testing.T) {
	plan := &model.PassthroughPlan{
		RebindIDs:         []string{"10de:2504", "10de:228b"},
		DriverPreemptList: []string{"nvidia", "nouveau"},
	}
	got := string(renderModprobeConf(plan))

	assert.Contains(t, got, "options vfio-pci ids=10de:2504,10de:228b\n")
	assert.Contains(t, got, "softdep nvidia pre: vfio-pci\n")
	assert.Contains(t, got, "softdep nouveau pre: vfio-pci\n")
	assert.True(t, got[len(got)-1] == '\n')
}

func TestRenderInitramfsConfigReplacesModulesTokenOnly(t *testing.T) {
	existing := []byte("MODULES=(foo bar)\nHOOKS=(base udev)\n")
	got := string(renderInitramfsConfig(existing, []string{"vfio_pci", "vfio"}))

	assert.Contains(t, got, "MODULES=(vfio_pci vfio)")
	assert.Contains(t, got, "HOOKS=(base udev)")
	assert.NotContains(t, got, "foo bar")
}

func TestRenderInitramfsConfigAppendsWhenMissing(t *testing.T) {
	existing := []byte("HOOKS=(base udev)\n")
	got := string(renderInitramfsConfig(existing, []string{"vfio_pci"}))
	assert.Contains(t, got, "MODULES=(vfio_pci)")
	assert.Contains(t, got, "HOOKS=(base udev)")
}

func TestAppendOptionsFragmentIdempotent(t *testing.T) {
	existing := []byte("title My Kernel\noptions root=/dev/sda1 ro\n")
	once := appendOptionsFragment(existing, "intel_iommu=on iommu=pt")
	twice := appendOptionsFragment(once, "intel_iommu=on iommu=pt")

	assert.Equal(t, once, twice)
	assert.Contains(t, string(once), "intel_iommu=on iommu=pt")
}

func TestAppendOptionsFragmentNoExistingLine(t *testing.T) {
	existing := []byte("title My Kernel\n")
	got := appendOptionsFragment(existing, "intel_iommu=on iommu=pt")
	assert.Contains(t, string(got), "options intel_iommu=on iommu=pt")
}

func TestAppendDefaultArgsFragmentIdempotent(t *testing.T) {
	existing := []byte(GrubDefaultArgsKey + "=\"quiet splash\"\n")
	once := appendDefaultArgsFragment(existing, GrubDefaultArgsKey, "amd_iommu=on iommu=pt")
	twice := appendDefaultArgsFragment(once, GrubDefaultArgsKey, "amd_iommu=on iommu=pt")

	assert.Equal(t, once, twice)
	assert.Contains(t, string(once), "quiet splash amd_iommu=on iommu=pt")
}

func TestHasTokenMatchesMultiWordFragmentAsContiguousRun(t *testing.T) {
	assert.True(t, hasToken("quiet splash intel_iommu=on iommu=pt", "intel_iommu=on iommu=pt"))
	assert.False(t, hasToken("quiet intel_iommu=on splash iommu=pt", "intel_iommu=on iommu=pt"))
	assert.False(t, hasToken("quiet splash", "intel_iommu=on iommu=pt"))
}
