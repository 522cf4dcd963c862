// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/originull/vfioctl/pkg/model"
)

func iGPU() model.PciDevice {
	return model.PciDevice{
		Address: "0000:00:02.0", VendorID: "8086", DeviceID: "9bc4",
		ClassCode: "030000", IsBootDisplay: true,
	}
}

func nvidiaGPU(addr, devName string) model.PciDevice {
	return model.PciDevice{
		Address: addr, VendorID: "10de", DeviceID: "2504",
		ClassCode: "030000", DeviceName: devName,
	}
}

func TestIsIntegrated(t *testing.T) {
	assert.True(t, IsIntegrated(iGPU()))

	discrete := nvidiaGPU("0000:01:00.0", "GeForce RTX")
	assert.False(t, IsIntegrated(discrete))
}

func TestIsNVIDIA(t *testing.T) {
	assert.True(t, IsNVIDIA(nvidiaGPU("0000:01:00.0", "GeForce RTX")))
	assert.False(t, IsNVIDIA(iGPU()))
}

func TestIsCandidateExcludesBootDisplay(t *testing.T) {
	assert.False(t, IsCandidate(iGPU()))
	assert.True(t, IsCandidate(nvidiaGPU("0000:01:00.0", "GeForce RTX")))
}

func TestIsCandidateExcludesDenyListed(t *testing.T) {
	d := nvidiaGPU("0000:01:00.0", "GeForce RTX")
	SetDenyList([]string{d.VendorDevice()})
	defer SetDenyList(nil)

	assert.False(t, IsCandidate(d))
}

func TestSelectCandidateNoneAvailable(t *testing.T) {
	devices := []model.PciDevice{iGPU()}
	_, err := SelectCandidate(devices)
	require.Error(t, err)
	assert.Equal(t, model.KindNoPassthroughCandidate, model.KindOf(err))
}

func TestSelectCandidateDeterministicTieBreak(t *testing.T) {
	a := nvidiaGPU("0000:02:00.0", "GeForce RTX 4090")
	b := nvidiaGPU("0000:01:00.0", "GeForce RTX 4090")
	c := nvidiaGPU("0000:03:00.0", "GeForce RTX 3080")

	got, err := SelectCandidate([]model.PciDevice{iGPU(), a, b, c})
	require.NoError(t, err)

	// a and b share the lexically-greatest device name; the lower PCI
	// address (b) wins the tie.
	assert.Equal(t, b.Address, got.Address)
}

func TestSelectCandidateIgnoresNonDisplayDevices(t *testing.T) {
	audio := model.PciDevice{Address: "0000:01:00.1", VendorID: "10de", DeviceID: "22bc", ClassCode: "040300"}
	gpuDev := nvidiaGPU("0000:01:00.0", "GeForce RTX")

	got, err := SelectCandidate([]model.PciDevice{audio, gpuDev})
	require.NoError(t, err)
	assert.Equal(t, gpuDev.Address, got.Address)
}
