// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package planner

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/originull/vfioctl/internal/iommu"
	"github.com/originull/vfioctl/internal/platform"
	"github.com/originull/vfioctl/pkg/model"
)

func writeIommuGroup(t *testing.T, root string, gid int, members ...string) {
	t.Helper()
	dir := filepath.Join(root, "kernel", "iommu_groups", strconv.Itoa(gid), "devices")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, m := range members {
		require.NoError(t, os.WriteFile(filepath.Join(dir, m), nil, 0o644))
	}
}

func TestPlanNoCandidate(t *testing.T) {
	_, err := Plan(Inputs{
		Scan:           []model.PciDevice{{Address: "0000:00:02.0", VendorID: "8086", ClassCode: "030000", IsBootDisplay: true}},
		Platform:       platform.Info{},
		BootloaderKind: model.BootloaderA,
	})
	require.Error(t, err)
	assert.Equal(t, model.KindNoPassthroughCandidate, model.KindOf(err))
}

func TestPlanHappyPathWithAudioPeer(t *testing.T) {
	root := t.TempDir()
	writeIommuGroup(t, root, 5, "0000:01:00.0", "0000:01:00.1")

	tree, err := iommu.Read(root)
	require.NoError(t, err)

	scan := []model.PciDevice{
		{Address: "0000:01:00.0", VendorID: "10de", DeviceID: "2504", ClassCode: "030000", DeviceName: "GeForce RTX"},
		{Address: "0000:01:00.1", VendorID: "10de", DeviceID: "228b", ClassCode: "040300", DeviceName: "GeForce RTX Audio"},
	}

	plan, err := Plan(Inputs{
		Scan:           scan,
		IommuTree:      tree,
		Platform:       platform.Info{CmdlineFragment: "intel_iommu=on iommu=pt", IommuRuntimeActive: true},
		BootloaderKind: model.BootloaderA,
	})
	require.NoError(t, err)
	require.NoError(t, plan.Validate())

	assert.Equal(t, "0000:01:00.0", plan.TargetGPU.Address)
	assert.Equal(t, []string{"10de:2504", "10de:228b"}, plan.RebindIDs)
	assert.Empty(t, plan.Warnings)
}

func TestPlanWarnsOnContaminatedGroup(t *testing.T) {
	root := t.TempDir()
	writeIommuGroup(t, root, 6, "0000:02:00.0", "0000:02:00.1")

	tree, err := iommu.Read(root)
	require.NoError(t, err)

	scan := []model.PciDevice{
		{Address: "0000:02:00.0", VendorID: "10de", DeviceID: "2504", ClassCode: "030000", DeviceName: "GeForce RTX"},
		{Address: "0000:02:00.1", VendorID: "8086", DeviceID: "1533", ClassCode: "020000", DeviceName: "Ethernet"},
	}

	plan, err := Plan(Inputs{
		Scan:           scan,
		IommuTree:      tree,
		Platform:       platform.Info{IommuRuntimeActive: true},
		BootloaderKind: model.BootloaderA,
	})
	require.NoError(t, err)
	require.NotEmpty(t, plan.Warnings)
}

func TestPlanWarnsWhenIommuTreeNil(t *testing.T) {
	scan := []model.PciDevice{
		{Address: "0000:01:00.0", VendorID: "10de", DeviceID: "2504", ClassCode: "030000", DeviceName: "GeForce RTX"},
	}
	plan, err := Plan(Inputs{Scan: scan, BootloaderKind: model.BootloaderA})
	require.NoError(t, err)
	assert.NotEmpty(t, plan.Warnings)
}

func TestToCDISpec(t *testing.T) {
	scan := []model.PciDevice{
		{Address: "0000:01:00.0", VendorID: "10de", DeviceID: "2504", ClassCode: "030000", DeviceName: "GeForce RTX"},
	}
	plan, err := Plan(Inputs{Scan: scan, BootloaderKind: model.BootloaderA})
	require.NoError(t, err)

	spec := ToCDISpec(plan, 42)
	require.Len(t, spec.Devices, 1)
	assert.Equal(t, "/dev/vfio/42", spec.Devices[0].ContainerEdits.DeviceNodes[0].Path)
}
