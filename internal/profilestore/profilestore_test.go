// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package profilestore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/originull/vfioctl/pkg/model"
)

func withTempConfigHome(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	withTempConfigHome(t)

	profile := model.VmProfile{
		Name:              "win10",
		MemoryMiB:         8192,
		Vcpus:             6,
		CPUPinning:        []int{2, 3, 4, 5, 6, 7},
		Hugepages:         true,
		Passthrough:       &model.PassthroughConfig{GPUAddress: "0000:01:00.0", AudioAddress: "0000:01:00.1"},
		SharedRegionMiB:   64,
		DiskImagePath:     "/var/lib/vfioctl/images/win10.qcow2",
		DiskSizeGiB:       120,
		Firmware:          model.FirmwareUEFI,
		TPM:               true,
		DisplaySupervisor: true,
	}

	require.NoError(t, Save(profile))

	got, err := Load("win10")
	require.NoError(t, err)
	assert.Equal(t, profile, got)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	withTempConfigHome(t)
	dir, err := Dir()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	content := "name = \"win10\"\nmemory_mib = 8192\nvcpus = 4\ndisk_image_path = \"/x.qcow2\"\ndisk_size_gib = 40\nfirmware = \"uefi\"\nbogus_key = true\n"
	require.NoError(t, os.WriteFile(dir+"/win10.toml", []byte(content), 0o644))

	_, err = Load("win10")
	require.Error(t, err)
	assert.Equal(t, model.KindParseError, model.KindOf(err))
}

func TestListAndDelete(t *testing.T) {
	withTempConfigHome(t)

	require.NoError(t, Save(model.VmProfile{Name: "a", Firmware: model.FirmwareUEFI}))
	require.NoError(t, Save(model.VmProfile{Name: "b", Firmware: model.FirmwareUEFI}))

	names, err := List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)

	require.NoError(t, Delete("a"))
	names, err = List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b"}, names)
}
