// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package iommu

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/originull/vfioctl/pkg/model"
)

func writeGroup(t *testing.T, root string, gid int, members ...string) {
	t.Helper()
	dir := filepath.Join(root, groupsRelPath, strconv.Itoa(gid), "devices")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, m := range members {
		require.NoError(t, os.WriteFile(filepath.Join(dir, m), nil, 0o644))
	}
}

func TestReadMissingTreeIsIommuDisabled(t *testing.T) {
	root := t.TempDir()
	_, err := Read(root)
	require.Error(t, err)
	assert.Equal(t, model.KindIommuDisabled, model.KindOf(err))
}

func TestReadAndGroupOf(t *testing.T) {
	root := t.TempDir()
	writeGroup(t, root, 1, "0000:01:00.0", "0000:01:00.1")

	tree, err := Read(root)
	require.NoError(t, err)
	require.Equal(t, 1, tree.GroupCount())

	classOf := func(addr string) (string, bool) {
		switch addr {
		case "0000:01:00.0":
			return model.ClassPrefixDisplay, true
		case "0000:01:00.1":
			return model.ClassPrefixAudio, true
		}
		return "", false
	}

	group, ok := tree.GroupOf("0000:01:00.0", classOf)
	require.True(t, ok)
	assert.True(t, group.IsClean)
	assert.ElementsMatch(t, []string{"0000:01:00.0", "0000:01:00.1"}, group.Members)
}

func TestGroupOfUngroupedAddress(t *testing.T) {
	root := t.TempDir()
	writeGroup(t, root, 1, "0000:01:00.0")

	tree, err := Read(root)
	require.NoError(t, err)

	_, ok := tree.GroupOf("0000:09:00.0", func(string) (string, bool) { return "", false })
	assert.False(t, ok)
}

func TestIsCleanContaminatedByNonAllowedClass(t *testing.T) {
	root := t.TempDir()
	writeGroup(t, root, 2, "0000:02:00.0", "0000:02:00.1")

	tree, err := Read(root)
	require.NoError(t, err)

	classOf := func(addr string) (string, bool) {
		if addr == "0000:02:00.0" {
			return model.ClassPrefixDisplay, true
		}
		return "02", true // network controller, not display/audio/bridge
	}

	group, ok := tree.GroupOf("0000:02:00.0", classOf)
	require.True(t, ok)
	assert.False(t, group.IsClean)
}

func TestIsCleanUnknownClassIsContaminating(t *testing.T) {
	root := t.TempDir()
	writeGroup(t, root, 3, "0000:03:00.0")

	tree, err := Read(root)
	require.NoError(t, err)

	group, ok := tree.GroupOf("0000:03:00.0", func(string) (string, bool) { return "", false })
	require.True(t, ok)
	assert.False(t, group.IsClean)
}
