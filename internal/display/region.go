// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package display manages shared-region lifecycle and client-process
// monitoring for a domain's display client.
package display

import (
	"os"

	"github.com/originull/vfioctl/pkg/model"
)

// createRegion creates the shared region file at path with the given
// size, owner, and mode: size from the profile, owner uid/gid from the
// invoking session, mode 0660.
func createRegion(region model.SharedRegion) error {
	f, err := os.OpenFile(region.Path, os.O_CREATE|os.O_RDWR|os.O_EXCL, os.FileMode(region.Mode))
	if err != nil {
		return model.NewPath(model.KindIoError, "display.createRegion", region.Path, err)
	}
	defer f.Close()

	// OpenFile's mode is filtered by the umask; set it explicitly.
	if err := f.Chmod(os.FileMode(region.Mode)); err != nil {
		return model.NewPath(model.KindIoError, "display.createRegion", region.Path, err)
	}
	if err := f.Truncate(int64(region.SizeMiB) * 1024 * 1024); err != nil {
		return model.NewPath(model.KindIoError, "display.createRegion", region.Path, err)
	}
	if err := f.Chown(region.UID, region.GID); err != nil {
		return model.NewPath(model.KindIoError, "display.createRegion", region.Path, err)
	}
	return nil
}

// unlinkRegion removes the region file; called only after the client
// process has exited.
func unlinkRegion(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return model.NewPath(model.KindIoError, "display.unlinkRegion", path, err)
	}
	return nil
}
