// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package bootconfig

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/originull/vfioctl/pkg/model"
)

// writeFileAtomic writes to a sibling temp file on the same filesystem,
// fsyncs it, renames over the target, then fsyncs the containing
// directory. Any failure before the final rename leaves the original file
// unchanged.
func writeFileAtomic(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.NewPath(model.KindIoError, "bootconfig.writeFileAtomic", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return model.NewPath(model.KindIoError, "bootconfig.writeFileAtomic", dir, err)
	}
	tmpPath := tmp.Name()
	// Ensure the temp file never survives a failure before rename.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return model.NewPath(model.KindIoError, "bootconfig.writeFileAtomic", tmpPath, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return model.NewPath(model.KindIoError, "bootconfig.writeFileAtomic", tmpPath, err)
	}
	if err := unix.Fsync(int(tmp.Fd())); err != nil {
		tmp.Close()
		return model.NewPath(model.KindIoError, "bootconfig.writeFileAtomic", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return model.NewPath(model.KindIoError, "bootconfig.writeFileAtomic", tmpPath, err)
	}

	if err := unix.Rename(tmpPath, path); err != nil {
		return model.NewPath(model.KindIoError, "bootconfig.writeFileAtomic", path, err)
	}
	succeeded = true

	return fsyncDir(dir)
}

// fsyncDir fsyncs the directory itself so the rename is durable, not just
// the file contents.
func fsyncDir(dir string) error {
	dirFd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return model.NewPath(model.KindIoError, "bootconfig.fsyncDir", dir, err)
	}
	defer unix.Close(dirFd)
	if err := unix.Fsync(dirFd); err != nil {
		return model.NewPath(model.KindIoError, "bootconfig.fsyncDir", dir, err)
	}
	return nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.NewPath(model.KindIoError, "bootconfig.ensureDir", dir, err)
	}
	return nil
}

// readFileOrEmpty reads path, returning an empty slice (not an error) if
// it does not yet exist, since several targets (modprobe config, initramfs
// config) are created fresh on first apply.
func readFileOrEmpty(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, model.NewPath(model.KindIoError, "bootconfig.readFileOrEmpty", path, err)
	}
	return b, nil
}
