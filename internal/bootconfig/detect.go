// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package bootconfig

import (
	"os"
	"path/filepath"

	"github.com/originull/vfioctl/pkg/model"
)

const (
	bootloaderAEntriesDir = "boot/loader/entries"
	bootloaderBDefaultFile = "etc/default/grub"
)

// DetectBootloader picks the bootloader flavor present at root: a
// loader-style entries directory means flavor A, a menu-style default file
// means flavor B, and anything else is UnknownBootloader. Detection is
// exhaustive over the model.Bootloader tagged variant.
func DetectBootloader(root string) model.Bootloader {
	if info, err := os.Stat(filepath.Join(root, bootloaderAEntriesDir)); err == nil && info.IsDir() {
		return model.BootloaderA
	}
	if info, err := os.Stat(filepath.Join(root, bootloaderBDefaultFile)); err == nil && !info.IsDir() {
		return model.BootloaderB
	}
	return model.BootloaderUnknown
}

// entryFiles lists bootloader-A entry files (boot/loader/entries/*.conf).
func entryFiles(root string) ([]string, error) {
	dir := filepath.Join(root, bootloaderAEntriesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, model.NewPath(model.KindIoError, "bootconfig.entryFiles", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".conf" {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}
