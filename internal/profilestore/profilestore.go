// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package profilestore persists VmProfiles as TOML documents under the
// per-user XDG config directory.
package profilestore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/originull/vfioctl/pkg/model"
)

const productDirName = "vfioctl"

// tomlProfile mirrors model.VmProfile's field set for the on-disk
// document; kept as a separate type (rather than tags on model.VmProfile
// itself) since the wire/storage shape and the in-memory shape are
// allowed to diverge without forcing unrelated packages to import toml.
type tomlProfile struct {
	Name              string `toml:"name"`
	MemoryMiB         int    `toml:"memory_mib"`
	Vcpus             int    `toml:"vcpus"`
	CPUPinning        []int  `toml:"cpu_pinning,omitempty"`
	Hugepages         bool   `toml:"hugepages"`
	PassthroughGPU    string `toml:"passthrough_gpu,omitempty"`
	PassthroughAudio  string `toml:"passthrough_audio,omitempty"`
	SharedRegionMiB   int    `toml:"shared_region_mib,omitempty"`
	DiskImagePath     string `toml:"disk_image_path"`
	DiskSizeGiB       int    `toml:"disk_size_gib"`
	Firmware          string `toml:"firmware"`
	TPM               bool   `toml:"tpm"`
	DisplaySupervisor bool   `toml:"display_supervisor"`
	ChannelPSK        string `toml:"channel_psk,omitempty"`
}

func toToml(p model.VmProfile) tomlProfile {
	t := tomlProfile{
		Name:              p.Name,
		MemoryMiB:         p.MemoryMiB,
		Vcpus:             p.Vcpus,
		CPUPinning:        p.CPUPinning,
		Hugepages:         p.Hugepages,
		SharedRegionMiB:   p.SharedRegionMiB,
		DiskImagePath:     p.DiskImagePath,
		DiskSizeGiB:       p.DiskSizeGiB,
		Firmware:          p.Firmware.String(),
		TPM:               p.TPM,
		DisplaySupervisor: p.DisplaySupervisor,
		ChannelPSK:        p.ChannelPSK,
	}
	if p.Passthrough != nil {
		t.PassthroughGPU = p.Passthrough.GPUAddress
		t.PassthroughAudio = p.Passthrough.AudioAddress
	}
	return t
}

func fromToml(t tomlProfile) (model.VmProfile, error) {
	p := model.VmProfile{
		Name:              t.Name,
		MemoryMiB:         t.MemoryMiB,
		Vcpus:             t.Vcpus,
		CPUPinning:        t.CPUPinning,
		Hugepages:         t.Hugepages,
		SharedRegionMiB:   t.SharedRegionMiB,
		DiskImagePath:     t.DiskImagePath,
		DiskSizeGiB:       t.DiskSizeGiB,
		TPM:               t.TPM,
		DisplaySupervisor: t.DisplaySupervisor,
		ChannelPSK:        t.ChannelPSK,
	}
	switch t.Firmware {
	case "uefi", "":
		p.Firmware = model.FirmwareUEFI
	case "bios":
		p.Firmware = model.FirmwareBIOS
	default:
		return model.VmProfile{}, model.New(model.KindParseError, "profilestore.fromToml", fmt.Errorf("unknown firmware %q", t.Firmware))
	}
	if t.PassthroughGPU != "" {
		p.Passthrough = &model.PassthroughConfig{GPUAddress: t.PassthroughGPU, AudioAddress: t.PassthroughAudio}
	}
	return p, nil
}

// Dir returns the profile storage directory, honoring XDG_CONFIG_HOME
// with a fallback to ~/.config.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", model.New(model.KindIoError, "profilestore.Dir", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, productDirName, "profiles"), nil
}

func pathFor(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name+".toml"), nil
}

// Save writes profile to <config>/profiles/<name>.toml.
func Save(profile model.VmProfile) error {
	path, err := pathFor(profile.Name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return model.NewPath(model.KindIoError, "profilestore.Save", filepath.Dir(path), err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return model.NewPath(model.KindIoError, "profilestore.Save", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(toToml(profile)); err != nil {
		return model.NewPath(model.KindIoError, "profilestore.Save", path, err)
	}
	return nil
}

// Load reads <config>/profiles/<name>.toml, rejecting any key not in the
// known VmProfile field set.
func Load(name string) (model.VmProfile, error) {
	path, err := pathFor(name)
	if err != nil {
		return model.VmProfile{}, err
	}

	var t tomlProfile
	meta, err := toml.DecodeFile(path, &t)
	if err != nil {
		return model.VmProfile{}, model.NewPath(model.KindParseError, "profilestore.Load", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return model.VmProfile{}, model.NewPath(model.KindParseError, "profilestore.Load", path, fmt.Errorf("unknown key %q", undecoded[0].String()))
	}
	return fromToml(t)
}

// List returns the names of every stored profile.
func List() ([]string, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, model.NewPath(model.KindIoError, "profilestore.List", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".toml" {
			names = append(names, e.Name()[:len(e.Name())-len(".toml")])
		}
	}
	return names, nil
}

// Delete removes a stored profile.
func Delete(name string) error {
	path, err := pathFor(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return model.NewPath(model.KindIoError, "profilestore.Delete", path, err)
	}
	return nil
}
