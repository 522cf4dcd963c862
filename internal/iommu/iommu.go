// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package iommu reads the kernel's IOMMU group tree directly — this is the
// authoritative view, not derived from a PCI bus scan — and classifies
// each group as clean or contaminated for passthrough purposes.
package iommu

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/originull/vfioctl/pkg/model"
)

const groupsRelPath = "kernel/iommu_groups"

// Tree is the group-id -> member-addresses mapping read from the kernel's
// IOMMU tree. The class lookup used to compute cleanliness is passed to
// GroupOf/Group per call.
type Tree struct {
	groups map[int][]string // group id -> member PCI addresses
}

// ClassLookup resolves a PCI address to its 2-digit base class code.
// The group cleanliness rule only needs the base class, so this is the
// minimal contract this package needs from a PCI scan result — it never
// needs the rest of PciDevice.
type ClassLookup func(address string) (baseClass string, ok bool)

// Read walks root's IOMMU group tree. A missing tree root means IOMMU is
// disabled in the kernel; that is reported as KindIommuDisabled, not a
// generic IoError, so the planner can convert it into a warning and
// continue.
func Read(root string) (*Tree, error) {
	groupsRoot := filepath.Join(root, groupsRelPath)

	entries, err := os.ReadDir(groupsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.New(model.KindIommuDisabled, "iommu.Read", err)
		}
		return nil, model.NewPath(model.KindIoError, "iommu.Read", groupsRoot, err)
	}

	t := &Tree{groups: make(map[int][]string)}
	for _, entry := range entries {
		gid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		devicesDir := filepath.Join(groupsRoot, entry.Name(), "devices")
		members, err := os.ReadDir(devicesDir)
		if err != nil {
			continue
		}
		addrs := make([]string, 0, len(members))
		for _, m := range members {
			addrs = append(addrs, m.Name())
		}
		sort.Strings(addrs)
		t.groups[gid] = addrs
	}
	return t, nil
}

// GroupOf returns the IommuGroup containing address, computing is_clean
// via classOf. It returns (nil, false) if address has no group — callers
// treat that as "ungrouped", not an error.
func (t *Tree) GroupOf(address string, classOf ClassLookup) (*model.IommuGroup, bool) {
	for gid, members := range t.groups {
		for _, m := range members {
			if m == address {
				return t.buildGroup(gid, members, classOf), true
			}
		}
	}
	return nil, false
}

// Group returns the IommuGroup for a known group id, or (nil, false) if no
// such group exists in the tree.
func (t *Tree) Group(groupID int, classOf ClassLookup) (*model.IommuGroup, bool) {
	members, ok := t.groups[groupID]
	if !ok {
		return nil, false
	}
	return t.buildGroup(groupID, members, classOf), true
}

func (t *Tree) buildGroup(gid int, members []string, classOf ClassLookup) *model.IommuGroup {
	g := &model.IommuGroup{GroupID: gid, Members: append([]string(nil), members...)}
	g.IsClean = isClean(members, classOf)
	return g
}

// isClean holds when every member's class lies in {display controller,
// audio device, PCI bridge} — the set a GPU's own functions occupy.
func isClean(members []string, classOf ClassLookup) bool {
	for _, addr := range members {
		base, ok := classOf(addr)
		if !ok {
			// Unknown class is treated conservatively as contaminating.
			return false
		}
		switch base {
		case model.ClassPrefixDisplay, model.ClassPrefixAudio, model.ClassPrefixBridge:
			continue
		default:
			return false
		}
	}
	return true
}

// GroupCount reports how many groups the tree holds, used by tests to
// check group membership against a PCI scan result.
func (t *Tree) GroupCount() int {
	return len(t.groups)
}

// Members returns a copy of the member list for groupID, or nil if absent.
func (t *Tree) Members(groupID int) []string {
	m, ok := t.groups[groupID]
	if !ok {
		return nil
	}
	return append([]string(nil), m...)
}
