// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package domain

import (
	"fmt"

	"github.com/vishvananda/netlink"

	"github.com/originull/vfioctl/pkg/model"
)

// EnsureTap creates (if absent) a tap device named for the domain and
// attaches it to bridgeName, realizing the virtio-net device the rendered
// Definition names.
func EnsureTap(domainName, bridgeName string) error {
	tapName := tapDeviceName(domainName)

	bridge, err := netlink.LinkByName(bridgeName)
	if err != nil {
		return model.New(model.KindIoError, "domain.EnsureTap", fmt.Errorf("bridge %s: %w", bridgeName, err))
	}

	link, err := netlink.LinkByName(tapName)
	if err != nil {
		tuntap := &netlink.Tuntap{
			LinkAttrs: netlink.LinkAttrs{Name: tapName},
			Mode:      netlink.TUNTAP_MODE_TAP,
		}
		if err := netlink.LinkAdd(tuntap); err != nil {
			return model.New(model.KindIoError, "domain.EnsureTap", fmt.Errorf("create tap %s: %w", tapName, err))
		}
		link = tuntap
	}

	if err := netlink.LinkSetMaster(link, bridge); err != nil {
		return model.New(model.KindIoError, "domain.EnsureTap", fmt.Errorf("attach tap %s to bridge %s: %w", tapName, bridgeName, err))
	}
	return netlink.LinkSetUp(link)
}

// RemoveTap tears down the domain's tap device; a missing device is not
// an error since shutdown may race a prior cleanup.
func RemoveTap(domainName string) error {
	link, err := netlink.LinkByName(tapDeviceName(domainName))
	if err != nil {
		return nil
	}
	return netlink.LinkDel(link)
}

func tapDeviceName(domainName string) string {
	name := "tap-" + domainName
	if len(name) > 15 { // IFNAMSIZ
		name = name[:15]
	}
	return name
}
