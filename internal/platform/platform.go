// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package platform detects CPU vendor to choose the correct IOMMU kernel
// parameter, and best-effort probes for IOMMU-enabled evidence used only
// for advisory warnings.
package platform

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/intel-go/cpuid"
	"github.com/pbnjay/memory"
)

const (
	VendorIntel   = "GenuineIntel"
	VendorAMD     = "AuthenticAMD"
	cpuInfoRelPath = "proc/cpuinfo"
	iommuClassRelPath = "sys/class/iommu"
)

// Info is the probe result: platform-correct cmdline fragment plus
// advisory signals that never block planning, only annotate it.
type Info struct {
	CPUVendor           string // GenuineIntel, AuthenticAMD, or "" if unknown
	CmdlineFragment     string
	IommuRuntimeActive  bool // best-effort; advisory only
	HostMemoryMiB       int  // advisory host memory total; not read by planning or profile loading
}

// hostMemoryProbe is a var so tests can stub out the real pbnjay/memory
// syscall-backed probe.
var hostMemoryProbe = func() uint64 { return memory.TotalMemory() }

// Probe reads root's /proc/cpuinfo for the CPU vendor string and derives
// the platform-correct IOMMU-enable cmdline fragment. An unknown vendor
// falls back to "iommu=pt" plus a warning rather than failing.
func Probe(root string) (Info, []string) {
	var warnings []string

	vendor, err := readCPUVendor(filepath.Join(root, cpuInfoRelPath))
	if err != nil {
		warnings = append(warnings, "could not read CPU vendor from /proc/cpuinfo: "+err.Error())
	}

	// Cross-check against the CPUID-reported vendor string when probing
	// the live host (root == "/"); a mismatch against a mocked tree in
	// tests is expected and ignored.
	if root == "/" {
		if cpuid.VendorIdentificatorString != "" && cpuid.VendorIdentificatorString != vendor {
			warnings = append(warnings, "CPUID vendor string disagrees with /proc/cpuinfo")
		}
	}

	info := Info{CPUVendor: vendor}
	switch vendor {
	case VendorIntel:
		info.CmdlineFragment = "intel_iommu=on iommu=pt"
	case VendorAMD:
		info.CmdlineFragment = "amd_iommu=on iommu=pt"
	default:
		info.CmdlineFragment = "iommu=pt"
		warnings = append(warnings, "unknown CPU vendor; emitting platform-neutral iommu=pt only")
	}

	info.IommuRuntimeActive = probeKernelRingBuffer(filepath.Join(root, iommuClassRelPath))
	info.HostMemoryMiB = int(hostMemoryProbe() / (1024 * 1024))

	return info, warnings
}

func readCPUVendor(cpuInfoPath string) (string, error) {
	f, err := os.Open(cpuInfoPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "vendor_id") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		return strings.TrimSpace(parts[1]), nil
	}
	return "", scanner.Err()
}

// probeKernelRingBuffer is a best-effort IOMMU-enabled check. /dev/kmsg is
// a streaming character device with no natural EOF, so scanning it risks
// blocking the probe indefinitely;
// instead this reads the population of /sys/class/iommu, which the kernel
// only populates once an IOMMU driver has actually bound, giving the same
// evidence non-blockingly. Any failure (permission denied, absent
// directory) yields false — this signal is advisory only and must never
// block planning.
func probeKernelRingBuffer(iommuClassPath string) bool {
	entries, err := os.ReadDir(iommuClassPath)
	if err != nil {
		return false
	}
	return len(entries) > 0
}
