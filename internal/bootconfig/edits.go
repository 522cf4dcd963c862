// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package bootconfig

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/originull/vfioctl/pkg/model"
)

// ModprobeFileName is the fixed name of the stub-driver rebind
// configuration file this project owns under /etc/modprobe.d/.
const ModprobeFileName = "vfioctl-gpu-passthrough.conf"

// renderModprobeConf builds the modprobe.d contents: a header comment, one
// "options vfio-pci ids=..." line, and one "softdep <driver> pre: vfio-pci"
// line per entry in the preempt list, with a trailing newline.
func renderModprobeConf(plan *model.PassthroughPlan) []byte {
	var b strings.Builder
	b.WriteString("# Managed by vfioctl. Do not edit by hand; re-run `hwdetect apply`.\n")
	b.WriteString(fmt.Sprintf("options vfio-pci ids=%s\n", strings.Join(plan.RebindIDs, ",")))
	for _, drv := range plan.DriverPreemptList {
		b.WriteString(fmt.Sprintf("softdep %s pre: vfio-pci\n", drv))
	}
	return []byte(b.String())
}

// initramfsModulesLinePrefix is the token line this project owns inside
// the host's initramfs config; the mkinitcpio.conf convention of a single
// MODULES=(...) array line is used regardless of bootloader flavor.
const initramfsModulesLinePrefix = "MODULES="

// renderInitramfsConfig replaces the MODULES=(...) token in existing
// content with modules, preserving every other line verbatim — including
// other lines that are not the MODULES token.
func renderInitramfsConfig(existing []byte, modules []string) []byte {
	newLine := initramfsModulesLinePrefix + "(" + strings.Join(modules, " ") + ")"

	if len(existing) == 0 {
		return []byte(newLine + "\n")
	}

	var out []string
	replaced := false
	scanner := bufio.NewScanner(strings.NewReader(string(existing)))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), initramfsModulesLinePrefix) {
			out = append(out, newLine)
			replaced = true
			continue
		}
		out = append(out, line)
	}
	if !replaced {
		out = append(out, newLine)
	}
	return []byte(strings.Join(out, "\n") + "\n")
}

// appendOptionsFragment appends fragment to a bootloader-A entry's
// "options" line, idempotently: if fragment already appears as a
// space-separated token on that line, the content is returned unchanged.
func appendOptionsFragment(existing []byte, fragment string) []byte {
	var out []string
	found := false
	scanner := bufio.NewScanner(strings.NewReader(string(existing)))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "options ") || trimmed == "options" {
			if hasToken(line, fragment) {
				found = true
				out = append(out, line)
				continue
			}
			out = append(out, strings.TrimRight(line, " ")+" "+fragment)
			found = true
			continue
		}
		out = append(out, line)
	}
	if !found {
		out = append(out, "options "+fragment)
	}
	return []byte(strings.Join(out, "\n") + "\n")
}

// appendDefaultArgsFragment appends fragment to a bootloader-B default-args
// assignment (GRUB_CMDLINE_LINUX_DEFAULT="..."), idempotently.
func appendDefaultArgsFragment(existing []byte, assignmentKey, fragment string) []byte {
	var out []string
	found := false
	scanner := bufio.NewScanner(strings.NewReader(string(existing)))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, assignmentKey+"=") {
			out = append(out, insertIntoQuotedAssignment(line, fragment))
			found = true
			continue
		}
		out = append(out, line)
	}
	if !found {
		out = append(out, fmt.Sprintf("%s=%q", assignmentKey, fragment))
	}
	return []byte(strings.Join(out, "\n") + "\n")
}

func insertIntoQuotedAssignment(line, fragment string) string {
	start := strings.Index(line, "\"")
	end := strings.LastIndex(line, "\"")
	if start == -1 || end == -1 || end <= start {
		return line
	}
	inner := line[start+1 : end]
	if hasToken(inner, fragment) {
		return line
	}
	inner = strings.TrimRight(inner, " ")
	if inner != "" {
		inner += " "
	}
	inner += fragment
	return line[:start+1] + inner + line[end:]
}

// hasToken reports whether fragment (itself a space-separated run of one
// or more cmdline tokens, e.g. "intel_iommu=on iommu=pt") already appears
// verbatim as a contiguous run of whole tokens within s, so a second apply
// is a no-op instead of duplicating the fragment.
func hasToken(s, fragment string) bool {
	sFields := strings.Fields(s)
	fFields := strings.Fields(fragment)
	if len(fFields) == 0 || len(fFields) > len(sFields) {
		return false
	}
	for i := 0; i+len(fFields) <= len(sFields); i++ {
		match := true
		for j, tok := range fFields {
			if sFields[i+j] != tok {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// GrubDefaultArgsKey is the bootloader-B assignment this project edits.
const GrubDefaultArgsKey = "GRUB_CMDLINE_LINUX_DEFAULT"
