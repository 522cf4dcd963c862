// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package device binds a PCI function to the vfio-pci stub and
// attaches/detaches it to a live or starting domain.
package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/originull/vfioctl/internal/virtd"
	"github.com/originull/vfioctl/pkg/model"
)

const stubDriverName = "vfio-pci"

// daemonClient is the subset of *virtd.Client the Manager needs, broken
// out as an interface so retry/backoff and single-binding behavior can be
// exercised against a fake in tests without a real daemon socket.
type daemonClient interface {
	Call(ctx context.Context, method string, params map[string]interface{}, out interface{}) error
}

var _ daemonClient = (*virtd.Client)(nil)

// sysfsPaths is overridable in tests so the retry/backoff and stub-bind
// logic can be exercised without a real sysfs tree.
type sysfsPaths struct {
	root string
}

func (p sysfsPaths) deviceDir(address string) string {
	return filepath.Join(p.root, "bus", "pci", "devices", address)
}

func (p sysfsPaths) driverOverride(address string) string {
	return filepath.Join(p.deviceDir(address), "driver_override")
}

func (p sysfsPaths) currentDriver(address string) (string, bool) {
	link, err := os.Readlink(filepath.Join(p.deviceDir(address), "driver"))
	if err != nil {
		return "", false
	}
	return filepath.Base(link), true
}

func (p sysfsPaths) unbindPath(driver, address string) string {
	return filepath.Join(p.root, "bus", "pci", "drivers", driver, "unbind")
}

func (p sysfsPaths) bindPath(driver string) string {
	return filepath.Join(p.root, "bus", "pci", "drivers", driver, "bind")
}

// Manager serializes PCI attach/detach against a process-wide,
// address-keyed lock: the sysfs driver-override nodes for a given PCI
// function are a global mutable resource, so every access is serialized
// through a lock keyed by PCI address. Manager also tracks single-binding
// ownership across domains.
type Manager struct {
	client daemonClient
	log    *logrus.Entry
	sysfs  sysfsPaths

	addrLocks sync.Map // pci address -> *sync.Mutex

	mu        sync.Mutex
	boundTo   map[string]string   // pci address -> owning domain name
	pending   map[string]struct{} // addresses awaiting deferred release
}

// NewManager builds a Manager rooted at sysfsRoot (normally "/sys").
func NewManager(client daemonClient, sysfsRoot string, log *logrus.Entry) *Manager {
	return &Manager{
		client:  client,
		log:     log,
		sysfs:   sysfsPaths{root: sysfsRoot},
		boundTo: make(map[string]string),
		pending: make(map[string]struct{}),
	}
}

func (m *Manager) lockFor(address string) *sync.Mutex {
	l, _ := m.addrLocks.LoadOrStore(address, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// claim enforces the cross-domain single-binding invariant: attaching the
// same PCI function to two domains is forbidden, checked here at
// start/attach time.
func (m *Manager) claim(address, domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.boundTo[address]; ok && owner != domain {
		return model.New(model.KindDeviceBusy, "device.claim", fmt.Errorf("pci %s already attached to domain %s", address, owner))
	}
	m.boundTo[address] = domain
	return nil
}

func (m *Manager) release(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.boundTo, address)
}

func (m *Manager) markPending(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[address] = struct{}{}
}

// PendingReleases returns addresses whose detach timed out and are waiting
// on a host-side readiness probe to retry the rebind.
func (m *Manager) PendingReleases() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.pending))
	for addr := range m.pending {
		out = append(out, addr)
	}
	return out
}

// AttachAtStart implements the pre-start attach sequence: bind to the
// stub if needed, then attach as a managed host device. On any failure the
// domain is left startable without the device; the caller (vmctl's start
// command, which runs this before starting the domain) is responsible for
// logging the resulting warning and proceeding.
func (m *Manager) AttachAtStart(ctx context.Context, domain, address string) error {
	lock := m.lockFor(address)
	lock.Lock()
	defer lock.Unlock()

	if err := m.claim(address, domain); err != nil {
		return err
	}

	if err := m.ensureStubBound(address); err != nil {
		m.release(address)
		return err
	}

	if err := m.client.Call(ctx, "device.attach", map[string]interface{}{
		"domain":  domain,
		"address": address,
		"managed": true,
	}, nil); err != nil {
		m.release(address)
		return err
	}
	return nil
}

// ensureStubBound verifies the function is bound to vfio-pci, attempting
// an unbind-from-current + bind-to-stub sequence via the driver_override
// file if it is not.
func (m *Manager) ensureStubBound(address string) error {
	if drv, ok := m.sysfs.currentDriver(address); ok && drv == stubDriverName {
		return nil
	}

	if err := os.WriteFile(m.sysfs.driverOverride(address), []byte(stubDriverName+"\n"), 0o200); err != nil {
		return model.NewPath(model.KindIoError, "device.ensureStubBound", address, err)
	}

	if drv, ok := m.sysfs.currentDriver(address); ok && drv != "" {
		unbindPath := m.sysfs.unbindPath(drv, address)
		if err := os.WriteFile(unbindPath, []byte(address+"\n"), 0o200); err != nil {
			return model.NewPath(model.KindIoError, "device.ensureStubBound", address, err)
		}
	}

	bindPath := m.sysfs.bindPath(stubDriverName)
	if err := os.WriteFile(bindPath, []byte(address+"\n"), 0o200); err != nil {
		return model.NewPath(model.KindIoError, "device.ensureStubBound", address, err)
	}

	if drv, ok := m.sysfs.currentDriver(address); !ok || drv != stubDriverName {
		return model.NewPath(model.KindDeviceMissing, "device.ensureStubBound", address, fmt.Errorf("device did not bind to %s", stubDriverName))
	}
	return nil
}

// retryBackoffs schedules up to two retries with exponential backoff on
// transient DeviceBusy.
var retryBackoffs = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}

// AttachRuntime implements attach_pci against a running domain: the same
// managed hot-attach, retried up to twice on DeviceBusy with exponential
// backoff, success observed by polling the domain's device list.
func (m *Manager) AttachRuntime(ctx context.Context, domain, address string) error {
	lock := m.lockFor(address)
	lock.Lock()
	defer lock.Unlock()

	if err := m.claim(address, domain); err != nil {
		return err
	}
	if err := m.ensureStubBound(address); err != nil {
		m.release(address)
		return err
	}

	var lastErr error
	attempts := append([]time.Duration{0}, retryBackoffs...)
	for _, wait := range attempts {
		if wait > 0 {
			select {
			case <-ctx.Done():
				m.release(address)
				return model.New(model.KindTimedOut, "device.AttachRuntime", ctx.Err())
			case <-time.After(wait):
			}
		}
		lastErr = m.client.Call(ctx, "device.hot_attach", map[string]interface{}{
			"domain":  domain,
			"address": address,
			"managed": true,
		}, nil)
		if lastErr == nil {
			if err := m.pollAttached(ctx, domain, address); err != nil {
				lastErr = err
				continue
			}
			return nil
		}
		if model.KindOf(lastErr) != model.KindDeviceBusy {
			m.release(address)
			return lastErr
		}
	}
	m.release(address)
	return lastErr
}

func (m *Manager) pollAttached(ctx context.Context, domain, address string) error {
	var out struct {
		Attached []string `json:"attached"`
	}
	if err := m.client.Call(ctx, "domain.device_list", map[string]interface{}{"name": domain}, &out); err != nil {
		return err
	}
	for _, a := range out.Attached {
		if a == address {
			return nil
		}
	}
	return model.New(model.KindDeviceMissing, "device.pollAttached", fmt.Errorf("%s not present in domain %s device list after attach", address, domain))
}

// DetachTimeout bounds how long Detach waits for the daemon's detach RPC
// before recording the address as pending release.
const DetachTimeout = 5 * time.Second

// Detach issues a detach with a bounded timeout; on timeout the address is
// recorded in the pending-release set for a later readiness probe to
// retry the rebind to the function's original driver.
func (m *Manager) Detach(ctx context.Context, domain, address string) error {
	lock := m.lockFor(address)
	lock.Lock()
	defer lock.Unlock()

	dctx, cancel := context.WithTimeout(ctx, DetachTimeout)
	defer cancel()

	err := m.client.Call(dctx, "device.detach", map[string]interface{}{
		"domain":  domain,
		"address": address,
	}, nil)
	if err != nil {
		if model.KindOf(err) == model.KindTimedOut {
			m.markPending(address)
			if m.log != nil {
				m.log.WithField("address", address).Warn("detach timed out, scheduled for deferred release")
			}
			return err
		}
		return err
	}

	m.release(address)
	return nil
}

// RetryPendingReleases re-attempts the rebind-to-original-driver for every
// address left in the pending set, returning every failure combined so a
// caller driving this from a timer can log one summary instead of N.
func (m *Manager) RetryPendingReleases(ctx context.Context, domain string) error {
	var result *multierror.Error
	for _, addr := range m.PendingReleases() {
		if err := m.Detach(ctx, domain, addr); err == nil {
			m.mu.Lock()
			delete(m.pending, addr)
			m.mu.Unlock()
		} else {
			result = multierror.Append(result, fmt.Errorf("%s: %w", addr, err))
		}
	}
	return result.ErrorOrNil()
}
