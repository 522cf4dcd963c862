// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package domain implements CRUD over virtual domains via the
// virtualization daemon client in internal/virtd, and the state machine
// and name-safety invariants domain operations must uphold.
package domain

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/originull/vfioctl/internal/tracing"
	"github.com/originull/vfioctl/internal/virtd"
	"github.com/originull/vfioctl/pkg/model"
)

// nameRegexp is the hard invariant on domain names: letters, digits,
// dash, underscore, bounded length. Every operation that reaches a shell,
// builds a path, or builds an XML/JSON fragment validates against this
// before using the name for anything.
var nameRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateName enforces the name-safety invariant: for every rejected
// name, the caller must not go on to build a subprocess argument, path
// component, or wire fragment from it.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return model.New(model.KindInvalidName, "domain.ValidateName", fmt.Errorf("name %q must match %s", name, nameRegexp.String()))
	}
	return nil
}

// allowedTransitions enumerates the domain state machine; any state not
// listed as a key cannot transition anywhere except to Crashed, which is
// reachable from every state on a daemon-reported failure and is
// therefore checked separately in CanTransition.
var allowedTransitions = map[model.DomainState][]model.DomainState{
	model.DomainOff:      {model.DomainStarting},
	model.DomainStarting: {model.DomainRunning, model.DomainCrashed},
	model.DomainRunning:  {model.DomainStopping, model.DomainPaused, model.DomainCrashed},
	model.DomainPaused:   {model.DomainRunning, model.DomainCrashed},
	model.DomainStopping: {model.DomainOff, model.DomainCrashed},
	model.DomainCrashed:  {model.DomainOff},
}

// CanTransition reports whether from -> to is a legal state transition.
func CanTransition(from, to model.DomainState) bool {
	if to == model.DomainCrashed {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// snapshotAllowedStates lists the states a snapshot may be taken from:
// off, running, or paused.
var snapshotAllowedStates = map[model.DomainState]bool{
	model.DomainOff:     true,
	model.DomainRunning: true,
	model.DomainPaused:  true,
}

// Controller owns the daemon connection and per-domain serialization.
type Controller struct {
	client      *virtd.Client
	log         *logrus.Entry
	storageRoot string

	domainLocks sync.Map // name -> *sync.Mutex

	activeDomains prometheus.Gauge
}

// NewController wires a Controller to an already-dialed daemon client.
// storageRoot is the configured VM storage directory delete(purge=true)
// is confined to.
func NewController(client *virtd.Client, storageRoot string, log *logrus.Entry) *Controller {
	return &Controller{
		client:      client,
		log:         log,
		storageRoot: storageRoot,
		activeDomains: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vfioctl_active_domains",
			Help: "Number of domains currently not in the off state.",
		}),
	}
}

// Collector exposes the controller's metrics for a Prometheus registry.
func (c *Controller) Collector() prometheus.Collector { return c.activeDomains }

func (c *Controller) lockFor(name string) *sync.Mutex {
	l, _ := c.domainLocks.LoadOrStore(name, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// List returns every domain the daemon currently knows about.
func (c *Controller) List(ctx context.Context) ([]model.Domain, error) {
	var out []model.Domain
	if err := c.client.Call(ctx, "domain.list", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a single domain by name.
func (c *Controller) Get(ctx context.Context, name string) (model.Domain, error) {
	if err := ValidateName(name); err != nil {
		return model.Domain{}, err
	}
	var out model.Domain
	if err := c.client.Call(ctx, "domain.get", map[string]interface{}{"name": name}, &out); err != nil {
		return model.Domain{}, err
	}
	return out, nil
}

// Define renders profile into a Definition and asks the daemon to define
// it, leaving the domain in the Off state with no attached passthrough
// devices (those are added at Start time by the device package).
func (c *Controller) Define(ctx context.Context, profile model.VmProfile, bridgeName string) error {
	if err := ValidateName(profile.Name); err != nil {
		return err
	}
	lock := c.lockFor(profile.Name)
	lock.Lock()
	defer lock.Unlock()

	def := RenderDefinition(profile, bridgeName)
	return c.client.Call(ctx, "domain.define", map[string]interface{}{"definition": def}, nil)
}

// Start transitions a domain from Off to Starting then Running. Device
// attach (if the profile requested passthrough) is done by the caller
// through the device package before Start is called; Start itself only
// talks to the daemon.
func (c *Controller) Start(ctx context.Context, name string) error {
	span, ctx := tracing.Start(ctx, "domain.Start", map[string]string{"domain": name})
	defer span.End()

	if err := ValidateName(name); err != nil {
		return err
	}
	lock := c.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if err := c.client.Call(ctx, "domain.start", map[string]interface{}{"name": name}, nil); err != nil {
		return err
	}
	c.activeDomains.Inc()
	return nil
}

// Shutdown requests a graceful stop.
func (c *Controller) Shutdown(ctx context.Context, name string) error {
	return c.stop(ctx, name, "domain.shutdown")
}

// ForceOff requests an immediate, non-graceful stop.
func (c *Controller) ForceOff(ctx context.Context, name string) error {
	return c.stop(ctx, name, "domain.force_off")
}

func (c *Controller) stop(ctx context.Context, name, method string) error {
	span, ctx := tracing.Start(ctx, "domain.stop", map[string]string{"domain": name, "method": method})
	defer span.End()

	if err := ValidateName(name); err != nil {
		return err
	}
	lock := c.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if err := c.client.Call(ctx, method, map[string]interface{}{"name": name}, nil); err != nil {
		return err
	}
	c.activeDomains.Dec()
	return nil
}

// Pause transitions Running -> Paused.
func (c *Controller) Pause(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	lock := c.lockFor(name)
	lock.Lock()
	defer lock.Unlock()
	return c.client.Call(ctx, "domain.pause", map[string]interface{}{"name": name}, nil)
}

// Resume transitions Paused -> Running.
func (c *Controller) Resume(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	lock := c.lockFor(name)
	lock.Lock()
	defer lock.Unlock()
	return c.client.Call(ctx, "domain.resume", map[string]interface{}{"name": name}, nil)
}

// Snapshot takes a tagged snapshot; only legal in Off, Running, or Paused.
func (c *Controller) Snapshot(ctx context.Context, name, tag string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if !isSafeTag(tag) {
		return model.New(model.KindInvalidName, "domain.Snapshot", fmt.Errorf("unsafe snapshot tag %q", tag))
	}
	lock := c.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	dom, err := c.getLocked(ctx, name)
	if err != nil {
		return err
	}
	if !snapshotAllowedStates[dom.State] {
		return model.New(model.KindDaemonError, "domain.Snapshot", fmt.Errorf("domain %s is in state %s, snapshot requires off/running/paused", name, dom.State))
	}
	return c.client.Call(ctx, "domain.snapshot", map[string]interface{}{"name": name, "tag": tag}, nil)
}

func (c *Controller) getLocked(ctx context.Context, name string) (model.Domain, error) {
	var out model.Domain
	if err := c.client.Call(ctx, "domain.get", map[string]interface{}{"name": name}, &out); err != nil {
		return model.Domain{}, err
	}
	return out, nil
}

var snapshotTagRegexp = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

func isSafeTag(tag string) bool {
	return snapshotTagRegexp.MatchString(tag)
}

// Delete undefines a domain, optionally purging its storage. purgeStorage
// removes only files that lie within the configured VM storage directory,
// enforcing the StorageOutsideRoot guard.
func (c *Controller) Delete(ctx context.Context, name string, purgeStorage bool) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	lock := c.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if purgeStorage {
		dom, err := c.getLocked(ctx, name)
		if err != nil {
			return err
		}
		diskPath, err := c.diskPathOf(ctx, dom.Name)
		if err != nil {
			return err
		}
		if diskPath != "" {
			if err := c.checkWithinStorageRoot(diskPath); err != nil {
				return err
			}
		}
	}

	return c.client.Call(ctx, "domain.delete", map[string]interface{}{"name": name, "purge_storage": purgeStorage}, nil)
}

// diskPathOf asks the daemon for the domain's disk path; kept as a
// separate round trip so Delete's pre-check can run before the daemon
// mutates anything.
func (c *Controller) diskPathOf(ctx context.Context, name string) (string, error) {
	var out struct {
		DiskPath string `json:"disk_path"`
	}
	if err := c.client.Call(ctx, "domain.disk_path", map[string]interface{}{"name": name}, &out); err != nil {
		return "", err
	}
	return out.DiskPath, nil
}

// checkWithinStorageRoot guards StorageOutsideRoot: any path outside
// c.storageRoot is refused, never deleted.
func (c *Controller) checkWithinStorageRoot(path string) error {
	root, err := filepath.Abs(c.storageRoot)
	if err != nil {
		return model.New(model.KindBug, "domain.checkWithinStorageRoot", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return model.New(model.KindBug, "domain.checkWithinStorageRoot", err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return model.NewPath(model.KindStorageOutsideRoot, "domain.Delete", path, nil)
	}
	return nil
}
