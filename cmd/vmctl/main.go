// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/originull/vfioctl/internal/device"
	"github.com/originull/vfioctl/internal/domain"
	"github.com/originull/vfioctl/internal/logging"
	"github.com/originull/vfioctl/internal/profilestore"
	"github.com/originull/vfioctl/internal/tracing"
	"github.com/originull/vfioctl/internal/virtd"
	"github.com/originull/vfioctl/pkg/model"
)

// Exit codes used by every subcommand to signal the caller why it failed.
const (
	exitSuccess                 = 0
	exitNotFound                = 2
	exitInvalidState            = 3
	exitInvalidName             = 4
	exitDaemonError             = 5
	exitPassthroughPrecondition = 6
)

const (
	defaultSocketPath  = "/run/vfioctl/virtd.sock"
	defaultBridgeName  = "vfioctl0"
	defaultStorageRoot = "/var/lib/vfioctl/images"
)

var vmctlLog = logging.New("vmctl")

func exitCodeForErr(err error) int {
	switch model.KindOf(err) {
	case model.KindInvalidName:
		return exitInvalidName
	case model.KindDaemonError, model.KindChannelClosed, model.KindTimedOut:
		return exitDaemonError
	case model.KindDeviceBusy, model.KindDeviceMissing:
		return exitPassthroughPrecondition
	case model.KindStorageOutsideRoot:
		return exitInvalidState
	default:
		return 1
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(exitCodeForErr(err))
}

func dial(ctx context.Context) (*virtd.Client, *domain.Controller, *device.Manager) {
	client, err := virtd.Dial(ctx, defaultSocketPath, vmctlLog)
	if err != nil {
		fail(err)
	}
	ctrl := domain.NewController(client, defaultStorageRoot, vmctlLog)
	devMgr := device.NewManager(client, "/sys", vmctlLog)
	return client, ctrl, devMgr
}

func cmdList(c *cli.Context) error {
	ctx := context.Background()
	client, ctrl, _ := dial(ctx)
	defer client.Close()

	domains, err := ctrl.List(ctx)
	if err != nil {
		fail(err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(domains)
}

func cmdShow(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		cli.ShowCommandHelp(c, "show")
		return nil
	}
	ctx := context.Background()
	client, ctrl, _ := dial(ctx)
	defer client.Close()

	dom, err := ctrl.Get(ctx, name)
	if err != nil {
		fail(err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(dom)
}

func cmdDefine(c *cli.Context) error {
	profileName := c.Args().First()
	if profileName == "" {
		cli.ShowCommandHelp(c, "define")
		return nil
	}
	profile, err := profilestore.Load(profileName)
	if err != nil {
		fail(err)
	}

	ctx := context.Background()
	client, ctrl, _ := dial(ctx)
	defer client.Close()

	if err := ctrl.Define(ctx, profile, defaultBridgeName); err != nil {
		fail(err)
	}
	fmt.Printf("domain %s defined\n", profile.Name)
	return nil
}

func cmdStart(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		cli.ShowCommandHelp(c, "start")
		return nil
	}
	ctx := context.Background()
	client, ctrl, devMgr := dial(ctx)
	defer client.Close()

	if err := domain.ValidateName(name); err != nil {
		fail(err)
	}
	profile, err := profilestore.Load(name)
	if err == nil && profile.Passthrough != nil {
		if err := devMgr.AttachAtStart(ctx, name, profile.Passthrough.GPUAddress); err != nil {
			vmctlLog.WithError(err).Warn("passthrough device attach failed, domain starts without it")
		}
	}

	if err := ctrl.Start(ctx, name); err != nil {
		fail(err)
	}
	fmt.Printf("domain %s started\n", name)
	return nil
}

func cmdStop(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		cli.ShowCommandHelp(c, "stop")
		return nil
	}
	ctx := context.Background()
	client, ctrl, _ := dial(ctx)
	defer client.Close()

	var err error
	if c.Bool("force") {
		err = ctrl.ForceOff(ctx, name)
	} else {
		err = ctrl.Shutdown(ctx, name)
	}
	if err != nil {
		fail(err)
	}
	fmt.Printf("domain %s stopped\n", name)
	return nil
}

func cmdSnapshot(c *cli.Context) error {
	name := c.Args().Get(0)
	tag := c.Args().Get(1)
	if name == "" || tag == "" {
		cli.ShowCommandHelp(c, "snapshot")
		return nil
	}
	ctx := context.Background()
	client, ctrl, _ := dial(ctx)
	defer client.Close()

	if err := ctrl.Snapshot(ctx, name, tag); err != nil {
		fail(err)
	}
	fmt.Printf("domain %s snapshotted as %s\n", name, tag)
	return nil
}

func cmdDelete(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		cli.ShowCommandHelp(c, "delete")
		return nil
	}
	ctx := context.Background()
	client, ctrl, _ := dial(ctx)
	defer client.Close()

	if err := ctrl.Delete(ctx, name, c.Bool("purge")); err != nil {
		fail(err)
	}
	fmt.Printf("domain %s deleted\n", name)
	return nil
}

func cmdAttachPCI(c *cli.Context) error {
	name := c.Args().Get(0)
	addr := c.Args().Get(1)
	if name == "" || addr == "" {
		cli.ShowCommandHelp(c, "attach-pci")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, _, devMgr := dial(ctx)
	defer client.Close()

	if err := devMgr.AttachRuntime(ctx, name, addr); err != nil {
		fail(err)
	}
	fmt.Printf("%s attached to %s\n", addr, name)
	return nil
}

func cmdDetachPCI(c *cli.Context) error {
	name := c.Args().Get(0)
	addr := c.Args().Get(1)
	if name == "" || addr == "" {
		cli.ShowCommandHelp(c, "detach-pci")
		return nil
	}
	ctx := context.Background()
	client, _, devMgr := dial(ctx)
	defer client.Close()

	if err := devMgr.Detach(ctx, name, addr); err != nil {
		fail(err)
	}
	fmt.Printf("%s detached from %s\n", addr, name)
	return nil
}

func cmdRetryPending(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		cli.ShowCommandHelp(c, "retry-pending")
		return nil
	}
	ctx := context.Background()
	client, _, devMgr := dial(ctx)
	defer client.Close()

	if err := devMgr.RetryPendingReleases(ctx, name); err != nil {
		fail(err)
	}
	fmt.Printf("pending releases for %s retried\n", name)
	return nil
}

func main() {
	if os.Getenv("VFIOCTL_TRACE") != "" {
		tracing.Init("vmctl", vmctlLog)
		defer tracing.Shutdown(context.Background())
	}

	app := cli.NewApp()
	app.Name = "vmctl"
	app.Usage = "manage GPU-passthrough virtual machines"
	app.Commands = []cli.Command{
		{Name: "list", Usage: "list all domains", Action: cmdList},
		{Name: "show", Usage: "show a domain", Action: cmdShow},
		{Name: "define", Usage: "define a domain from a stored profile", Action: cmdDefine},
		{Name: "start", Usage: "start a domain", Action: cmdStart},
		{
			Name:  "stop",
			Usage: "stop a domain",
			Flags: []cli.Flag{cli.BoolFlag{Name: "force", Usage: "force off instead of graceful shutdown"}},
			Action: cmdStop,
		},
		{Name: "snapshot", Usage: "snapshot a domain", Action: cmdSnapshot},
		{
			Name:  "delete",
			Usage: "delete a domain",
			Flags: []cli.Flag{cli.BoolFlag{Name: "purge", Usage: "also remove the domain's storage"}},
			Action: cmdDelete,
		},
		{Name: "attach-pci", Usage: "hot-attach a PCI function", Action: cmdAttachPCI},
		{Name: "detach-pci", Usage: "detach a PCI function", Action: cmdDetachPCI},
		{Name: "retry-pending", Usage: "retry deferred PCI releases for a domain", Action: cmdRetryPending},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitNotFound)
	}
}
