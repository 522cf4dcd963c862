// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Command display runs (or signals) the per-domain Display Supervisor.
// "start" is meant to run as the domain's long-lived display unit (under
// an init system, hence the sd_notify calls in internal/display); "stop"
// and "restart" signal that already-running process via its PID file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/originull/vfioctl/internal/display"
	"github.com/originull/vfioctl/internal/logging"
	"github.com/originull/vfioctl/internal/profilestore"
	"github.com/originull/vfioctl/pkg/model"
)

const (
	pidDir            = "/var/lib/vfioctl/display"
	defaultClientPath = "/usr/libexec/vfioctl-display-client"
	stopWait          = 5 * time.Second
)

var displayLog = logging.New("display")

func pidFilePath(domainName string) string {
	return filepath.Join(pidDir, domainName+".pid")
}

func writePidFile(domainName string) error {
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(domainName), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPidFile(domainName string) (int, error) {
	b, err := os.ReadFile(pidFilePath(domainName))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

func regionPath(domainName string) string {
	return fmt.Sprintf("/dev/shm/vfioctl-%s", domainName)
}

func cmdStart(c *cli.Context) error {
	domainName := c.Args().First()
	if domainName == "" {
		cli.ShowCommandHelp(c, "start")
		return nil
	}

	profile, err := profilestore.Load(domainName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if profile.SharedRegionMiB == 0 {
		fmt.Fprintf(os.Stderr, "profile %s does not request a display supervisor\n", domainName)
		os.Exit(1)
	}

	region := model.SharedRegion{
		Path:    regionPath(domainName),
		SizeMiB: profile.SharedRegionMiB,
		UID:     os.Getuid(),
		GID:     os.Getgid(),
		Mode:    0o660,
	}
	opts := display.Options{
		BinaryPath: defaultClientPath,
		RegionPath: region.Path,
	}

	sup := display.New(domainName, region, opts, displayLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := writePidFile(domainName); err != nil {
		displayLog.WithError(err).Warn("failed to write pid file")
	}
	defer os.Remove(pidFilePath(domainName))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	return sup.Shutdown()
}

func cmdStop(c *cli.Context) error {
	domainName := c.Args().First()
	if domainName == "" {
		cli.ShowCommandHelp(c, "stop")
		return nil
	}
	pid, err := readPidFile(domainName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "no running display supervisor for %s\n", domainName)
		os.Exit(1)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("stop signal sent to display supervisor for %s\n", domainName)
	return nil
}

func cmdRestart(c *cli.Context) error {
	if err := cmdStop(c); err != nil {
		return err
	}
	time.Sleep(stopWait)
	return cmdStart(c)
}

func main() {
	app := cli.NewApp()
	app.Name = "display"
	app.Usage = "run or signal a domain's display supervisor"
	app.Commands = []cli.Command{
		{Name: "start", Usage: "run the display supervisor in the foreground", Action: cmdStart},
		{Name: "stop", Usage: "signal a running display supervisor to stop", Action: cmdStop},
		{Name: "restart", Usage: "stop then start a domain's display supervisor", Action: cmdRestart},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
