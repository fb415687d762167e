// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scaler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/cmd"
	"git.gpufleet.org/gpufleet.git/lib/provider"
	"git.gpufleet.org/gpufleet.git/lib/sshexec"
	"git.gpufleet.org/gpufleet.git/lib/store"
	"git.gpufleet.org/gpufleet.git/sdk/go/ctxlog"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	// RunOnceCommand executes a single scaling cycle and prints its
	// summary as JSON. Exit 0 on a clean cycle, 1 otherwise.
	RunOnceCommand cmd.Handler = runOnceCommand{}
	// RunCommand runs the continuous scaling loop with the
	// management API listener.
	RunCommand cmd.Handler = runCommand{}
	// StatusCommand queries a running scaler's management API.
	StatusCommand cmd.Handler = statusCommand{}
)

func loadConfig(flags *flag.FlagSet, prog string, args []string, stderr io.Writer) (fleet.Config, logrus.FieldLogger, int) {
	configPath := flags.String("config", "", "site configuration `file` (empty for defaults)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return fleet.Config{}, nil, code
	}
	cfg, err := fleet.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return fleet.Config{}, nil, 2
	}
	return cfg, ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel), -1
}

// newOrchestrator assembles the production component stack from
// config: store backend, throttled provider driver, SSH prober.
func newOrchestrator(cfg fleet.Config, logger logrus.FieldLogger, reg *prometheus.Registry) (*Orchestrator, func(), error) {
	st, err := store.Open(cfg.Store, cfg.MaxTaskAttempts, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening state store: %w", err)
	}
	prov, err := provider.New(cfg.Provider.Driver, cfg.Provider.DriverParameters, logger)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("error initializing provider driver %q: %w", cfg.Provider.Driver, err)
	}
	throttled := provider.NewThrottled(prov, logger)
	prober, err := sshexec.NewProber(cfg.Provider.PrivateKey, cfg.Provider.SSHPort, cfg.Provider.RemoteUser, cfg.BootProbeCommand, cfg.ProbeTimeout.Duration())
	if err != nil {
		throttled.Stop()
		st.Close()
		return nil, nil, err
	}
	orc := New(cfg, logger, st, throttled, prober, reg)
	cleanup := func() {
		prober.Close()
		throttled.Stop()
		st.Close()
	}
	return orc, cleanup, nil
}

type runOnceCommand struct{}

func (runOnceCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	cfg, logger, code := loadConfig(flags, prog, args, stderr)
	if code >= 0 {
		return code
	}
	orc, cleanup, err := newOrchestrator(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		logger.WithError(err).Error("startup failed")
		return 1
	}
	defer cleanup()
	sum := orc.RunCycle(ctxlog.Context(context.Background(), logger))
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		logger.WithError(err).Error("error writing summary")
		return 1
	}
	if sum.Error != "" {
		return 1
	}
	return 0
}

type runCommand struct{}

func (runCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	cfg, logger, code := loadConfig(flags, prog, args, stderr)
	if code >= 0 {
		return code
	}
	reg := prometheus.NewRegistry()
	orc, cleanup, err := newOrchestrator(cfg, logger, reg)
	if err != nil {
		logger.WithError(err).Error("startup failed")
		return 1
	}
	defer cleanup()

	ctx, cancel := signal.NotifyContext(ctxlog.Context(context.Background(), logger), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var srv *http.Server
	if cfg.Management.Listen != "" {
		srv = &http.Server{Addr: cfg.Management.Listen, Handler: orc.ManagementAPI(reg)}
		go func() {
			logger.WithField("Listen", cfg.Management.Listen).Info("management API listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("management listener failed")
				cancel()
			}
		}()
	}

	err = orc.Run(ctx)
	if srv != nil {
		shctx, shcancel := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(shctx)
		shcancel()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scaler loop failed")
		return 1
	}
	return 0
}

type statusCommand struct{}

func (statusCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	urlFlag := flags.String("url", "", "management API base `url` (overrides config)")
	cfg, _, code := loadConfig(flags, prog, args, stderr)
	if code >= 0 {
		return code
	}
	base := cfg.Management.URL
	if *urlFlag != "" {
		base = *urlFlag
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	resp, err := client.Get(strings.TrimSuffix(base, "/") + "/status")
	if err != nil {
		fmt.Fprintf(stderr, "error fetching status: %s\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(stderr, "error reading status response: %s\n", err)
		return 1
	}
	if resp.StatusCode != http.StatusOK {
		stderr.Write(body)
		fmt.Fprintf(stderr, "\nstatus endpoint returned %s\n", resp.Status)
		return 1
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		stdout.Write(body)
	} else {
		pretty.WriteTo(stdout)
		fmt.Fprintln(stdout)
	}
	return 0
}
