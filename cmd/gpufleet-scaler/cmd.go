// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"git.gpufleet.org/gpufleet.git/lib/cmd"
	"git.gpufleet.org/gpufleet.git/lib/scaler"
)

var (
	version = "dev"
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version(version),
		"-version":  cmd.Version(version),
		"--version": cmd.Version(version),

		"run":      scaler.RunCommand,
		"run-once": scaler.RunOnceCommand,
		"status":   scaler.StatusCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
