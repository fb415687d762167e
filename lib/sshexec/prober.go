// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package sshexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// diagnosticCommand is the best-effort introspection snapshot taken
// before a worker is failed. Each sub-command may fail on a broken
// node; whatever output arrives is kept.
const diagnosticCommand = `uptime; free -m; df -h /; nvidia-smi 2>&1 | head -n 40; journalctl -u gpufleet-worker -n 50 --no-pager 2>&1 | tail -n 50`

// remoteExecutor is the transport a Prober runs commands over.
// *Executor is the production implementation; tests substitute their
// own.
type remoteExecutor interface {
	Execute(cmd string, stdin io.Reader) (stdout, stderr []byte, err error)
	SetTarget(addr string)
	Close()
}

// A Prober runs the boot-readiness probe and the diagnostic snapshot
// against worker instances. It keeps one multiplexed SSH connection
// per address and drops it when the worker goes away.
type Prober struct {
	port             string
	user             string
	signers          []ssh.Signer
	bootProbeCommand string
	timeout          time.Duration

	newExecutor func(addr string) remoteExecutor

	mtx       sync.Mutex
	executors map[string]remoteExecutor
}

// NewProber returns a Prober authenticating with the given PEM
// private key. bootProbeCommand empty means "true". timeout bounds
// every remote call.
func NewProber(privateKeyPEM, port, user, bootProbeCommand string, timeout time.Duration) (*Prober, error) {
	var signers []ssh.Signer
	if privateKeyPEM != "" {
		key, err := ssh.ParsePrivateKey([]byte(privateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("error parsing configured private key: %w", err)
		}
		signers = append(signers, key)
	}
	if bootProbeCommand == "" {
		bootProbeCommand = "true"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pr := &Prober{
		port:             port,
		user:             user,
		signers:          signers,
		bootProbeCommand: bootProbeCommand,
		timeout:          timeout,
		executors:        map[string]remoteExecutor{},
	}
	pr.newExecutor = func(addr string) remoteExecutor {
		return NewExecutor(addr, pr.port, pr.user, pr.signers...)
	}
	return pr, nil
}

// CheckReady runs the boot probe on addr. A nil return means the
// instance is reachable and the probe command succeeded.
func (pr *Prober) CheckReady(ctx context.Context, addr string) error {
	_, stderr, err := pr.execute(ctx, addr, pr.bootProbeCommand)
	if err != nil {
		return fmt.Errorf("boot probe: %w (stderr: %q)", err, string(stderr))
	}
	return nil
}

// RunDiagnostics collects a best-effort introspection snapshot from
// addr. Output gathered before an error is still returned.
func (pr *Prober) RunDiagnostics(ctx context.Context, addr string) (string, error) {
	stdout, stderr, err := pr.execute(ctx, addr, diagnosticCommand)
	out := string(stdout)
	if len(stderr) > 0 {
		out += "\n[stderr]\n" + string(stderr)
	}
	return out, err
}

// Forget drops the cached connection for addr, if any.
func (pr *Prober) Forget(addr string) {
	pr.mtx.Lock()
	exr, ok := pr.executors[addr]
	delete(pr.executors, addr)
	pr.mtx.Unlock()
	if ok {
		go exr.Close()
	}
}

// Close drops all cached connections.
func (pr *Prober) Close() {
	pr.mtx.Lock()
	defer pr.mtx.Unlock()
	for addr, exr := range pr.executors {
		delete(pr.executors, addr)
		go exr.Close()
	}
}

// execute runs cmd on addr with the Prober's timeout. ssh sessions
// have no context support, so the call runs in a goroutine and is
// abandoned (connection dropped) on timeout.
func (pr *Prober) execute(ctx context.Context, addr, cmd string) (stdout, stderr []byte, err error) {
	if addr == "" {
		return nil, nil, ErrNoAddress
	}
	exr := pr.executor(addr)
	ctx, cancel := context.WithTimeout(ctx, pr.timeout)
	defer cancel()
	type result struct {
		stdout, stderr []byte
		err            error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		r.stdout, r.stderr, r.err = exr.Execute(cmd, nil)
		done <- r
	}()
	select {
	case r := <-done:
		return r.stdout, r.stderr, r.err
	case <-ctx.Done():
		pr.Forget(addr)
		return nil, nil, errors.Join(ctx.Err(), errProbeTimeout)
	}
}

var errProbeTimeout = errors.New("remote probe timed out")

func (pr *Prober) executor(addr string) remoteExecutor {
	pr.mtx.Lock()
	defer pr.mtx.Unlock()
	if exr, ok := pr.executors[addr]; ok {
		return exr
	}
	exr := pr.newExecutor(addr)
	pr.executors[addr] = exr
	return exr
}
