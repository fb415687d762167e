// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package sshexec runs readiness and diagnostic probes on worker
// instances over long-lived multiplexed SSH sessions.
package sshexec

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrNoAddress is returned by Execute while the instance has no
// address yet.
var ErrNoAddress = errors.New("instance has no address")

// An Executor uses a multiplexed SSH connection to execute shell
// commands on a remote target. It reconnects automatically after
// errors.
//
// A zero Executor must not be used before calling SetTarget.
//
// An Executor must not be copied.
type Executor struct {
	addr    string
	port    string
	user    string
	signers []ssh.Signer
	mtx     sync.RWMutex // controls access to target fields after creation

	client      *ssh.Client
	clientErr   error
	clientOnce  sync.Once // initialized private state
	clientSetup chan bool // len>0 while client setup is in progress
}

// NewExecutor returns an Executor for the given address. port is used
// when addr does not include one ("" means "ssh").
func NewExecutor(addr, port, user string, signers ...ssh.Signer) *Executor {
	return &Executor{addr: addr, port: port, user: user, signers: signers}
}

// SetTarget sets the address used the next time a connection is set
// up; until then the Executor keeps using the existing connection.
func (exr *Executor) SetTarget(addr string) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.addr = addr
}

// Execute runs cmd on the target. If an existing connection is not
// usable, it sets up a new connection to the current target.
func (exr *Executor) Execute(cmd string, stdin io.Reader) ([]byte, []byte, error) {
	session, err := exr.newSession()
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr
	err = session.Run(cmd)
	return stdout.Bytes(), stderr.Bytes(), err
}

// Close shuts down any active connection.
func (exr *Executor) Close() {
	// Ensure exr is initialized
	exr.sshClient(false)

	exr.clientSetup <- true
	if exr.client != nil {
		defer exr.client.Close()
	}
	exr.client, exr.clientErr = nil, errors.New("closed")
	<-exr.clientSetup
}

// Create a new SSH session. If session setup fails or the SSH client
// hasn't been setup yet, setup a new SSH client and try again.
func (exr *Executor) newSession() (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, err := exr.sshClient(create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

// Get the latest SSH client. If another goroutine is in the process
// of setting one up, wait for it to finish and return its result (or
// the last successfully setup client, if it fails).
func (exr *Executor) sshClient(create bool) (*ssh.Client, error) {
	exr.clientOnce.Do(func() {
		exr.clientSetup = make(chan bool, 1)
		exr.clientErr = errors.New("client not yet created")
	})
	defer func() { <-exr.clientSetup }()
	select {
	case exr.clientSetup <- true:
		if create {
			client, err := exr.setupSSHClient()
			if err == nil || exr.client == nil {
				if exr.client != nil {
					// Hang up the previous
					// (non-working) client
					go exr.client.Close()
				}
				exr.client, exr.clientErr = client, err
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		// Another goroutine is doing the above case. Wait for
		// it to finish and return whatever it leaves in
		// exr.client.
		exr.clientSetup <- true
	}
	return exr.client, exr.clientErr
}

func (exr *Executor) targetHostPort() (string, string) {
	exr.mtx.RLock()
	addr, port := exr.addr, exr.port
	exr.mtx.RUnlock()
	if addr == "" {
		return "", ""
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil || p == "" {
		// Target address does not specify a port. Use the
		// configured port, or "ssh".
		if h == "" {
			h = addr
		}
		if p = port; p == "" {
			p = "ssh"
		}
	}
	return h, p
}

// Create a new SSH client. The worker instances are created by this
// system moments before we connect to them, so the first key the
// server offers is accepted and pinned for the connection.
func (exr *Executor) setupSSHClient() (*ssh.Client, error) {
	addr := net.JoinHostPort(exr.targetHostPort())
	if addr == ":" {
		return nil, ErrNoAddress
	}
	exr.mtx.RLock()
	user, signers := exr.user, exr.signers
	exr.mtx.RUnlock()
	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signers...),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         time.Minute,
	})
}
