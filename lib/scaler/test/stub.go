// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package test provides stand-ins for the scaler's collaborators:
// a controllable compute provider and prober for exercising the
// orchestrator without cloud APIs or SSH.
package test

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"git.gpufleet.org/gpufleet.git/lib/provider"
)

// StubProvider is an in-memory provider whose instance states are set
// directly by the test.
type StubProvider struct {
	// CreateError, if set, fails every Create call.
	CreateError error

	mtx       sync.Mutex
	seq       int
	instances map[provider.InstanceID]provider.Instance
	destroyed []provider.InstanceID
}

func NewStubProvider() *StubProvider {
	return &StubProvider{instances: map[provider.InstanceID]provider.Instance{}}
}

// Put installs (or replaces) an instance record.
func (sp *StubProvider) Put(inst provider.Instance) {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	sp.instances[inst.ID] = inst
}

// SetState changes the state of an existing instance.
func (sp *StubProvider) SetState(id provider.InstanceID, state provider.InstanceState) {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	inst, ok := sp.instances[id]
	if !ok {
		panic(fmt.Sprintf("SetState: no such instance %q", id))
	}
	inst.State = state
	sp.instances[id] = inst
}

// Destroyed returns the ids passed to Destroy, in order.
func (sp *StubProvider) Destroyed() []provider.InstanceID {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	return append([]provider.InstanceID(nil), sp.destroyed...)
}

// Create implements provider.Provider. New instances start out
// provisioning.
func (sp *StubProvider) Create(ctx context.Context, name string, tags provider.InstanceTags) (provider.InstanceID, error) {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	if sp.CreateError != nil {
		return "", sp.CreateError
	}
	sp.seq++
	id := provider.InstanceID(fmt.Sprintf("stub-%d", sp.seq))
	sp.instances[id] = provider.Instance{
		ID:      id,
		Name:    name,
		State:   provider.InstanceProvisioning,
		Address: fmt.Sprintf("10.0.0.%d", sp.seq),
	}
	return id, nil
}

// InstanceStatus implements provider.Provider.
func (sp *StubProvider) InstanceStatus(ctx context.Context, id provider.InstanceID) (provider.Instance, error) {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	inst, ok := sp.instances[id]
	if !ok {
		return provider.Instance{}, provider.ErrInstanceNotFound
	}
	return inst, nil
}

// Destroy implements provider.Provider.
func (sp *StubProvider) Destroy(ctx context.Context, id provider.InstanceID) error {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	sp.destroyed = append(sp.destroyed, id)
	if inst, ok := sp.instances[id]; ok {
		inst.State = provider.InstanceTerminated
		sp.instances[id] = inst
	}
	return nil
}

// Instances implements provider.Provider.
func (sp *StubProvider) Instances(ctx context.Context, namePrefix string) ([]provider.Instance, error) {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	var ret []provider.Instance
	for _, inst := range sp.instances {
		if !strings.HasPrefix(inst.Name, namePrefix) {
			continue
		}
		if inst.State == provider.InstanceTerminated {
			continue
		}
		ret = append(ret, inst)
	}
	return ret, nil
}

// Stop implements provider.Provider.
func (sp *StubProvider) Stop() {}

// StubProber reports instances ready unless the test says otherwise.
type StubProber struct {
	// ReadyErrors maps address to the error CheckReady should
	// return. Addresses not in the map probe successfully.
	ReadyErrors map[string]error
	// Diagnostics is returned by RunDiagnostics for every address.
	Diagnostics string

	mtx       sync.Mutex
	forgotten []string
}

func (spr *StubProber) CheckReady(ctx context.Context, addr string) error {
	return spr.ReadyErrors[addr]
}

func (spr *StubProber) RunDiagnostics(ctx context.Context, addr string) (string, error) {
	return spr.Diagnostics, nil
}

func (spr *StubProber) Forget(addr string) {
	spr.mtx.Lock()
	defer spr.mtx.Unlock()
	spr.forgotten = append(spr.forgotten, addr)
}

// Forgotten returns the addresses passed to Forget, in order.
func (spr *StubProber) Forgotten() []string {
	spr.mtx.Lock()
	defer spr.mtx.Unlock()
	return append([]string(nil), spr.forgotten...)
}

func (spr *StubProber) Close() {}
