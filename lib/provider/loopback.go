// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
)

// loopbackProvider simulates a cloud provider in process: instances
// are records that move from provisioning to running after BootDelay.
// It exists for local development and smoke tests; it has no network
// side effects.
type loopbackProvider struct {
	logger    logrus.FieldLogger
	bootDelay time.Duration
	quota     int

	mtx       sync.Mutex
	instances map[InstanceID]*loopbackInstance
}

type loopbackInstance struct {
	name      string
	createdAt time.Time
	destroyed bool
}

type loopbackParams struct {
	BootDelaySeconds float64
	Quota            int
}

func newLoopbackProvider(params map[string]interface{}, logger logrus.FieldLogger) (Provider, error) {
	var lp loopbackParams
	if err := mapstructure.Decode(params, &lp); err != nil {
		return nil, err
	}
	if lp.BootDelaySeconds == 0 {
		lp.BootDelaySeconds = 5
	}
	return &loopbackProvider{
		logger:    logger,
		bootDelay: time.Duration(lp.BootDelaySeconds * float64(time.Second)),
		quota:     lp.Quota,
		instances: map[InstanceID]*loopbackInstance{},
	}, nil
}

type loopbackQuotaError string

func (e loopbackQuotaError) Error() string { return string(e) }

// Create implements Provider.
func (lp *loopbackProvider) Create(ctx context.Context, name string, tags InstanceTags) (InstanceID, error) {
	lp.mtx.Lock()
	defer lp.mtx.Unlock()
	if lp.quota > 0 {
		live := 0
		for _, inst := range lp.instances {
			if !inst.destroyed {
				live++
			}
		}
		if live >= lp.quota {
			return "", loopbackQuotaError(fmt.Sprintf("loopback quota (%d) reached", lp.quota))
		}
	}
	id := InstanceID(fmt.Sprintf("loop-%x", rand.Int63()))
	lp.instances[id] = &loopbackInstance{name: name, createdAt: time.Now()}
	lp.logger.WithFields(logrus.Fields{
		"Instance": id,
		"Name":     name,
	}).Info("loopback instance created")
	return id, nil
}

// InstanceStatus implements Provider.
func (lp *loopbackProvider) InstanceStatus(ctx context.Context, id InstanceID) (Instance, error) {
	lp.mtx.Lock()
	defer lp.mtx.Unlock()
	inst, ok := lp.instances[id]
	if !ok {
		return Instance{}, ErrInstanceNotFound
	}
	return lp.snapshot(id, inst), nil
}

// Destroy implements Provider.
func (lp *loopbackProvider) Destroy(ctx context.Context, id InstanceID) error {
	lp.mtx.Lock()
	defer lp.mtx.Unlock()
	if inst, ok := lp.instances[id]; ok {
		inst.destroyed = true
	}
	return nil
}

// Instances implements Provider.
func (lp *loopbackProvider) Instances(ctx context.Context, namePrefix string) ([]Instance, error) {
	lp.mtx.Lock()
	defer lp.mtx.Unlock()
	var ret []Instance
	for id, inst := range lp.instances {
		if !strings.HasPrefix(inst.name, namePrefix) {
			continue
		}
		if inst.destroyed {
			continue
		}
		ret = append(ret, lp.snapshot(id, inst))
	}
	return ret, nil
}

// Stop implements Provider.
func (lp *loopbackProvider) Stop() {}

// caller must have lock.
func (lp *loopbackProvider) snapshot(id InstanceID, inst *loopbackInstance) Instance {
	state := InstanceProvisioning
	switch {
	case inst.destroyed:
		state = InstanceTerminated
	case time.Since(inst.createdAt) >= lp.bootDelay:
		state = InstanceRunning
	}
	return Instance{
		ID:      id,
		Name:    inst.name,
		State:   state,
		Address: "127.0.0.1",
	}
}
