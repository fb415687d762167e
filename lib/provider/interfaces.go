// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package provider defines the interface between the scaler and an
// elastic compute provider. The scaler treats instance creation and
// termination as an external collaborator: it only ever sees instance
// ids, coarse states, and addresses.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// A RateLimitError should be returned by a Provider when the cloud
// service indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// ErrInstanceNotFound is returned by InstanceStatus for an instance id
// the provider has no record of.
var ErrInstanceNotFound = errors.New("instance not found")

// InstanceID is the provider's identifier for an instance. It is
// stable for the life of the instance.
type InstanceID string

// InstanceTags are provider-side metadata attached at creation.
type InstanceTags map[string]string

// InstanceState is the provider's coarse view of an instance.
type InstanceState string

const (
	InstanceProvisioning InstanceState = "provisioning"
	InstanceRunning      InstanceState = "running"
	InstanceFailed       InstanceState = "failed"
	InstanceTerminated   InstanceState = "terminated"
)

// Instance is a snapshot of one provider instance.
type Instance struct {
	ID      InstanceID    `json:"id"`
	Name    string        `json:"name"`
	State   InstanceState `json:"state"`
	Address string        `json:"address"`
}

// A Provider manages a set of instances created by an elastic cloud
// service. All methods are goroutine safe. Every method honors ctx
// cancellation/deadline.
type Provider interface {
	// Create requests a new instance with the given name and
	// tags. It returns as soon as the provider accepts the
	// request; the returned instance is not usable until
	// InstanceStatus reports it running.
	Create(ctx context.Context, name string, tags InstanceTags) (InstanceID, error)

	// InstanceStatus returns the current snapshot for the given
	// instance, or ErrInstanceNotFound.
	InstanceStatus(ctx context.Context, id InstanceID) (Instance, error)

	// Destroy shuts down the instance. It is idempotent:
	// destroying an unknown or already-terminated instance
	// returns nil.
	Destroy(ctx context.Context, id InstanceID) error

	// Instances returns all instances whose name starts with
	// namePrefix, including ones that are provisioning or
	// shutting down.
	Instances(ctx context.Context, namePrefix string) ([]Instance, error)

	// Stop releases any background resources.
	Stop()
}

// A Driver returns a Provider configured by driver-dependent
// parameters.
type Driver interface {
	Provider(params map[string]interface{}, logger logrus.FieldLogger) (Provider, error)
}

// DriverFunc makes a Driver using the provided function as its
// Provider method.
type DriverFunc func(params map[string]interface{}, logger logrus.FieldLogger) (Provider, error)

// Provider implements Driver.
func (df DriverFunc) Provider(params map[string]interface{}, logger logrus.FieldLogger) (Provider, error) {
	return df(params, logger)
}

var drivers = map[string]Driver{
	"loopback": DriverFunc(newLoopbackProvider),
}

// Register adds a driver to the registry, making it available to New.
// Site-specific cloud drivers register themselves at init time.
func Register(name string, d Driver) {
	drivers[name] = d
}

// New returns a Provider using the named registered driver.
func New(name string, params map[string]interface{}, logger logrus.FieldLogger) (Provider, error) {
	d, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unsupported provider driver %q", name)
	}
	return d.Provider(params, logger)
}
