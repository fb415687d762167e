// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type throttle struct {
	err   error
	until time.Time
	mtx   sync.Mutex
}

// CheckRateLimitError checks whether the given error is a
// RateLimitError, and if so, ensures Error() returns a non-nil error
// until the rate limiting holdoff period expires.
func (thr *throttle) CheckRateLimitError(err error, logger logrus.FieldLogger, callType string) {
	rle, ok := err.(RateLimitError)
	if !ok {
		return
	}
	until := rle.EarliestRetry()
	if !until.After(time.Now()) {
		return
	}
	dur := until.Sub(time.Now())
	logger.WithFields(logrus.Fields{
		"CallType": callType,
		"Duration": dur,
		"ResumeAt": until,
	}).Info("suspending remote calls due to rate-limit error")
	thr.ErrorUntil(fmt.Errorf("remote calls are suspended for %s, until %s", dur, until), until)
}

func (thr *throttle) ErrorUntil(err error, until time.Time) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	thr.err, thr.until = err, until
}

func (thr *throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && time.Now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}

// Throttled wraps a Provider, suppressing Create and Instances calls
// for the holdoff period after the underlying provider returns a
// rate-limit error. Suppressed calls fail fast without reaching the
// provider; the next cycle retries once the period expires.
type Throttled struct {
	Provider
	logger            logrus.FieldLogger
	throttleCreate    throttle
	throttleInstances throttle
}

// NewThrottled returns p wrapped with rate-limit throttling.
func NewThrottled(p Provider, logger logrus.FieldLogger) *Throttled {
	return &Throttled{Provider: p, logger: logger}
}

// Create implements Provider.
func (tp *Throttled) Create(ctx context.Context, name string, tags InstanceTags) (InstanceID, error) {
	if err := tp.throttleCreate.Error(); err != nil {
		return "", err
	}
	id, err := tp.Provider.Create(ctx, name, tags)
	if err != nil {
		tp.throttleCreate.CheckRateLimitError(err, tp.logger, "create instance")
	}
	return id, err
}

// Instances implements Provider.
func (tp *Throttled) Instances(ctx context.Context, namePrefix string) ([]Instance, error) {
	if err := tp.throttleInstances.Error(); err != nil {
		return nil, err
	}
	instances, err := tp.Provider.Instances(ctx, namePrefix)
	if err != nil {
		tp.throttleInstances.CheckRateLimitError(err, tp.logger, "list instances")
	}
	return instances, err
}
