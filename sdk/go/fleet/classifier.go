// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

// A TaskClassifier decides whether a task type belongs to the
// long-running class, which is exempt from the stuck-task timeout and
// from orphan recovery. The classification is a closed set configured
// per site -- never substring matching -- so a new task type cannot be
// silently misclassified.
type TaskClassifier interface {
	LongRunning(taskType string) bool
}

// StaticClassifier classifies task types against a fixed set.
type StaticClassifier struct {
	longRunning map[string]bool
}

// NewStaticClassifier returns a StaticClassifier treating exactly the
// given task types as long-running.
func NewStaticClassifier(longRunningTypes []string) *StaticClassifier {
	c := &StaticClassifier{longRunning: map[string]bool{}}
	for _, t := range longRunningTypes {
		c.longRunning[t] = true
	}
	return c
}

// LongRunning implements TaskClassifier.
func (c *StaticClassifier) LongRunning(taskType string) bool {
	return c.longRunning[taskType]
}
