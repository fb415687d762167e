// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scaler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	workersByState  *prometheus.GaugeVec
	desiredWorkers  prometheus.Gauge
	tasksQueued     prometheus.Gauge
	tasksInProgress prometheus.Gauge
	spawnsBlocked   prometheus.Gauge
	cyclesTotal     prometheus.Counter
	cycleErrors     prometheus.Counter
	cycleSeconds    prometheus.Summary
	spawned         prometheus.Counter
	promoted        prometheus.Counter
	failed          prometheus.Counter
	terminated      prometheus.Counter
	cancelled       prometheus.Counter
	tasksReset      prometheus.Counter
	orphanInstances prometheus.Counter
	externallyGone  prometheus.Counter
}

func registerMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{}
	m.workersByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpufleet",
		Subsystem: "scaler",
		Name:      "workers",
		Help:      "Number of workers in each state.",
	}, []string{"state"})
	m.desiredWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gpufleet",
		Subsystem: "scaler",
		Name:      "workers_desired",
		Help:      "Fleet size the last cycle decided on.",
	})
	m.tasksQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gpufleet",
		Subsystem: "scaler",
		Name:      "tasks_queued",
		Help:      "Claimable queued tasks at the last cycle.",
	})
	m.tasksInProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gpufleet",
		Subsystem: "scaler",
		Name:      "tasks_in_progress",
		Help:      "Tasks being worked on at the last cycle.",
	})
	m.spawnsBlocked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gpufleet",
		Subsystem: "scaler",
		Name:      "spawns_blocked",
		Help:      "1 while the failure-rate breaker is refusing to spawn.",
	})
	m.cyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpufleet",
		Subsystem: "scaler",
		Name:      "cycles_total",
		Help:      "Total scaling cycles run.",
	})
	m.cycleErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpufleet",
		Subsystem: "scaler",
		Name:      "cycle_errors_total",
		Help:      "Cycles that finished with an error.",
	})
	m.cycleSeconds = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "gpufleet",
		Subsystem: "scaler",
		Name:      "cycle_seconds",
		Help:      "Time spent running one cycle.",
	})
	m.spawned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpufleet",
		Subsystem: "scaler",
		Name:      "workers_spawned_total",
		Help:      "Workers spawned.",
	})
	m.promoted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpufleet",
		Subsystem: "scaler",
		Name:      "workers_promoted_total",
		Help:      "Workers promoted to active.",
	})
	m.failed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpufleet",
		Subsystem: "scaler",
		Name:      "workers_failed_total",
		Help:      "Workers marked failed.",
	})
	m.terminated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpufleet",
		Subsystem: "scaler",
		Name:      "workers_terminated_idle_total",
		Help:      "Healthy workers terminated by scale-down.",
	})
	m.cancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpufleet",
		Subsystem: "scaler",
		Name:      "workers_cancelled_total",
		Help:      "Spawning workers cancelled before promotion.",
	})
	m.tasksReset = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpufleet",
		Subsystem: "scaler",
		Name:      "tasks_reset_total",
		Help:      "Orphaned tasks requeued.",
	})
	m.orphanInstances = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpufleet",
		Subsystem: "scaler",
		Name:      "orphan_instances_total",
		Help:      "Untracked instances destroyed by reconciliation.",
	})
	m.externallyGone = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpufleet",
		Subsystem: "scaler",
		Name:      "workers_externally_terminated_total",
		Help:      "Workers whose instances disappeared outside the scaler.",
	})
	if reg != nil {
		reg.MustRegister(
			m.workersByState,
			m.desiredWorkers,
			m.tasksQueued,
			m.tasksInProgress,
			m.spawnsBlocked,
			m.cyclesTotal,
			m.cycleErrors,
			m.cycleSeconds,
			m.spawned,
			m.promoted,
			m.failed,
			m.terminated,
			m.cancelled,
			m.tasksReset,
			m.orphanInstances,
			m.externallyGone,
		)
	}
	return m
}

func (m *metrics) observe(sum *CycleSummary) {
	m.cyclesTotal.Inc()
	m.cycleSeconds.Observe(time.Duration(sum.Duration).Seconds())
	if sum.Error != "" {
		m.cycleErrors.Inc()
	}
	m.desiredWorkers.Set(float64(sum.DesiredWorkers))
	m.tasksQueued.Set(float64(sum.TasksQueued))
	m.tasksInProgress.Set(float64(sum.TasksInProgress))
	if sum.SpawnsBlocked {
		m.spawnsBlocked.Set(1)
	} else {
		m.spawnsBlocked.Set(0)
	}
	m.spawned.Add(float64(sum.Spawned))
	m.promoted.Add(float64(sum.Promoted))
	m.failed.Add(float64(sum.Failed))
	m.terminated.Add(float64(sum.Terminated))
	m.cancelled.Add(float64(sum.Cancelled))
	m.tasksReset.Add(float64(sum.TasksReset))
	m.orphanInstances.Add(float64(sum.OrphanInstances))
	m.externallyGone.Add(float64(sum.ExternallyGone))
	m.workersByState.Reset()
	for state, n := range sum.Workers {
		m.workersByState.WithLabelValues(string(state)).Set(float64(n))
	}
}
