// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scaler

import (
	"encoding/json"
	"net/http"
	"time"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statusResponse is the payload of GET /status.
type statusResponse struct {
	Workers      []fleet.Worker            `json:"workers"`
	WorkerCounts map[fleet.WorkerState]int `json:"worker_counts"`
	Tasks        fleet.TaskCounts          `json:"tasks"`
	LastCycle    *CycleSummary             `json:"last_cycle"`
	Time         time.Time                 `json:"time"`
}

// ManagementAPI serves the read-only operational endpoints: /status
// for humans and automation, /metrics for prometheus.
func (orc *Orchestrator) ManagementAPI(reg *prometheus.Registry) http.Handler {
	mux := httprouter.New()
	mux.HandlerFunc("GET", "/status", orc.serveStatus)
	if reg != nil {
		mux.Handler("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			ErrorLog: orc.logger,
		}))
	}
	return mux
}

func (orc *Orchestrator) serveStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workers, err := orc.store.ListWorkers(ctx)
	if err != nil {
		orc.logger.WithError(err).Error("status: error listing workers")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	counts, err := orc.store.CountTasks(ctx)
	if err != nil {
		orc.logger.WithError(err).Error("status: error counting tasks")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	resp := statusResponse{
		Workers:      workers,
		WorkerCounts: map[fleet.WorkerState]int{},
		Tasks:        counts,
		LastCycle:    orc.LastSummary(),
		Time:         time.Now().UTC(),
	}
	for _, wkr := range workers {
		resp.WorkerCounts[wkr.EffectiveState()]++
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		orc.logger.WithError(err).Warn("status: error writing response")
	}
}
