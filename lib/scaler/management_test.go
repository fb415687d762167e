// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scaler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/scaler/test"
	"git.gpufleet.org/gpufleet.git/lib/store"
	"git.gpufleet.org/gpufleet.git/sdk/go/ctxlog"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ManagementSuite{})

type ManagementSuite struct{}

func (s *ManagementSuite) TestStatusAndMetrics(c *check.C) {
	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	ms := store.NewMemoryStore()
	hb := time.Now().Add(-time.Minute)
	c.Assert(ms.InsertWorker(ctx, fleet.Worker{
		ID:              "gpufleet-w1",
		State:           fleet.StateActive,
		CreatedAt:       time.Now().Add(-time.Hour),
		UpdatedAt:       time.Now(),
		LastHeartbeatAt: &hb,
	}), check.IsNil)
	ms.PutTask(fleet.Task{ID: "t1", State: fleet.TaskQueued, Type: "render"})

	reg := prometheus.NewRegistry()
	orc := New(fleet.DefaultConfig(), ctxlog.TestLogger(c), ms, test.NewStubProvider(), &test.StubProber{}, reg)
	orc.RunCycle(ctx)

	srv := httptest.NewServer(orc.ManagementAPI(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	c.Assert(err, check.IsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusOK)
	c.Check(resp.Header.Get("Content-Type"), check.Equals, "application/json")
	var status statusResponse
	c.Assert(json.NewDecoder(resp.Body).Decode(&status), check.IsNil)
	c.Check(status.WorkerCounts[fleet.StateActive], check.Equals, 1)
	c.Check(status.Tasks.Queued, check.Equals, 1)
	c.Assert(status.LastCycle, check.NotNil)
	c.Check(status.LastCycle.Cycle, check.Equals, int64(1))

	mresp, err := http.Get(srv.URL + "/metrics")
	c.Assert(err, check.IsNil)
	defer mresp.Body.Close()
	c.Check(mresp.StatusCode, check.Equals, http.StatusOK)
}
