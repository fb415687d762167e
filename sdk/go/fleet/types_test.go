// Copyright (C) The GPUFleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"encoding/json"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&TypesSuite{})

type TypesSuite struct{}

func (s *TypesSuite) TestStateOrdering(c *check.C) {
	order := []WorkerState{StateInactive, StateSpawning, StateActive, StateError, StateTerminated}
	for i, from := range order {
		c.Check(from.Valid(), check.Equals, true)
		for j, to := range order {
			c.Check(from.CanAdvance(to), check.Equals, j > i,
				check.Commentf("%s -> %s", from, to))
		}
	}
	c.Check(WorkerState("").Valid(), check.Equals, false)
	c.Check(WorkerState("Rebooting").Valid(), check.Equals, false)
	c.Check(StateActive.CanAdvance(WorkerState("Rebooting")), check.Equals, false)
}

func (s *TypesSuite) TestLive(c *check.C) {
	c.Check(StateInactive.Live(), check.Equals, true)
	c.Check(StateSpawning.Live(), check.Equals, true)
	c.Check(StateActive.Live(), check.Equals, true)
	c.Check(StateError.Live(), check.Equals, false)
	c.Check(StateTerminated.Live(), check.Equals, false)
}

func (s *TypesSuite) TestEffectiveState(c *check.C) {
	w := Worker{State: StateActive, StateHint: StateSpawning}
	c.Check(w.EffectiveState(), check.Equals, StateActive)
	w.State = ""
	c.Check(w.EffectiveState(), check.Equals, StateSpawning)
}

func (s *TypesSuite) TestDurationEncoding(c *check.C) {
	var d Duration
	c.Check(json.Unmarshal([]byte(`"90s"`), &d), check.IsNil)
	c.Check(d.Duration().Seconds(), check.Equals, 90.0)
	c.Check(json.Unmarshal([]byte(`"1h30m"`), &d), check.IsNil)
	c.Check(d.String(), check.Equals, "1h30m0s")

	buf, err := json.Marshal(d)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `"1h30m0s"`)

	// Bare numbers are ambiguous and rejected.
	err = json.Unmarshal([]byte(`600`), &d)
	c.Check(err, check.ErrorMatches, `duration must be given as a string.*not 600`)
}

func (s *TypesSuite) TestClassifier(c *check.C) {
	cl := NewStaticClassifier([]string{"training", "fine-tune"})
	c.Check(cl.LongRunning("training"), check.Equals, true)
	c.Check(cl.LongRunning("fine-tune"), check.Equals, true)
	c.Check(cl.LongRunning("render"), check.Equals, false)
	// Exact match only; no substring surprises.
	c.Check(cl.LongRunning("training-v2"), check.Equals, false)
	c.Check(NewStaticClassifier(nil).LongRunning("training"), check.Equals, false)
}
