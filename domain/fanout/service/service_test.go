// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service_test

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	corefanout "github.com/conveyorworks/conveyor/core/fanout"
	coreoutbox "github.com/conveyorworks/conveyor/core/outbox"
	"github.com/conveyorworks/conveyor/core/owner"
	"github.com/conveyorworks/conveyor/domain/fanout/service"
	"github.com/conveyorworks/conveyor/domain/fanout/state"
	outboxstate "github.com/conveyorworks/conveyor/domain/outbox/state"
	"github.com/conveyorworks/conveyor/internal/database/testing"
)

type staticShards map[string][]string

func (s staticShards) Shards(_ context.Context, _, workKey string) ([]string, error) {
	return s[workKey], nil
}

type serviceSuite struct {
	testing.StoreSuite

	clock  *testclock.Clock
	state  *state.State
	outbox *outboxstate.State
	shards staticShards
	svc    *service.Service
}

var _ = gc.Suite(&serviceSuite{})

func (s *serviceSuite) SetUpTest(c *gc.C) {
	s.StoreSuite.SetUpTest(c)

	s.clock = testclock.NewClock(time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
	s.state = state.NewState(s.TxnRunnerFactory())
	s.outbox = outboxstate.NewState(s.TxnRunnerFactory())
	s.shards = staticShards{"refresh": {"tenant-a", "tenant-b"}}
	s.svc = service.NewService(s.state, s.outbox, s.shards, s.clock)

	err := s.svc.UpsertPolicy(context.Background(), corefanout.Policy{
		FanoutTopic:  "sync",
		WorkKey:      "refresh",
		EverySeconds: 60,
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *serviceSuite) emitted(c *gc.C) []coreoutbox.Message {
	now := s.clock.Now().UTC()
	msgs, err := s.outbox.ClaimDue(
		context.Background(), owner.NewToken(), now, now.Add(time.Minute), 100)
	c.Assert(err, jc.ErrorIsNil)
	return msgs
}

func (s *serviceSuite) TestUpsertPolicyValidation(c *gc.C) {
	err := s.svc.UpsertPolicy(context.Background(), corefanout.Policy{
		WorkKey: "refresh", EverySeconds: 60,
	})
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	err = s.svc.UpsertPolicy(context.Background(), corefanout.Policy{
		FanoutTopic: "sync", WorkKey: "refresh", EverySeconds: 0,
	})
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	// Jitter must fit inside the period.
	err = s.svc.UpsertPolicy(context.Background(), corefanout.Policy{
		FanoutTopic: "sync", WorkKey: "refresh", EverySeconds: 60, JitterSeconds: 60,
	})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *serviceSuite) TestSweepReadsShareOneTransaction(c *gc.C) {
	// The policy and cursor reads run inside the sweep transaction,
	// so a full enumerate-and-emit cycle completes on the suite's
	// single-connection pool.
	n, err := s.svc.EmitDueSlices(context.Background(), "sync")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, 2)

	slices, err := s.svc.DueSlices(context.Background(), "sync")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(slices, gc.HasLen, 2)
}

func (s *serviceSuite) TestNeverCompletedSlicesAlwaysDue(c *gc.C) {
	slices, err := s.svc.DueSlices(context.Background(), "sync")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(slices, gc.HasLen, 2)
	c.Check(slices[0].WindowStart, gc.IsNil)
}

func (s *serviceSuite) TestEmitThenCompleteSuppressesUntilElapsed(c *gc.C) {
	n, err := s.svc.EmitDueSlices(context.Background(), "sync")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, 2)

	msgs := s.emitted(c)
	c.Assert(msgs, gc.HasLen, 2)
	c.Check(msgs[0].Topic, gc.Equals, "sync")

	var slice corefanout.Slice
	err = json.Unmarshal([]byte(msgs[0].Payload), &slice)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(slice.FanoutTopic, gc.Equals, "sync")
	c.Check(slice.WorkKey, gc.Equals, "refresh")

	// Completing both shards parks them for a full period.
	for _, shard := range s.shards["refresh"] {
		err := s.svc.MarkCompleted(context.Background(), corefanout.Slice{
			FanoutTopic: "sync", WorkKey: "refresh", ShardKey: shard,
		})
		c.Assert(err, jc.ErrorIsNil)
	}

	slices, err := s.svc.DueSlices(context.Background(), "sync")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(slices, gc.HasLen, 0)

	s.clock.Advance(61 * time.Second)

	slices, err = s.svc.DueSlices(context.Background(), "sync")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(slices, gc.HasLen, 2)

	// The second round carries the completion time as the window
	// start.
	c.Assert(slices[0].WindowStart, gc.NotNil)
	c.Check(*slices[0].WindowStart, gc.Equals, time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
}

func (s *serviceSuite) TestJitterDefersWithinBound(c *gc.C) {
	err := s.svc.UpsertPolicy(context.Background(), corefanout.Policy{
		FanoutTopic:   "sync",
		WorkKey:       "refresh",
		EverySeconds:  60,
		JitterSeconds: 30,
	})
	c.Assert(err, jc.ErrorIsNil)

	for _, shard := range s.shards["refresh"] {
		err := s.svc.MarkCompleted(context.Background(), corefanout.Slice{
			FanoutTopic: "sync", WorkKey: "refresh", ShardKey: shard,
		})
		c.Assert(err, jc.ErrorIsNil)
	}

	// Inside the base period nothing is due, whatever the jitter.
	s.clock.Advance(59 * time.Second)
	slices, err := s.svc.DueSlices(context.Background(), "sync")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(slices, gc.HasLen, 0)

	// Past period plus maximum jitter everything is due.
	s.clock.Advance(31 * time.Second)
	slices, err = s.svc.DueSlices(context.Background(), "sync")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(slices, gc.HasLen, 2)
}

func (s *serviceSuite) TestCursorNeverMovesBackwards(c *gc.C) {
	s.clock.Advance(time.Hour)
	err := s.svc.MarkCompleted(context.Background(), corefanout.Slice{
		FanoutTopic: "sync", WorkKey: "refresh", ShardKey: "tenant-a",
	})
	c.Assert(err, jc.ErrorIsNil)

	// A late duplicate completion with an earlier clock reading
	// must not rewind the cursor.
	err = s.state.MarkCompleted(
		context.Background(), "sync", "refresh", "tenant-a",
		time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
	c.Assert(err, jc.ErrorIsNil)

	slices, err := s.svc.DueSlices(context.Background(), "sync")
	c.Assert(err, jc.ErrorIsNil)
	// tenant-b never completed, so only it is due.
	c.Assert(slices, gc.HasLen, 1)
	c.Check(slices[0].ShardKey, gc.Equals, "tenant-b")
}
