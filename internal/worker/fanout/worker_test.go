// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package fanout_test

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	corelease "github.com/conveyorworks/conveyor/core/lease"
	"github.com/conveyorworks/conveyor/internal/worker/fanout"
)

type workerSuite struct {
	clock  *testclock.Clock
	leases *stubLeases
	coord  *stubCoordinator
}

var _ = gc.Suite(&workerSuite{})

func (s *workerSuite) SetUpTest(c *gc.C) {
	s.clock = testclock.NewClock(time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
	s.leases = &stubLeases{grant: true}
	s.coord = &stubCoordinator{swept: make(chan string, 4)}
}

func (s *workerSuite) config() fanout.Config {
	return fanout.Config{
		Coordinator:   s.coord,
		Topics:        []string{"sync", "rollup"},
		Leases:        s.leases,
		Clock:         s.clock,
		InstanceID:    "node-a",
		SweepInterval: time.Second,
		LeaseDuration: 10 * time.Second,
	}
}

func (s *workerSuite) TestValidateConfig(c *gc.C) {
	cfg := s.config()
	cfg.Coordinator = nil
	_, err := fanout.NewWorker(cfg)
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	cfg = s.config()
	cfg.Topics = nil
	_, err = fanout.NewWorker(cfg)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *workerSuite) TestLeaderSweepsAllTopics(c *gc.C) {
	w, err := fanout.NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	err = s.clock.WaitAdvance(time.Second, time.Second, 1)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(s.next(c), gc.Equals, "sync")
	c.Check(s.next(c), gc.Equals, "rollup")
}

func (s *workerSuite) TestStandbyDoesNotSweep(c *gc.C) {
	s.leases.grant = false

	w, err := fanout.NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	err = s.clock.WaitAdvance(time.Second, time.Second, 1)
	c.Assert(err, jc.ErrorIsNil)

	select {
	case <-s.coord.swept:
		c.Fatal("standby instance must not sweep")
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *workerSuite) TestSweepErrorDoesNotKillWorker(c *gc.C) {
	s.coord.err = errors.New("store gone")

	w, err := fanout.NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	// The first sweep fails and is logged; the next interval sweeps
	// again.
	err = s.clock.WaitAdvance(time.Second, time.Second, 1)
	c.Assert(err, jc.ErrorIsNil)
	err = s.clock.WaitAdvance(time.Second, time.Second, 1)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(s.next(c), gc.Equals, "sync")
	c.Check(s.next(c), gc.Equals, "rollup")
}

func (s *workerSuite) next(c *gc.C) string {
	select {
	case topic := <-s.coord.swept:
		return topic
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for sweep")
		return ""
	}
}

type stubLeases struct {
	mu    sync.Mutex
	grant bool
}

func (s *stubLeases) Acquire(
	_ context.Context, _, _ string, now, leaseUntil time.Time,
) (corelease.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return corelease.Grant{Acquired: s.grant, Now: now, LeaseUntil: leaseUntil}, nil
}

type stubCoordinator struct {
	swept chan string
	err   error
}

// EmitDueSlices consumes any injected error once, so the worker's
// next sweep succeeds.
func (s *stubCoordinator) EmitDueSlices(_ context.Context, topic string) (int, error) {
	if s.err != nil {
		err := s.err
		s.err = nil
		return 0, err
	}
	s.swept <- topic
	return 1, nil
}
