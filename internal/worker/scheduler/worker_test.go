// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package scheduler_test

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
	"github.com/conveyorworks/conveyor/internal/worker/scheduler"
)

type workerSuite struct {
	clock  *testclock.Clock
	leases *stubLeases
	ticker *stubTicker
}

var _ = gc.Suite(&workerSuite{})

func (s *workerSuite) SetUpTest(c *gc.C) {
	s.clock = testclock.NewClock(time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
	s.leases = &stubLeases{grant: true}
	s.ticker = &stubTicker{ticked: make(chan int, 4)}
}

func (s *workerSuite) config() scheduler.Config {
	return scheduler.Config{
		Scheduler:     s.ticker,
		Leases:        s.leases,
		Clock:         s.clock,
		InstanceID:    "node-a",
		TickInterval:  time.Second,
		LeaseDuration: 10 * time.Second,
		BatchSize:     50,
	}
}

func (s *workerSuite) TestValidateConfig(c *gc.C) {
	cfg := s.config()
	cfg.Scheduler = nil
	_, err := scheduler.NewWorker(cfg)
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	cfg = s.config()
	cfg.InstanceID = ""
	_, err = scheduler.NewWorker(cfg)
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	// The lease must outlive the tick interval.
	cfg = s.config()
	cfg.LeaseDuration = cfg.TickInterval
	_, err = scheduler.NewWorker(cfg)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *workerSuite) TestLeaderTicks(c *gc.C) {
	w, err := scheduler.NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	err = s.clock.WaitAdvance(time.Second, time.Second, 1)
	c.Assert(err, jc.ErrorIsNil)

	select {
	case batch := <-s.ticker.ticked:
		c.Check(batch, gc.Equals, 50)
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for tick")
	}

	c.Check(s.leases.holder(), gc.Equals, "node-a")
}

func (s *workerSuite) TestStandbyDoesNotTick(c *gc.C) {
	s.leases.setGrant(false)

	w, err := scheduler.NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	err = s.clock.WaitAdvance(time.Second, time.Second, 1)
	c.Assert(err, jc.ErrorIsNil)

	select {
	case <-s.ticker.ticked:
		c.Fatal("standby instance must not tick")
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *workerSuite) TestTickErrorDoesNotKillWorker(c *gc.C) {
	s.ticker.err = errors.New("store gone")

	w, err := scheduler.NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	// The first tick fails and is logged; the next interval ticks
	// again.
	err = s.clock.WaitAdvance(time.Second, time.Second, 1)
	c.Assert(err, jc.ErrorIsNil)
	err = s.clock.WaitAdvance(time.Second, time.Second, 1)
	c.Assert(err, jc.ErrorIsNil)

	select {
	case batch := <-s.ticker.ticked:
		c.Check(batch, gc.Equals, 50)
	case <-time.After(5 * time.Second):
		c.Fatal("worker did not survive the failed tick")
	}
}

type stubLeases struct {
	mu     sync.Mutex
	grant  bool
	lastBy string
}

func (s *stubLeases) Acquire(
	_ context.Context, _, holder string, now, leaseUntil time.Time,
) (corelease.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBy = holder
	return corelease.Grant{Acquired: s.grant, Now: now, LeaseUntil: leaseUntil}, nil
}

func (s *stubLeases) setGrant(grant bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grant = grant
}

func (s *stubLeases) holder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBy
}

type stubTicker struct {
	ticked chan int
	err    error
}

// Tick consumes any injected error once, so the worker's next
// attempt succeeds.
func (s *stubTicker) Tick(_ context.Context, batch int) (int, error) {
	if s.err != nil {
		err := s.err
		s.err = nil
		return 0, err
	}
	s.ticked <- batch
	return 1, nil
}
