// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"context"
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coresemaphore "github.com/conveyorworks/conveyor/core/semaphore"
	"github.com/conveyorworks/conveyor/domain/semaphore/state"
	"github.com/conveyorworks/conveyor/internal/database/testing"
)

type stateSuite struct {
	testing.StoreSuite

	store *state.State
	now   time.Time
}

var _ = gc.Suite(&stateSuite{})

func (s *stateSuite) SetUpTest(c *gc.C) {
	s.StoreSuite.SetUpTest(c)

	s.store = state.NewState(s.TxnRunnerFactory())
	s.now = time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)

	err := s.store.Create(context.Background(), "gpu", 2)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *stateSuite) acquire(c *gc.C, holder, requestID string, at time.Time) coresemaphore.AcquireResult {
	res, err := s.store.Acquire(context.Background(), "gpu", holder, requestID, at, at.Add(30*time.Second))
	c.Assert(err, jc.ErrorIsNil)
	return res
}

func (s *stateSuite) TestAcquireUnknownSemaphore(c *gc.C) {
	_, err := s.store.Acquire(
		context.Background(), "missing", "w1", "", s.now, s.now.Add(time.Minute))
	c.Assert(err, jc.ErrorIs, coresemaphore.ErrNotFound)
}

func (s *stateSuite) TestCapacityAndFencingSequence(c *gc.C) {
	first := s.acquire(c, "w1", "", s.now)
	c.Check(first.Acquired, jc.IsTrue)
	c.Check(first.Fencing, gc.Equals, int64(1))

	second := s.acquire(c, "w2", "", s.now)
	c.Check(second.Acquired, jc.IsTrue)
	c.Check(second.Fencing, gc.Equals, int64(2))

	// At capacity: the third holder is turned away without error.
	third := s.acquire(c, "w3", "", s.now)
	c.Check(third.Acquired, jc.IsFalse)

	released, err := s.store.Release(context.Background(), "gpu", first.Token)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(released, jc.IsTrue)

	// The freed slot admits the next holder with a fresh fencing
	// token; the counter never reuses a value.
	fourth := s.acquire(c, "w3", "", s.now)
	c.Check(fourth.Acquired, jc.IsTrue)
	c.Check(fourth.Fencing, gc.Equals, int64(3))
}

func (s *stateSuite) TestAcquireRequestIdempotent(c *gc.C) {
	first := s.acquire(c, "w1", "req-1", s.now)
	c.Assert(first.Acquired, jc.IsTrue)

	// The retry returns the live lease instead of a second slot.
	retry := s.acquire(c, "w1", "req-1", s.now.Add(time.Second))
	c.Check(retry.Acquired, jc.IsTrue)
	c.Check(retry.Token, gc.Equals, first.Token)
	c.Check(retry.Fencing, gc.Equals, first.Fencing)

	leases, err := s.store.Leases(context.Background(), "gpu", s.now)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(leases, gc.HasLen, 1)
}

func (s *stateSuite) TestAcquireSweepsExpiredLeases(c *gc.C) {
	s.acquire(c, "w1", "", s.now)
	s.acquire(c, "w2", "", s.now)

	// Both 30s leases have lapsed, so capacity is free again.
	later := s.now.Add(time.Minute)
	res := s.acquire(c, "w3", "", later)
	c.Check(res.Acquired, jc.IsTrue)
	c.Check(res.Fencing, gc.Equals, int64(3))

	leases, err := s.store.Leases(context.Background(), "gpu", later)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(leases, gc.HasLen, 1)
}

func (s *stateSuite) TestRenewExtendsMonotonically(c *gc.C) {
	res := s.acquire(c, "w1", "", s.now)

	until, err := s.store.Renew(
		context.Background(), "gpu", res.Token, s.now.Add(10*time.Second), s.now.Add(time.Minute))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(until, gc.Equals, s.now.Add(time.Minute))

	// A renew proposing an earlier deadline keeps the later one.
	until, err = s.store.Renew(
		context.Background(), "gpu", res.Token, s.now.Add(20*time.Second), s.now.Add(30*time.Second))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(until, gc.Equals, s.now.Add(time.Minute))
}

func (s *stateSuite) TestRenewExpiredLost(c *gc.C) {
	res := s.acquire(c, "w1", "", s.now)

	later := s.now.Add(time.Minute)
	_, err := s.store.Renew(context.Background(), "gpu", res.Token, later, later.Add(time.Minute))
	c.Assert(err, jc.ErrorIs, coresemaphore.ErrLost)
}

func (s *stateSuite) TestRenewUnknownTokenLost(c *gc.C) {
	_, err := s.store.Renew(
		context.Background(), "gpu", "no-such-token", s.now, s.now.Add(time.Minute))
	c.Assert(err, jc.ErrorIs, coresemaphore.ErrLost)
}

func (s *stateSuite) TestReleaseUnknownTokenNoOp(c *gc.C) {
	released, err := s.store.Release(context.Background(), "gpu", "no-such-token")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(released, jc.IsFalse)
}

func (s *stateSuite) TestReapRemovesExpired(c *gc.C) {
	s.acquire(c, "w1", "", s.now)
	s.acquire(c, "w2", "", s.now)

	reaped, err := s.store.Reap(context.Background(), "gpu", s.now, 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(reaped, gc.Equals, 0)

	reaped, err = s.store.Reap(context.Background(), "", s.now.Add(time.Minute), 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(reaped, gc.Equals, 2)
}

func (s *stateSuite) TestCreatePreservesFencingCounter(c *gc.C) {
	res := s.acquire(c, "w1", "", s.now)
	c.Assert(res.Fencing, gc.Equals, int64(1))

	// Resizing the semaphore must not rewind the counter.
	err := s.store.Create(context.Background(), "gpu", 5)
	c.Assert(err, jc.ErrorIsNil)

	res = s.acquire(c, "w2", "", s.now)
	c.Check(res.Fencing, gc.Equals, int64(2))
}
