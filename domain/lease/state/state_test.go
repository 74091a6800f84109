// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"context"
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	corelease "github.com/conveyorworks/conveyor/core/lease"
	"github.com/conveyorworks/conveyor/domain/lease/state"
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
}

func (s *stateSuite) acquire(c *gc.C, holder string, at time.Time) corelease.Grant {
	grant, err := s.store.Acquire(context.Background(), "scheduler", holder, at, at.Add(30*time.Second))
	c.Assert(err, jc.ErrorIsNil)
	return grant
}

func (s *stateSuite) TestAcquireUnheld(c *gc.C) {
	grant := s.acquire(c, "node-a", s.now)
	c.Check(grant.Acquired, jc.IsTrue)
	c.Check(grant.Now, gc.Equals, s.now)
	c.Check(grant.LeaseUntil, gc.Equals, s.now.Add(30*time.Second))
}

func (s *stateSuite) TestAcquireContended(c *gc.C) {
	c.Assert(s.acquire(c, "node-a", s.now).Acquired, jc.IsTrue)

	grant := s.acquire(c, "node-b", s.now.Add(time.Second))
	c.Check(grant.Acquired, jc.IsFalse)
}

func (s *stateSuite) TestAcquireSameHolderExtends(c *gc.C) {
	c.Assert(s.acquire(c, "node-a", s.now).Acquired, jc.IsTrue)

	// The holder's own acquire is an extension, even while live.
	grant := s.acquire(c, "node-a", s.now.Add(10*time.Second))
	c.Check(grant.Acquired, jc.IsTrue)
	c.Check(grant.LeaseUntil, gc.Equals, s.now.Add(40*time.Second))
}

func (s *stateSuite) TestAcquireAfterExpiry(c *gc.C) {
	c.Assert(s.acquire(c, "node-a", s.now).Acquired, jc.IsTrue)

	grant := s.acquire(c, "node-b", s.now.Add(time.Minute))
	c.Check(grant.Acquired, jc.IsTrue)
}

func (s *stateSuite) TestRenewLiveGrant(c *gc.C) {
	c.Assert(s.acquire(c, "node-a", s.now).Acquired, jc.IsTrue)

	grant, err := s.store.Renew(
		context.Background(), "scheduler", "node-a", s.now.Add(10*time.Second), s.now.Add(time.Minute))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(grant.Acquired, jc.IsTrue)
	c.Check(grant.LeaseUntil, gc.Equals, s.now.Add(time.Minute))
}

func (s *stateSuite) TestRenewExpiredInvalid(c *gc.C) {
	c.Assert(s.acquire(c, "node-a", s.now).Acquired, jc.IsTrue)

	later := s.now.Add(time.Minute)
	_, err := s.store.Renew(context.Background(), "scheduler", "node-a", later, later.Add(time.Minute))
	c.Assert(err, jc.ErrorIs, corelease.ErrInvalid)
}

func (s *stateSuite) TestRenewWrongHolderInvalid(c *gc.C) {
	c.Assert(s.acquire(c, "node-a", s.now).Acquired, jc.IsTrue)

	_, err := s.store.Renew(
		context.Background(), "scheduler", "node-b", s.now, s.now.Add(time.Minute))
	c.Assert(err, jc.ErrorIs, corelease.ErrInvalid)
}

func (s *stateSuite) TestReleaseFreesLease(c *gc.C) {
	c.Assert(s.acquire(c, "node-a", s.now).Acquired, jc.IsTrue)

	released, err := s.store.Release(context.Background(), "scheduler", "node-a")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(released, jc.IsTrue)

	grant := s.acquire(c, "node-b", s.now.Add(time.Second))
	c.Check(grant.Acquired, jc.IsTrue)
}

func (s *stateSuite) TestReleaseWrongHolderNoOp(c *gc.C) {
	c.Assert(s.acquire(c, "node-a", s.now).Acquired, jc.IsTrue)

	released, err := s.store.Release(context.Background(), "scheduler", "node-b")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(released, jc.IsFalse)

	c.Check(s.acquire(c, "node-b", s.now.Add(time.Second)).Acquired, jc.IsFalse)
}
