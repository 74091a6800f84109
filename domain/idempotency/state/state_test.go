// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"context"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coreidempotency "github.com/conveyorworks/conveyor/core/idempotency"
	"github.com/conveyorworks/conveyor/core/owner"
	"github.com/conveyorworks/conveyor/domain/idempotency/state"
	"github.com/conveyorworks/conveyor/internal/database/testing"
)

type stateSuite struct {
	testing.StoreSuite

	store *state.State
	owner owner.Token
	now   time.Time
}

var _ = gc.Suite(&stateSuite{})

func (s *stateSuite) SetUpTest(c *gc.C) {
	s.StoreSuite.SetUpTest(c)

	s.store = state.NewState(s.TxnRunnerFactory())
	s.owner = owner.NewToken()
	s.now = time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
}

func (s *stateSuite) tryBegin(c *gc.C, key string, by owner.Token, at time.Time) bool {
	ok, err := s.store.TryBegin(context.Background(), key, by, at, at.Add(time.Minute))
	c.Assert(err, jc.ErrorIsNil)
	return ok
}

func (s *stateSuite) TestTryBeginNewKey(c *gc.C) {
	c.Check(s.tryBegin(c, "k", s.owner, s.now), jc.IsTrue)

	status, _, err := s.store.Record(context.Background(), "k")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(status, gc.Equals, coreidempotency.InProgress)
}

func (s *stateSuite) TestTryBeginHeldByOtherOwner(c *gc.C) {
	c.Check(s.tryBegin(c, "k", s.owner, s.now), jc.IsTrue)

	// A second worker cannot begin while the lock is live.
	c.Check(s.tryBegin(c, "k", owner.NewToken(), s.now), jc.IsFalse)
}

func (s *stateSuite) TestTryBeginSameOwnerRefreshes(c *gc.C) {
	c.Check(s.tryBegin(c, "k", s.owner, s.now), jc.IsTrue)
	c.Check(s.tryBegin(c, "k", s.owner, s.now), jc.IsTrue)
}

func (s *stateSuite) TestTryBeginStaleLockTakenOver(c *gc.C) {
	c.Check(s.tryBegin(c, "k", s.owner, s.now), jc.IsTrue)

	// The first worker's lock expires after a minute; another
	// worker can then take the key.
	later := s.now.Add(2 * time.Minute)
	c.Check(s.tryBegin(c, "k", owner.NewToken(), later), jc.IsTrue)
}

func (s *stateSuite) TestCompleteIsTerminal(c *gc.C) {
	c.Check(s.tryBegin(c, "k", s.owner, s.now), jc.IsTrue)

	err := s.store.Complete(context.Background(), "k", s.now)
	c.Assert(err, jc.ErrorIsNil)

	// Completed keys are never begun again, by anyone, ever.
	c.Check(s.tryBegin(c, "k", s.owner, s.now), jc.IsFalse)
	c.Check(s.tryBegin(c, "k", owner.NewToken(), s.now.Add(time.Hour)), jc.IsFalse)

	// Complete is idempotent.
	err = s.store.Complete(context.Background(), "k", s.now.Add(time.Hour))
	c.Assert(err, jc.ErrorIsNil)
}

func (s *stateSuite) TestFailAllowsRetry(c *gc.C) {
	c.Check(s.tryBegin(c, "k", s.owner, s.now), jc.IsTrue)

	err := s.store.Fail(context.Background(), "k", s.now)
	c.Assert(err, jc.ErrorIsNil)

	status, failures, err := s.store.Record(context.Background(), "k")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(status, gc.Equals, coreidempotency.Failed)
	c.Check(failures, gc.Equals, 1)

	// A failed key may be begun again immediately.
	c.Check(s.tryBegin(c, "k", owner.NewToken(), s.now), jc.IsTrue)
}

func (s *stateSuite) TestFailCountsOnlyTransitions(c *gc.C) {
	c.Check(s.tryBegin(c, "k", s.owner, s.now), jc.IsTrue)

	c.Assert(s.store.Fail(context.Background(), "k", s.now), jc.ErrorIsNil)
	c.Assert(s.store.Fail(context.Background(), "k", s.now), jc.ErrorIsNil)

	_, failures, err := s.store.Record(context.Background(), "k")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(failures, gc.Equals, 1)
}

func (s *stateSuite) TestCompleteUnknownKey(c *gc.C) {
	err := s.store.Complete(context.Background(), "missing", s.now)
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}
