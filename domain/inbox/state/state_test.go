// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"context"
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coreinbox "github.com/conveyorworks/conveyor/core/inbox"
	"github.com/conveyorworks/conveyor/core/owner"
	"github.com/conveyorworks/conveyor/domain/inbox/state"
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

func (s *stateSuite) key(id string) coreinbox.Key {
	return coreinbox.Key{Source: "s", MessageID: id}
}

func (s *stateSuite) record(c *gc.C, id string) coreinbox.RecordResult {
	res, err := s.store.Record(context.Background(), state.RecordArgs{
		Key:     s.key(id),
		Topic:   "payments",
		Payload: "p",
	}, s.now)
	c.Assert(err, jc.ErrorIsNil)
	return res
}

func (s *stateSuite) TestRecordNewThenDuplicate(c *gc.C) {
	res := s.record(c, "m1")
	c.Check(res.Duplicate, jc.IsFalse)
	c.Check(res.Status, gc.Equals, coreinbox.Seen)
	c.Check(res.Attempts, gc.Equals, 0)

	res = s.record(c, "m1")
	c.Check(res.Duplicate, jc.IsTrue)
	c.Check(res.Attempts, gc.Equals, 1)
}

func (s *stateSuite) TestRecordDuplicateReportsDoneStatus(c *gc.C) {
	s.record(c, "m1")

	recs, err := s.store.Claim(context.Background(), s.owner, s.now, s.now.Add(time.Minute), 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(recs, gc.HasLen, 1)

	n, err := s.store.Ack(context.Background(), s.owner, []coreinbox.Key{s.key("m1")}, s.now)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, 1)

	// A late redelivery is reported as a duplicate of a done
	// record, so the producer suppresses it.
	res := s.record(c, "m1")
	c.Check(res.Duplicate, jc.IsTrue)
	c.Check(res.Status, gc.Equals, coreinbox.Done)
}

func (s *stateSuite) TestDedupEndToEnd(c *gc.C) {
	res := s.record(c, "m1")
	c.Check(res.Duplicate, jc.IsFalse)

	res = s.record(c, "m1")
	c.Check(res.Duplicate, jc.IsTrue)
	c.Check(res.Attempts, gc.Equals, 1)

	recs, err := s.store.Claim(context.Background(), s.owner, s.now, s.now.Add(time.Minute), 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(recs, gc.HasLen, 1)
	c.Check(recs[0].Key, gc.Equals, s.key("m1"))
	c.Check(recs[0].Topic, gc.Equals, "payments")

	n, err := s.store.Ack(context.Background(), s.owner, []coreinbox.Key{s.key("m1")}, s.now)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, 1)

	processed, err := s.store.AlreadyProcessed(context.Background(), s.key("m1"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(processed, jc.IsTrue)
}

func (s *stateSuite) TestAlreadyProcessedFalseForUnseenAndSeen(c *gc.C) {
	processed, err := s.store.AlreadyProcessed(context.Background(), s.key("missing"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(processed, jc.IsFalse)

	s.record(c, "m1")
	processed, err = s.store.AlreadyProcessed(context.Background(), s.key("m1"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(processed, jc.IsFalse)
}

func (s *stateSuite) TestClaimExcludesLiveClaims(c *gc.C) {
	s.record(c, "m1")

	recs, err := s.store.Claim(context.Background(), s.owner, s.now, s.now.Add(time.Minute), 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(recs, gc.HasLen, 1)

	recs, err = s.store.Claim(context.Background(), owner.NewToken(), s.now, s.now.Add(time.Minute), 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(recs, gc.HasLen, 0)
}

func (s *stateSuite) TestClaimOrderedByLastSeen(c *gc.C) {
	res, err := s.store.Record(context.Background(), state.RecordArgs{Key: s.key("m2")}, s.now.Add(time.Second))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(res.Duplicate, jc.IsFalse)

	_, err = s.store.Record(context.Background(), state.RecordArgs{Key: s.key("m1")}, s.now)
	c.Assert(err, jc.ErrorIsNil)

	recs, err := s.store.Claim(context.Background(), s.owner, s.now.Add(time.Hour), s.now.Add(2*time.Hour), 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(recs, gc.HasLen, 2)
	c.Check(recs[0].MessageID, gc.Equals, "m1")
	c.Check(recs[1].MessageID, gc.Equals, "m2")
}

func (s *stateSuite) TestClaimZeroBatch(c *gc.C) {
	s.record(c, "m1")

	recs, err := s.store.Claim(context.Background(), s.owner, s.now, s.now.Add(time.Minute), 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(recs, gc.HasLen, 0)
}

func (s *stateSuite) TestAbandonReturnsToSeen(c *gc.C) {
	s.record(c, "m1")

	_, err := s.store.Claim(context.Background(), s.owner, s.now, s.now.Add(time.Minute), 10)
	c.Assert(err, jc.ErrorIsNil)

	n, err := s.store.Abandon(context.Background(), s.owner, []coreinbox.Key{s.key("m1")}, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, 1)

	recs, err := s.store.Claim(context.Background(), owner.NewToken(), s.now, s.now.Add(time.Minute), 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(recs, gc.HasLen, 1)
}

func (s *stateSuite) TestMarkDeadTerminal(c *gc.C) {
	s.record(c, "m1")

	_, err := s.store.Claim(context.Background(), s.owner, s.now, s.now.Add(time.Minute), 10)
	c.Assert(err, jc.ErrorIsNil)

	n, err := s.store.MarkDead(context.Background(), s.owner, []coreinbox.Key{s.key("m1")}, "poison")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, 1)

	// Dead records are not work and are not "processed".
	recs, err := s.store.Claim(context.Background(), s.owner, s.now.Add(time.Hour), s.now.Add(2*time.Hour), 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(recs, gc.HasLen, 0)

	processed, err := s.store.AlreadyProcessed(context.Background(), s.key("m1"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(processed, jc.IsFalse)
}

func (s *stateSuite) TestReapRecoversExpiredLease(c *gc.C) {
	s.record(c, "m1")

	leaseUntil := s.now.Add(5 * time.Second)
	_, err := s.store.Claim(context.Background(), s.owner, s.now, leaseUntil, 10)
	c.Assert(err, jc.ErrorIsNil)

	reaped, err := s.store.Reap(context.Background(), s.now)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(reaped, gc.Equals, 0)

	reaped, err = s.store.Reap(context.Background(), leaseUntil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(reaped, gc.Equals, 1)

	recs, err := s.store.Claim(context.Background(), owner.NewToken(), leaseUntil, leaseUntil.Add(time.Minute), 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(recs, gc.HasLen, 1)
}

func (s *stateSuite) TestCleanupRemovesOldDoneRows(c *gc.C) {
	s.record(c, "m1")
	s.record(c, "m2")

	_, err := s.store.Claim(context.Background(), s.owner, s.now, s.now.Add(time.Minute), 10)
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.store.Ack(context.Background(), s.owner, []coreinbox.Key{s.key("m1")}, s.now)
	c.Assert(err, jc.ErrorIsNil)

	removed, err := s.store.Cleanup(context.Background(), s.now.Add(time.Hour))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(removed, gc.Equals, 1)
}
