// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service exposes counted semaphores to clients, validating
// names and bounds before the state layer is touched.
package service

import (
	"context"
	"regexp"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	coresemaphore "github.com/conveyorworks/conveyor/core/semaphore"
)

const (
	// maxNameLength bounds semaphore names and holder identities.
	maxNameLength = 200

	// maxHolderLimit bounds semaphore capacity; admission counting
	// scans live leases, so an unbounded capacity is never useful.
	maxHolderLimit = 10000

	// maxTTL bounds a single admission lease; longer holdings renew.
	maxTTL = time.Hour
)

// validName constrains semaphore names to a portable character set.
var validName = regexp.MustCompile(`^[A-Za-z0-9\-_:/.]{1,200}$`)

// State describes the persistence methods required by the service.
type State interface {
	Create(ctx context.Context, name string, maxHolders int) error
	Acquire(ctx context.Context, name, holder, clientRequestID string, now, leaseUntil time.Time) (coresemaphore.AcquireResult, error)
	Renew(ctx context.Context, name, token string, now, leaseUntil time.Time) (time.Time, error)
	Release(ctx context.Context, name, token string) (bool, error)
	Reap(ctx context.Context, name string, now time.Time, maxRows int) (int, error)
	Leases(ctx context.Context, name string, now time.Time) ([]coresemaphore.Lease, error)
}

// Service provides the semaphore API.
type Service struct {
	st    State
	clock clock.Clock
}

// NewService returns a new service reference wrapping the input
// state.
func NewService(st State, clock clock.Clock) *Service {
	return &Service{
		st:    st,
		clock: clock,
	}
}

// Create ensures a semaphore with the input name and capacity
// exists.
func (s *Service) Create(ctx context.Context, name string, maxHolders int) error {
	if !validName.MatchString(name) {
		return errors.NotValidf("semaphore name %q", name)
	}
	if maxHolders < 1 || maxHolders > maxHolderLimit {
		return errors.NotValidf("max holders %d", maxHolders)
	}
	return errors.Trace(s.st.Create(ctx, name, maxHolders))
}

// Acquire attempts to admit the holder under the named semaphore for
// the input TTL. The client request ID, when supplied, makes the
// acquire idempotent across retries of the same request.
func (s *Service) Acquire(
	ctx context.Context, name, holder, clientRequestID string, ttl time.Duration,
) (coresemaphore.AcquireResult, error) {
	if !validName.MatchString(name) {
		return coresemaphore.AcquireResult{}, errors.NotValidf("semaphore name %q", name)
	}
	if holder == "" || len(holder) > maxNameLength {
		return coresemaphore.AcquireResult{}, errors.NotValidf("holder %q", holder)
	}
	if ttl <= 0 || ttl > maxTTL {
		return coresemaphore.AcquireResult{}, errors.NotValidf("ttl %v", ttl)
	}

	now := s.clock.Now().UTC()
	res, err := s.st.Acquire(ctx, name, holder, clientRequestID, now, now.Add(ttl))
	return res, errors.Trace(err)
}

// Renew extends the identified admission by the input TTL from now.
// The deadline never moves backwards.
func (s *Service) Renew(ctx context.Context, name, token string, ttl time.Duration) (time.Time, error) {
	if ttl <= 0 || ttl > maxTTL {
		return time.Time{}, errors.NotValidf("ttl %v", ttl)
	}

	now := s.clock.Now().UTC()
	until, err := s.st.Renew(ctx, name, token, now, now.Add(ttl))
	return until, errors.Trace(err)
}

// Release removes the identified admission, reporting whether a live
// row was removed.
func (s *Service) Release(ctx context.Context, name, token string) (bool, error) {
	released, err := s.st.Release(ctx, name, token)
	return released, errors.Trace(err)
}

// Reap deletes expired admissions, across all semaphores when the
// name is empty, up to the input row bound.
func (s *Service) Reap(ctx context.Context, name string, maxRows int) (int, error) {
	if maxRows <= 0 {
		return 0, nil
	}
	n, err := s.st.Reap(ctx, name, s.clock.Now().UTC(), maxRows)
	return n, errors.Trace(err)
}

// Leases returns the live admissions under the named semaphore.
func (s *Service) Leases(ctx context.Context, name string) ([]coresemaphore.Lease, error) {
	leases, err := s.st.Leases(ctx, name, s.clock.Now().UTC())
	return leases, errors.Trace(err)
}
