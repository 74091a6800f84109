// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package scheduler runs the timer and cron promotion loop as a
// lease-guarded singleton: any number of instances may run it, but
// only the lease holder ticks. Standby instances keep trying, so a
// crashed leader is replaced within one lease term.
package scheduler

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	corelease "github.com/conveyorworks/conveyor/core/lease"
)

var logger = loggo.GetLogger("conveyor.worker.scheduler")

// leaseName elects the single ticking scheduler instance.
const leaseName = "scheduler"

// TickService promotes due timers and jobs into outbox messages.
type TickService interface {
	Tick(ctx context.Context, batch int) (int, error)
}

// LeaseStore grants the singleton election lease.
type LeaseStore interface {
	Acquire(ctx context.Context, name, holder string, now, leaseUntil time.Time) (corelease.Grant, error)
}

// Config holds configuration required to run the scheduler worker.
type Config struct {
	// Scheduler is ticked while this instance holds the lease.
	Scheduler TickService

	// Leases elects the ticking instance.
	Leases LeaseStore

	// Clock is used for the tick timer and lease deadlines.
	Clock clock.Clock

	// InstanceID identifies this instance as a lease holder. It
	// must be stable for the process lifetime and unique across
	// instances.
	InstanceID string

	// TickInterval is the time between promotion attempts.
	TickInterval time.Duration

	// LeaseDuration is how long a granted lease lasts; it must
	// comfortably exceed the tick interval or leadership flaps.
	LeaseDuration time.Duration

	// BatchSize bounds the promotions of a single tick.
	BatchSize int
}

// Validate ensures that the configuration is correctly populated for
// worker operation.
func (config Config) Validate() error {
	if config.Scheduler == nil {
		return errors.NotValidf("nil Scheduler")
	}
	if config.Leases == nil {
		return errors.NotValidf("nil Leases")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.InstanceID == "" {
		return errors.NotValidf("empty InstanceID")
	}
	if config.TickInterval <= 0 {
		return errors.NotValidf("non-positive TickInterval")
	}
	if config.LeaseDuration <= config.TickInterval {
		return errors.NotValidf("LeaseDuration not exceeding TickInterval")
	}
	if config.BatchSize <= 0 {
		return errors.NotValidf("non-positive BatchSize")
	}
	return nil
}

type schedulerWorker struct {
	catacomb catacomb.Catacomb

	cfg Config
}

// NewWorker starts a new scheduler worker based on the input
// configuration and returns it.
func NewWorker(cfg Config) (worker.Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	w := &schedulerWorker{cfg: cfg}

	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}

	return w, nil
}

func (w *schedulerWorker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	timer := w.cfg.Clock.NewTimer(w.cfg.TickInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
			if err := w.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return w.catacomb.ErrDying()
				}
				// A failed tick must not stop the schedule; the
				// next interval tries again.
				logger.Errorf("ticking scheduler: %v", err)
			}
			timer.Reset(w.cfg.TickInterval)
		}
	}
}

// tick acquires or extends the election lease and, when leading,
// promotes due work. Losing the election is the normal standby
// outcome, not an error.
func (w *schedulerWorker) tick(ctx context.Context) error {
	now := w.cfg.Clock.Now().UTC()
	grant, err := w.cfg.Leases.Acquire(
		ctx, leaseName, w.cfg.InstanceID, now, now.Add(w.cfg.LeaseDuration))
	if err != nil {
		return errors.Annotate(err, "acquiring scheduler lease")
	}
	if !grant.Acquired {
		logger.Tracef("scheduler lease held elsewhere; standing by")
		return nil
	}

	promoted, err := w.cfg.Scheduler.Tick(ctx, w.cfg.BatchSize)
	if err != nil {
		return errors.Annotate(err, "promoting due work")
	}
	if promoted > 0 {
		logger.Debugf("promoted %d scheduled emissions", promoted)
	}
	return nil
}

// Kill is part of the worker.Worker interface.
func (w *schedulerWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *schedulerWorker) Wait() error {
	return w.catacomb.Wait()
}
