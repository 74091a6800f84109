// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package fanout runs the slice emission sweep as a lease-guarded
// singleton, mirroring the scheduler worker: only the lease holder
// enumerates shards and emits slices.
package fanout

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

var logger = loggo.GetLogger("conveyor.worker.fanout")

// leaseName elects the single sweeping coordinator instance.
const leaseName = "fanout"

// Coordinator emits the due slices of a fanout topic.
type Coordinator interface {
	EmitDueSlices(ctx context.Context, fanoutTopic string) (int, error)
}

// LeaseStore grants the singleton election lease.
type LeaseStore interface {
	Acquire(ctx context.Context, name, holder string, now, leaseUntil time.Time) (corelease.Grant, error)
}

// Config holds configuration required to run the fanout worker.
type Config struct {
	// Coordinator is swept while this instance holds the lease.
	Coordinator Coordinator

	// Topics are the fanout topics this worker sweeps.
	Topics []string

	// Leases elects the sweeping instance.
	Leases LeaseStore

	// Clock is used for the sweep timer and lease deadlines.
	Clock clock.Clock

	// InstanceID identifies this instance as a lease holder.
	InstanceID string

	// SweepInterval is the time between emission sweeps.
	SweepInterval time.Duration

	// LeaseDuration is how long a granted lease lasts; it must
	// comfortably exceed the sweep interval or leadership flaps.
	LeaseDuration time.Duration
}

// Validate ensures that the configuration is correctly populated for
// worker operation.
func (config Config) Validate() error {
	if config.Coordinator == nil {
		return errors.NotValidf("nil Coordinator")
	}
	if len(config.Topics) == 0 {
		return errors.NotValidf("no Topics")
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
	if config.SweepInterval <= 0 {
		return errors.NotValidf("non-positive SweepInterval")
	}
	if config.LeaseDuration <= config.SweepInterval {
		return errors.NotValidf("LeaseDuration not exceeding SweepInterval")
	}
	return nil
}

type fanoutWorker struct {
	catacomb catacomb.Catacomb

	cfg Config
}

// NewWorker starts a new fanout worker based on the input
// configuration and returns it.
func NewWorker(cfg Config) (worker.Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	w := &fanoutWorker{cfg: cfg}

	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}

	return w, nil
}

func (w *fanoutWorker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	timer := w.cfg.Clock.NewTimer(w.cfg.SweepInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
			if err := w.sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return w.catacomb.ErrDying()
				}
				// A failed sweep must not stop the coordinator;
				// the next interval tries again.
				logger.Errorf("sweeping fanout topics: %v", err)
			}
			timer.Reset(w.cfg.SweepInterval)
		}
	}
}

func (w *fanoutWorker) sweep(ctx context.Context) error {
	now := w.cfg.Clock.Now().UTC()
	grant, err := w.cfg.Leases.Acquire(
		ctx, leaseName, w.cfg.InstanceID, now, now.Add(w.cfg.LeaseDuration))
	if err != nil {
		return errors.Annotate(err, "acquiring fanout lease")
	}
	if !grant.Acquired {
		logger.Tracef("fanout lease held elsewhere; standing by")
		return nil
	}

	for _, topic := range w.cfg.Topics {
		emitted, err := w.cfg.Coordinator.EmitDueSlices(ctx, topic)
		if err != nil {
			return errors.Annotatef(err, "emitting slices for topic %q", topic)
		}
		if emitted > 0 {
			logger.Debugf("emitted %d slices for topic %q", emitted, topic)
		}
	}
	return nil
}

// Kill is part of the worker.Worker interface.
func (w *fanoutWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *fanoutWorker) Wait() error {
	return w.catacomb.Wait()
}
