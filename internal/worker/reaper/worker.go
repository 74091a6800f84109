// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reaper periodically recovers expired claims and prunes
// terminal rows across the platform's stores. A target that fails is
// logged and retried next interval; one broken store must not stop
// the others being swept.
package reaper

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
)

var logger = loggo.GetLogger("conveyor.worker.reaper")

// Target is one sweepable concern: recovering expired outbox claims,
// pruning done inbox rows, clearing lapsed locks, and so on. Sweep
// reports how many rows it affected.
type Target struct {
	Name  string
	Sweep func(ctx context.Context) (int, error)
}

// Config holds configuration required to run the reaper worker.
type Config struct {
	// Targets are swept in order, every interval.
	Targets []Target

	// Clock is used for the sweep timer.
	Clock clock.Clock

	// Interval is the time between sweeps.
	Interval time.Duration
}

// Validate ensures that the configuration is correctly populated for
// worker operation.
func (config Config) Validate() error {
	if len(config.Targets) == 0 {
		return errors.NotValidf("no Targets")
	}
	for _, t := range config.Targets {
		if t.Name == "" || t.Sweep == nil {
			return errors.NotValidf("incomplete target")
		}
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Interval <= 0 {
		return errors.NotValidf("non-positive Interval")
	}
	return nil
}

type reapWorker struct {
	catacomb catacomb.Catacomb

	cfg Config
}

// NewWorker starts a new reaper worker based on the input
// configuration and returns it.
func NewWorker(cfg Config) (worker.Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	w := &reapWorker{cfg: cfg}

	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}

	return w, nil
}

func (w *reapWorker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	timer := w.cfg.Clock.NewTimer(w.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
			w.sweep(ctx)
			timer.Reset(w.cfg.Interval)
		}
	}
}

func (w *reapWorker) sweep(ctx context.Context) {
	for _, target := range w.cfg.Targets {
		n, err := target.Sweep(ctx)
		if err != nil {
			logger.Errorf("sweeping %s: %v", target.Name, err)
			continue
		}
		if n > 0 {
			logger.Infof("swept %d rows from %s", n, target.Name)
		}
	}
}

// Kill is part of the worker.Worker interface.
func (w *reapWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *reapWorker) Wait() error {
	return w.catacomb.Wait()
}
