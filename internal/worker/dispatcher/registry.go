// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dispatcher

import (
	"sync"

	"github.com/juju/errors"

	coreoutbox "github.com/conveyorworks/conveyor/core/outbox"
)

// Registry routes outbox topics to handlers. Registration normally
// happens at startup, but the registry is safe for concurrent use so
// handlers may also be added while the dispatcher runs.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]coreoutbox.Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]coreoutbox.Handler),
	}
}

// Register binds the input topic to the input handler. A topic can
// have exactly one handler; a second registration is rejected rather
// than silently replacing the first.
func (r *Registry) Register(topic string, handler coreoutbox.Handler) error {
	if topic == "" {
		return errors.NotValidf("empty topic")
	}
	if handler == nil {
		return errors.NotValidf("nil handler for topic %q", topic)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[topic]; ok {
		return errors.AlreadyExistsf("handler for topic %q", topic)
	}
	r.handlers[topic] = handler
	return nil
}

// Handler returns the handler bound to the input topic, and whether
// one is bound.
func (r *Registry) Handler(topic string) (coreoutbox.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[topic]
	return handler, ok
}
