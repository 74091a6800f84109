// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package fanout defines the contracts for multi-shard fanout:
// policy-driven enumeration of (shard, work-key) slices emitted as
// outbox messages, with a persisted cursor per slice deciding
// due-ness.
package fanout

import (
	"context"
	"time"
)

// Policy configures how often the work identified by a work key is
// fanned out for a topic. Jitter desynchronises shards so that a
// coordinator tick does not emit every slice at once.
type Policy struct {
	FanoutTopic   string
	WorkKey       string
	EverySeconds  int
	JitterSeconds int
}

// Slice is one unit of fanned-out work: a (topic, shard, work-key)
// triple with the window start taken from the shard's cursor. It is
// carried as the payload of an outbox message.
type Slice struct {
	FanoutTopic   string     `json:"fanoutTopic"`
	ShardKey      string     `json:"shardKey"`
	WorkKey       string     `json:"workKey"`
	WindowStart   *time.Time `json:"windowStart,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`
}

// ShardEnumerator supplies the candidate shards for a fanout topic.
// It is application-provided; the coordinator has no knowledge of
// what a shard is.
type ShardEnumerator interface {
	// Shards returns the candidate shard keys for the given topic
	// and work key.
	Shards(ctx context.Context, fanoutTopic, workKey string) ([]string, error)
}
