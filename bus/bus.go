// Package bus provides event distribution for Psylens run execution. It lets
// components publish and subscribe to runtime events, decoupling the
// execution engine from observers such as SSE streams, loggers, persistence,
// and monitoring.
package bus

import "github.com/lys5588/psylens/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for a specific run.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all runs.
	// Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// History returns the most recent published events, newest last.
	// limit <= 0 returns the full retained window. When kinds are given,
	// only events of those kinds are returned.
	History(limit int, kinds ...runtime.EventKind) []runtime.Event

	// Stats returns per-kind publish counters since the last reset.
	Stats() Stats

	// ResetStats zeroes the publish counters. The retained history is kept.
	ResetStats()

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan runtime.Event

	// Close unsubscribes and releases resources.
	Close() error
}

// Stats describes bus publish activity.
type Stats struct {
	// TotalPublished is the number of events published since the last reset.
	TotalPublished uint64 `json:"total_published"`

	// ByKind maps event kind to publish count since the last reset.
	ByKind map[string]uint64 `json:"by_kind"`

	// Dropped is the number of events dropped because a subscriber's buffer
	// was full.
	Dropped uint64 `json:"dropped"`
}
