// Package triggers implements C3: adapters that turn external events
// (chain blocks/notifications, cron ticks, oracle due-dates, HTTP
// requests) into the uniform model.TriggerRecord stream consumed by the
// event bus. Grounded on the teacher's infrastructure/chain/listener_core.go
// block-polling loop, generalized from a single-chain, multi-contract
// listener into a Source interface with one implementation per kind so
// C4 can subscribe to all of them uniformly.
package triggers

import (
	"context"

	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
)

// Sink receives TriggerRecords produced by a Source, in (source_id, offset)
// order. Implementations must not block indefinitely; the event bus's Sink
// enqueues durably before returning.
type Sink interface {
	Publish(ctx context.Context, rec model.TriggerRecord) error
}

// Source is an adapter that polls or listens for events from a single
// origin (one blockchain, the scheduler clock, one oracle feed, or the
// HTTP ingress surface) and emits model.TriggerRecord values to a Sink.
type Source interface {
	// ID is the source_id carried on every TriggerRecord this Source
	// produces.
	ID() string
	// Run blocks, polling/listening until ctx is canceled or Stop is
	// called. It must be safe to call Run exactly once.
	Run(ctx context.Context, sink Sink) error
	// Stop requests Run to return.
	Stop()
}
