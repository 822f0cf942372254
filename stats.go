package redisipc

import "sync/atomic"

// streamStats aggregates counters across the worker and dispatcher pools of
// one coordinator.
type streamStats struct {
	dispatched         atomic.Int64
	dispatchFailures   atomic.Int64
	reclaimed          atomic.Int64
	requestsHandled    atomic.Int64
	responsesDelivered atomic.Int64
	invalidEntries     atomic.Int64
	handlerErrors      atomic.Int64
}

// Stats is a point-in-time snapshot of a coordinator's counters.
type Stats struct {
	// Dispatched counts entries handed to a worker by claim.
	Dispatched int64
	// DispatchFailures counts entries dropped because no worker was
	// available in the target instance.
	DispatchFailures int64
	// Reclaimed counts entries recovered from idle pending lists.
	Reclaimed int64
	// RequestsHandled counts invocations of the request handler.
	RequestsHandled int64
	// ResponsesDelivered counts replies routed into a waiting mailbox.
	ResponsesDelivered int64
	// InvalidEntries counts purged entries: bad status, unknown destination,
	// or terminal replies nobody waits for.
	InvalidEntries int64
	// HandlerErrors counts errors and panics surfaced by the request handler.
	HandlerErrors int64
}

func (s *streamStats) snapshot() Stats {
	return Stats{
		Dispatched:         s.dispatched.Load(),
		DispatchFailures:   s.dispatchFailures.Load(),
		Reclaimed:          s.reclaimed.Load(),
		RequestsHandled:    s.requestsHandled.Load(),
		ResponsesDelivered: s.responsesDelivered.Load(),
		InvalidEntries:     s.invalidEntries.Load(),
		HandlerErrors:      s.handlerErrors.Load(),
	}
}
