// Package metrics holds the process-wide atomic counters for messages
// received, messages forwarded, and total latency. They are the only
// global mutable state in the system; the Connection Manager, Upstream
// Driver, and Wire Listener are constructed at startup and passed this
// Registry explicitly, never reached through a package-level global.
package metrics

import "sync/atomic"

// Registry holds the counters summed over the upstream driver and wire
// listener.
type Registry struct {
	MessagesReceived  atomic.Uint64
	MessagesForwarded atomic.Uint64
	TotalLatencyNS    atomic.Uint64
}

// NewRegistry constructs a zeroed Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Snapshot is the JSON-friendly point-in-time view of a Registry. The admin
// status endpoint does not include it; it renders only broker status.
type Snapshot struct {
	MessagesReceived  uint64 `json:"messages_received"`
	MessagesForwarded uint64 `json:"messages_forwarded"`
	TotalLatencyNS    uint64 `json:"total_latency_ns"`
}

// Snapshot returns the current counter values.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		MessagesReceived:  r.MessagesReceived.Load(),
		MessagesForwarded: r.MessagesForwarded.Load(),
		TotalLatencyNS:    r.TotalLatencyNS.Load(),
	}
}
