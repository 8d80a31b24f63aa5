package metrics

import "sync"

// Event names incremented by the signaling layer. Plain strings so new
// counters can be added without touching this package.
const (
	EventConnectionsAccepted = "connections_accepted"
	EventConnectionsRejected = "connections_rejected"
	EventRegistrations       = "registrations"
	EventFramesInvalid       = "frames_invalid"
	EventFramesRelayed       = "frames_relayed"
	EventForwardDropped      = "forward_dropped"
	EventSendDropped         = "send_dropped"
	EventRateLimited         = "rate_limited"
	EventRoomsCreated        = "rooms_created"
	EventRoomsDeleted        = "rooms_deleted"
	EventRoomsRenamed        = "rooms_renamed"
	EventCallsPaired         = "calls_paired"
	EventCallsDisplaced      = "calls_displaced"
	EventCallsEnded          = "calls_ended"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps the relay's forwarding and cleanup paths observable and testable
// without a full metrics backend; the Prometheus handler exposes everything
// it holds.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
