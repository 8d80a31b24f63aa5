package signaling

import (
	"log/slog"

	"github.com/meshcall/relay/internal/metrics"
)

// Router forwards frames to a named client, independent of room or call
// state. Frames are delivered verbatim; an absent or closed target drops the
// frame silently, with no failure notification to the sender.
type Router struct {
	registry *Registry
	log      *slog.Logger
	m        *metrics.Metrics
}

func NewRouter(registry *Registry, log *slog.Logger, m *metrics.Metrics) *Router {
	return &Router{registry: registry, log: log, m: m}
}

// Forward reports whether the frame was handed to the target's send queue.
func (r *Router) Forward(target string, frame []byte) bool {
	c, ok := r.registry.Lookup(target)
	if !ok {
		r.m.Inc(metrics.EventForwardDropped)
		r.log.Debug("dropping frame for unknown target", "target", target)
		return false
	}
	if !c.trySend(frame) {
		r.m.Inc(metrics.EventForwardDropped)
		return false
	}
	r.m.Inc(metrics.EventFramesRelayed)
	return true
}
