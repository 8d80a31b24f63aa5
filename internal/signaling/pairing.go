package signaling

import (
	"log/slog"
	"sync"

	"github.com/meshcall/relay/internal/metrics"
)

// PairingTracker enforces the direct-call topology: a client is in at most
// one call at a time, and a new offer displaces an existing call after
// notifying the displaced partner.
//
// Answer and candidate frames never pass through here; they are forwarded
// as-is by the Router without pairing validation.
type PairingTracker struct {
	mu sync.Mutex
	// partners is symmetric: partners[a] == b implies partners[b] == a.
	partners map[string]string

	router *Router
	log    *slog.Logger
	m      *metrics.Metrics
}

func NewPairingTracker(router *Router, log *slog.Logger, m *metrics.Metrics) *PairingTracker {
	return &PairingTracker{
		partners: make(map[string]string),
		router:   router,
		log:      log,
		m:        m,
	}
}

// HandleOffer installs the symmetric pairing sender<->target, tearing down
// any existing pairing of either party first, then forwards the offer frame
// verbatim to the target.
func (t *PairingTracker) HandleOffer(sender, target string, frame []byte) {
	t.mu.Lock()
	t.displaceLocked(target, sender)
	t.displaceLocked(sender, target)
	t.partners[sender] = target
	t.partners[target] = sender
	t.mu.Unlock()

	t.m.Inc(metrics.EventCallsPaired)
	t.router.Forward(target, frame)
}

// displaceLocked tears down name's pairing unless its partner is `keep` (the
// client it is about to be re-paired with). The displaced partner receives a
// bare endCall so it can release its peer connection.
func (t *PairingTracker) displaceLocked(name, keep string) {
	partner, ok := t.partners[name]
	if !ok || partner == keep {
		return
	}
	delete(t.partners, name)
	delete(t.partners, partner)

	t.m.Inc(metrics.EventCallsDisplaced)
	t.log.Debug("call displaced", "client", name, "displaced_partner", partner)
	t.router.Forward(partner, encode(endCallMessage{Type: msgTypeEndCall}))
}

// EndCall removes name's pairing and notifies the partner. Used both for an
// explicit endCall frame and for disconnect cleanup; no-op when unpaired.
func (t *PairingTracker) EndCall(name string) {
	t.mu.Lock()
	partner, ok := t.partners[name]
	if ok {
		delete(t.partners, name)
		delete(t.partners, partner)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	t.m.Inc(metrics.EventCallsEnded)
	t.router.Forward(partner, encode(endCallMessage{Type: msgTypeEndCall, Target: partner}))
}

// Partner returns the current call partner of name, if any.
func (t *PairingTracker) Partner(name string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	partner, ok := t.partners[name]
	return partner, ok
}
