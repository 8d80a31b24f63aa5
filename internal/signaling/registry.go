package signaling

import (
	"sort"
	"sync"
)

// Registry is the single source of truth for which identities are online.
//
// A later registration under the same identity silently replaces the earlier
// one; the replaced connection is not closed here. Entries are removed by the
// lifecycle handler when the owning transport closes.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
	}
}

func (r *Registry) Register(name string, c *Client) {
	r.mu.Lock()
	r.clients[name] = c
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Unregister removes the mapping; no-op if absent.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.clients, name)
	r.mu.Unlock()
}

// UnregisterIf removes the mapping only while it still points at c. A stale
// connection closing after its identity was re-registered must not evict the
// replacement.
func (r *Registry) UnregisterIf(name string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.clients[name]; ok && cur == c {
		delete(r.clients, name)
		return true
	}
	return false
}

// Names returns the registered identities, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Broadcast sends a frame to every registered connection, best-effort.
func (r *Registry) Broadcast(payload []byte) {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.trySend(payload)
	}
}
