package signaling

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/meshcall/relay/internal/metrics"
)

// RoomID projects a room's identifier from its current owner. The id is never
// stored independently, so it cannot drift from the owner during renames.
func RoomID(owner string) string {
	return "room-" + owner
}

// room members are kept in join order (owner first) so the successor pick on
// owner departure is deterministic.
type room struct {
	owner   string
	members []string
}

func (r *room) hasMember(name string) bool {
	for _, m := range r.members {
		if m == name {
			return true
		}
	}
	return false
}

func (r *room) removeMember(name string) {
	for i, m := range r.members {
		if m == name {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return
		}
	}
}

// RoomManager owns room lifecycle for the room variant: create, join, leave,
// empty-room deletion, and ownership transfer (with rename) when the owner
// departs. Every mutation happens under one lock so compound transitions
// (leave -> rename -> broadcast) are never observable half-applied.
type RoomManager struct {
	mu    sync.Mutex
	rooms map[string]*room

	registry *Registry
	log      *slog.Logger
	m        *metrics.Metrics
}

func NewRoomManager(registry *Registry, log *slog.Logger, m *metrics.Metrics) *RoomManager {
	return &RoomManager{
		rooms:    make(map[string]*room),
		registry: registry,
		log:      log,
		m:        m,
	}
}

// Create makes owner a room of their own. The id is the owner projection; an
// existing room under that id is overwritten, last writer wins.
func (rm *RoomManager) Create(owner string) {
	rm.mu.Lock()
	id := RoomID(owner)
	rm.rooms[id] = &room{owner: owner, members: []string{owner}}
	rm.log.Info("room created", "room", id, "owner", owner)
	rm.broadcastRoomListLocked()
	rm.mu.Unlock()

	rm.m.Inc(metrics.EventRoomsCreated)
}

// Join adds client to the room and replies to the joiner alone with the
// member list excluding itself, so it can initiate one offer per existing
// member. Unknown room ids are silently ignored.
func (rm *RoomManager) Join(client, roomID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	r, ok := rm.rooms[roomID]
	if !ok {
		rm.log.Debug("join for unknown room", "room", roomID, "client", client)
		return
	}
	if !r.hasMember(client) {
		r.members = append(r.members, client)
	}

	others := make([]string, 0, len(r.members)-1)
	for _, m := range r.members {
		if m != client {
			others = append(others, m)
		}
	}
	if c, ok := rm.registry.Lookup(client); ok {
		c.trySend(encode(roomMembersMessage{Type: msgTypeRoomMembers, Members: others}))
	}

	rm.log.Info("client joined room", "room", roomID, "client", client, "members", len(r.members))
	rm.broadcastRoomListLocked()
}

// Leave removes client from the room and broadcasts the updated room list.
// Leaving a room one is not in, or an unknown room, is a no-op with no
// broadcast.
func (rm *RoomManager) Leave(client, roomID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.leaveLocked(client, roomID) {
		rm.broadcastRoomListLocked()
	}
}

// leaveLocked applies the departure state machine and reports whether the
// room table changed. Rename events broadcast from here; the room list
// broadcast is the caller's responsibility so disconnect cleanup can coalesce
// it across rooms.
func (rm *RoomManager) leaveLocked(client, roomID string) bool {
	r, ok := rm.rooms[roomID]
	if !ok || !r.hasMember(client) {
		return false
	}
	r.removeMember(client)

	if len(r.members) == 0 {
		delete(rm.rooms, roomID)
		rm.m.Inc(metrics.EventRoomsDeleted)
		rm.log.Info("room deleted", "room", roomID)
		return true
	}

	if r.owner == client {
		// Ownership transfer: the first remaining member inherits the room,
		// which moves it to the successor's projected id atomically.
		successor := r.members[0]
		newID := RoomID(successor)
		r.owner = successor
		rm.rooms[newID] = r
		delete(rm.rooms, roomID)

		rm.m.Inc(metrics.EventRoomsRenamed)
		rm.log.Info("room renamed", "old_room", roomID, "new_room", newID, "owner", successor)
		rm.registry.Broadcast(encode(roomRenamedMessage{
			Type:    msgTypeRoomRenamed,
			OldRoom: roomID,
			NewRoom: newID,
			Owner:   successor,
		}))
	}

	return true
}

// CleanupDisconnected applies leave semantics for every room the client
// belongs to. The room list broadcast is deferred to BroadcastRoomList so the
// disconnect cascade emits it exactly once, after the registry entry is gone.
func (rm *RoomManager) CleanupDisconnected(client string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	ids := make([]string, 0, len(rm.rooms))
	for id, r := range rm.rooms {
		if r.hasMember(client) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		rm.leaveLocked(client, id)
	}
}

// SendRoomList replies to one client with the current room summary.
func (rm *RoomManager) SendRoomList(c *Client) {
	rm.mu.Lock()
	payload := encode(roomListMessage{Type: msgTypeRoomList, Rooms: rm.summariesLocked()})
	rm.mu.Unlock()
	c.trySend(payload)
}

// BroadcastRoomList pushes the current room summary to every registered
// client.
func (rm *RoomManager) BroadcastRoomList() {
	rm.mu.Lock()
	rm.broadcastRoomListLocked()
	rm.mu.Unlock()
}

func (rm *RoomManager) broadcastRoomListLocked() {
	rm.registry.Broadcast(encode(roomListMessage{Type: msgTypeRoomList, Rooms: rm.summariesLocked()}))
}

func (rm *RoomManager) summariesLocked() []RoomSummary {
	out := make([]RoomSummary, 0, len(rm.rooms))
	for id, r := range rm.rooms {
		out = append(out, RoomSummary{Room: id, Owner: r.owner, Members: len(r.members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Rooms returns the current room summary. Used by tests and the HTTP layer.
func (rm *RoomManager) Rooms() []RoomSummary {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.summariesLocked()
}

// Members returns the member list of a room in join order.
func (rm *RoomManager) Members(roomID string) ([]string, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	r, ok := rm.rooms[roomID]
	if !ok {
		return nil, false
	}
	out := make([]string, len(r.members))
	copy(out, r.members)
	return out, true
}
