package signaling

import (
	"testing"

	"github.com/meshcall/relay/internal/metrics"
)

func newRoomFixture(t *testing.T, names ...string) (*RoomManager, map[string]*Client) {
	t.Helper()
	reg := NewRegistry()
	clients := make(map[string]*Client, len(names))
	for _, name := range names {
		c := testClient(name)
		clients[name] = c
		reg.Register(name, c)
	}
	return NewRoomManager(reg, testLogger(), metrics.New()), clients
}

func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

// ownerIsMember checks the structural room invariant after an operation.
func ownerIsMember(t *testing.T, rm *RoomManager) {
	t.Helper()
	for _, s := range rm.Rooms() {
		members, ok := rm.Members(s.Room)
		if !ok {
			t.Fatalf("room %q listed but absent", s.Room)
		}
		found := false
		for _, m := range members {
			if m == s.Owner {
				found = true
			}
		}
		if !found {
			t.Fatalf("room %q owner %q not in members %v", s.Room, s.Owner, members)
		}
	}
}

func TestRooms_CreateJoinLeave(t *testing.T) {
	t.Parallel()

	rm, clients := newRoomFixture(t, "alice", "bob")

	rm.Create("alice")
	ownerIsMember(t, rm)

	list := unmarshalFrame(t, recvFrame(t, clients["bob"]))
	if list["type"] != "roomList" {
		t.Fatalf("expected roomList broadcast, got %v", list)
	}
	drain(clients["alice"])

	rm.Join("bob", "room-alice")
	ownerIsMember(t, rm)

	members := unmarshalFrame(t, recvFrame(t, clients["bob"]))
	if members["type"] != "roomMembers" {
		t.Fatalf("joiner reply = %v", members)
	}
	got, _ := members["members"].([]any)
	if len(got) != 1 || got[0] != "alice" {
		t.Fatalf("roomMembers = %v, want [alice]", members["members"])
	}

	rm.Leave("bob", "room-alice")
	ownerIsMember(t, rm)
	if members, _ := rm.Members("room-alice"); len(members) != 1 {
		t.Fatalf("members after leave = %v", members)
	}
}

func TestRooms_JoinUnknownRoomIsNoop(t *testing.T) {
	t.Parallel()

	rm, clients := newRoomFixture(t, "alice")
	rm.Join("alice", "room-ghost")

	assertNoFrame(t, clients["alice"])
	if rooms := rm.Rooms(); len(rooms) != 0 {
		t.Fatalf("rooms = %v", rooms)
	}
}

func TestRooms_LeaveNonMemberIsNoop(t *testing.T) {
	t.Parallel()

	rm, clients := newRoomFixture(t, "alice", "bob")
	rm.Create("alice")
	drain(clients["alice"])
	drain(clients["bob"])

	// Bob never joined; neither the table nor the clients observe anything.
	rm.Leave("bob", "room-alice")
	rm.Leave("bob", "room-ghost")

	assertNoFrame(t, clients["alice"])
	assertNoFrame(t, clients["bob"])
	if members, _ := rm.Members("room-alice"); len(members) != 1 {
		t.Fatalf("members = %v", members)
	}
}

func TestRooms_EmptyRoomIsDeleted(t *testing.T) {
	t.Parallel()

	rm, clients := newRoomFixture(t, "alice")
	rm.Create("alice")
	drain(clients["alice"])

	rm.Leave("alice", "room-alice")

	if _, ok := rm.Members("room-alice"); ok {
		t.Fatal("empty room still present")
	}
	list := unmarshalFrame(t, recvFrame(t, clients["alice"]))
	rooms, _ := list["rooms"].([]any)
	if list["type"] != "roomList" || len(rooms) != 0 {
		t.Fatalf("final broadcast = %v", list)
	}
}

func TestRooms_OwnerDepartureRenames(t *testing.T) {
	t.Parallel()

	rm, clients := newRoomFixture(t, "alice", "bob", "carol")
	rm.Create("alice")
	rm.Join("bob", "room-alice")
	rm.Join("carol", "room-alice")
	for _, c := range clients {
		drain(c)
	}

	rm.Leave("alice", "room-alice")

	// Join order makes bob the deterministic successor.
	renamed := unmarshalFrame(t, recvFrame(t, clients["carol"]))
	if renamed["type"] != "roomRenamed" ||
		renamed["oldRoom"] != "room-alice" ||
		renamed["newRoom"] != "room-bob" ||
		renamed["owner"] != "bob" {
		t.Fatalf("roomRenamed = %v", renamed)
	}

	list := unmarshalFrame(t, recvFrame(t, clients["carol"]))
	if list["type"] != "roomList" {
		t.Fatalf("expected roomList after rename, got %v", list)
	}
	// Exactly one rename event, then the list; nothing else.
	assertNoFrame(t, clients["carol"])

	if _, ok := rm.Members("room-alice"); ok {
		t.Fatal("old room id still present")
	}
	members, ok := rm.Members("room-bob")
	if !ok || len(members) != 2 || members[0] != "bob" || members[1] != "carol" {
		t.Fatalf("room-bob members = %v, %v", members, ok)
	}
	ownerIsMember(t, rm)
}

func TestRooms_CreateOverwritesExistingID(t *testing.T) {
	t.Parallel()

	rm, clients := newRoomFixture(t, "alice", "bob")
	rm.Create("alice")
	rm.Join("bob", "room-alice")

	// Creating again resets the room to just the owner, last writer wins.
	rm.Create("alice")

	members, _ := rm.Members("room-alice")
	if len(members) != 1 || members[0] != "alice" {
		t.Fatalf("members after re-create = %v", members)
	}
	drain(clients["alice"])
	drain(clients["bob"])
}

func TestRooms_DisconnectCleanupSpansAllRooms(t *testing.T) {
	t.Parallel()

	rm, clients := newRoomFixture(t, "alice", "bob")
	rm.Create("alice")
	rm.Create("bob")
	rm.Join("alice", "room-bob")
	for _, c := range clients {
		drain(c)
	}

	rm.CleanupDisconnected("alice")

	// room-alice was deleted, room-bob lost a member; no roomList broadcast
	// yet, the disconnect cascade sends it once at the end.
	if _, ok := rm.Members("room-alice"); ok {
		t.Fatal("room-alice survived disconnect")
	}
	members, _ := rm.Members("room-bob")
	if len(members) != 1 || members[0] != "bob" {
		t.Fatalf("room-bob members = %v", members)
	}
	assertNoFrame(t, clients["bob"])

	rm.BroadcastRoomList()
	list := unmarshalFrame(t, recvFrame(t, clients["bob"]))
	rooms, _ := list["rooms"].([]any)
	if len(rooms) != 1 {
		t.Fatalf("final room list = %v", list)
	}
}
