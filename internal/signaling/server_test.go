package signaling

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/meshcall/relay/internal/config"
	"github.com/meshcall/relay/internal/turnrest"
)

const wsTestWait = 2 * time.Second

func startSignalingServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	ts := httptest.NewServer(NewServer(cfg))
	t.Cleanup(ts.Close)
	return ts
}

func wsDial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func wsReadRaw(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(wsTestWait))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return raw
}

func wsReadMsg(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	raw := wsReadRaw(t, ws)
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal frame %q: %v", raw, err)
	}
	return msg
}

// wsExpect reads frames until one of the wanted type arrives, failing on
// anything unexpected. Broadcast-heavy flows interleave frames across
// connections, so intermediate frames of other known types are tolerated.
func wsExpect(t *testing.T, ws *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	for i := 0; i < 8; i++ {
		msg := wsReadMsg(t, ws)
		if msg["type"] == wantType {
			return msg
		}
	}
	t.Fatalf("no %q frame within 8 reads", wantType)
	return nil
}

func wsSend(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func wsRegister(t *testing.T, ws *websocket.Conn, name string) {
	t.Helper()
	wsSend(t, ws, `{"type":"register","name":"`+name+`"}`)
}

func TestServer_DirectCallFlow(t *testing.T) {
	ts := startSignalingServer(t, Config{Variant: config.VariantDirect})

	alice := wsDial(t, ts)
	bob := wsDial(t, ts)

	// Relay config is pushed before anything else on both connections.
	for _, ws := range []*websocket.Conn{alice, bob} {
		if msg := wsReadMsg(t, ws); msg["type"] != "ice" {
			t.Fatalf("first frame = %v, want ice", msg)
		}
	}

	wsRegister(t, alice, "alice")
	list := wsExpect(t, alice, "clientList")
	if clients, _ := list["clients"].([]any); len(clients) != 1 || clients[0] != "alice" {
		t.Fatalf("clientList = %v", list)
	}

	wsRegister(t, bob, "bob")
	list = wsExpect(t, bob, "clientList")
	if clients, _ := list["clients"].([]any); len(clients) != 2 {
		t.Fatalf("clientList after second register = %v", list)
	}
	wsExpect(t, alice, "clientList")

	// Offer, answer and candidate frames relay byte-for-byte, payload
	// untouched.
	offer := `{"type":"offer","target":"bob","sender":"alice","sdp":{"type":"offer","sdp":"v=0\r\n"}}`
	wsSend(t, alice, offer)
	if got := wsReadRaw(t, bob); !bytes.Equal(got, []byte(offer)) {
		t.Fatalf("relayed offer = %s, want %s", got, offer)
	}

	answer := `{"type":"answer","target":"alice","sender":"bob","sdp":{"type":"answer","sdp":"v=0\r\n"}}`
	wsSend(t, bob, answer)
	if got := wsReadRaw(t, alice); !bytes.Equal(got, []byte(answer)) {
		t.Fatalf("relayed answer = %s", got)
	}

	candidate := `{"type":"candidate","target":"bob","sender":"alice","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 50000 typ host"}}`
	wsSend(t, alice, candidate)
	if got := wsReadRaw(t, bob); !bytes.Equal(got, []byte(candidate)) {
		t.Fatalf("relayed candidate = %s", got)
	}

	wsSend(t, alice, `{"type":"endCall"}`)
	end := wsReadMsg(t, bob)
	if end["type"] != "endCall" || end["target"] != "bob" {
		t.Fatalf("teardown frame = %v", end)
	}
}

func TestServer_OfferDisplacementNotifiesOldPartner(t *testing.T) {
	ts := startSignalingServer(t, Config{Variant: config.VariantDirect})

	conns := map[string]*websocket.Conn{}
	for _, name := range []string{"alice", "bob", "carol"} {
		ws := wsDial(t, ts)
		wsReadMsg(t, ws) // ice
		wsRegister(t, ws, name)
		wsExpect(t, ws, "clientList")
		conns[name] = ws
	}
	wsExpect(t, conns["alice"], "clientList")
	wsExpect(t, conns["alice"], "clientList")
	wsExpect(t, conns["bob"], "clientList")

	wsSend(t, conns["alice"], `{"type":"offer","target":"bob","sender":"alice","sdp":{}}`)
	wsExpect(t, conns["bob"], "offer")

	// Carol calls bob; alice is displaced with a bare endCall.
	wsSend(t, conns["carol"], `{"type":"offer","target":"bob","sender":"carol","sdp":{}}`)
	wsExpect(t, conns["bob"], "offer")

	end := wsReadMsg(t, conns["alice"])
	if end["type"] != "endCall" {
		t.Fatalf("displaced frame = %v", end)
	}
	if _, ok := end["target"]; ok {
		t.Fatalf("displacement notice carries target: %v", end)
	}
}

func TestServer_DisconnectEndsCall(t *testing.T) {
	ts := startSignalingServer(t, Config{Variant: config.VariantDirect})

	alice := wsDial(t, ts)
	bob := wsDial(t, ts)
	wsReadMsg(t, alice)
	wsReadMsg(t, bob)
	wsRegister(t, alice, "alice")
	wsExpect(t, alice, "clientList")
	wsRegister(t, bob, "bob")
	wsExpect(t, bob, "clientList")
	wsExpect(t, alice, "clientList")

	wsSend(t, alice, `{"type":"offer","target":"bob","sender":"alice","sdp":{}}`)
	wsExpect(t, bob, "offer")

	alice.Close()

	end := wsExpect(t, bob, "endCall")
	if end["target"] != "bob" {
		t.Fatalf("teardown frame = %v", end)
	}
	list := wsExpect(t, bob, "clientList")
	if clients, _ := list["clients"].([]any); len(clients) != 1 || clients[0] != "bob" {
		t.Fatalf("clientList after disconnect = %v", list)
	}
}

func TestServer_RoomVariantOwnershipTransfer(t *testing.T) {
	ts := startSignalingServer(t, Config{Variant: config.VariantRoom})

	alice := wsDial(t, ts)
	wsReadMsg(t, alice) // ice
	wsRegister(t, alice, "alice")
	list := wsExpect(t, alice, "roomList")
	if rooms, _ := list["rooms"].([]any); len(rooms) != 0 {
		t.Fatalf("initial roomList = %v", list)
	}

	wsSend(t, alice, `{"type":"createRoom"}`)
	list = wsExpect(t, alice, "roomList")
	rooms, _ := list["rooms"].([]any)
	if len(rooms) != 1 {
		t.Fatalf("roomList after create = %v", list)
	}
	room := rooms[0].(map[string]any)
	if room["room"] != "room-alice" || room["owner"] != "alice" {
		t.Fatalf("room summary = %v", room)
	}

	bob := wsDial(t, ts)
	wsReadMsg(t, bob) // ice
	wsRegister(t, bob, "bob")
	wsExpect(t, bob, "roomList")

	wsSend(t, bob, `{"type":"joinRoom","room":"room-alice"}`)
	members := wsExpect(t, bob, "roomMembers")
	got, _ := members["members"].([]any)
	if len(got) != 1 || got[0] != "alice" {
		t.Fatalf("roomMembers = %v, want [alice]", members)
	}
	list = wsExpect(t, bob, "roomList")
	rooms, _ = list["rooms"].([]any)
	if room := rooms[0].(map[string]any); room["members"] != float64(2) {
		t.Fatalf("room after join = %v", room)
	}

	// Owner disconnects: the room survives under the successor's id.
	alice.Close()

	renamed := wsExpect(t, bob, "roomRenamed")
	if renamed["oldRoom"] != "room-alice" || renamed["newRoom"] != "room-bob" || renamed["owner"] != "bob" {
		t.Fatalf("roomRenamed = %v", renamed)
	}
	list = wsExpect(t, bob, "roomList")
	rooms, _ = list["rooms"].([]any)
	if len(rooms) != 1 {
		t.Fatalf("roomList after rename = %v", list)
	}
	if room := rooms[0].(map[string]any); room["room"] != "room-bob" || room["members"] != float64(1) {
		t.Fatalf("surviving room = %v", room)
	}
}

func TestServer_MalformedFrameKeepsConnection(t *testing.T) {
	ts := startSignalingServer(t, Config{Variant: config.VariantDirect})

	ws := wsDial(t, ts)
	wsReadMsg(t, ws) // ice

	wsSend(t, ws, `not json at all`)
	wsSend(t, ws, `{"no":"type"}`)

	// The connection is still serving after discarding both frames.
	wsRegister(t, ws, "alice")
	wsExpect(t, ws, "clientList")
}

func TestServer_UnknownTargetIsSilentlyDropped(t *testing.T) {
	ts := startSignalingServer(t, Config{Variant: config.VariantDirect})

	ws := wsDial(t, ts)
	wsReadMsg(t, ws) // ice
	wsRegister(t, ws, "alice")
	wsExpect(t, ws, "clientList")

	wsSend(t, ws, `{"type":"offer","target":"ghost","sender":"alice","sdp":{}}`)

	// No error frame comes back; a follow-up request still works.
	wsSend(t, ws, `{"type":"register","name":"alice2"}`)
	list := wsExpect(t, ws, "clientList")
	if clients, _ := list["clients"].([]any); len(clients) != 1 || clients[0] != "alice2" {
		t.Fatalf("clientList after re-register = %v", list)
	}
}

func TestServer_BinaryFrameClosesConnection(t *testing.T) {
	ts := startSignalingServer(t, Config{Variant: config.VariantDirect})

	ws := wsDial(t, ts)
	wsReadMsg(t, ws) // ice

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(wsTestWait))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("read after binary frame: %v, want unsupported-data close", err)
	}
}

func TestServer_MessageRateLimitClosesConnection(t *testing.T) {
	ts := startSignalingServer(t, Config{Variant: config.VariantDirect, MaxMessagesPerSecond: 1})

	ws := wsDial(t, ts)
	wsReadMsg(t, ws) // ice

	wsRegister(t, ws, "alice")
	wsExpect(t, ws, "clientList")
	wsSend(t, ws, `{"type":"listRooms"}`)
	wsSend(t, ws, `{"type":"listRooms"}`)

	deadline := time.Now().Add(wsTestWait)
	for {
		_ = ws.SetReadDeadline(deadline)
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Fatalf("read after burst: %v, want policy-violation close", err)
		}
		return
	}
}

func TestServer_ConnectionLimit(t *testing.T) {
	ts := startSignalingServer(t, Config{Variant: config.VariantDirect, MaxConnections: 1})

	first := wsDial(t, ts)
	wsReadMsg(t, first) // ice, so the first handler is fully up

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("second dial succeeded past the connection limit")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second dial response = %+v, want 503", resp)
	}
}

func TestServer_RejectsDisallowedOrigin(t *testing.T) {
	ts := startSignalingServer(t, Config{
		Variant:        config.VariantDirect,
		AllowedOrigins: []string{"https://app.example.com"},
	})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	header := http.Header{"Origin": []string{"https://evil.example.net"}}
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatal("dial with disallowed origin succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("disallowed origin response = %+v, want 403", resp)
	}

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	ws.Close()
}

func TestServer_ICEServersForMintsEphemeralTURNCredentials(t *testing.T) {
	t.Parallel()

	gen, err := turnrest.NewGenerator("north", "meshcall", 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(Config{
		Variant: config.VariantDirect,
		Logger:  testLogger(),
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}},
			{URLs: []string{"turn:static.example.com:3478"}, Username: "fixed", Credential: "secret"},
		},
		TURNREST: gen,
	})

	servers := s.ICEServersFor("conn-1")
	if len(servers) != 3 {
		t.Fatalf("servers = %v", servers)
	}
	if servers[0].Credential != nil {
		t.Fatalf("stun entry gained credentials: %+v", servers[0])
	}
	if servers[1].Username == "" || servers[1].Credential == nil {
		t.Fatalf("credentialless turn entry not minted: %+v", servers[1])
	}
	if !strings.HasSuffix(servers[1].Username, ":meshcall:conn-1") {
		t.Fatalf("minted username = %q", servers[1].Username)
	}
	if servers[2].Username != "fixed" || servers[2].Credential != "secret" {
		t.Fatalf("static turn entry changed: %+v", servers[2])
	}

	// The shared config slice must not be mutated by per-connection minting.
	if s.cfg.ICEServers[1].Credential != nil {
		t.Fatal("minting leaked into shared config")
	}
}
