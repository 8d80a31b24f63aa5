package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

const (
	// Server -> client.
	msgTypeIce         = "ice"
	msgTypeClientList  = "clientList"
	msgTypeRoomList    = "roomList"
	msgTypeRoomMembers = "roomMembers"
	msgTypeRoomRenamed = "roomRenamed"

	// Client -> server.
	msgTypeRegister   = "register"
	msgTypeListRooms  = "listRooms"
	msgTypeCreateRoom = "createRoom"
	msgTypeJoinRoom   = "joinRoom"
	msgTypeLeaveRoom  = "leaveRoom"

	// Relayed between clients. Offer, answer and candidate frames pass through
	// byte-for-byte; endCall is also minted server-side on teardown.
	msgTypeOffer     = "offer"
	msgTypeAnswer    = "answer"
	msgTypeCandidate = "candidate"
	msgTypeEndCall   = "endCall"
)

// envelope is the routing view of an inbound frame. Relayed frames carry
// additional payload fields (sdp, candidate, ...) that the relay never
// inspects; forwarding always uses the original raw bytes.
type envelope struct {
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
	Room   string `json:"room,omitempty"`
	Target string `json:"target,omitempty"`
	Sender string `json:"sender,omitempty"`
}

func parseEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, err
	}
	if env.Type == "" {
		return envelope{}, fmt.Errorf("frame missing type")
	}
	return env, nil
}

type iceMessage struct {
	Type string    `json:"type"`
	Data iceConfig `json:"data"`
}

// iceConfig mirrors the browser's RTCConfiguration shape.
type iceConfig struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

type clientListMessage struct {
	Type    string   `json:"type"`
	Clients []string `json:"clients"`
}

// RoomSummary is one entry of a roomList broadcast.
type RoomSummary struct {
	Room    string `json:"room"`
	Owner   string `json:"owner"`
	Members int    `json:"members"`
}

type roomListMessage struct {
	Type  string        `json:"type"`
	Rooms []RoomSummary `json:"rooms"`
}

type roomMembersMessage struct {
	Type    string   `json:"type"`
	Members []string `json:"members"`
}

type roomRenamedMessage struct {
	Type    string `json:"type"`
	OldRoom string `json:"oldRoom"`
	NewRoom string `json:"newRoom"`
	Owner   string `json:"owner"`
}

type endCallMessage struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
}

// encode marshals a server-built message. The message types above cannot fail
// to marshal, so the error is discarded.
func encode(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
