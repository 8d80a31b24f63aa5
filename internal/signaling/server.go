package signaling

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/meshcall/relay/internal/config"
	"github.com/meshcall/relay/internal/metrics"
	"github.com/meshcall/relay/internal/origin"
	"github.com/meshcall/relay/internal/ratelimit"
	"github.com/meshcall/relay/internal/turnrest"
)

// Config wires together the runtime dependencies of the signaling server.
type Config struct {
	Variant config.Variant

	// ICEServers is advertised to every client in the ice frame pushed on
	// connect. When TURNREST is non-nil, TURN entries without credentials get
	// per-connection ephemeral credentials minted into them.
	ICEServers []webrtc.ICEServer
	TURNREST   *turnrest.Generator

	AllowedOrigins []string

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	MaxConnections       int
	SendQueueSize        int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server is the connection lifecycle handler: it upgrades transports, pushes
// the relay config, binds identities to the Registry, dispatches frames per
// message type to the variant policy, and runs the cleanup cascade on
// disconnect.
type Server struct {
	cfg Config
	log *slog.Logger
	m   *metrics.Metrics

	registry *Registry
	router   *Router

	// Exactly one of these is active, selected by cfg.Variant.
	pairings *PairingTracker
	rooms    *RoomManager

	limiter  *ratelimit.ConnLimiter
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultWSIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = config.DefaultWSPingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = config.DefaultMaxMessagesPerSecond
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = config.DefaultSendQueueSize
	}
	if cfg.Variant == "" {
		cfg.Variant = config.DefaultVariant
	}

	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		m:        cfg.Metrics,
		registry: NewRegistry(),
		limiter:  ratelimit.NewConnLimiter(cfg.MaxConnections),
	}
	s.router = NewRouter(s.registry, s.log, s.m)
	switch cfg.Variant {
	case config.VariantRoom:
		s.rooms = NewRoomManager(s.registry, s.log, s.m)
	default:
		s.pairings = NewPairingTracker(s.router, s.log, s.m)
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			header := strings.TrimSpace(r.Header.Get("Origin"))
			if header == "" {
				return true
			}
			normalized, ok := origin.Normalize(header)
			return ok && origin.Allowed(normalized, r.Host, cfg.AllowedOrigins)
		},
	}
	return s
}

// Registry exposes the connection registry, for the HTTP layer and tests.
func (s *Server) Registry() *Registry { return s.registry }

// Rooms returns the room manager; nil in the direct-call variant.
func (s *Server) Rooms() *RoomManager { return s.rooms }

// Pairings returns the call-pairing tracker; nil in the room variant.
func (s *Server) Pairings() *PairingTracker { return s.pairings }

// ICEServersFor resolves the advertised ICE servers for one connection,
// minting ephemeral TURN credentials when TURN REST is enabled.
func (s *Server) ICEServersFor(connID string) []webrtc.ICEServer {
	if s.cfg.TURNREST == nil {
		return s.cfg.ICEServers
	}

	out := make([]webrtc.ICEServer, len(s.cfg.ICEServers))
	copy(out, s.cfg.ICEServers)
	for i, server := range out {
		if !hasTURNURL(server) || server.Credential != nil {
			continue
		}
		creds, err := s.cfg.TURNREST.Mint(connID)
		if err != nil {
			s.log.Warn("failed to mint turn credentials", "err", err)
			continue
		}
		out[i].Username = creds.Username
		out[i].Credential = creds.Credential
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Acquire() {
		s.m.Inc(metrics.EventConnectionsRejected)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer s.limiter.Release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		return
	}

	s.m.Inc(metrics.EventConnectionsAccepted)

	c := newClient(uuid.NewString(), conn, s.cfg.SendQueueSize, s.log, s.m)
	defer c.close()
	go c.writePump(s.cfg.PingInterval)

	// Relay config goes out before any identity is known.
	c.trySend(encode(iceMessage{Type: msgTypeIce, Data: iceConfig{ICEServers: s.ICEServersFor(c.id)}}))

	s.readLoop(c)
	s.cleanup(c)
}

func (s *Server) readLoop(c *Client) {
	c.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	bucket := ratelimit.NewTokenBucket(nil, int64(s.cfg.MaxMessagesPerSecond))

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debug("read failed", "err", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if msgType != websocket.TextMessage {
			writeClose(c.conn, websocket.CloseUnsupportedData, "expected text frames")
			return
		}
		if !bucket.Allow() {
			s.m.Inc(metrics.EventRateLimited)
			writeClose(c.conn, websocket.ClosePolicyViolation, "message rate exceeded")
			return
		}

		env, err := parseEnvelope(data)
		if err != nil {
			// Malformed frames are discarded; the connection stays open.
			s.m.Inc(metrics.EventFramesInvalid)
			c.log.Debug("discarding malformed frame", "err", err)
			continue
		}

		s.dispatch(c, env, data)
	}
}

// dispatch routes one inbound frame. Reference to an unknown identity or
// room is a silent no-op throughout; nothing is reported to the sender.
func (s *Server) dispatch(c *Client, env envelope, raw []byte) {
	switch env.Type {
	case msgTypeRegister:
		s.handleRegister(c, env.Name)

	case msgTypeOffer:
		sender := env.Sender
		if sender == "" {
			sender = c.name
		}
		if env.Target == "" {
			return
		}
		if s.pairings != nil {
			s.pairings.HandleOffer(sender, env.Target, raw)
		} else {
			// Room mesh: no pairing exclusivity, plain forwarding.
			s.router.Forward(env.Target, raw)
		}

	case msgTypeAnswer, msgTypeCandidate:
		if env.Target == "" {
			return
		}
		s.router.Forward(env.Target, raw)

	case msgTypeEndCall:
		if s.pairings != nil {
			name := env.Sender
			if name == "" {
				name = c.name
			}
			s.pairings.EndCall(name)
		} else if env.Target != "" {
			s.router.Forward(env.Target, raw)
		}

	case msgTypeListRooms:
		if s.rooms != nil {
			s.rooms.SendRoomList(c)
		}

	case msgTypeCreateRoom:
		if s.rooms != nil && c.name != "" {
			s.rooms.Create(c.name)
		}

	case msgTypeJoinRoom:
		if s.rooms != nil && c.name != "" && env.Room != "" {
			s.rooms.Join(c.name, env.Room)
		}

	case msgTypeLeaveRoom:
		if s.rooms != nil && c.name != "" && env.Room != "" {
			s.rooms.Leave(c.name, env.Room)
		}

	default:
		c.log.Debug("ignoring unknown message type", "msg_type", env.Type)
	}
}

func (s *Server) handleRegister(c *Client, name string) {
	if name == "" {
		return
	}
	if c.name != "" && c.name != name {
		// Re-registration under a new identity on the same transport.
		s.registry.UnregisterIf(c.name, c)
	}
	c.name = name
	s.registry.Register(name, c)
	s.m.Inc(metrics.EventRegistrations)
	c.log.Info("client registered", "client", name)

	if s.rooms != nil {
		s.rooms.SendRoomList(c)
		return
	}
	s.broadcastClientList()
}

func (s *Server) broadcastClientList() {
	s.registry.Broadcast(encode(clientListMessage{Type: msgTypeClientList, Clients: s.registry.Names()}))
}

// cleanup runs the disconnect cascade: call/room teardown, registry removal,
// then a final presence broadcast.
func (s *Server) cleanup(c *Client) {
	if c.name == "" {
		return
	}
	// A stale connection whose identity was re-registered elsewhere must not
	// tear down the replacement's calls or rooms.
	if cur, ok := s.registry.Lookup(c.name); !ok || cur != c {
		return
	}

	if s.pairings != nil {
		s.pairings.EndCall(c.name)
		if s.registry.UnregisterIf(c.name, c) {
			s.broadcastClientList()
		}
		return
	}

	s.rooms.CleanupDisconnected(c.name)
	s.registry.UnregisterIf(c.name, c)
	s.rooms.BroadcastRoomList()
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
