package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshcall/relay/internal/metrics"
)

const wsWriteWait = 10 * time.Second

// Client wraps one websocket connection.
//
// All writes to the connection go through the send queue and are performed by
// the single writePump goroutine, per gorilla's one-writer rule. Reads happen
// only on the lifecycle handler's goroutine, which also owns the name field.
type Client struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger
	m    *metrics.Metrics

	// name is the registered identity. Empty until a register frame arrives.
	// Only the connection's reader goroutine touches it.
	name string

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(id string, conn *websocket.Conn, queueSize int, log *slog.Logger, m *metrics.Metrics) *Client {
	return &Client{
		id:   id,
		conn: conn,
		log:  log.With("conn_id", id),
		m:    m,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// trySend enqueues a frame for delivery. Delivery is best-effort: a closed
// connection or a full queue drops the frame and reports false.
func (c *Client) trySend(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		c.m.Inc(metrics.EventSendDropped)
		c.log.Debug("send queue full, dropping frame")
		return false
	}
}

// close releases the connection. Safe to call multiple times and from any
// goroutine; the entry is removed from the registry by the lifecycle handler.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// writePump drains the send queue onto the connection and emits keepalive
// pings. It exits when the connection dies or close is called.
func (c *Client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
