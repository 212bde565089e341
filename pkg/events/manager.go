package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/agentspy/agentspy/pkg/version"
)

// ManagerConfig tunes WebSocket connection behavior.
type ManagerConfig struct {
	WriteTimeout time.Duration // per-frame write deadline
	PingInterval time.Duration // server → client ping cadence
	BufferSize   int           // per-subscriber mailbox capacity
	MaxDropped   int64         // disconnect once a subscriber loses this many events
}

// ConnectionManager manages WebSocket connections and their hub
// subscriptions. One instance per process.
type ConnectionManager struct {
	hub *Hub
	cfg ManagerConfig

	connections map[string]*Connection
	mu          sync.RWMutex
}

// Connection represents a single WebSocket client. The subscription filter
// lives on the hub subscriber; all mutations happen on the read loop.
type Connection struct {
	ID       string
	Conn     *websocket.Conn
	sub      *Subscriber
	ctx      context.Context
	cancel   context.CancelFunc
	lastSeen atomic.Int64 // unix nanos of the last frame read from the client
}

// NewConnectionManager creates a ConnectionManager over the given hub.
func NewConnectionManager(hub *Hub, cfg ManagerConfig) *ConnectionManager {
	return &ConnectionManager{
		hub:         hub,
		cfg:         cfg,
		connections: make(map[string]*Connection),
	}
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade; blocks until the
// connection closes. The connection starts with an empty filter — clients
// opt in with subscribe frames.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	sub := m.hub.Subscribe(nil, m.cfg.BufferSize)
	if sub == nil {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:     uuid.New().String(),
		Conn:   conn,
		sub:    sub,
		ctx:    ctx,
		cancel: cancel,
	}
	c.lastSeen.Store(time.Now().UnixNano())

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":           "hello",
		"connection_id":  c.ID,
		"server_version": version.Full(),
	})

	go m.writeLoop(c)
	go m.pingLoop(c)

	// Read loop — process client frames until the connection closes.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		c.lastSeen.Store(time.Now().UnixNano())

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket frame", "connection_id", c.ID, "error", err)
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

// handleClientMessage dispatches a client frame.
func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Op {
	case "subscribe", "unsubscribe":
		for _, t := range msg.Events {
			if !KnownEventType(t) {
				m.sendJSON(c, map[string]string{
					"type":    "error",
					"message": "unknown event type: " + t,
				})
				return
			}
		}
		if msg.Op == "subscribe" {
			c.sub.AddTypes(msg.Events)
		} else {
			c.sub.RemoveTypes(msg.Events)
		}
		m.sendJSON(c, map[string]any{
			"type":   "subscription.confirmed",
			"op":     msg.Op,
			"events": c.sub.Types(),
		})

	case "ping", "pong":
		// Liveness only — lastSeen is already refreshed by the read loop.
		if msg.Op == "ping" {
			m.sendJSON(c, map[string]string{"type": "pong"})
		}

	default:
		m.sendJSON(c, map[string]string{
			"type":    "error",
			"message": "unknown op",
		})
	}
}

// writeLoop drains the hub mailbox into the socket. A write failure or a
// drop count past the limit closes the connection; ingestion is never
// affected either way.
func (m *ConnectionManager) writeLoop(c *Connection) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case evt, ok := <-c.sub.Events():
			if !ok {
				return
			}
			if err := m.sendEvent(c, evt); err != nil {
				slog.Warn("Failed to send to WebSocket client",
					"connection_id", c.ID, "error", err)
				c.cancel()
				return
			}
			if m.cfg.MaxDropped > 0 && c.sub.Dropped() > m.cfg.MaxDropped {
				slog.Warn("Disconnecting subscriber that cannot keep up",
					"connection_id", c.ID, "dropped", c.sub.Dropped())
				c.cancel()
				return
			}
		}
	}
}

// pingLoop sends periodic pings and closes connections that have gone
// quiet for two full intervals.
func (m *ConnectionManager) pingLoop(c *Connection) {
	if m.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastSeen.Load()))
			if idle > 2*m.cfg.PingInterval {
				slog.Info("Closing idle WebSocket connection",
					"connection_id", c.ID, "idle", idle)
				c.cancel()
				return
			}
			m.sendJSON(c, map[string]string{"type": "ping"})
		}
	}
}

// Shutdown closes every active connection. The hub is closed separately.
func (m *ConnectionManager) Shutdown() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		_ = c.Conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregister(c *Connection) {
	m.hub.Unsubscribe(c.sub)

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendEvent marshals and sends one hub event.
func (m *ConnectionManager) sendEvent(c *Connection, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return m.sendRaw(c, data)
}

// sendJSON marshals and sends a control frame to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes with the per-frame write deadline.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.cfg.WriteTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
