package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/homesync-core/internal/auth"
	"github.com/nerrad567/homesync-core/internal/command"
	"github.com/nerrad567/homesync-core/internal/device"
	"github.com/nerrad567/homesync-core/internal/infrastructure/config"
	"github.com/nerrad567/homesync-core/internal/protocol"
)

// Handler applies control commands for a session.
// This interface is satisfied by *command.Dispatcher.
type Handler interface {
	Handle(ctx context.Context, env command.Envelope) (device.Device, error)
}

// WSClient is one live WebSocket session.
type WSClient struct {
	id       string
	identity auth.Identity
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	commands Handler

	live      atomic.Bool
	dropped   atomic.Bool
	closeOnce sync.Once

	mu       sync.Mutex
	lastSeen time.Time
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// newClient creates a session for identity. conn may be nil in tests.
func newClient(hub *Hub, conn *websocket.Conn, identity auth.Identity, commands Handler) *WSClient {
	return &WSClient{
		id:       uuid.NewString(),
		identity: identity,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, hub.sendBuffer()),
		commands: commands,
		lastSeen: hub.now(),
	}
}

// ID returns the session identifier.
func (c *WSClient) ID() string { return c.id }

// Live reports whether the session is registered with the hub.
func (c *WSClient) Live() bool { return c.live.Load() }

// LastSeen returns when the session last sent a frame.
func (c *WSClient) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *WSClient) touch() {
	c.mu.Lock()
	c.lastSeen = c.hub.now()
	c.mu.Unlock()
}

// deliver queues data without blocking. A full queue means the session has
// fallen behind; it is disconnected and will resync on reconnect.
func (c *WSClient) deliver(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	if c.dropped.Load() {
		return
	}
	select {
	case c.send <- data:
	default:
		c.kick()
	}
}

// kick marks the session dropped and closes its connection; readPump then
// unregisters it.
func (c *WSClient) kick() {
	if c.dropped.Swap(true) {
		return
	}
	c.hub.logger.Warn("websocket session too slow, disconnecting",
		"session_id", c.id,
		"user_id", c.identity.UserID)
	c.closeConn()
}

func (c *WSClient) closeConn() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// handleWebSocket upgrades the HTTP connection to a WebSocket session.
// Authentication is via ticket query parameter (obtained from POST /auth/ws-ticket).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	identity, ok := s.tickets.redeem(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(s.hub, conn, identity, s.commands)
	if err := s.hub.Register(client); err != nil {
		s.logger.Error("websocket register failed", "error", err)
		conn.Close()
		return
	}

	s.logger.Info("websocket session opened",
		"session_id", client.id,
		"user_id", identity.UserID,
		"role", identity.Role)

	ctx, cancel := context.WithCancel(s.baseContext())
	go client.writePump(s.wsCfg)
	go func() {
		defer cancel()
		client.readPump(ctx, s.wsCfg)
	}()
}

// keepalive returns the ping interval and pong timeout, falling back to
// 30s and 10s when unset.
func keepalive(cfg config.WebSocketConfig) (ping, pong time.Duration) {
	ping = time.Duration(cfg.PingInterval) * time.Second
	pong = time.Duration(cfg.PongTimeout) * time.Second
	if ping <= 0 {
		ping = 30 * time.Second
	}
	if pong <= 0 {
		pong = 10 * time.Second
	}
	return ping, pong
}

// readPump reads frames from the WebSocket connection.
func (c *WSClient) readPump(ctx context.Context, cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.closeConn()
	}()

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	pingInterval, pongWait := keepalive(cfg)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if c.dropped.Load() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "session_id", c.id, "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "session_id", c.id, "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(ctx, message)
	}
}

// writePump writes queued frames to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval, pongWait := keepalive(cfg)
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes one client frame.
func (c *WSClient) handleMessage(ctx context.Context, data []byte) {
	c.touch()

	msg, err := protocol.Decode(data)
	if err != nil {
		c.sendError("", protocol.CodeBadRequest, "invalid message")
		return
	}

	switch msg.Type {
	case protocol.TypeControl:
		c.handleControl(ctx, msg)
	case protocol.TypeResync:
		if err := c.hub.Resync(c, msg.ID); err != nil {
			c.sendError(msg.ID, protocol.CodeInternal, "snapshot failed")
		}
	case protocol.TypePing:
		c.reply(protocol.TypePong, msg.ID, nil)
	default:
		c.sendError(msg.ID, protocol.CodeBadRequest, "unknown message type: "+msg.Type)
	}
}

// handleControl runs a control command. The status broadcast for an applied
// command is queued by the dispatcher before Handle returns, so the ack
// always follows it.
func (c *WSClient) handleControl(ctx context.Context, msg protocol.Message) {
	var ctl protocol.Control
	if err := msg.Into(&ctl); err != nil {
		c.sendError(msg.ID, protocol.CodeBadRequest, "invalid control payload")
		return
	}
	if ctl.DeviceID == "" || ctl.Command == "" {
		c.sendError(msg.ID, protocol.CodeBadRequest, "deviceId and command are required")
		return
	}

	dev, err := c.commands.Handle(ctx, command.Envelope{
		DeviceID:    ctl.DeviceID,
		Command:     ctl.Command,
		Value:       ctl.Value,
		SessionID:   c.id,
		UserID:      c.identity.UserID,
		Viewer:      c.identity,
		Sequence:    ctl.Seq,
		SubmittedAt: ctl.SubmittedAt,
	})
	if err == nil {
		c.reply(protocol.TypeAck, msg.ID, protocol.Ack{Seq: ctl.Seq, DeviceID: ctl.DeviceID})
		return
	}

	rej := protocol.Rejected{
		Seq:      ctl.Seq,
		DeviceID: ctl.DeviceID,
		Code:     rejectionCode(err),
		Error:    err.Error(),
	}
	if dev.ID != "" {
		rej.Device = &dev
	}
	c.reply(protocol.TypeRejected, msg.ID, rej)
}

func rejectionCode(err error) string {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, command.ErrInvalidCommand):
		return protocol.CodeInvalidCommand
	default:
		return protocol.CodeInternal
	}
}

// reply queues a frame for this session only.
func (c *WSClient) reply(msgType, id string, payload any) {
	data, err := protocol.Encode(msgType, id, payload, c.hub.now())
	if err != nil {
		c.hub.logger.Error("failed to encode reply", "type", msgType, "error", err)
		return
	}
	c.deliver(data)
}

// sendError sends an error frame to the client.
func (c *WSClient) sendError(id, code, message string) {
	c.reply(protocol.TypeError, id, protocol.Error{Code: code, Message: message})
}
