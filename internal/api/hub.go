package api

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/homesync-core/internal/device"
	"github.com/nerrad567/homesync-core/internal/infrastructure/config"
	"github.com/nerrad567/homesync-core/internal/infrastructure/logging"
	"github.com/nerrad567/homesync-core/internal/protocol"
)

// defaultSendBuffer is used when the configured send buffer is not positive.
const defaultSendBuffer = 256

// Snapshotter returns the devices a viewer may see.
// This interface is satisfied by *device.Registry.
type Snapshotter interface {
	Snapshot(v device.Viewer) []device.Device
}

// Hub tracks live sessions and fans device changes out to them.
//
// Lock ordering: the dispatcher's per-device lock is taken before the hub
// lock, and the hub lock before the registry lock. Emit never touches the
// registry.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	devices Snapshotter
	now     func() time.Time
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// NewHub creates a hub that takes session snapshots from devices.
func NewHub(cfg config.WebSocketConfig, devices Snapshotter, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		devices: devices,
		now:     time.Now,
		clients: make(map[*WSClient]struct{}),
	}
}

// sendBuffer returns the per-session outbound queue length.
func (h *Hub) sendBuffer() int {
	if h.cfg.SendBuffer > 0 {
		return h.cfg.SendBuffer
	}
	return defaultSendBuffer
}

// Run blocks until ctx is cancelled, then disconnects every session.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register queues the session's initial snapshot and adds it to the hub.
// Both happen under the hub write lock, so every event emitted after the
// snapshot was taken reaches the session.
func (h *Hub) Register(client *WSClient) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.queueSnapshot(client, ""); err != nil {
		return err
	}
	h.clients[client] = struct{}{}
	client.live.Store(true)

	h.logger.Debug("websocket session registered",
		"session_id", client.id,
		"user_id", client.identity.UserID,
		"clients", len(h.clients))
	return nil
}

// Unregister removes a session and closes its send queue.
// Only the call that removes the session closes the queue.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	if existed {
		delete(h.clients, client)
		client.live.Store(false)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if existed {
		h.logger.Debug("websocket session unregistered", "session_id", client.id, "clients", count)
	}
}

// Resync queues a fresh snapshot for a registered session. id echoes the
// resync request.
func (h *Hub) Resync(client *WSClient, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return nil
	}
	return h.queueSnapshot(client, id)
}

// queueSnapshot must be called with h.mu held for writing.
func (h *Hub) queueSnapshot(client *WSClient, id string) error {
	now := h.now().UTC()
	devices := h.devices.Snapshot(client.identity)
	if devices == nil {
		devices = []device.Device{}
	}
	data, err := protocol.Encode(protocol.TypeSnapshot, id, protocol.Snapshot{
		Devices:   devices,
		Timestamp: now,
	}, now)
	if err != nil {
		return err
	}
	client.deliver(data)
	return nil
}

// Emit delivers a state change to every live session that may see the
// device. The frame is encoded once. A session whose queue is full is
// disconnected rather than waited for.
func (h *Hub) Emit(ev device.Event) {
	data, err := protocol.Encode(protocol.TypeStatus, "", protocol.StatusFrom(ev), ev.Timestamp)
	if err != nil {
		h.logger.Error("failed to encode status", "device_id", ev.DeviceID, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.clients {
		if client.identity.CanSee(ev.OwnerID) {
			client.deliver(data)
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("status broadcast", "device_id", ev.DeviceID, "seq", ev.Sequence, "recipients", sent)
	}
}

// Notify delivers a message to every session of userID.
func (h *Hub) Notify(userID, msgType string, payload any) {
	data, err := protocol.Encode(msgType, "", payload, h.now())
	if err != nil {
		h.logger.Error("failed to encode notification", "type", msgType, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.identity.UserID == userID {
			client.deliver(data)
		}
	}
}

// DeviceAdded announces a provisioned device to the sessions that may see it.
func (h *Hub) DeviceAdded(dev device.Device) {
	h.announce(dev.UserID, protocol.TypeDeviceAdded, protocol.DeviceAdded{Device: dev})
}

// DeviceRemoved announces a deprovisioned device to the sessions that could see it.
func (h *Hub) DeviceRemoved(dev device.Device) {
	h.announce(dev.UserID, protocol.TypeDeviceRemoved, protocol.DeviceRemoved{DeviceID: dev.ID})
}

func (h *Hub) announce(ownerID, msgType string, payload any) {
	data, err := protocol.Encode(msgType, "", payload, h.now())
	if err != nil {
		h.logger.Error("failed to encode announcement", "type", msgType, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.identity.CanSee(ownerID) {
			client.deliver(data)
		}
	}
}

// ClientCount returns the number of live sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all sessions and closes their send queues
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.live.Store(false)
		close(client.send)
		client.closeConn()
		delete(h.clients, client)
	}
}
