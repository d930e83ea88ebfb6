// Package protocol defines the JSON messages exchanged over a HomeSync
// WebSocket session.
//
// Every frame is a Message envelope:
//
//	{"type": "status", "id": "...", "timestamp": "...", "payload": {...}}
//
// Client to server: control, resync, ping.
// Server to client: snapshot, status, ack, rejected, alert,
// delivery_failure, device_added, device_removed, pong, error.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/homesync-core/internal/device"
)

// Message types.
const (
	TypeControl = "control"
	TypeResync  = "resync"
	TypePing    = "ping"

	TypeSnapshot        = "snapshot"
	TypeStatus          = "status"
	TypeAck             = "ack"
	TypeRejected        = "rejected"
	TypeAlert           = "alert"
	TypeDeliveryFailure = "delivery_failure"
	TypeDeviceAdded     = "device_added"
	TypeDeviceRemoved   = "device_removed"
	TypePong            = "pong"
	TypeError           = "error"
)

// Rejection and error codes.
const (
	CodeNotFound       = "not_found"
	CodeInvalidCommand = "invalid_command"
	CodeBadRequest     = "bad_request"
	CodeInternal       = "internal_error"
)

// ErrInvalidMessage is returned for frames that are not a valid envelope.
var ErrInvalidMessage = errors.New("protocol: invalid message")

// Message is the envelope of every frame.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Control asks the server to run a command on a device.
type Control struct {
	DeviceID    string          `json:"deviceId"`
	Command     string          `json:"command"`
	Value       json.RawMessage `json:"value,omitempty"`
	Seq         uint64          `json:"seq"`
	SubmittedAt time.Time       `json:"submittedAt,omitzero"`
}

// Snapshot is the full set of devices the session may see.
type Snapshot struct {
	Devices   []device.Device `json:"devices"`
	Timestamp time.Time       `json:"timestamp"`
}

// Status carries the fields of one device that changed. The delta's fields
// are inlined next to deviceId.
type Status struct {
	DeviceID string `json:"deviceId"`
	device.Delta
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// StatusFrom builds the status payload for a broadcast event.
func StatusFrom(ev device.Event) Status {
	return Status{
		DeviceID:  ev.DeviceID,
		Delta:     ev.Delta,
		Timestamp: ev.Timestamp,
		Seq:       ev.Sequence,
	}
}

// Ack confirms that the control with Seq was applied.
type Ack struct {
	Seq      uint64 `json:"seq"`
	DeviceID string `json:"deviceId"`
}

// Rejected reports a control that was not applied. Device, when present, is
// the authoritative state the client should restore.
type Rejected struct {
	Seq      uint64         `json:"seq"`
	DeviceID string         `json:"deviceId"`
	Code     string         `json:"code"`
	Error    string         `json:"error"`
	Device   *device.Device `json:"device,omitempty"`
}

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert kinds.
const (
	AlertSecurity = "security"
	AlertEnergy   = "energy"
	AlertWater    = "water"
)

// Alert is a notification raised by a device state change.
type Alert struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	DeviceID  string    `json:"deviceId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DeliveryFailure reports a command that never reached the device.
type DeliveryFailure struct {
	DeviceID string       `json:"deviceId"`
	Command  device.Delta `json:"command"`
	Attempts int          `json:"attempts"`
	Error    string       `json:"error"`
}

// DeviceAdded announces a newly provisioned device.
type DeviceAdded struct {
	Device device.Device `json:"device"`
}

// DeviceRemoved announces a deprovisioned device.
type DeviceRemoved struct {
	DeviceID string `json:"deviceId"`
}

// Error reports a malformed or unsupported frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New builds a message with payload marshalled into it. A nil payload
// produces a message without one.
func New(typ, id string, payload any, at time.Time) (Message, error) {
	msg := Message{Type: typ, ID: id, Timestamp: at.UTC()}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Encode builds a message and marshals the whole frame.
func Encode(typ, id string, payload any, at time.Time) ([]byte, error) {
	msg, err := New(typ, id, payload, at)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Decode parses a frame. The payload is left raw; use Message.Into.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return msg, nil
}

// Into decodes the payload into v.
func (m Message) Into(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %w", ErrInvalidMessage, m.Type, err)
	}
	return nil
}
