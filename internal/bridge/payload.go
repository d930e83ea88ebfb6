package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/homesync-core/internal/device"
	"github.com/nerrad567/homesync-core/internal/infrastructure/mqtt"
)

// CommandMessage is published on homesync/{id}/command.
type CommandMessage struct {
	Command   device.Delta `json:"command"`
	Timestamp time.Time    `json:"timestamp"`
}

// DiscoveryMessage is the retained record on homesync/_discovery/{id}.
type DiscoveryMessage struct {
	Name         string `json:"name"`
	UniqueID     string `json:"unique_id"`
	DeviceClass  string `json:"device_class"`
	StateTopic   string `json:"state_topic"`
	CommandTopic string `json:"command_topic"`
}

func newDiscoveryMessage(dev device.Device) DiscoveryMessage {
	topics := mqtt.Topics{}
	return DiscoveryMessage{
		Name:         dev.Name,
		UniqueID:     dev.ID,
		DeviceClass:  string(dev.Type),
		StateTopic:   topics.DeviceStatus(dev.ID),
		CommandTopic: topics.DeviceCommand(dev.ID),
	}
}

// decodeReport parses an inbound status or sensor payload.
//
// Accepted shapes:
//
//	{"status": "on", "brightness": 40}               fields at top level
//	{"report": {...}, "timestamp": "2026-..."}       fields nested under report
//	on                                               not JSON, read as {"value": "on"}
//
// A bare value on a status topic is read as the device status ("on"/"off"
// or a boolean). Unknown fields are ignored; the registry rejects fields
// that do not fit the device type.
func decodeReport(kind string, payload []byte) (device.Delta, time.Time, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return device.Delta{}, time.Time{}, fmt.Errorf("%w: empty payload", ErrInvalidReport)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		// Valid JSON scalars as well as raw text end up wrapped.
		envelope = map[string]json.RawMessage{"value": wrapValue(payload)}
	}

	var reportedAt time.Time
	if ts, ok := envelope["timestamp"]; ok {
		_ = json.Unmarshal(ts, &reportedAt)
	}

	fields := payload
	if nested, ok := envelope["report"]; ok {
		fields = nested
	}

	var delta device.Delta
	if _, wrapped := envelope["value"]; !wrapped || len(envelope) > 1 {
		if err := json.Unmarshal(fields, &delta); err != nil {
			return device.Delta{}, time.Time{}, fmt.Errorf("%w: %w", ErrInvalidReport, err)
		}
	}

	if v, ok := envelope["value"]; ok && kind == mqtt.KindStatus && delta.Status == nil {
		if s, ok := statusFromValue(v); ok {
			delta.Status = &s
		}
	}

	if delta.IsEmpty() {
		return device.Delta{}, time.Time{}, fmt.Errorf("%w: no known fields", ErrInvalidReport)
	}
	return delta, reportedAt, nil
}

// wrapValue returns payload itself when it is a JSON scalar, otherwise the
// payload as a JSON string.
func wrapValue(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return payload
	}
	b, _ := json.Marshal(string(payload))
	return b
}

func statusFromValue(raw json.RawMessage) (device.Status, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	switch v := v.(type) {
	case bool:
		if v {
			return device.StatusOn, true
		}
		return device.StatusOff, true
	case string:
		s := device.Status(v)
		return s, s.Valid()
	}
	return "", false
}
