package command

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/homesync-core/internal/device"
)

// Command names.
const (
	Toggle         = "toggle"
	SetBrightness  = "setBrightness"
	SetColor       = "setColor"
	SetTemperature = "setTemperature"
	SetVolume      = "setVolume"
	Lock           = "lock"
	Unlock         = "unlock"
	SetRecording   = "setRecording"
)

// Envelope is a control command in flight between a session and the registry.
type Envelope struct {
	DeviceID string          `json:"deviceId"`
	Command  string          `json:"command"`
	Value    json.RawMessage `json:"value,omitempty"`

	// SessionID identifies the originating connection ("" for REST).
	SessionID string `json:"sessionId,omitempty"`

	// UserID is the authenticated caller.
	UserID string `json:"userId"`

	// Viewer decides visibility. When nil only the owner may command the device.
	Viewer device.Viewer `json:"-"`

	// Sequence is the per-connection counter assigned by the client.
	Sequence uint64 `json:"seq"`

	// ReceivedAt is the server arrival time and the last-write-wins timestamp.
	// The dispatcher fills it in when zero.
	ReceivedAt time.Time `json:"receivedAt"`

	// SubmittedAt is the client's clock at send time. Informational only.
	SubmittedAt time.Time `json:"submittedAt,omitempty"`
}

func (e Envelope) canSee(ownerID string) bool {
	if e.Viewer != nil {
		return e.Viewer.CanSee(ownerID)
	}
	return e.UserID != "" && e.UserID == ownerID
}
