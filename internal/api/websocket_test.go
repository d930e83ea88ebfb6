package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/homesync-core/internal/command"
	"github.com/nerrad567/homesync-core/internal/device"
	"github.com/nerrad567/homesync-core/internal/protocol"
)

// mockHandler records envelopes and returns a canned result.
type mockHandler struct {
	mu   sync.Mutex
	envs []command.Envelope
	dev  device.Device
	err  error
}

func (m *mockHandler) Handle(_ context.Context, env command.Envelope) (device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs = append(m.envs, env)
	return m.dev, m.err
}

func controlFrame(t *testing.T, id string, ctl protocol.Control) []byte {
	t.Helper()
	data, err := protocol.Encode(protocol.TypeControl, id, ctl, t0())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return data
}

func sessionWith(t *testing.T, h Handler) *WSClient {
	t.Helper()
	hub, _ := testHub(t, 8)
	c := newClient(hub, nil, alice, h)
	if err := hub.Register(c); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	drain(t, c)
	return c
}

func TestWSClient_ControlAck(t *testing.T) {
	h := &mockHandler{dev: device.Device{ID: "light-1"}}
	c := sessionWith(t, h)

	c.handleMessage(context.Background(), controlFrame(t, "m-1", protocol.Control{
		DeviceID: "light-1",
		Command:  command.SetBrightness,
		Value:    json.RawMessage(`40`),
		Seq:      7,
	}))

	msgs := drain(t, c)
	if len(msgs) != 1 || msgs[0].Type != protocol.TypeAck || msgs[0].ID != "m-1" {
		t.Fatalf("frames = %+v, want one ack with id m-1", msgs)
	}
	var ack protocol.Ack
	if err := msgs[0].Into(&ack); err != nil {
		t.Fatalf("Into() error = %v", err)
	}
	if ack.Seq != 7 || ack.DeviceID != "light-1" {
		t.Errorf("ack = %+v, want seq 7 for light-1", ack)
	}

	if len(h.envs) != 1 {
		t.Fatalf("Handle called %d times, want 1", len(h.envs))
	}
	env := h.envs[0]
	if env.SessionID != c.ID() || env.UserID != alice.UserID || env.Sequence != 7 {
		t.Errorf("envelope = %+v, want session %s, user %s, seq 7", env, c.ID(), alice.UserID)
	}
	if env.Viewer == nil || !env.Viewer.CanSee(alice.UserID) {
		t.Error("envelope viewer does not carry the session identity")
	}
}

func TestWSClient_ControlRejected(t *testing.T) {
	tests := []struct {
		name       string
		dev        device.Device
		err        error
		wantCode   string
		wantDevice bool
	}{
		{
			name:     "unknown device",
			err:      fmt.Errorf("%w: light-9", device.ErrDeviceNotFound),
			wantCode: protocol.CodeNotFound,
		},
		{
			name:       "invalid value carries authoritative state",
			dev:        device.Device{ID: "light-1", Type: device.TypeLight, Attributes: device.NewAttributes(device.TypeLight)},
			err:        fmt.Errorf("%w: brightness 150 outside 0-100", command.ErrInvalidCommand),
			wantCode:   protocol.CodeInvalidCommand,
			wantDevice: true,
		},
		{
			name:     "unexpected failure",
			err:      fmt.Errorf("boom"),
			wantCode: protocol.CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := sessionWith(t, &mockHandler{dev: tt.dev, err: tt.err})

			c.handleMessage(context.Background(), controlFrame(t, "", protocol.Control{
				DeviceID: "light-1",
				Command:  command.SetBrightness,
				Value:    json.RawMessage(`150`),
				Seq:      3,
			}))

			msgs := drain(t, c)
			if len(msgs) != 1 || msgs[0].Type != protocol.TypeRejected {
				t.Fatalf("frames = %+v, want one rejected", msgs)
			}
			var rej protocol.Rejected
			if err := msgs[0].Into(&rej); err != nil {
				t.Fatalf("Into() error = %v", err)
			}
			if rej.Seq != 3 || rej.Code != tt.wantCode {
				t.Errorf("rejected = %+v, want seq 3 code %s", rej, tt.wantCode)
			}
			if (rej.Device != nil) != tt.wantDevice {
				t.Errorf("rejected device present = %v, want %v", rej.Device != nil, tt.wantDevice)
			}
		})
	}
}

func TestWSClient_Frames(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantType string
		wantID   string
	}{
		{name: "ping echoes id", frame: `{"type":"ping","id":"p-1"}`, wantType: protocol.TypePong, wantID: "p-1"},
		{name: "resync sends snapshot", frame: `{"type":"resync","id":"r-1"}`, wantType: protocol.TypeSnapshot, wantID: "r-1"},
		{name: "unknown type", frame: `{"type":"subscribe","id":"x"}`, wantType: protocol.TypeError, wantID: "x"},
		{name: "not JSON", frame: `hello`, wantType: protocol.TypeError},
		{name: "missing type", frame: `{"id":"y"}`, wantType: protocol.TypeError},
		{name: "control without payload", frame: `{"type":"control","id":"c"}`, wantType: protocol.TypeError, wantID: "c"},
		{name: "control without device", frame: `{"type":"control","id":"d","payload":{"command":"toggle"}}`, wantType: protocol.TypeError, wantID: "d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &mockHandler{}
			c := sessionWith(t, h)

			c.handleMessage(context.Background(), []byte(tt.frame))

			msgs := drain(t, c)
			if len(msgs) != 1 {
				t.Fatalf("received %d frames, want 1", len(msgs))
			}
			if msgs[0].Type != tt.wantType || msgs[0].ID != tt.wantID {
				t.Errorf("frame = %s/%q, want %s/%q", msgs[0].Type, msgs[0].ID, tt.wantType, tt.wantID)
			}
			if len(h.envs) != 0 {
				t.Errorf("Handle called %d times, want 0", len(h.envs))
			}
		})
	}
}

func TestWSClient_TouchUpdatesLastSeen(t *testing.T) {
	c := sessionWith(t, &mockHandler{})
	later := t0().Add(5 * time.Minute)
	c.hub.now = func() time.Time { return later }

	c.handleMessage(context.Background(), []byte(`{"type":"ping"}`))

	if !c.LastSeen().Equal(later) {
		t.Errorf("LastSeen() = %v, want %v", c.LastSeen(), later)
	}
}

func TestRejectionCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: x", device.ErrDeviceNotFound), protocol.CodeNotFound},
		{fmt.Errorf("%w: %w", command.ErrInvalidCommand, device.ErrValueOutOfRange), protocol.CodeInvalidCommand},
		{device.ErrValueOutOfRange, protocol.CodeInternal},
	}
	for _, tt := range tests {
		if got := rejectionCode(tt.err); got != tt.want {
			t.Errorf("rejectionCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
