package api

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/nerrad567/homesync-core/internal/auth"
	"github.com/nerrad567/homesync-core/internal/device"
	"github.com/nerrad567/homesync-core/internal/infrastructure/config"
	"github.com/nerrad567/homesync-core/internal/infrastructure/logging"
	"github.com/nerrad567/homesync-core/internal/protocol"
)

var (
	alice = auth.Identity{UserID: "usr-alice", Username: "alice", Role: auth.RoleUser}
	bob   = auth.Identity{UserID: "usr-bob", Username: "bob", Role: auth.RoleUser}
	admin = auth.Identity{UserID: "usr-admin", Username: "root", Role: auth.RoleAdmin}
)

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "json"}, "test", io.Discard)
}

// testRegistry holds a light owned by alice and a lock owned by bob.
func testRegistry(t *testing.T) *device.Registry {
	t.Helper()
	reg := device.NewRegistry()
	for _, dev := range []device.Device{
		{ID: "light-1", UserID: alice.UserID, Name: "Desk Lamp", Type: device.TypeLight},
		{ID: "lock-1", UserID: bob.UserID, Name: "Front Door", Type: device.TypeLock},
	} {
		if _, err := reg.Add(dev); err != nil {
			t.Fatalf("Add(%s) error = %v", dev.ID, err)
		}
	}
	return reg
}

func testHub(t *testing.T, sendBuffer int) (*Hub, *device.Registry) {
	t.Helper()
	reg := testRegistry(t)
	return NewHub(config.WebSocketConfig{SendBuffer: sendBuffer}, reg, testLogger()), reg
}

// drain returns every frame queued for c without blocking.
func drain(t *testing.T, c *WSClient) []protocol.Message {
	t.Helper()
	var msgs []protocol.Message
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return msgs
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func registerClient(t *testing.T, h *Hub, id auth.Identity) *WSClient {
	t.Helper()
	c := newClient(h, nil, id, nil)
	if err := h.Register(c); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return c
}

func statusEvent(deviceID, owner string, seq uint64, brightness int) device.Event {
	return device.Event{
		DeviceID:  deviceID,
		OwnerID:   owner,
		Delta:     device.Delta{Brightness: &brightness},
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Sequence:  seq,
	}
}

func TestHub_RegisterSendsSnapshot(t *testing.T) {
	tests := []struct {
		name     string
		identity auth.Identity
		wantIDs  []string
	}{
		{name: "user sees own devices", identity: alice, wantIDs: []string{"light-1"}},
		{name: "other user", identity: bob, wantIDs: []string{"lock-1"}},
		{name: "admin sees everything", identity: admin, wantIDs: []string{"light-1", "lock-1"}},
		{name: "unknown user sees nothing", identity: auth.Identity{UserID: "usr-x", Role: auth.RoleUser}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := testHub(t, 8)
			c := registerClient(t, h, tt.identity)

			msgs := drain(t, c)
			if len(msgs) != 1 || msgs[0].Type != protocol.TypeSnapshot {
				t.Fatalf("frames = %+v, want one snapshot", msgs)
			}
			var snap protocol.Snapshot
			if err := msgs[0].Into(&snap); err != nil {
				t.Fatalf("Into() error = %v", err)
			}
			if len(snap.Devices) != len(tt.wantIDs) {
				t.Fatalf("snapshot has %d devices, want %d", len(snap.Devices), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if snap.Devices[i].ID != id {
					t.Errorf("Devices[%d].ID = %q, want %q", i, snap.Devices[i].ID, id)
				}
			}
			if !c.Live() {
				t.Error("Live() = false after Register")
			}
		})
	}
}

func TestHub_EmitFiltersByVisibility(t *testing.T) {
	h, _ := testHub(t, 8)
	a := registerClient(t, h, alice)
	b := registerClient(t, h, bob)
	root := registerClient(t, h, admin)
	for _, c := range []*WSClient{a, b, root} {
		drain(t, c)
	}

	h.Emit(statusEvent("light-1", alice.UserID, 1, 40))

	if got := len(drain(t, a)); got != 1 {
		t.Errorf("owner received %d frames, want 1", got)
	}
	if got := len(drain(t, b)); got != 0 {
		t.Errorf("other user received %d frames, want 0", got)
	}
	if got := len(drain(t, root)); got != 1 {
		t.Errorf("admin received %d frames, want 1", got)
	}
}

func TestHub_EmitPreservesOrder(t *testing.T) {
	h, _ := testHub(t, 16)
	c := registerClient(t, h, alice)
	drain(t, c)

	for seq := uint64(1); seq <= 5; seq++ {
		h.Emit(statusEvent("light-1", alice.UserID, seq, int(seq)*10))
	}

	msgs := drain(t, c)
	if len(msgs) != 5 {
		t.Fatalf("received %d frames, want 5", len(msgs))
	}
	for i, msg := range msgs {
		var st protocol.Status
		if err := msg.Into(&st); err != nil {
			t.Fatalf("Into() error = %v", err)
		}
		if st.Seq != uint64(i+1) {
			t.Errorf("frame %d seq = %d, want %d", i, st.Seq, i+1)
		}
		if st.Brightness == nil || *st.Brightness != (i+1)*10 {
			t.Errorf("frame %d brightness = %v, want %d", i, st.Brightness, (i+1)*10)
		}
		if st.Locked != nil {
			t.Errorf("frame %d carries unchanged field locked", i)
		}
	}
}

func TestHub_StatusFrameCarriesOnlyChangedFields(t *testing.T) {
	h, _ := testHub(t, 8)
	c := registerClient(t, h, alice)
	drain(t, c)

	h.Emit(statusEvent("light-1", alice.UserID, 3, 75))

	msgs := drain(t, c)
	if len(msgs) != 1 {
		t.Fatalf("received %d frames, want 1", len(msgs))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msgs[0].Payload, &fields); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"deviceId", "brightness", "timestamp", "seq"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("payload missing %q: %s", key, msgs[0].Payload)
		}
	}
	if len(fields) != 4 {
		t.Errorf("payload has %d keys, want 4: %s", len(fields), msgs[0].Payload)
	}
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	h, _ := testHub(t, 2)
	slow := registerClient(t, h, alice)
	fast := registerClient(t, h, admin)

	// The snapshot occupies one slot of the slow client's queue.
	h.Emit(statusEvent("light-1", alice.UserID, 1, 10))
	drain(t, fast)
	h.Emit(statusEvent("light-1", alice.UserID, 2, 20))

	if !slow.dropped.Load() {
		t.Fatal("slow client not dropped after overflowing its queue")
	}
	if msgs := drain(t, fast); len(msgs) != 1 {
		t.Errorf("fast client received %d frames, want 1", len(msgs))
	}

	// Nothing more is queued for a dropped client.
	queued := len(slow.send)
	h.Emit(statusEvent("light-1", alice.UserID, 3, 30))
	if len(slow.send) != queued {
		t.Errorf("dropped client queue grew from %d to %d", queued, len(slow.send))
	}
}

func TestHub_Resync(t *testing.T) {
	h, reg := testHub(t, 8)
	c := registerClient(t, h, alice)
	drain(t, c)

	brightness := 5
	if _, err := reg.Apply("light-1", device.Delta{Brightness: &brightness}, time.Now().UTC()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := h.Resync(c, "r-1"); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}

	msgs := drain(t, c)
	if len(msgs) != 1 || msgs[0].Type != protocol.TypeSnapshot || msgs[0].ID != "r-1" {
		t.Fatalf("frames = %+v, want one snapshot with id r-1", msgs)
	}
	var snap protocol.Snapshot
	if err := msgs[0].Into(&snap); err != nil {
		t.Fatalf("Into() error = %v", err)
	}
	attrs, ok := snap.Devices[0].Attributes.(*device.LightAttributes)
	if !ok || attrs.Brightness != 5 {
		t.Errorf("snapshot attributes = %+v, want brightness 5", snap.Devices[0].Attributes)
	}
}

func TestHub_Notify(t *testing.T) {
	h, _ := testHub(t, 8)
	a1 := registerClient(t, h, alice)
	a2 := registerClient(t, h, alice)
	root := registerClient(t, h, admin)
	for _, c := range []*WSClient{a1, a2, root} {
		drain(t, c)
	}

	h.Notify(alice.UserID, protocol.TypeAlert, protocol.Alert{
		Kind:     protocol.AlertWater,
		Message:  "Leak detected",
		Severity: protocol.SeverityCritical,
	})

	for name, c := range map[string]*WSClient{"first": a1, "second": a2} {
		msgs := drain(t, c)
		if len(msgs) != 1 || msgs[0].Type != protocol.TypeAlert {
			t.Errorf("%s session frames = %+v, want one alert", name, msgs)
		}
	}
	if got := len(drain(t, root)); got != 0 {
		t.Errorf("admin received %d frames, want 0", got)
	}
}

func TestHub_DeviceAnnouncements(t *testing.T) {
	h, _ := testHub(t, 8)
	a := registerClient(t, h, alice)
	b := registerClient(t, h, bob)
	drain(t, a)
	drain(t, b)

	dev := device.Device{ID: "plug-1", UserID: alice.UserID, Name: "Plug", Type: device.TypeSwitch}
	h.DeviceAdded(dev)
	h.DeviceRemoved(dev)

	msgs := drain(t, a)
	if len(msgs) != 2 {
		t.Fatalf("owner received %d frames, want 2", len(msgs))
	}
	if msgs[0].Type != protocol.TypeDeviceAdded || msgs[1].Type != protocol.TypeDeviceRemoved {
		t.Errorf("frame types = %s, %s, want device_added, device_removed", msgs[0].Type, msgs[1].Type)
	}
	if got := len(drain(t, b)); got != 0 {
		t.Errorf("other user received %d frames, want 0", got)
	}
}

func TestHub_Unregister(t *testing.T) {
	h, _ := testHub(t, 8)
	c := registerClient(t, h, alice)

	h.Unregister(c)
	h.Unregister(c) // second call must not panic

	if h.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", h.ClientCount())
	}
	if c.Live() {
		t.Error("Live() = true after Unregister")
	}

	drain(t, c)
	if _, ok := <-c.send; ok {
		t.Error("send channel still open after Unregister")
	}

	// Emitting to no one is fine, and a late delivery to a closed queue is absorbed.
	h.Emit(statusEvent("light-1", alice.UserID, 1, 10))
	c.deliver([]byte(`{}`))
}

func TestHub_RunClosesAll(t *testing.T) {
	h, _ := testHub(t, 8)
	registerClient(t, h, alice)
	registerClient(t, h, bob)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", h.ClientCount())
	}
}
