package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/homesync-core/internal/alert"
	"github.com/nerrad567/homesync-core/internal/device"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// mockEmitter records emitted events.
type mockEmitter struct {
	mu      sync.Mutex
	events  []device.Event
	added   []string
	removed []string
}

func (m *mockEmitter) Emit(ev device.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *mockEmitter) DeviceAdded(dev device.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, dev.ID)
}

func (m *mockEmitter) DeviceRemoved(dev device.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, dev.ID)
}

func (m *mockEmitter) Events() []device.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]device.Event(nil), m.events...)
}

type published struct {
	deviceID string
	delta    device.Delta
}

// mockPublisher records bridge traffic.
type mockPublisher struct {
	mu        sync.Mutex
	published []published
	announced []string
	retracted []string
}

func (m *mockPublisher) Publish(deviceID string, delta device.Delta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, published{deviceID, delta})
}

func (m *mockPublisher) Announce(dev device.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announced = append(m.announced, dev.ID)
}

func (m *mockPublisher) Retract(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retracted = append(m.retracted, deviceID)
}

func (m *mockPublisher) Published() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.published...)
}

// mockPersister records persisted devices.
type mockPersister struct {
	mu         sync.Mutex
	persisted  []device.Device
	deleted    []string
	persistErr error
}

func (m *mockPersister) Persist(_ context.Context, dev device.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistErr != nil {
		return m.persistErr
	}
	m.persisted = append(m.persisted, dev)
	return nil
}

func (m *mockPersister) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	return nil
}

type mockObserver struct {
	mu      sync.Mutex
	results []device.Result
}

func (m *mockObserver) Observe(_ context.Context, res device.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
}

type fixture struct {
	registry  *device.Registry
	emitter   *mockEmitter
	publisher *mockPublisher
	store     *mockPersister
	observer  *mockObserver
	d         *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := device.NewRegistry()
	for _, dev := range []device.Device{
		{ID: "light-1", UserID: "u1", Name: "Lamp", Type: device.TypeLight, Status: device.StatusOff, LastUpdated: t0},
		{ID: "thermostat-2", UserID: "u1", Name: "Hall", Type: device.TypeThermostat, Status: device.StatusOn, LastUpdated: t0},
		{ID: "lock-1", UserID: "u1", Name: "Front", Type: device.TypeLock, Status: device.StatusIdle, LastUpdated: t0},
		{ID: "light-9", UserID: "u2", Name: "Other", Type: device.TypeLight, Status: device.StatusOff, LastUpdated: t0},
	} {
		if _, err := reg.Add(dev); err != nil {
			t.Fatalf("Add(%s) error = %v", dev.ID, err)
		}
	}

	f := &fixture{
		registry:  reg,
		emitter:   &mockEmitter{},
		publisher: &mockPublisher{},
		store:     &mockPersister{},
		observer:  &mockObserver{},
	}

	clock := t0
	var clockMu sync.Mutex
	d, err := NewDispatcher(Options{
		Registry:  reg,
		Store:     f.store,
		Emitter:   f.emitter,
		Publisher: f.publisher,
		Observers: []Observer{f.observer},
		Now: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			clock = clock.Add(time.Millisecond)
			return clock
		},
	})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	f.d = d
	return f
}

func envelope(id, cmd, value string) Envelope {
	env := Envelope{DeviceID: id, Command: cmd, UserID: "u1"}
	if value != "" {
		env.Value = json.RawMessage(value)
	}
	return env
}

func TestNewDispatcher_RequiresRegistry(t *testing.T) {
	if _, err := NewDispatcher(Options{}); err == nil {
		t.Error("NewDispatcher() error = nil, want error without registry")
	}
}

func TestDispatcher_ToggleScenario(t *testing.T) {
	f := newFixture(t)

	got, err := f.d.Handle(context.Background(), envelope("light-1", Toggle, `"on"`))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got.Status != device.StatusOn {
		t.Errorf("Handle() status = %q, want on", got.Status)
	}

	events := f.emitter.Events()
	if len(events) != 1 {
		t.Fatalf("emitted %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.DeviceID != "light-1" || ev.OwnerID != "u1" || ev.Sequence != 1 {
		t.Errorf("event = %+v", ev)
	}
	if b, _ := json.Marshal(ev.Delta); string(b) != `{"status":"on"}` {
		t.Errorf("event delta = %s, want {\"status\":\"on\"}", b)
	}

	pub := f.publisher.Published()
	if len(pub) != 1 || pub[0].deviceID != "light-1" {
		t.Fatalf("published = %+v, want one command for light-1", pub)
	}
	if b, _ := json.Marshal(pub[0].delta); string(b) != `{"status":"on"}` {
		t.Errorf("bridge delta = %s, want {\"status\":\"on\"}", b)
	}

	if len(f.store.persisted) != 1 || len(f.observer.results) != 1 {
		t.Errorf("persisted=%d observed=%d, want 1 each", len(f.store.persisted), len(f.observer.results))
	}
}

func TestDispatcher_ReadYourWrite(t *testing.T) {
	f := newFixture(t)

	if _, err := f.d.Handle(context.Background(), envelope("light-1", SetBrightness, `35`)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	dev, err := f.registry.Get("light-1")
	if err != nil {
		t.Fatal(err)
	}
	if b := dev.Attributes.(*device.LightAttributes).Brightness; b != 35 {
		t.Errorf("brightness = %d, want 35", b)
	}
}

func TestDispatcher_TemperatureOutOfRange(t *testing.T) {
	f := newFixture(t)
	before, _ := f.registry.Get("thermostat-2")

	got, err := f.d.Handle(context.Background(), envelope("thermostat-2", SetTemperature, `200`))
	if !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("Handle() error = %v, want ErrInvalidCommand", err)
	}
	if got.ID != "thermostat-2" {
		t.Errorf("rejection should carry the authoritative device, got %+v", got)
	}

	if n := len(f.emitter.Events()); n != 0 {
		t.Errorf("emitted %d events, want 0", n)
	}
	if n := len(f.publisher.Published()); n != 0 {
		t.Errorf("published %d commands, want 0", n)
	}

	after, _ := f.registry.Get("thermostat-2")
	if *after.Attributes.(*device.ThermostatAttributes) != *before.Attributes.(*device.ThermostatAttributes) ||
		after.Sequence != before.Sequence {
		t.Errorf("registry changed: before %+v after %+v", before, after)
	}
}

func TestDispatcher_InvalidCommandsLeaveRegistryUnchanged(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{"brightness 150", envelope("light-1", SetBrightness, `150`)},
		{"setColor on a lock", envelope("lock-1", SetColor, `"#FF0000"`)},
		{"unknown command", envelope("light-1", "selfDestruct", "")},
		{"malformed color", envelope("light-1", SetColor, `[1,2]`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			before := f.registry.Snapshot(nil)

			_, err := f.d.Handle(context.Background(), tt.env)
			if !errors.Is(err, ErrInvalidCommand) {
				t.Fatalf("Handle() error = %v, want ErrInvalidCommand", err)
			}

			after := f.registry.Snapshot(nil)
			a, _ := json.Marshal(before)
			b, _ := json.Marshal(after)
			if string(a) != string(b) {
				t.Errorf("registry changed:\nbefore %s\nafter  %s", a, b)
			}
			if len(f.emitter.Events()) != 0 || len(f.publisher.Published()) != 0 {
				t.Error("invalid command reached the hub or the bridge")
			}
		})
	}
}

func TestDispatcher_UnknownOrHiddenDevice(t *testing.T) {
	f := newFixture(t)

	if _, err := f.d.Handle(context.Background(), envelope("ghost", Toggle, "")); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("Handle(ghost) error = %v, want ErrDeviceNotFound", err)
	}

	// light-9 belongs to u2.
	if _, err := f.d.Handle(context.Background(), envelope("light-9", Toggle, "")); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("Handle(other user's device) error = %v, want ErrDeviceNotFound", err)
	}

	admin := envelope("light-9", Toggle, "")
	admin.Viewer = allSeeing{}
	if _, err := f.d.Handle(context.Background(), admin); err != nil {
		t.Errorf("Handle() with admin viewer error = %v", err)
	}
}

type allSeeing struct{}

func (allSeeing) CanSee(string) bool { return true }

func TestDispatcher_NoOpIsPublishedButNotBroadcast(t *testing.T) {
	f := newFixture(t)

	got, err := f.d.Handle(context.Background(), envelope("light-1", Toggle, `"off"`))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got.Sequence != 0 {
		t.Errorf("sequence = %d, want 0", got.Sequence)
	}
	if n := len(f.emitter.Events()); n != 0 {
		t.Errorf("emitted %d events for a no-op, want 0", n)
	}
	if n := len(f.publisher.Published()); n != 1 {
		t.Errorf("published %d commands, want 1", n)
	}
	if len(f.store.persisted) != 0 {
		t.Errorf("persisted %d devices for a no-op, want 0", len(f.store.persisted))
	}
}

func TestDispatcher_ConcurrentCommandsAreSerialisable(t *testing.T) {
	f := newFixture(t)

	const n = 40
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env := envelope("light-1", SetBrightness, "")
			env.Value, _ = json.Marshal(i)
			env.ReceivedAt = t0.Add(time.Duration(i) * time.Second)
			if _, err := f.d.Handle(context.Background(), env); err != nil {
				t.Errorf("Handle(%d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	dev, _ := f.registry.Get("light-1")
	if b := dev.Attributes.(*device.LightAttributes).Brightness; b != n {
		t.Errorf("brightness = %d, want %d (latest receipt time)", b, n)
	}

	// Events reach the hub in strictly increasing device sequence.
	var last uint64
	for _, ev := range f.emitter.Events() {
		if ev.Sequence <= last {
			t.Fatalf("event sequence %d after %d", ev.Sequence, last)
		}
		last = ev.Sequence
	}
	if last != dev.Sequence {
		t.Errorf("last emitted sequence = %d, registry sequence = %d", last, dev.Sequence)
	}
	if f.d.locks.size() != 0 {
		t.Errorf("keyed mutex still holds %d keys", f.d.locks.size())
	}
}

func TestDispatcher_HandleReport(t *testing.T) {
	f := newFixture(t)
	temp := 68.0

	got, err := f.d.HandleReport(context.Background(), "thermostat-2", device.Report{
		Delta: device.Delta{CurrentTemperature: &temp},
	})
	if err != nil {
		t.Fatalf("HandleReport() error = %v", err)
	}
	if got.Attributes.(*device.ThermostatAttributes).CurrentTemperature != 68 {
		t.Errorf("currentTemperature = %v, want 68", got.Attributes)
	}
	if len(f.emitter.Events()) != 1 {
		t.Errorf("emitted %d events, want 1", len(f.emitter.Events()))
	}
	if len(f.publisher.Published()) != 0 {
		t.Error("report was published back to the bridge")
	}

	bad := 10
	if _, err := f.d.HandleReport(context.Background(), "thermostat-2", device.Report{
		Delta: device.Delta{Brightness: &bad},
	}); !errors.Is(err, device.ErrFieldNotApplicable) {
		t.Errorf("HandleReport(brightness on thermostat) error = %v, want ErrFieldNotApplicable", err)
	}
}

func TestDispatcher_PersistFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.store.persistErr = errors.New("disk full")

	if _, err := f.d.Handle(context.Background(), envelope("light-1", Toggle, "")); err != nil {
		t.Fatalf("Handle() error = %v, want nil when persistence fails", err)
	}
	if len(f.emitter.Events()) != 1 {
		t.Error("change was not broadcast")
	}
}

func TestDispatcher_ProvisionAndDeprovision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	added, err := f.d.Provision(ctx, device.Device{ID: "spk-1", UserID: "u1", Name: "Kitchen", Type: device.TypeSpeaker})
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if added.Attributes.(*device.SpeakerAttributes).Volume != 50 {
		t.Errorf("default volume = %v, want 50", added.Attributes)
	}
	if len(f.emitter.added) != 1 || len(f.publisher.announced) != 1 || len(f.store.persisted) != 1 {
		t.Errorf("provision side effects: added=%v announced=%v persisted=%d",
			f.emitter.added, f.publisher.announced, len(f.store.persisted))
	}

	if _, err := f.d.Provision(ctx, added); !errors.Is(err, device.ErrDeviceExists) {
		t.Errorf("Provision(duplicate) error = %v, want ErrDeviceExists", err)
	}

	if _, err := f.d.Deprovision(ctx, "spk-1", ownerOnly("u2")); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("Deprovision(other user) error = %v, want ErrDeviceNotFound", err)
	}
	if _, err := f.d.Deprovision(ctx, "spk-1", ownerOnly("u1")); err != nil {
		t.Fatalf("Deprovision() error = %v", err)
	}
	if f.registry.Count() != 4 {
		t.Errorf("Count() = %d, want 4", f.registry.Count())
	}
	if len(f.emitter.removed) != 1 || len(f.publisher.retracted) != 1 || len(f.store.deleted) != 1 {
		t.Errorf("deprovision side effects: removed=%v retracted=%v deleted=%v",
			f.emitter.removed, f.publisher.retracted, f.store.deleted)
	}
}

func TestDispatcher_ProvisionRollsBackOnStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.persistErr = errors.New("disk full")

	if _, err := f.d.Provision(context.Background(), device.Device{ID: "spk-1", UserID: "u1", Name: "K", Type: device.TypeSpeaker}); err == nil {
		t.Fatal("Provision() error = nil, want store error")
	}
	if _, err := f.registry.Get("spk-1"); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("device left in registry after failed provision: %v", err)
	}
}

func TestDispatcher_Update(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	name := "Bedside"

	if _, err := f.d.Update(ctx, "light-1", device.Metadata{Name: &name}, ownerOnly("u2")); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("Update(other user) error = %v, want ErrDeviceNotFound", err)
	}

	got, err := f.d.Update(ctx, "light-1", device.Metadata{Name: &name}, ownerOnly("u1"))
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got.Name != name || got.Sequence != 0 {
		t.Errorf("device = %+v, want renamed with sequence 0", got)
	}
	if len(f.emitter.added) != 1 || len(f.publisher.announced) != 1 || len(f.store.persisted) != 1 {
		t.Errorf("update side effects: added=%v announced=%v persisted=%d",
			f.emitter.added, f.publisher.announced, len(f.store.persisted))
	}
	if len(f.emitter.Events()) != 0 {
		t.Error("metadata change was broadcast as a state change")
	}
}

func TestDispatcher_UpdateRollsBackOnStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.persistErr = errors.New("disk full")
	name := "Bedside"

	if _, err := f.d.Update(context.Background(), "light-1", device.Metadata{Name: &name}, nil); err == nil {
		t.Fatal("Update() error = nil, want store error")
	}
	dev, _ := f.registry.Get("light-1")
	if dev.Name != "Lamp" {
		t.Errorf("name = %q after failed update, want Lamp", dev.Name)
	}
}

type ownerOnly string

func (o ownerOnly) CanSee(owner string) bool { return string(o) == owner }

func TestDispatcher_StaleCommandIsNotPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	later := envelope("light-1", SetBrightness, "80")
	later.ReceivedAt = t0.Add(2 * time.Second)
	earlier := envelope("light-1", SetBrightness, "20")
	earlier.ReceivedAt = t0.Add(time.Second)

	// The later command wins the lock first.
	if _, err := f.d.Handle(ctx, later); err != nil {
		t.Fatalf("Handle(later) error = %v", err)
	}
	got, err := f.d.Handle(ctx, earlier)
	if err != nil {
		t.Fatalf("Handle(earlier) error = %v", err)
	}
	if b := got.Attributes.(*device.LightAttributes).Brightness; b != 80 {
		t.Errorf("brightness = %d, want 80", b)
	}

	pubs := f.publisher.Published()
	if len(pubs) != 1 {
		t.Fatalf("published %d commands, want 1", len(pubs))
	}
	last := pubs[len(pubs)-1].delta
	if last.Brightness == nil || *last.Brightness != 80 {
		t.Errorf("last published brightness = %v, want 80", last.Brightness)
	}
}

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *countingNotifier) Notify(string, string, any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
}

func TestDispatcher_ReprovisionedDeviceAlertsAgain(t *testing.T) {
	reg := device.NewRegistry()
	notifier := &countingNotifier{}
	engine := alert.NewEngine(alert.Config{EnergyThreshold: 1000}, notifier, nil, nil)
	d, err := NewDispatcher(Options{Registry: reg, Observers: []Observer{engine}})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	ctx := context.Background()
	sw := device.Device{ID: "switch-1", UserID: "u1", Name: "Heater", Type: device.TypeSwitch}

	highUsage := func(at time.Time) {
		t.Helper()
		w := 1500.0
		if _, err := d.HandleReport(ctx, sw.ID, device.Report{
			Delta:      device.Delta{EnergyUsage: &w},
			ReceivedAt: at,
		}); err != nil {
			t.Fatalf("HandleReport() error = %v", err)
		}
	}

	if _, err := d.Provision(ctx, sw); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	highUsage(t0.Add(time.Second))

	if _, err := d.Deprovision(ctx, sw.ID, nil); err != nil {
		t.Fatalf("Deprovision() error = %v", err)
	}
	if _, err := d.Provision(ctx, sw); err != nil {
		t.Fatalf("Provision(again) error = %v", err)
	}
	highUsage(t0.Add(2 * time.Second))

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.count != 2 {
		t.Errorf("energy alerts = %d, want 2 (one per provisioning)", notifier.count)
	}
}
