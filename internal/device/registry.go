package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// entry is a registered device plus the time each field was last written.
type entry struct {
	dev    *Device
	stamps map[Field]time.Time
}

// Registry is the authoritative in-memory map of device ID to state.
//
// All public methods are thread-safe. Callers that need a read-modify-write
// sequence across Apply and the following broadcast must serialise per
// device themselves; the command dispatcher does this with a keyed mutex.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*entry
	logger  Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*entry),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Add provisions a new device. Missing attributes are filled with the
// type's defaults and a missing status becomes "off".
// Returns ErrDeviceExists if the ID is already registered.
func (r *Registry) Add(dev Device) (Device, error) {
	normalise(&dev)
	if err := dev.Validate(); err != nil {
		return Device{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[dev.ID]; ok {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceExists, dev.ID)
	}
	r.devices[dev.ID] = newEntry(dev.DeepCopy())

	r.logger.Info("device provisioned", "device_id", dev.ID, "type", dev.Type, "user_id", dev.UserID)
	return *dev.DeepCopy(), nil
}

// Remove deprovisions a device and returns its last state.
func (r *Registry) Remove(id string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	delete(r.devices, id)

	r.logger.Info("device removed", "device_id", id)
	return *e.dev, nil
}

// SetMetadata changes a device's name or room. Metadata is not state, so the
// sequence and LastUpdated are untouched.
func (r *Registry) SetMetadata(id string, m Metadata) (Device, error) {
	if m.Name != nil && *m.Name == "" {
		return Device{}, fmt.Errorf("%w: name is required", ErrInvalidDevice)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if m.Name != nil {
		e.dev.Name = *m.Name
	}
	if m.RoomID != nil {
		e.dev.RoomID = *m.RoomID
	}
	return *e.dev.DeepCopy(), nil
}

// Load fetches the devices of userID (all users when empty) from store and
// registers them, replacing any in-memory copy with the same ID. Records
// that fail validation are skipped and logged.
func (r *Registry) Load(ctx context.Context, store Store, userID string) (int, error) {
	devices, err := store.Load(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("loading devices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for i := range devices {
		dev := devices[i]
		normalise(&dev)
		if err := dev.Validate(); err != nil {
			r.logger.Warn("skipping invalid stored device", "device_id", dev.ID, "error", err)
			continue
		}
		r.devices[dev.ID] = newEntry(dev.DeepCopy())
		loaded++
	}

	r.logger.Info("devices loaded", "count", loaded, "user_id", userID)
	return loaded, nil
}

// Get returns a copy of the device.
func (r *Registry) Get(id string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return *e.dev.DeepCopy(), nil
}

// List returns copies of all devices ordered by ID.
func (r *Registry) List() []Device {
	return r.Snapshot(nil)
}

// Snapshot returns copies of every device v may see, ordered by ID.
// A nil Viewer sees everything.
func (r *Registry) Snapshot(v Viewer) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, e := range r.devices {
		if v != nil && !v.CanSee(e.dev.UserID) {
			continue
		}
		out = append(out, *e.dev.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Apply merges delta into the device's state as of time at.
//
// Only fields present in delta are touched. A field whose last write is
// later than at is left alone (last write wins per field), so disjoint
// fields from concurrent commands both survive. When at least one value
// changes the sequence is incremented; LastUpdated advances to at either way.
//
// Returns ErrDeviceNotFound for unknown IDs and ErrFieldNotApplicable or
// ErrValueOutOfRange for deltas that do not fit the type; in those cases the
// device is unchanged.
func (r *Registry) Apply(id string, delta Delta, at time.Time) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[id]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if err := ValidateDelta(e.dev.Type, delta); err != nil {
		return Result{}, err
	}

	accepted := make(map[Field]bool)
	keep := func(f Field) bool {
		if last, seen := e.stamps[f]; seen && last.After(at) {
			return false
		}
		e.stamps[f] = at
		accepted[f] = true
		return true
	}

	eff := applyDelta(e.dev, delta, keep)
	changed := !eff.IsEmpty()
	if changed {
		e.dev.Sequence++
	}
	if at.After(e.dev.LastUpdated) {
		e.dev.LastUpdated = at
	}

	if !changed {
		r.logger.Debug("no-op apply", "device_id", id)
	}

	return Result{
		Device:   *e.dev.DeepCopy(),
		Delta:    eff,
		Accepted: delta.Only(accepted),
		Changed:  changed,
	}, nil
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Stats returns device counts by type and status.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Total:    len(r.devices),
		ByType:   make(map[Type]int),
		ByStatus: make(map[Status]int),
	}
	for _, e := range r.devices {
		s.ByType[e.dev.Type]++
		s.ByStatus[e.dev.Status]++
	}
	return s
}

func newEntry(dev *Device) *entry {
	return &entry{dev: dev, stamps: make(map[Field]time.Time)}
}

func normalise(dev *Device) {
	if dev.Attributes == nil {
		dev.Attributes = NewAttributes(dev.Type)
	}
	if dev.Status == "" {
		dev.Status = StatusOff
	}
	if dev.LastUpdated.IsZero() {
		dev.LastUpdated = time.Now().UTC()
	}
}
