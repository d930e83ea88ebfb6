package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/homesync-core/internal/device"
)

// Logger defines the logging interface used by the Dispatcher.
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

// Emitter fans state changes out to live sessions.
// This interface is satisfied by *api.Hub.
type Emitter interface {
	// Emit broadcasts a state change. It must not block on slow sessions.
	Emit(ev device.Event)

	// DeviceAdded announces a newly provisioned device.
	DeviceAdded(dev device.Device)

	// DeviceRemoved announces a deprovisioned device.
	DeviceRemoved(dev device.Device)
}

// Publisher forwards commands to hardware.
// This interface is satisfied by *bridge.Bridge.
type Publisher interface {
	// Publish queues delta for deviceID and returns immediately.
	Publish(deviceID string, delta device.Delta)

	// Announce publishes discovery metadata for dev.
	Announce(dev device.Device)

	// Retract withdraws discovery metadata for deviceID.
	Retract(deviceID string)
}

// Persister saves device records. device.Store satisfies it.
type Persister interface {
	Persist(ctx context.Context, dev device.Device) error
	Delete(ctx context.Context, id string) error
}

// Observer is told about every successful apply that changed something.
// Alert rules and telemetry implement it.
type Observer interface {
	Observe(ctx context.Context, res device.Result)
}

// Forgetter is an Observer that keeps per-device state. Forget is called
// when the device is deprovisioned.
type Forgetter interface {
	Forget(deviceID string)
}

// Options holds the collaborators for a Dispatcher.
type Options struct {
	// Registry is the authoritative device state. Required.
	Registry *device.Registry

	// Store persists devices after each change. Optional.
	Store Persister

	// Emitter broadcasts changes. Optional.
	Emitter Emitter

	// Publisher forwards commands to hardware. Optional.
	Publisher Publisher

	// Observers are notified after each effective change.
	Observers []Observer

	// Limits bound configurable command values. Zero means DefaultLimits.
	Limits Limits

	// Now overrides the clock used for ReceivedAt. Defaults to time.Now.
	Now func() time.Time

	// Logger is optional structured logger.
	Logger Logger
}

// Dispatcher validates commands and reports and applies them to the registry.
//
// Thread Safety: All methods are safe for concurrent use. Work on one device
// is serialised; work on different devices runs in parallel.
type Dispatcher struct {
	registry  *device.Registry
	store     Persister
	emitter   Emitter
	publisher Publisher
	observers []Observer
	limits    Limits
	now       func() time.Time
	locks     *keyedMutex
	logger    Logger
}

// NewDispatcher creates a dispatcher from opts.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	d := &Dispatcher{
		registry:  opts.Registry,
		store:     opts.Store,
		emitter:   opts.Emitter,
		publisher: opts.Publisher,
		observers: opts.Observers,
		limits:    opts.Limits,
		now:       opts.Now,
		locks:     newKeyedMutex(),
		logger:    opts.Logger,
	}
	if d.limits == (Limits{}) {
		d.limits = DefaultLimits()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.logger == nil {
		d.logger = noopLogger{}
	}
	return d, nil
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// Limits returns the command limits in force.
func (d *Dispatcher) Limits() Limits {
	return d.limits
}

// Handle validates and applies one command.
//
// On success it returns the device state after the apply. A device the caller
// may not see is reported as device.ErrDeviceNotFound. Validation failures
// wrap ErrInvalidCommand and return the current authoritative state alongside
// the error so the caller can revert an optimistic update.
func (d *Dispatcher) Handle(ctx context.Context, env Envelope) (device.Device, error) {
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = d.now().UTC()
	}

	unlock := d.locks.Lock(env.DeviceID)
	defer unlock()

	dev, err := d.registry.Get(env.DeviceID)
	if err != nil {
		return device.Device{}, err
	}
	if !env.canSee(dev.UserID) {
		return device.Device{}, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, env.DeviceID)
	}

	delta, err := Translate(dev, env.Command, env.Value, d.limits)
	if err != nil {
		d.logger.Debug("command rejected",
			"device_id", env.DeviceID,
			"command", env.Command,
			"session_id", env.SessionID,
			"error", err)
		return dev, err
	}

	res, err := d.registry.Apply(env.DeviceID, delta, env.ReceivedAt)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return device.Device{}, err
		}
		return dev, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}

	d.commit(ctx, res)

	// Accepted fields go to hardware even when the registry already held
	// these values, so a device that drifted is brought back in line.
	// Fields a later write already owns are not sent.
	if d.publisher != nil && !res.Accepted.IsEmpty() {
		d.publisher.Publish(env.DeviceID, res.Accepted)
	}

	d.logger.Info("command applied",
		"device_id", env.DeviceID,
		"command", env.Command,
		"user_id", env.UserID,
		"seq", env.Sequence,
		"changed", res.Changed,
		"device_seq", res.Device.Sequence)

	return res.Device, nil
}

// HandleReport applies a hardware report. It shares the per-device ordering
// of Handle but never publishes back to the bridge.
func (d *Dispatcher) HandleReport(ctx context.Context, deviceID string, r device.Report) (device.Device, error) {
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = d.now().UTC()
	}

	unlock := d.locks.Lock(deviceID)
	defer unlock()

	res, err := d.registry.Apply(deviceID, r.Delta, r.ReceivedAt)
	if err != nil {
		d.logger.Warn("report rejected", "device_id", deviceID, "error", err)
		return device.Device{}, err
	}

	d.commit(ctx, res)

	d.logger.Debug("report applied",
		"device_id", deviceID,
		"changed", res.Changed,
		"device_seq", res.Device.Sequence)

	return res.Device, nil
}

// Provision registers a new device, persists it and announces it.
func (d *Dispatcher) Provision(ctx context.Context, dev device.Device) (device.Device, error) {
	unlock := d.locks.Lock(dev.ID)
	defer unlock()

	added, err := d.registry.Add(dev)
	if err != nil {
		return device.Device{}, err
	}

	if d.store != nil {
		if err := d.store.Persist(ctx, added); err != nil {
			// Without a stored record the device would vanish on restart.
			_, _ = d.registry.Remove(added.ID)
			return device.Device{}, fmt.Errorf("persisting new device: %w", err)
		}
	}
	if d.emitter != nil {
		d.emitter.DeviceAdded(added)
	}
	if d.publisher != nil {
		d.publisher.Announce(added)
	}
	return added, nil
}

// Update changes the name or room of a device the viewer can see, persists
// it and re-announces it. State and sequence are untouched.
func (d *Dispatcher) Update(ctx context.Context, id string, m device.Metadata, v device.Viewer) (device.Device, error) {
	unlock := d.locks.Lock(id)
	defer unlock()

	prev, err := d.registry.Get(id)
	if err != nil {
		return device.Device{}, err
	}
	if v != nil && !v.CanSee(prev.UserID) {
		return device.Device{}, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)
	}

	updated, err := d.registry.SetMetadata(id, m)
	if err != nil {
		return device.Device{}, err
	}

	if d.store != nil {
		if err := d.store.Persist(ctx, updated); err != nil {
			_, _ = d.registry.SetMetadata(id, device.Metadata{Name: &prev.Name, RoomID: &prev.RoomID})
			return device.Device{}, fmt.Errorf("persisting device: %w", err)
		}
	}
	if d.emitter != nil {
		d.emitter.DeviceAdded(updated)
	}
	if d.publisher != nil {
		d.publisher.Announce(updated)
	}

	d.logger.Info("device updated", "device_id", id, "name", updated.Name, "room_id", updated.RoomID)
	return updated, nil
}

// Deprovision removes a device the viewer can see.
func (d *Dispatcher) Deprovision(ctx context.Context, id string, v device.Viewer) (device.Device, error) {
	unlock := d.locks.Lock(id)
	defer unlock()

	dev, err := d.registry.Get(id)
	if err != nil {
		return device.Device{}, err
	}
	if v != nil && !v.CanSee(dev.UserID) {
		return device.Device{}, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)
	}

	if d.store != nil {
		if err := d.store.Delete(ctx, id); err != nil {
			return device.Device{}, fmt.Errorf("deleting device: %w", err)
		}
	}
	removed, err := d.registry.Remove(id)
	if err != nil {
		return device.Device{}, err
	}

	for _, o := range d.observers {
		if f, ok := o.(Forgetter); ok {
			f.Forget(id)
		}
	}
	if d.emitter != nil {
		d.emitter.DeviceRemoved(removed)
	}
	if d.publisher != nil {
		d.publisher.Retract(id)
	}
	return removed, nil
}

// commit broadcasts, persists and observes an applied result. Callers hold
// the device lock so emitted sequences reach the hub in order.
func (d *Dispatcher) commit(ctx context.Context, res device.Result) {
	if !res.Changed {
		return
	}

	if d.emitter != nil {
		d.emitter.Emit(device.EventFrom(res))
	}

	if d.store != nil {
		if err := d.store.Persist(ctx, res.Device); err != nil {
			d.logger.Error("failed to persist device", "device_id", res.Device.ID, "error", err)
		}
	}

	for _, o := range d.observers {
		o.Observe(ctx, res)
	}
}
