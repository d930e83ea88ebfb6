package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/homesync-core/internal/device"
	"github.com/nerrad567/homesync-core/internal/protocol"
)

// Config holds rule thresholds.
type Config struct {
	// EnergyThreshold is the energy usage (watts) above which an energy alert fires.
	EnergyThreshold float64

	// LowBatteryPercent is the lock battery level below which a security alert fires.
	LowBatteryPercent int
}

// Notifier delivers a message to one user's live sessions.
// This interface is satisfied by *api.Hub.
type Notifier interface {
	Notify(userID, msgType string, payload any)
}

// Recorder appends alerts to a durable log. Optional.
type Recorder interface {
	Append(ctx context.Context, a protocol.Alert) error
}

// Logger defines the logging interface used by the Engine.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Engine evaluates alert rules.
//
// Thread Safety: Observe and Evaluate are safe for concurrent use.
type Engine struct {
	cfg      Config
	notifier Notifier
	recorder Recorder
	now      func() time.Time
	logger   Logger

	mu         sync.Mutex
	energyHigh map[string]bool
	batteryLow map[string]bool
}

// NewEngine creates an alert engine.
//
// Parameters:
//   - cfg: Rule thresholds
//   - notifier: Session delivery (may be nil)
//   - recorder: Event log (may be nil)
//   - logger: Logger instance (may be nil)
func NewEngine(cfg Config, notifier Notifier, recorder Recorder, logger Logger) *Engine {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Engine{
		cfg:        cfg,
		notifier:   notifier,
		recorder:   recorder,
		now:        time.Now,
		logger:     logger,
		energyHigh: make(map[string]bool),
		batteryLow: make(map[string]bool),
	}
}

// Observe evaluates res and delivers any alerts it raises.
func (e *Engine) Observe(ctx context.Context, res device.Result) {
	for _, a := range e.Evaluate(res) {
		e.logger.Info("alert raised", "kind", a.Kind, "device_id", a.DeviceID, "severity", a.Severity)

		if e.notifier != nil {
			e.notifier.Notify(a.UserID, protocol.TypeAlert, a)
		}
		if e.recorder != nil {
			if err := e.recorder.Append(ctx, a); err != nil {
				e.logger.Warn("failed to record alert", "device_id", a.DeviceID, "error", err)
			}
		}
	}
}

// Evaluate returns the alerts raised by res. Only fields in the effective
// delta are considered, so an unchanged value never re-fires.
func (e *Engine) Evaluate(res device.Result) []protocol.Alert {
	dev := res.Device
	d := res.Delta
	var out []protocol.Alert

	raise := func(kind, severity, format string, args ...any) {
		out = append(out, protocol.Alert{
			Kind:      kind,
			Message:   fmt.Sprintf(format, args...),
			Severity:  severity,
			DeviceID:  dev.ID,
			UserID:    dev.UserID,
			Timestamp: e.now().UTC(),
		})
	}

	if d.MotionDetected != nil && *d.MotionDetected &&
		(dev.Type == device.TypeCamera || dev.Type == device.TypeSensor) {
		raise(protocol.AlertSecurity, protocol.SeverityWarning, "Motion detected by %s", dev.Name)
	}

	if d.LeakDetected != nil && *d.LeakDetected {
		raise(protocol.AlertWater, protocol.SeverityCritical, "Water leak detected by %s", dev.Name)
	}

	if d.EnergyUsage != nil && e.cfg.EnergyThreshold > 0 {
		high := *d.EnergyUsage > e.cfg.EnergyThreshold
		if e.crossed(e.energyHigh, dev.ID, high) {
			raise(protocol.AlertEnergy, protocol.SeverityWarning,
				"%s is using %.0f W, above the %.0f W threshold", dev.Name, *d.EnergyUsage, e.cfg.EnergyThreshold)
		}
	}

	if d.BatteryLevel != nil && dev.Type == device.TypeLock && e.cfg.LowBatteryPercent > 0 {
		low := *d.BatteryLevel < e.cfg.LowBatteryPercent
		if e.crossed(e.batteryLow, dev.ID, low) {
			raise(protocol.AlertSecurity, protocol.SeverityWarning,
				"%s battery is at %d%%", dev.Name, *d.BatteryLevel)
		}
	}

	return out
}

// crossed records the new condition for id and reports whether it just
// became true.
func (e *Engine) crossed(state map[string]bool, id string, now bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	was := state[id]
	state[id] = now
	return now && !was
}

// Forget drops threshold state for a removed device.
func (e *Engine) Forget(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.energyHigh, deviceID)
	delete(e.batteryLow, deviceID)
}
