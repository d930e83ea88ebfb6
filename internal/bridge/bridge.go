package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/homesync-core/internal/backoff"
	"github.com/nerrad567/homesync-core/internal/device"
	"github.com/nerrad567/homesync-core/internal/infrastructure/mqtt"
)

// Defaults applied when Config fields are zero.
const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// Transport is the MQTT surface the bridge needs.
// This interface is satisfied by *mqtt.Client.
type Transport interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// Unsubscribe removes a handler registered with Subscribe.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// Logger defines the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config controls delivery.
type Config struct {
	// Workers is the number of delivery goroutines. Commands for one device
	// always land on the same worker.
	Workers int

	// QueueSize is the buffered capacity of each worker's queue.
	QueueSize int

	// Retry is the per-command retry schedule.
	Retry backoff.Policy

	// QoS is the MQTT QoS used for commands and subscriptions.
	QoS byte
}

// DeliveryFailure describes a command that never reached the broker.
type DeliveryFailure struct {
	DeviceID string
	Command  device.Delta
	Attempts int
	Err      error
}

func (f DeliveryFailure) Error() string {
	return fmt.Sprintf("device %s: %d attempts: %v", f.DeviceID, f.Attempts, f.Err)
}

func (f DeliveryFailure) Unwrap() error { return f.Err }

// Stats are counters for the health endpoint.
type Stats struct {
	Connected  bool   `json:"connected"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
	Reports    uint64 `json:"reports"`
	QueueDepth int    `json:"queue_depth"`
}

// job is one outbound message. Command jobs report failures; discovery
// jobs only log them.
type job struct {
	deviceID string
	topic    string
	payload  []byte
	retained bool
	command  *device.Delta
}

// Options holds everything needed to create a Bridge.
type Options struct {
	Config    Config
	Transport Transport

	// OnReport receives inbound hardware reports. Optional.
	OnReport func(deviceID string, r device.Report)

	// OnDeliveryFailure receives commands that exhausted their retries. Optional.
	OnDeliveryFailure func(f DeliveryFailure)

	// Logger is optional structured logger.
	Logger Logger

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Bridge delivers commands to hardware and turns hardware messages into reports.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg       Config
	transport Transport
	queues    []chan job
	now       func() time.Time
	topics    mqtt.Topics

	subMu      sync.Mutex
	subscribed []string

	callbackMu sync.RWMutex
	onReport   func(deviceID string, r device.Report)
	onFailure  func(f DeliveryFailure)

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	reports   atomic.Uint64

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a bridge. Call Start to begin delivery and subscriptions.
func New(opts Options) (*Bridge, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	cfg := opts.Config
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid QoS %d", cfg.QoS)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:       cfg,
		transport: opts.Transport,
		queues:    make([]chan job, cfg.Workers),
		now:       opts.Now,
		onReport:  opts.OnReport,
		onFailure: opts.OnDeliveryFailure,
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: cancel,
		logger:    opts.Logger,
	}
	for i := range b.queues {
		b.queues[i] = make(chan job, cfg.QueueSize)
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b, nil
}

// Start subscribes to device status and sensor topics and starts the
// delivery workers. The context is only used for the initial subscriptions;
// use Stop to shut down.
func (b *Bridge) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, topic := range []string{b.topics.AllDeviceStatus(), b.topics.AllDeviceSensors()} {
		if err := b.transport.Subscribe(topic, b.cfg.QoS, b.handleMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		b.subMu.Lock()
		b.subscribed = append(b.subscribed, topic)
		b.subMu.Unlock()
		b.logInfo("subscribed to device reports", "topic", topic)
	}

	b.startOnce.Do(func() {
		for i, q := range b.queues {
			b.wg.Add(1)
			go b.worker(i, q)
		}
	})

	b.logInfo("bridge started", "workers", b.cfg.Workers, "queue_size", b.cfg.QueueSize)
	return nil
}

// Stop drops the report subscriptions, aborts in-flight retries and waits
// for the workers to exit. Queued commands that were not yet delivered are
// discarded.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.subMu.Lock()
		topics := b.subscribed
		b.subscribed = nil
		b.subMu.Unlock()
		for _, topic := range topics {
			if err := b.transport.Unsubscribe(topic); err != nil {
				b.logWarn("unsubscribe failed", "topic", topic, "error", err)
			}
		}

		close(b.done)
		b.ctxCancel()
		b.wg.Wait()
		b.logInfo("bridge stopped")
	})
}

// SetOnReport sets the inbound report callback.
func (b *Bridge) SetOnReport(fn func(deviceID string, r device.Report)) {
	b.callbackMu.Lock()
	defer b.callbackMu.Unlock()
	b.onReport = fn
}

// SetOnDeliveryFailure sets the delivery failure callback.
func (b *Bridge) SetOnDeliveryFailure(fn func(f DeliveryFailure)) {
	b.callbackMu.Lock()
	defer b.callbackMu.Unlock()
	b.onFailure = fn
}

// Publish queues delta for deviceID and returns immediately. If the device's
// queue is full or the bridge is stopped the command is dropped and reported
// as a delivery failure.
func (b *Bridge) Publish(deviceID string, delta device.Delta) {
	payload, err := json.Marshal(CommandMessage{Command: delta, Timestamp: b.now().UTC()})
	if err != nil {
		b.fail(DeliveryFailure{DeviceID: deviceID, Command: delta, Err: fmt.Errorf("%w: %w", ErrDeliveryFailure, err)})
		return
	}

	cmd := delta
	b.enqueue(job{
		deviceID: deviceID,
		topic:    b.topics.DeviceCommand(deviceID),
		payload:  payload,
		command:  &cmd,
	})
}

// Announce publishes a retained discovery record for dev.
func (b *Bridge) Announce(dev device.Device) {
	payload, err := json.Marshal(newDiscoveryMessage(dev))
	if err != nil {
		b.logError("failed to encode discovery record", err)
		return
	}
	b.enqueue(job{deviceID: dev.ID, topic: b.topics.Discovery(dev.ID), payload: payload, retained: true})
}

// Retract clears the retained discovery record for deviceID.
func (b *Bridge) Retract(deviceID string) {
	b.enqueue(job{deviceID: deviceID, topic: b.topics.Discovery(deviceID), payload: []byte{}, retained: true})
}

// Stats returns delivery counters.
func (b *Bridge) Stats() Stats {
	depth := 0
	for _, q := range b.queues {
		depth += len(q)
	}
	return Stats{
		Connected:  b.transport.IsConnected(),
		Delivered:  b.delivered.Load(),
		Failed:     b.failed.Load(),
		Dropped:    b.dropped.Load(),
		Reports:    b.reports.Load(),
		QueueDepth: depth,
	}
}

func (b *Bridge) enqueue(j job) {
	select {
	case <-b.done:
		b.reject(j, ErrStopped)
		return
	default:
	}

	select {
	case b.queues[b.shard(j.deviceID)] <- j:
	default:
		b.reject(j, ErrQueueFull)
	}
}

func (b *Bridge) reject(j job, reason error) {
	b.dropped.Add(1)
	if j.command == nil {
		b.logWarn("discovery record dropped", "device_id", j.deviceID, "reason", reason)
		return
	}
	b.fail(DeliveryFailure{
		DeviceID: j.deviceID,
		Command:  *j.command,
		Err:      fmt.Errorf("%w: %w", ErrDeliveryFailure, reason),
	})
}

// shard maps a device ID to a worker index.
func (b *Bridge) shard(deviceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(len(b.queues))) //nolint:gosec // worker count is small and positive
}

func (b *Bridge) worker(id int, q <-chan job) {
	defer b.wg.Done()
	b.logDebug("bridge worker started", "worker", id)

	for {
		select {
		case <-b.done:
			return
		case j := <-q:
			b.deliver(j)
		}
	}
}

func (b *Bridge) deliver(j job) {
	attempts, err := backoff.Retry(b.ctx, b.cfg.Retry, func(int) error {
		err := b.transport.Publish(j.topic, j.payload, b.cfg.QoS, j.retained)
		if errors.Is(err, mqtt.ErrInvalidTopic) || errors.Is(err, mqtt.ErrInvalidQoS) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err == nil {
		b.delivered.Add(1)
		b.logDebug("delivered", "device_id", j.deviceID, "topic", j.topic, "attempts", attempts)
		return
	}

	b.failed.Add(1)
	if j.command == nil {
		b.logWarn("discovery publish failed", "device_id", j.deviceID, "error", err)
		return
	}
	b.fail(DeliveryFailure{
		DeviceID: j.deviceID,
		Command:  *j.command,
		Attempts: attempts,
		Err:      fmt.Errorf("%w: %w", ErrDeliveryFailure, err),
	})
}

func (b *Bridge) fail(f DeliveryFailure) {
	b.logWarn("command delivery failed",
		"device_id", f.DeviceID,
		"attempts", f.Attempts,
		"error", f.Err)

	b.callbackMu.RLock()
	fn := b.onFailure
	b.callbackMu.RUnlock()
	if fn != nil {
		fn(f)
	}
}

// handleMessage processes one inbound MQTT message.
func (b *Bridge) handleMessage(topic string, payload []byte) error {
	deviceID, kind, ok := mqtt.ParseDeviceTopic(topic)
	if !ok || kind == mqtt.KindCommand {
		return nil
	}

	delta, reportedAt, err := decodeReport(kind, payload)
	if err != nil {
		return fmt.Errorf("device %s: %w", deviceID, err)
	}
	b.reports.Add(1)

	b.callbackMu.RLock()
	fn := b.onReport
	b.callbackMu.RUnlock()
	if fn == nil {
		b.logDebug("report ignored, no handler", "device_id", deviceID)
		return nil
	}

	fn(deviceID, device.Report{
		Delta:      delta,
		ReceivedAt: b.now().UTC(),
		ReportedAt: reportedAt,
	})
	return nil
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
