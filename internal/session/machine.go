package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nerrad567/homesync-core/internal/backoff"
)

// State is the connection lifecycle state.
type State int

const (
	Connecting State = iota
	Connected
	Disconnected
	Reconnecting
	Abandoned
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case Abandoned:
		return "abandoned"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Policy is the reconnect schedule.
type Policy struct {
	backoff.Policy

	// Cooldown is the pause after MaxAttempts consecutive failures before
	// the schedule starts again from Base.
	Cooldown time.Duration
}

// DefaultPolicy returns the standard client schedule.
func DefaultPolicy() Policy {
	return Policy{
		Policy: backoff.Policy{
			Base:        time.Second,
			Cap:         10 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
			MaxAttempts: 5,
		},
		Cooldown: 30 * time.Second,
	}
}

const defaultDialTimeout = 10 * time.Second

// ConnectFunc makes one connection attempt. It must respect ctx.
type ConnectFunc func(ctx context.Context) error

// Hooks are optional callbacks. They run without the machine's lock held.
type Hooks struct {
	// OnConnected fires after every successful (re)connect.
	OnConnected func()

	// OnOffline fires when the failure budget is exhausted.
	OnOffline func(lastErr error)

	// OnStateChange fires on every transition.
	OnStateChange func(from, to State)
}

// Logger defines the logging interface used by the Machine.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Options configures a Machine.
type Options struct {
	Policy      Policy
	Clock       Clock
	DialTimeout time.Duration
	Hooks       Hooks

	// Rand returns the jitter factor in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

// Machine is the client connection lifecycle.
//
// Thread Safety: All methods are safe for concurrent use.
type Machine struct {
	connect     ConnectFunc
	policy      Policy
	clock       Clock
	dialTimeout time.Duration
	hooks       Hooks
	rand        func() float64

	// ctx is cancelled by Close so an in-flight connect stops at once.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	failures  int
	lastDelay time.Duration
	offline   bool
	lastErr   error
	timer     Timer
	connected time.Time

	logger Logger
}

// New creates a machine in the Connecting state. Nothing happens until Start.
func New(connect ConnectFunc, opts Options) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		ctx:         ctx,
		cancel:      cancel,
		connect:     connect,
		policy:      opts.Policy,
		clock:       opts.Clock,
		dialTimeout: opts.DialTimeout,
		hooks:       opts.Hooks,
		rand:        opts.Rand,
		state:       Connecting,
		logger:      noopLogger{},
	}
	if m.policy == (Policy{}) {
		m.policy = DefaultPolicy()
	}
	if m.clock == nil {
		m.clock = RealClock{}
	}
	if m.dialTimeout <= 0 {
		m.dialTimeout = defaultDialTimeout
	}
	if m.rand == nil {
		m.rand = rand.Float64
	}
	return m
}

// SetLogger sets the logger for the machine.
func (m *Machine) SetLogger(logger Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

// Start makes the first connection attempt synchronously and returns its
// error. On failure the machine keeps retrying in the background.
func (m *Machine) Start() error {
	m.mu.Lock()
	if m.state == Abandoned {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	return m.attempt()
}

// Lost reports that an established connection dropped. The first reconnect
// is scheduled after Policy.Base. Calls outside Connected are ignored.
func (m *Machine) Lost(err error) {
	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return
	}

	m.lastErr = fmt.Errorf("%w: %w", ErrTransportDisconnected, err)
	m.failures = 0
	m.lastDelay = 0
	change := m.transition(Disconnected)
	d := m.nextDelay()
	m.schedule(d)
	change2 := m.transition(Reconnecting)
	logger := m.logger
	m.mu.Unlock()

	logger.Warn("connection lost", "error", err, "retry_in", d)
	m.fire(change)
	m.fire(change2)
}

// Close abandons the machine and cancels any pending reconnect or connect
// in progress. It is terminal.
func (m *Machine) Close() {
	m.cancel()

	m.mu.Lock()
	if m.state == Abandoned {
		m.mu.Unlock()
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	change := m.transition(Abandoned)
	m.mu.Unlock()

	m.fire(change)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Offline reports whether the failure budget has been exhausted since the
// last successful connection. Short outages inside the budget are not offline.
func (m *Machine) Offline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// Failures returns the consecutive failed attempts in the current cycle.
func (m *Machine) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// LastDelay returns the most recently scheduled reconnect delay.
func (m *Machine) LastDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDelay
}

// LastError returns the most recent connect or transport error.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// ConnectedSince returns when the current connection was established.
func (m *Machine) ConnectedSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// attempt runs one connect call and moves to the resulting state.
func (m *Machine) attempt() error {
	m.mu.Lock()
	if m.state == Abandoned {
		m.mu.Unlock()
		return ErrClosed
	}
	m.timer = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.dialTimeout)
	err := m.connect(ctx)
	cancel()

	m.mu.Lock()
	if m.state == Abandoned {
		m.mu.Unlock()
		return ErrClosed
	}

	if err == nil {
		m.failures = 0
		m.lastDelay = 0
		m.offline = false
		m.lastErr = nil
		m.connected = m.clock.Now()
		change := m.transition(Connected)
		logger := m.logger
		onConnected := m.hooks.OnConnected
		m.mu.Unlock()

		logger.Info("connected")
		m.fire(change)
		if onConnected != nil {
			onConnected()
		}
		return nil
	}

	m.failures++
	m.lastErr = err
	logger := m.logger

	if m.failures >= max(m.policy.MaxAttempts, 1) {
		m.offline = true
		m.failures = 0
		m.lastDelay = 0
		change := m.transition(Disconnected)
		m.schedule(m.policy.Cooldown)
		onOffline := m.hooks.OnOffline
		m.mu.Unlock()

		logger.Warn("reconnect budget exhausted, cooling down", "error", err, "cooldown", m.policy.Cooldown)
		m.fire(change)
		if onOffline != nil {
			onOffline(err)
		}
		return err
	}

	d := m.nextDelay()
	m.schedule(d)
	change := m.transition(Reconnecting)
	failures := m.failures
	m.mu.Unlock()

	logger.Warn("connect failed", "error", err, "attempt", failures, "retry_in", d)
	m.fire(change)
	return err
}

// nextDelay returns the next reconnect delay: jittered exponential, never
// below the previous delay of this cycle. Callers hold m.mu.
func (m *Machine) nextDelay() time.Duration {
	d := m.policy.DelayWith(max(m.failures, 1), m.rand())
	d = max(d, m.lastDelay)
	m.lastDelay = d
	return d
}

// schedule arms the reconnect timer. Callers hold m.mu.
func (m *Machine) schedule(d time.Duration) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = m.clock.AfterFunc(d, func() {
		m.mu.Lock()
		if m.state == Abandoned {
			m.mu.Unlock()
			return
		}
		change := m.transition(Reconnecting)
		m.mu.Unlock()
		m.fire(change)

		_ = m.attempt()
	})
}

type stateChange struct {
	from, to State
}

// transition sets the state and returns the change to report, if any.
// Callers hold m.mu.
func (m *Machine) transition(to State) *stateChange {
	if m.state == to {
		return nil
	}
	c := &stateChange{from: m.state, to: to}
	m.state = to
	return c
}

func (m *Machine) fire(c *stateChange) {
	if c == nil || m.hooks.OnStateChange == nil {
		return
	}
	m.hooks.OnStateChange(c.from, c.to)
}
