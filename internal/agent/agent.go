package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/homesync-core/internal/command"
	"github.com/nerrad567/homesync-core/internal/device"
	"github.com/nerrad567/homesync-core/internal/protocol"
	"github.com/nerrad567/homesync-core/internal/session"
)

var (
	// ErrLoginFailed is returned when the server refuses the credentials.
	ErrLoginFailed = errors.New("agent: login failed")

	// ErrTicketFailed is returned when no WebSocket ticket could be obtained.
	ErrTicketFailed = errors.New("agent: ws ticket failed")
)

// Logger defines the logging interface used by the Agent.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// conn is the part of *websocket.Conn the agent uses.
type conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Options configures an Agent.
type Options struct {
	// BaseURL is the server root, e.g. http://homesync.local:8080. Required.
	BaseURL string

	Username string
	Password string

	// Limits must match the server's command limits for optimistic updates
	// to agree with it. Zero means command.DefaultLimits.
	Limits command.Limits

	// Policy is the reconnect schedule. Zero means session.DefaultPolicy.
	Policy session.Policy

	// Clock drives reconnect timers. Defaults to the real clock.
	Clock session.Clock

	// RequestTimeout bounds each REST call. Defaults to 10s.
	RequestTimeout time.Duration

	// OnChange is called with the new local state after a device changes.
	OnChange func(dev device.Device)

	// OnRemove is called after a device leaves the local state.
	OnRemove func(deviceID string)

	// OnEvent receives alert and delivery_failure frames.
	OnEvent func(msg protocol.Message)

	Logger Logger
}

// Agent keeps a reconciled local copy of the devices visible to one account.
//
// Thread Safety: All methods are safe for concurrent use.
type Agent struct {
	opts    Options
	http    *resty.Client
	dialer  *websocket.Dialer
	wsURL   string
	machine *session.Machine
	logger  Logger

	mu      sync.Mutex
	token   string
	conn    conn
	devices map[string]*device.Device
	seq     uint64
	pending map[uint64]string

	writeMu sync.Mutex
}

// New creates an agent. Nothing connects until Start.
func New(opts Options) (*Agent, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	wsURL, err := websocketURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	if opts.Limits == (command.Limits{}) {
		opts.Limits = command.DefaultLimits()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	a := &Agent{
		opts: opts,
		http: resty.New().
			SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
			SetTimeout(opts.RequestTimeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.RequestTimeout},
		wsURL:   wsURL,
		logger:  opts.Logger,
		devices: make(map[string]*device.Device),
		pending: make(map[uint64]string),
	}
	if a.logger == nil {
		a.logger = noopLogger{}
	}

	a.machine = session.New(a.connect, session.Options{
		Policy: opts.Policy,
		Clock:  opts.Clock,
		Hooks: session.Hooks{
			OnConnected: a.resync,
			OnOffline: func(err error) {
				a.logger.Warn("server unreachable, showing offline", "error", err)
			},
		},
	})
	a.machine.SetLogger(a.logger)
	return a, nil
}

// websocketURL derives the session endpoint from the REST base URL.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("base URL scheme %q must be http or https", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws"
	return u.String(), nil
}

// Start connects synchronously. If the first attempt fails the agent keeps
// retrying in the background and the error is returned.
func (a *Agent) Start() error {
	return a.machine.Start()
}

// Close disconnects and stops reconnecting.
func (a *Agent) Close() {
	a.machine.Close()

	a.mu.Lock()
	c := a.conn
	a.conn = nil
	a.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Offline reports whether the reconnect budget has been exhausted.
func (a *Agent) Offline() bool {
	return a.machine.Offline()
}

// State returns the connection state.
func (a *Agent) State() session.State {
	return a.machine.State()
}

// Devices returns copies of the local devices ordered by ID.
func (a *Agent) Devices() []device.Device {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]device.Device, 0, len(a.devices))
	for _, dev := range a.devices {
		out = append(out, *dev.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Device returns a copy of one local device.
func (a *Agent) Device(id string) (device.Device, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dev, ok := a.devices[id]
	if !ok {
		return device.Device{}, false
	}
	return *dev.DeepCopy(), true
}

// Pending returns the number of controls sent but not yet acknowledged or
// rejected.
func (a *Agent) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Control applies a command to the local copy and sends it. value is
// marshalled as the command's JSON value; nil sends none. Commands the
// server would reject for type or range are refused locally with an error
// wrapping command.ErrInvalidCommand and are not sent.
func (a *Agent) Control(deviceID, name string, value any) (uint64, error) {
	var raw json.RawMessage
	if value != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return 0, fmt.Errorf("%w: encoding value: %w", command.ErrInvalidCommand, err)
		}
		raw = data
	}

	a.mu.Lock()
	dev, ok := a.devices[deviceID]
	if !ok {
		a.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, deviceID)
	}
	if a.conn == nil {
		a.mu.Unlock()
		return 0, session.ErrTransportDisconnected
	}

	delta, err := command.Translate(*dev, name, raw, a.opts.Limits)
	if err != nil {
		a.mu.Unlock()
		return 0, err
	}
	changed, err := dev.ApplyDelta(delta)
	if err != nil {
		a.mu.Unlock()
		return 0, fmt.Errorf("%w: %w", command.ErrInvalidCommand, err)
	}
	a.seq++
	seq := a.seq
	a.pending[seq] = deviceID
	snapshot := *dev.DeepCopy()
	a.mu.Unlock()

	if !changed.IsEmpty() {
		a.changed(snapshot)
	}

	err = a.send(protocol.TypeControl, "", protocol.Control{
		DeviceID:    deviceID,
		Command:     name,
		Value:       raw,
		Seq:         seq,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		a.mu.Lock()
		delete(a.pending, seq)
		a.mu.Unlock()
		return seq, err
	}
	return seq, nil
}

// send writes one frame on the current connection.
func (a *Agent) send(msgType, id string, payload any) error {
	data, err := protocol.Encode(msgType, id, payload, time.Now())
	if err != nil {
		return err
	}

	a.mu.Lock()
	c := a.conn
	a.mu.Unlock()
	if c == nil {
		return session.ErrTransportDisconnected
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", session.ErrTransportDisconnected, err)
	}
	return nil
}

// resync asks the server for a full snapshot.
func (a *Agent) resync() {
	if err := a.send(protocol.TypeResync, "", nil); err != nil {
		a.logger.Debug("resync not sent", "error", err)
	}
}

// connect is one session.ConnectFunc attempt: log in if needed, get a
// ticket, dial and start reading.
func (a *Agent) connect(ctx context.Context) error {
	ticket, err := a.ticket(ctx)
	if err != nil {
		return err
	}

	c, resp, err := a.dialer.DialContext(ctx, a.wsURL+"?ticket="+url.QueryEscape(ticket), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dialing %s: %w", a.wsURL, err)
	}

	// Close may have run while dialing; it can no longer see c.
	a.mu.Lock()
	if a.machine.State() == session.Abandoned {
		a.mu.Unlock()
		c.Close()
		return session.ErrClosed
	}
	old := a.conn
	a.conn = c
	a.mu.Unlock()
	if old != nil {
		old.Close()
	}

	go a.readLoop(c)
	return nil
}

// ticket returns a WebSocket ticket, logging in first when no token is held
// or the held one has expired.
func (a *Agent) ticket(ctx context.Context) (string, error) {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()

	if token != "" {
		ticket, status, err := a.requestTicket(ctx, token)
		if status != http.StatusUnauthorized {
			return ticket, err
		}
	}

	token, err := a.login(ctx)
	if err != nil {
		return "", err
	}
	ticket, _, err := a.requestTicket(ctx, token)
	return ticket, err
}

type loginResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *Agent) login(ctx context.Context) (string, error) {
	var result loginResult
	var apiErr apiError
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": a.opts.Username, "password": a.opts.Password}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/api/v1/auth/login")
	if err != nil {
		return "", fmt.Errorf("logging in: %w", err)
	}
	if resp.IsError() {
		if resp.StatusCode() == http.StatusUnauthorized {
			return "", fmt.Errorf("%w: %s", ErrLoginFailed, apiErr.Message)
		}
		return "", fmt.Errorf("logging in: status %d: %s", resp.StatusCode(), apiErr.Message)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("%w: no access token in response", ErrLoginFailed)
	}

	a.mu.Lock()
	a.token = result.AccessToken
	a.mu.Unlock()

	a.logger.Info("logged in", "username", a.opts.Username, "expires_in", result.ExpiresIn)
	return result.AccessToken, nil
}

func (a *Agent) requestTicket(ctx context.Context, token string) (string, int, error) {
	var result struct {
		Ticket string `json:"ticket"`
	}
	var apiErr apiError
	resp, err := a.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&result).
		SetError(&apiErr).
		Post("/api/v1/auth/ws-ticket")
	if err != nil {
		return "", 0, fmt.Errorf("requesting ws ticket: %w", err)
	}
	if resp.IsError() {
		return "", resp.StatusCode(), fmt.Errorf("%w: status %d: %s", ErrTicketFailed, resp.StatusCode(), apiErr.Message)
	}
	if result.Ticket == "" {
		return "", resp.StatusCode(), fmt.Errorf("%w: empty ticket", ErrTicketFailed)
	}
	return result.Ticket, resp.StatusCode(), nil
}

// readLoop handles frames until c fails, then reports the loss.
func (a *Agent) readLoop(c conn) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			a.mu.Lock()
			current := a.conn == c
			if current {
				a.conn = nil
			}
			a.mu.Unlock()

			if current {
				a.machine.Lost(err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			a.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		a.handle(msg)
	}
}

// handle reconciles one server frame with the local state.
func (a *Agent) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSnapshot:
		var snap protocol.Snapshot
		if a.decode(msg, &snap) {
			a.applySnapshot(snap)
		}
	case protocol.TypeStatus:
		var st protocol.Status
		if a.decode(msg, &st) {
			a.applyStatus(st)
		}
	case protocol.TypeAck:
		var ack protocol.Ack
		if a.decode(msg, &ack) {
			a.mu.Lock()
			delete(a.pending, ack.Seq)
			a.mu.Unlock()
		}
	case protocol.TypeRejected:
		var rej protocol.Rejected
		if a.decode(msg, &rej) {
			a.applyRejected(rej)
		}
	case protocol.TypeDeviceAdded:
		var added protocol.DeviceAdded
		if a.decode(msg, &added) {
			a.put(added.Device)
		}
	case protocol.TypeDeviceRemoved:
		var removed protocol.DeviceRemoved
		if a.decode(msg, &removed) {
			a.remove(removed.DeviceID)
		}
	case protocol.TypeAlert, protocol.TypeDeliveryFailure:
		a.logger.Info("server event", "type", msg.Type, "payload", string(msg.Payload))
		if a.opts.OnEvent != nil {
			a.opts.OnEvent(msg)
		}
	case protocol.TypePong:
	case protocol.TypeError:
		var e protocol.Error
		if a.decode(msg, &e) {
			a.logger.Warn("server reported an error", "code", e.Code, "message", e.Message)
		}
	default:
		a.logger.Debug("ignoring frame", "type", msg.Type)
	}
}

func (a *Agent) decode(msg protocol.Message, v any) bool {
	if err := msg.Into(v); err != nil {
		a.logger.Warn("dropping undecodable frame", "type", msg.Type, "error", err)
		return false
	}
	return true
}

// applySnapshot replaces the local state wholesale.
func (a *Agent) applySnapshot(snap protocol.Snapshot) {
	a.mu.Lock()
	old := a.devices
	a.devices = make(map[string]*device.Device, len(snap.Devices))
	for i := range snap.Devices {
		a.devices[snap.Devices[i].ID] = snap.Devices[i].DeepCopy()
	}
	var gone []string
	for id := range old {
		if _, ok := a.devices[id]; !ok {
			gone = append(gone, id)
		}
	}
	a.mu.Unlock()

	a.logger.Debug("snapshot applied", "devices", len(snap.Devices))
	for _, dev := range snap.Devices {
		a.changed(dev)
	}
	for _, id := range gone {
		a.removed(id)
	}
}

// applyStatus overwrites the fields carried in st unless it is stale.
func (a *Agent) applyStatus(st protocol.Status) {
	a.mu.Lock()
	dev, ok := a.devices[st.DeviceID]
	if !ok || st.Seq <= dev.Sequence {
		a.mu.Unlock()
		return
	}
	if _, err := dev.ApplyDelta(st.Delta); err != nil {
		a.mu.Unlock()
		a.logger.Warn("status does not fit local device, requesting resync", "device_id", st.DeviceID, "error", err)
		a.resync()
		return
	}
	dev.Sequence = st.Seq
	dev.LastUpdated = st.Timestamp
	snapshot := *dev.DeepCopy()
	a.mu.Unlock()

	a.changed(snapshot)
}

// applyRejected restores the authoritative state carried in rej.
func (a *Agent) applyRejected(rej protocol.Rejected) {
	a.mu.Lock()
	delete(a.pending, rej.Seq)
	a.mu.Unlock()

	a.logger.Info("control rejected", "device_id", rej.DeviceID, "seq", rej.Seq, "code", rej.Code, "error", rej.Error)

	switch {
	case rej.Device != nil:
		a.put(*rej.Device)
	case rej.Code == protocol.CodeNotFound:
		a.remove(rej.DeviceID)
	}
}

func (a *Agent) put(dev device.Device) {
	a.mu.Lock()
	a.devices[dev.ID] = dev.DeepCopy()
	a.mu.Unlock()
	a.changed(dev)
}

func (a *Agent) remove(id string) {
	a.mu.Lock()
	_, ok := a.devices[id]
	delete(a.devices, id)
	a.mu.Unlock()
	if ok {
		a.removed(id)
	}
}

func (a *Agent) changed(dev device.Device) {
	if a.opts.OnChange != nil {
		a.opts.OnChange(dev)
	}
}

func (a *Agent) removed(id string) {
	if a.opts.OnRemove != nil {
		a.opts.OnRemove(id)
	}
}
