package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/homesync-core/internal/infrastructure/config"
)

// fakeToken completes immediately with err.
type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakePaho records calls in place of a broker connection.
type fakePaho struct {
	mu           sync.Mutex
	connected    bool
	publishes    []published
	handlers     map[string]pahomqtt.MessageHandler
	subscribeErr error
	disconnected bool
}

func newFakePaho() *fakePaho {
	return &fakePaho{connected: true, handlers: make(map[string]pahomqtt.MessageHandler)}
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakePaho) IsConnectionOpen() bool { return f.IsConnected() }
func (f *fakePaho) Connect() pahomqtt.Token { return fakeToken{} }
func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.disconnected = true
	f.mu.Unlock()
}
func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := payload.([]byte)
	f.publishes = append(f.publishes, published{topic: topic, qos: qos, retained: retained, payload: b})
	return fakeToken{}
}
func (f *fakePaho) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return fakeToken{err: f.subscribeErr}
	}
	f.handlers[topic] = cb
	return fakeToken{}
}
func (f *fakePaho) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return fakeToken{}
}
func (f *fakePaho) Unsubscribe(topics ...string) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
	}
	return fakeToken{}
}
func (f *fakePaho) AddRoute(string, pahomqtt.MessageHandler) {}
func (f *fakePaho) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

func (f *fakePaho) deliver(filter, topic string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[filter]
	f.mu.Unlock()
	if h != nil {
		h(nil, fakeMessage{topic: topic, payload: payload})
	}
}

func (f *fakePaho) lastPublish() published {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.publishes) == 0 {
		return published{}
	}
	return f.publishes[len(f.publishes)-1]
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{Host: "127.0.0.1", Port: 1883, ClientID: "homesync-test"},
		QoS:    1,
	}
}

func TestPublish_Validation(t *testing.T) {
	c := newWithClient(testConfig(), newFakePaho())

	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		wantErr error
	}{
		{"empty topic", "", 1, nil, ErrInvalidTopic},
		{"bad qos", "homesync/a/command", 3, nil, ErrInvalidQoS},
		{"oversized", "homesync/a/command", 1, make([]byte, maxPayloadSize+1), ErrPublishFailed},
		{"ok", "homesync/a/command", 1, []byte(`{}`), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublish_Disconnected(t *testing.T) {
	fp := newFakePaho()
	c := newWithClient(testConfig(), fp)
	fp.connected = false

	if err := c.Publish("homesync/a/command", []byte(`{}`), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestSubscribe_TracksAndDispatches(t *testing.T) {
	fp := newFakePaho()
	c := newWithClient(testConfig(), fp)

	var gotTopic string
	var gotPayload []byte
	err := c.Subscribe(Topics{}.AllDeviceStatus(), 1, func(topic string, payload []byte) error {
		gotTopic, gotPayload = topic, payload
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if c.SubscriptionCount() != 1 {
		t.Fatalf("subscription not tracked")
	}

	fp.deliver("homesync/+/status", "homesync/light-1/status", []byte(`{"status":"on"}`))

	if gotTopic != "homesync/light-1/status" || string(gotPayload) != `{"status":"on"}` {
		t.Errorf("handler got (%q, %q)", gotTopic, gotPayload)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := newWithClient(testConfig(), newFakePaho())
	noop := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("a", 5, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 5) error = %v, want ErrInvalidQoS", err)
	}
	if err := c.Subscribe("a", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil) error = %v, want ErrSubscribeFailed", err)
	}
}

func TestSubscribe_BrokerErrorIsNotTracked(t *testing.T) {
	fp := newFakePaho()
	fp.subscribeErr = errors.New("not authorised")
	c := newWithClient(testConfig(), fp)

	err := c.Subscribe("homesync/+/sensor", 1, func(string, []byte) error { return nil })
	if !errors.Is(err, ErrSubscribeFailed) {
		t.Fatalf("Subscribe() error = %v, want ErrSubscribeFailed", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Error("failed subscription should not be tracked")
	}
}

func TestUnsubscribe(t *testing.T) {
	c := newWithClient(testConfig(), newFakePaho())
	_ = c.Subscribe("homesync/+/sensor", 1, func(string, []byte) error { return nil })

	if err := c.Unsubscribe("homesync/+/sensor"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
}

func TestHandleConnect_RestoresSubscriptionsAndAnnouncesOnline(t *testing.T) {
	fp := newFakePaho()
	c := newWithClient(testConfig(), fp)

	_ = c.Subscribe("homesync/+/status", 1, func(string, []byte) error { return nil })

	// Simulate the broker dropping everything.
	fp.mu.Lock()
	fp.handlers = make(map[string]pahomqtt.MessageHandler)
	fp.mu.Unlock()

	called := false
	c.SetOnConnect(func() { called = true })
	c.handleConnect()

	if _, ok := fp.handlers["homesync/+/status"]; !ok {
		t.Error("subscription not restored after reconnect")
	}
	if !called {
		t.Error("OnConnect callback not invoked")
	}

	last := fp.lastPublish()
	if last.topic != (Topics{}).SystemStatus() || !last.retained {
		t.Fatalf("last publish = %+v, want retained system status", last)
	}
	var status statusPayload
	if err := json.Unmarshal(last.payload, &status); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if status.Status != statusOnline || status.ClientID != "homesync-test" {
		t.Errorf("status = %+v, want online from homesync-test", status)
	}
}

func TestHandleDisconnect(t *testing.T) {
	fp := newFakePaho()
	c := newWithClient(testConfig(), fp)
	log := &recordingLogger{}
	c.SetLogger(log)

	var gotErr error
	c.SetOnDisconnect(func(err error) { gotErr = err })

	lost := errors.New("EOF")
	c.handleDisconnect(lost)

	if c.IsConnected() {
		t.Error("IsConnected() = true after disconnect")
	}
	if !errors.Is(gotErr, lost) {
		t.Errorf("OnDisconnect error = %v, want %v", gotErr, lost)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() = %v, want ErrNotConnected", err)
	}
}

func TestWrapHandler_RecoversPanicAndLogsErrors(t *testing.T) {
	c := newWithClient(testConfig(), newFakePaho())
	log := &recordingLogger{}
	c.SetLogger(log)

	c.wrapHandler(func(string, []byte) error { panic("boom") })(nil, fakeMessage{topic: "t"})
	c.wrapHandler(func(string, []byte) error { return errors.New("bad") })(nil, fakeMessage{topic: "t"})

	if len(log.errors) != 1 || !strings.Contains(log.errors[0], "panic") {
		t.Errorf("errors = %v, want one panic entry", log.errors)
	}
	if len(log.warns) != 1 {
		t.Errorf("warns = %v, want one handler error entry", log.warns)
	}
}

func TestClose(t *testing.T) {
	fp := newFakePaho()
	c := newWithClient(testConfig(), fp)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !fp.disconnected {
		t.Error("paho Disconnect not called")
	}
	if !strings.Contains(string(fp.lastPublish().payload), "graceful_shutdown") {
		t.Errorf("last publish = %s, want graceful offline status", fp.lastPublish().payload)
	}

	if err := (&Client{}).Close(); err != nil {
		t.Errorf("Close() on unconnected client = %v, want nil", err)
	}
}

func TestHealthCheck_Cancelled(t *testing.T) {
	c := newWithClient(testConfig(), newFakePaho())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() = %v, want context.Canceled", err)
	}
}

func TestConnect_BrokerRefused(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a closed port")
	}
	cfg := testConfig()
	cfg.Broker.Port = 1
	cfg.Reconnect.InitialDelay = 1

	// ConnectRetry keeps paho retrying, so the first token times out.
	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Auth.Username = "core"
	cfg.Auth.Password = "pw"

	r := pahomqtt.NewOptionsReader(buildClientOptions(cfg))

	servers := r.Servers()
	if len(servers) != 1 || servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers() = %v, want ssl://127.0.0.1:1883", servers)
	}
	if r.ClientID() != "homesync-test" || r.Username() != "core" {
		t.Errorf("ClientID/Username = %q/%q", r.ClientID(), r.Username())
	}
	if !r.AutoReconnect() || r.TLSConfig() == nil {
		t.Error("expected auto-reconnect and TLS config")
	}
}
