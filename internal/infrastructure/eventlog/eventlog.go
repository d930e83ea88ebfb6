package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nerrad567/homesync-core/internal/infrastructure/config"
	"github.com/nerrad567/homesync-core/internal/protocol"
)

// Entry kinds.
const (
	KindAlert           = "alert"
	KindDeliveryFailure = "delivery_failure"
)

// ErrConnectionFailed is returned when Redis cannot be reached.
var ErrConnectionFailed = errors.New("eventlog: connection failed")

// Entry is one record read back from the stream.
type Entry struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Log appends to and reads from one Redis stream.
//
// Thread Safety: all methods are safe for concurrent use.
type Log struct {
	client *redis.Client
	stream string
	maxLen int64
	now    func() time.Time
}

// Connect opens a Redis client and verifies it with PING.
func Connect(ctx context.Context, cfg config.EventLogConfig) (*Log, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return New(client, cfg.Stream, cfg.MaxLen), nil
}

// New wraps an existing client. A maxLen of zero disables trimming.
func New(client *redis.Client, stream string, maxLen int64) *Log {
	return &Log{client: client, stream: stream, maxLen: maxLen, now: time.Now}
}

// Append records an alert. It satisfies alert.Recorder.
func (l *Log) Append(ctx context.Context, a protocol.Alert) error {
	return l.add(ctx, KindAlert, a)
}

// AppendDeliveryFailure records a command the bridge gave up on.
func (l *Log) AppendDeliveryFailure(ctx context.Context, f protocol.DeliveryFailure) error {
	return l.add(ctx, KindDeliveryFailure, f)
}

func (l *Log) add(ctx context.Context, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", kind, err)
	}

	err = l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		MaxLen: l.maxLen,
		Values: map[string]any{
			"kind": kind,
			"data": string(data),
			"ts":   l.now().UTC().UnixMilli(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("appending %s: %w", kind, err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (l *Log) Recent(ctx context.Context, n int64) ([]Entry, error) {
	msgs, err := l.client.XRevRangeN(ctx, l.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", l.stream, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		e := Entry{ID: m.ID}
		e.Kind, _ = m.Values["kind"].(string)
		if s, ok := m.Values["data"].(string); ok {
			e.Data = json.RawMessage(s)
		}
		if s, ok := m.Values["ts"].(string); ok {
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				e.Timestamp = time.UnixMilli(ms).UTC()
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// HealthCheck verifies Redis is reachable.
func (l *Log) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the client.
func (l *Log) Close() error {
	return l.client.Close()
}
