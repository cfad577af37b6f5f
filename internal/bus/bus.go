// Package bus is an in-process publish/subscribe substrate with bounded,
// time-limited per-channel retention. Retained traffic lives in sqlite so
// late observers and diagnostics can replay recent messages; delivery to
// subscribers is purely in-memory and asynchronous.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flitsinc/agentrt/internal/sched"
)

const (
	DefaultChannelCap    = 100
	DefaultRetentionTTL  = time.Hour
	DefaultSweepInterval = time.Minute

	subscriberQueueLen = 64
)

var ErrNotConnected = fmt.Errorf("bus not connected")

type Message struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type HandlerFunc func(Message)

// Subscription is the handle returned by Subscribe. Handlers are func values
// and not comparable, so removal goes through the handle rather than the
// handler itself.
type Subscription struct {
	channel string
	fn      HandlerFunc
	queue   chan Message
	closed  bool
}

// Channel returns the channel this subscription is attached to.
func (s *Subscription) Channel() string { return s.channel }

type Stats struct {
	Connected   bool `json:"connected"`
	Channels    int  `json:"channels"`
	Subscribers int  `json:"subscribers"`
	Messages    int  `json:"messages"`
}

type Bus struct {
	db         *sql.DB
	sch        *sched.Scheduler
	logger     *slog.Logger
	channelCap int
	ttl        time.Duration
	sweepEvery time.Duration
	nowFn      func() time.Time

	mu         sync.RWMutex
	connected  bool
	subs       map[string][]*Subscription
	sweepEntry *sched.Entry
}

type Option func(*Bus)

func WithChannelCap(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.channelCap = n
		}
	}
}

func WithRetentionTTL(ttl time.Duration) Option {
	return func(b *Bus) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.sweepEvery = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(b *Bus) {
		if nowFn != nil {
			b.nowFn = nowFn
		}
	}
}

func NewBus(db *sql.DB, sch *sched.Scheduler, opts ...Option) *Bus {
	b := &Bus{
		db:         db,
		sch:        sch,
		logger:     slog.Default(),
		channelCap: DefaultChannelCap,
		ttl:        DefaultRetentionTTL,
		sweepEvery: DefaultSweepInterval,
		nowFn:      func() time.Time { return time.Now().UTC() },
		subs:       map[string][]*Subscription{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Connect starts the bus and arms the background retention sweep. Calling it
// on a connected bus is a no-op.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.connected = true
	b.armSweepLocked()
	return nil
}

// Disconnect stops the sweep, drops every subscription, and clears all
// retained channels. Calling it on a disconnected bus is a no-op.
func (b *Bus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	if b.sweepEntry != nil {
		b.sweepEntry.Cancel()
		b.sweepEntry = nil
	}
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.closed = true
			close(sub.queue)
		}
	}
	b.subs = map[string][]*Subscription{}
	b.mu.Unlock()

	if _, err := b.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("clear channels: %w", err)
	}
	return nil
}

// Subscribe registers fn on the channel. Each subscription gets its own
// delivery queue and goroutine, so one slow or panicking handler cannot
// affect the others.
func (b *Bus) Subscribe(channel string, fn HandlerFunc) (*Subscription, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, fmt.Errorf("channel is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrNotConnected
	}
	sub := &Subscription{
		channel: channel,
		fn:      fn,
		queue:   make(chan Message, subscriberQueueLen),
	}
	b.subs[channel] = append(b.subs[channel], sub)
	go b.deliver(sub)
	return sub, nil
}

// Unsubscribe removes the subscription. Removing the last subscriber does not
// delete channel history; retention and subscriptions are independent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	subs := b.subs[sub.channel]
	for i, candidate := range subs {
		if candidate == sub {
			b.subs[sub.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.channel]) == 0 {
		delete(b.subs, sub.channel)
	}
	sub.closed = true
	close(sub.queue)
}

// Publish appends the payload to the channel's retained log, evicting the
// oldest entries past the per-channel cap, then queues asynchronous delivery
// to every current subscriber. It never invokes handlers synchronously.
func (b *Bus) Publish(ctx context.Context, channel string, payload map[string]any) (Message, error) {
	if strings.TrimSpace(channel) == "" {
		return Message{}, fmt.Errorf("channel is required")
	}
	b.mu.RLock()
	connected := b.connected
	b.mu.RUnlock()
	if !connected {
		return Message{}, ErrNotConnected
	}

	// Mint the ID from the injected clock: retention compares IDs against
	// a cutoff derived from the same clock, so the timebases must agree.
	createdAt := b.nowFn()
	id := ulid.MustNew(ulid.Timestamp(createdAt), ulid.DefaultEntropy()).String()
	payloadJSON, err := encodeJSON(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode payload: %w", err)
	}

	if _, err := b.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, id, channel, payloadJSON, createdAt.Format(time.RFC3339Nano)); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	// ULIDs sort by timestamp, so "newest cap" is an id range.
	if _, err := b.db.ExecContext(ctx, `
		DELETE FROM messages WHERE channel = ? AND id NOT IN (
			SELECT id FROM messages WHERE channel = ? ORDER BY id DESC LIMIT ?
		)
	`, channel, channel, b.channelCap); err != nil {
		return Message{}, fmt.Errorf("trim channel: %w", err)
	}

	msg := Message{ID: id, Channel: channel, Payload: payload, CreatedAt: createdAt}

	b.mu.RLock()
	for _, sub := range b.subs[channel] {
		select {
		case sub.queue <- msg:
		default:
			b.logger.Warn("dropping message for slow subscriber", "channel", channel, "message_id", id)
		}
	}
	b.mu.RUnlock()

	return msg, nil
}

// Messages returns the most recent limit retained entries in publish order.
func (b *Bus) Messages(ctx context.Context, channel string, limit int) ([]Message, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, fmt.Errorf("channel is required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, payload, created_at FROM messages
		WHERE channel = ? ORDER BY id DESC LIMIT ?
	`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var payloadStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&msg.ID, &payloadStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Channel = channel
		msg.Payload = decodeJSONMap(payloadStr.String)
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	// Query returned newest first; flip to publish order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Sweep deletes entries older than the retention TTL. Channels with no
// entries left disappear from the registry since they are keyed by rows.
func (b *Bus) Sweep(ctx context.Context) error {
	cutoff := b.nowFn().Add(-b.ttl)
	cutoffID, err := ulid.New(ulid.Timestamp(cutoff), nil)
	if err != nil {
		return fmt.Errorf("cutoff id: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM messages WHERE id < ?`, cutoffID.String()); err != nil {
		return fmt.Errorf("sweep messages: %w", err)
	}
	return nil
}

// Stats reports bus health for external metrics surfaces.
func (b *Bus) Stats(ctx context.Context) (Stats, error) {
	b.mu.RLock()
	stats := Stats{Connected: b.connected}
	for _, subs := range b.subs {
		stats.Subscribers += len(subs)
	}
	b.mu.RUnlock()

	row := b.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT channel), COUNT(*) FROM messages`)
	if err := row.Scan(&stats.Channels, &stats.Messages); err != nil {
		return Stats{}, fmt.Errorf("count messages: %w", err)
	}
	return stats, nil
}

func (b *Bus) armSweepLocked() {
	if b.sch == nil {
		return
	}
	b.sweepEntry = b.sch.After(b.sweepEvery, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := b.Sweep(ctx); err != nil {
			b.logger.Warn("retention sweep failed", "error", err)
		}
		cancel()

		b.mu.Lock()
		if b.connected {
			b.armSweepLocked()
		}
		b.mu.Unlock()
	})
}

func (b *Bus) deliver(sub *Subscription) {
	for msg := range sub.queue {
		b.invoke(sub, msg)
	}
}

func (b *Bus) invoke(sub *Subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber handler panicked", "channel", sub.channel, "message_id", msg.ID, "panic", fmt.Sprint(r))
		}
	}()
	sub.fn(msg)
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}
