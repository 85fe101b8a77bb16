// Package bus provides in-process fan-out of bridge messages to registered
// handlers, plus a bounded queue of recently published messages.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	codexbridge "github.com/wolfeidau/codex-bridge"
)

// DefaultQueueSize is the default capacity of the message queue.
const DefaultQueueSize = 256

// Handler consumes a published message. A returned error is logged and
// never interrupts delivery to later handlers.
type Handler func(msg codexbridge.Message) error

// Bus fans out messages to handlers keyed by message type. Handlers for a
// type are invoked synchronously in registration order. Ordering across
// types is unspecified; ordering within a type follows publish order.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	queue    []codexbridge.Message
	capacity int
	dropped  int64
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger for handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithQueueSize caps the message queue. When full, the oldest message is
// dropped to admit the new one.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]Handler),
		capacity: DefaultQueueSize,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for a message type. Multiple handlers per
// type are allowed.
func (b *Bus) Subscribe(msgType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[msgType] = append(b.handlers[msgType], h)
}

// Publish enqueues the message and synchronously invokes each handler
// registered for its type. A missing ID is assigned from a UUID and a zero
// timestamp is filled in, so callers may publish sparse messages.
func (b *Bus) Publish(msg codexbridge.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}
	if msg.Source == "" {
		msg.Source = codexbridge.SourceLocal
	}

	b.mu.Lock()
	if len(b.queue) >= b.capacity {
		drop := len(b.queue) - b.capacity + 1
		b.queue = b.queue[drop:]
		b.dropped += int64(drop)
	}
	b.queue = append(b.queue, msg)
	handlers := append([]Handler(nil), b.handlers[msg.Type]...)
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(h, msg)
	}
}

// invoke runs a single handler, absorbing errors and panics so delivery
// always continues to the remaining handlers.
func (b *Bus) invoke(h Handler, msg codexbridge.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("message handler panicked", "type", msg.Type, "id", msg.ID, "panic", r)
		}
	}()
	if err := h(msg); err != nil {
		b.logger.Error("message handler failed", "type", msg.Type, "id", msg.ID, "error", err)
	}
}

// Depth returns the number of queued messages.
func (b *Bus) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Dropped returns how many messages have been discarded due to the queue
// capacity.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Recent returns a copy of the queued messages, oldest first.
func (b *Bus) Recent() []codexbridge.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]codexbridge.Message(nil), b.queue...)
}

// Drain removes and returns all queued messages, oldest first.
func (b *Bus) Drain() []codexbridge.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	drained := b.queue
	b.queue = nil
	return drained
}
