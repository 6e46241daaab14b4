package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Bus distributes events to subscribers.
//
// All methods are safe for concurrent use. Publish never blocks on a slow
// subscriber: each subscription has its own buffered channel, and events
// are dropped per-subscriber when the buffer is full.
type Bus interface {
	// Publish sends an event to all matching subscribers. It returns an
	// error only when the bus is closed.
	Publish(ctx context.Context, event Event) error

	// Subscribe creates a subscription. The cleanup function must be
	// called to release the subscription. bufferSize <= 0 uses the
	// bus default.
	Subscribe(ctx context.Context, filter Filter, bufferSize int) (<-chan Event, func())

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// DropHandler is notified when an event is dropped for a slow subscriber.
type DropHandler func(event Event, subscriberID string)

// busOptions holds Bus configuration.
type busOptions struct {
	defaultBufferSize int
	onDrop            DropHandler
}

// Option configures a MemoryBus.
type Option func(*busOptions)

// WithDefaultBufferSize sets the buffer size used when Subscribe is called
// with bufferSize <= 0. Default: 100.
func WithDefaultBufferSize(size int) Option {
	return func(opts *busOptions) {
		if size > 0 {
			opts.defaultBufferSize = size
		}
	}
}

// WithDropHandler sets a callback for dropped events.
func WithDropHandler(handler DropHandler) Option {
	return func(opts *busOptions) {
		if handler != nil {
			opts.onDrop = handler
		}
	}
}

// MemoryBus is the in-process Bus implementation.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription
	options     busOptions
	closed      bool

	counter atomic.Uint64
}

type subscription struct {
	id     string
	ch     chan Event
	filter Filter
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBus creates a MemoryBus.
func NewBus(opts ...Option) *MemoryBus {
	options := busOptions{
		defaultBufferSize: 100,
		onDrop:            func(Event, string) {},
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &MemoryBus{
		subscribers: make(map[string]*subscription),
		options:     options,
	}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscribers {
		select {
		case <-sub.ctx.Done():
			continue
		default:
		}

		if !sub.filter.Matches(event) {
			continue
		}

		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.options.onDrop(event, sub.id)
		}
	}

	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, filter Filter, bufferSize int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bufferSize <= 0 {
		bufferSize = b.options.defaultBufferSize
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		id:     fmt.Sprintf("sub-%d-%d", time.Now().UnixNano(), b.counter.Add(1)),
		ch:     make(chan Event, bufferSize),
		filter: filter,
		ctx:    subCtx,
		cancel: cancel,
	}
	b.subscribers[sub.id] = sub

	cleanup := func() { b.unsubscribe(sub.id) }
	return sub.ch, cleanup
}

func (b *MemoryBus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	sub.cancel()
	close(sub.ch)
	delete(b.subscribers, id)
}

// Close implements Bus. Close is idempotent.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for id, sub := range b.subscribers {
		sub.cancel()
		close(sub.ch)
		delete(b.subscribers, id)
	}
	return nil
}

// SubscriberCount returns the number of active subscriptions.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

var _ Bus = (*MemoryBus)(nil)
