package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"relaycore/internal/domain"
)

// DefaultBuffer is the per-subscriber mailbox size.
const DefaultBuffer = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

type subscription struct {
	id      uint64
	all     bool
	handler domain.EventHandler
	mailbox chan delivery
	once    sync.Once
}

func (s *subscription) close() { s.once.Do(func() { close(s.mailbox) }) }

// Bus is an in-process, goroutine-safe event bus. Every subscriber owns a
// mailbox drained by its own goroutine, so a subscriber sees events in
// publish order and Publish never blocks. Events that do not fit a full
// mailbox are dropped and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	typed   map[domain.EventType][]*subscription
	nextID  atomic.Uint64
	dropped atomic.Uint64
	buffer  int
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscriber mailbox size.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[uint64]*subscription),
		typed:  make(map[domain.EventType][]*subscription),
		buffer: DefaultBuffer,
		logger: logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish enqueues event for every matching subscriber.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.typed[event.Type] {
		b.offer(sub, ctx, event)
	}
	for _, sub := range b.subs {
		if sub.all {
			b.offer(sub, ctx, event)
		}
	}
}

// offer must be called with b.mu held; mailboxes are only closed under the write lock.
func (b *Bus) offer(sub *subscription, ctx context.Context, event domain.Event) {
	select {
	case sub.mailbox <- delivery{ctx: ctx, event: event}:
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			b.logger.Warn("event dropped, subscriber mailbox full",
				"event", string(event.Type),
				"dropped_total", n,
			)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := b.add(eventType, false, handler)
	return func() { b.remove(sub, eventType) }
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := b.add("", true, handler)
	return func() { b.remove(sub, "") }
}

func (b *Bus) add(eventType domain.EventType, all bool, handler domain.EventHandler) *subscription {
	sub := &subscription{
		id:      b.nextID.Add(1),
		all:     all,
		handler: handler,
		mailbox: make(chan delivery, b.buffer),
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		sub.close()
		return sub
	}
	b.subs[sub.id] = sub
	if !all {
		b.typed[eventType] = append(b.typed[eventType], sub)
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(sub)
	return sub
}

func (b *Bus) remove(sub *subscription, eventType domain.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	if !sub.all {
		list := b.typed[eventType]
		for i, s := range list {
			if s.id == sub.id {
				b.typed[eventType] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
	sub.close()
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for d := range sub.mailbox {
		b.deliver(sub, d)
	}
}

func (b *Bus) deliver(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Dropped returns how many deliveries were discarded because a mailbox was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops accepting events, lets every subscriber drain what is already
// queued, and waits for them. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	for id, sub := range b.subs {
		sub.close()
		delete(b.subs, id)
	}
	b.typed = make(map[domain.EventType][]*subscription)
	b.mu.Unlock()
	b.wg.Wait()
}
