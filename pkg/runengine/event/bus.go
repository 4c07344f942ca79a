package event

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// Bus provides channel-scoped pub/sub with fan-out.
type Bus interface {
	// Publish sends an event to every subscriber of its channel.
	Publish(ctx context.Context, evt Event) error

	// Subscribe delivers events on channel whose type is in types to
	// handler. An empty types slice subscribes to every type.
	Subscribe(channel string, types []string, handler Handler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe removes the subscription. Safe to call more than once.
	Unsubscribe()
}

// BusConfig configures bus behavior.
type BusConfig struct {
	// BufferSize is the channel buffer size per subscription.
	// Default: 256
	BufferSize int

	// MaxSubscribers limits total subscriptions.
	// Default: 0 (unlimited)
	MaxSubscribers int

	// NonBlocking makes Publish non-blocking (drops events if buffer full).
	// Default: false (blocking)
	NonBlocking bool

	// DeduplicateTTL enables deduplication by event ID with the given TTL.
	// Default: 0 (disabled)
	DeduplicateTTL time.Duration

	// OnDrop is called when an event is dropped (non-blocking mode).
	OnDrop func(evt Event, subscriberID string)

	// OnError is called when a handler returns an error.
	OnError func(evt Event, subscriberID string, err error)
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	BufferSize: 256,
}

// ErrTooManySubscribers is returned when MaxSubscribers is reached.
var ErrTooManySubscribers = errors.New("subscriber limit reached")

// LocalBus is an in-memory event bus. Each subscription owns a buffered
// queue and a goroutine, so a slow handler only delays its own deliveries.
type LocalBus struct {
	config BusConfig

	mu        sync.RWMutex
	byChannel map[string]map[string]*subscription // channel -> subscription ID -> subscription

	// Deduplication cache
	dedupeMu    sync.Mutex
	dedupeCache map[string]time.Time

	nextID  atomic.Int64
	closed  atomic.Bool
	closeCh chan struct{}
}

var _ Bus = (*LocalBus)(nil)

// NewBus creates a new local event bus.
func NewBus(config BusConfig) *LocalBus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig.BufferSize
	}

	bus := &LocalBus{
		config:    config,
		byChannel: make(map[string]map[string]*subscription),
		closeCh:   make(chan struct{}),
	}

	if config.DeduplicateTTL > 0 {
		bus.dedupeCache = make(map[string]time.Time)
		go bus.cleanupDedupe()
	}

	return bus
}

type subscription struct {
	id      string
	channel string
	types   []string
	handler Handler
	events  chan Event
	done    chan struct{}
	once    sync.Once
	bus     *LocalBus
}

// Publish sends an event to all matching subscribers.
func (b *LocalBus) Publish(ctx context.Context, evt Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	if b.config.DeduplicateTTL > 0 && b.seen(evt) {
		return nil
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.byChannel[evt.Channel()]))
	for _, sub := range b.byChannel[evt.Channel()] {
		if matches(sub.types, evt.Type()) {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if b.config.NonBlocking {
			select {
			case sub.events <- evt:
			default:
				if b.config.OnDrop != nil {
					b.config.OnDrop(evt, sub.id)
				}
			}
			continue
		}

		select {
		case sub.events <- evt:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closeCh:
			return ErrBusClosed
		}
	}

	return nil
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(channel string, types []string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.config.MaxSubscribers > 0 && b.countLocked() >= b.config.MaxSubscribers {
		return nil, ErrTooManySubscribers
	}

	sub := &subscription{
		id:      strconv.FormatInt(b.nextID.Add(1), 10),
		channel: channel,
		types:   append([]string(nil), types...),
		handler: handler,
		events:  make(chan Event, b.config.BufferSize),
		done:    make(chan struct{}),
		bus:     b,
	}
	if b.byChannel[channel] == nil {
		b.byChannel[channel] = make(map[string]*subscription)
	}
	b.byChannel[channel][sub.id] = sub

	go sub.process()

	return sub, nil
}

func (b *LocalBus) countLocked() int {
	n := 0
	for _, subs := range b.byChannel {
		n += len(subs)
	}
	return n
}

// Close shuts down the bus.
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(b.closeCh)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.byChannel {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.byChannel = make(map[string]map[string]*subscription)
	return nil
}

// process handles events for a subscription.
func (s *subscription) process() {
	for {
		select {
		case evt := <-s.events:
			if err := s.handler.Handle(context.Background(), evt); err != nil && s.bus.config.OnError != nil {
				s.bus.config.OnError(evt, s.id, err)
			}
		case <-s.done:
			return
		}
	}
}

// Unsubscribe removes the subscription.
func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	if subs, ok := s.bus.byChannel[s.channel]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.byChannel, s.channel)
		}
	}
	s.bus.mu.Unlock()

	s.stop()
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// seen records evt and reports whether its ID was already published within
// the deduplication window.
func (b *LocalBus) seen(evt Event) bool {
	b.dedupeMu.Lock()
	defer b.dedupeMu.Unlock()

	if _, exists := b.dedupeCache[evt.ID()]; exists {
		return true
	}
	b.dedupeCache[evt.ID()] = time.Now()
	return false
}

func (b *LocalBus) cleanupDedupe() {
	interval := max(b.config.DeduplicateTTL/2, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.dedupeMu.Lock()
			cutoff := time.Now().Add(-b.config.DeduplicateTTL)
			for id, ts := range b.dedupeCache {
				if ts.Before(cutoff) {
					delete(b.dedupeCache, id)
				}
			}
			b.dedupeMu.Unlock()

		case <-b.closeCh:
			return
		}
	}
}
