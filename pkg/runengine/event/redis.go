package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes events with Redis PUBLISH and delivers them through
// SUBSCRIBE, one Redis subscription per Subscribe call. Delivery is
// at-most-once: subscribers only see events published while they are
// connected.
type RedisBus struct {
	client  redis.UniversalClient
	prefix  string
	onError func(evt Event, err error)
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ Bus = (*RedisBus)(nil)

// RedisOption configures a RedisBus.
type RedisOption func(*RedisBus)

// WithChannelPrefix namespaces every Redis channel, e.g. "runengine:".
func WithChannelPrefix(prefix string) RedisOption {
	return func(b *RedisBus) {
		b.prefix = prefix
	}
}

// WithRedisErrorHandler is called when a handler fails or a message cannot
// be decoded. The default logs a warning.
func WithRedisErrorHandler(fn func(evt Event, err error)) RedisOption {
	return func(b *RedisBus) {
		b.onError = fn
	}
}

// WithRedisLogger sets the logger used by the default error handler.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(b *RedisBus) {
		b.logger = logger
	}
}

// NewRedisBus creates a bus over client. The caller keeps ownership of the
// client; Close only tears down subscriptions.
func NewRedisBus(client redis.UniversalClient, opts ...RedisOption) *RedisBus {
	b := &RedisBus{
		client: client,
		logger: slog.Default(),
		subs:   make(map[*redisSubscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.onError == nil {
		b.onError = func(evt Event, err error) {
			attrs := []any{slog.String("error", err.Error())}
			if evt != nil {
				attrs = append(attrs, slog.String("event_id", evt.ID()), slog.String("event_type", evt.Type()))
			}
			b.logger.Warn("redis bus delivery failed", attrs...)
		}
	}
	return b
}

// wireEvent is the JSON envelope sent over Redis.
type wireEvent struct {
	Meta    Metadata        `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	data, err := json.Marshal(wireEvent{Meta: metadataOf(evt), Payload: evt.DataBytes()})
	if err != nil {
		return &EventError{Event: evt, Message: "encode event", Err: err}
	}
	if err := b.client.Publish(ctx, b.prefix+evt.Channel(), data).Err(); err != nil {
		return &EventError{Event: evt, Message: "redis publish", Err: err}
	}
	return nil
}

// Subscribe implements Bus. It returns once Redis has confirmed the
// subscription, so events published afterwards are delivered.
func (b *RedisBus) Subscribe(channel string, types []string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	ctx := context.Background()
	ps := b.client.Subscribe(ctx, b.prefix+channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		bus:     b,
		ps:      ps,
		types:   append([]string(nil), types...),
		handler: handler,
	}
	b.subs[sub] = struct{}{}

	msgs := ps.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.process(msgs)
	}()

	return sub, nil
}

// Close unsubscribes everything and waits for in-flight handlers.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*redisSubscription]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
	b.wg.Wait()
	return nil
}

type redisSubscription struct {
	bus     *RedisBus
	ps      *redis.PubSub
	types   []string
	handler Handler
	once    sync.Once
}

func (s *redisSubscription) process(msgs <-chan *redis.Message) {
	for msg := range msgs {
		var wire wireEvent
		if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
			s.bus.onError(nil, fmt.Errorf("decode message on %s: %w", msg.Channel, err))
			continue
		}
		if !matches(s.types, wire.Meta.EventType) {
			continue
		}
		evt := &BaseEvent[json.RawMessage]{Meta: wire.Meta, Payload: wire.Payload}
		if err := s.handler.Handle(context.Background(), evt); err != nil {
			s.bus.onError(evt, err)
		}
	}
}

// Unsubscribe implements Subscription.
func (s *redisSubscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.close()
}

func (s *redisSubscription) close() {
	s.once.Do(func() {
		_ = s.ps.Close()
	})
}
