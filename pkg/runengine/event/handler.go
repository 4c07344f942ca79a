package event

import (
	"context"
	"slices"
)

// Handler processes events delivered by a Bus.
type Handler interface {
	Handle(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// TypedHandler wraps a function handling a specific payload type.
func TypedHandler[T any](fn func(ctx context.Context, payload T, meta Metadata) error) Handler {
	return HandlerFunc(func(ctx context.Context, evt Event) error {
		payload, err := Decode[T](evt)
		if err != nil {
			return err
		}
		return fn(ctx, payload, metadataOf(evt))
	})
}

func metadataOf(evt Event) Metadata {
	return Metadata{
		EventID:       evt.ID(),
		EventType:     evt.Type(),
		EventChannel:  evt.Channel(),
		CorrelationID: evt.CorrelationID(),
		Timestamp:     evt.Timestamp(),
		SchemaVersion: 1,
	}
}

// matches reports whether an event type passes a subscription filter.
// An empty filter accepts everything.
func matches(types []string, eventType string) bool {
	return len(types) == 0 || slices.Contains(types, eventType)
}
