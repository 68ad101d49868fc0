// Package bus is the publish/subscribe contract between services and the broker.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcdev12/eshop/go/internal/events"
)

var (
	ErrClosed      = errors.New("bus closed")
	ErrUnavailable = errors.New("bus unavailable")
)

// Message header keys shared by broker adapters.
const (
	HeaderEventType     = "Event-Type"
	HeaderMessageID     = "Message-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

// Handler reacts to a delivered event. A non-nil error asks the broker to redeliver.
type Handler func(ctx context.Context, ev events.Event) error

type Publisher interface {
	Publish(ctx context.Context, ev events.Event, opts ...PublishOption) error
}

type Subscriber interface {
	Subscribe(eventType events.Type, h Handler) error
}

// PublishOptions tune a single publish call.
type PublishOptions struct {
	// MessageID lets brokers drop duplicates of the same outbox row.
	MessageID string
}

type PublishOption func(*PublishOptions)

func WithMessageID(id string) PublishOption {
	return func(o *PublishOptions) { o.MessageID = id }
}

func ApplyOptions(opts ...PublishOption) PublishOptions {
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Headers returns the transport headers for ev.
func Headers(ev events.Event, o PublishOptions) map[string]string {
	h := map[string]string{
		HeaderEventType:     string(ev.EventType()),
		HeaderCorrelationID: ev.Base().CorrelationID,
	}
	if o.MessageID != "" {
		h[HeaderMessageID] = o.MessageID
	}
	return h
}

// SafeHandle runs h and turns a panic into an error so one poisoned message
// cannot take down a consumer loop.
func SafeHandle(ctx context.Context, h Handler, ev events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic for %s: %v", ev.EventType(), r)
		}
	}()
	return h(ctx, ev)
}
