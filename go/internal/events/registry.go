package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownEventType is returned when a tag has no registered decoder.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrMalformedEvent is returned when content does not decode into its tagged shape.
	ErrMalformedEvent = errors.New("malformed event")
)

type decoder func(content []byte) (Event, error)

// registry is closed: decoding never falls back to structural guessing.
var registry = map[Type]decoder{
	TypeBasketCheckout:   decodeAs[BasketCheckoutEvent],
	TypeOrderCreated:     decodeAs[OrderCreatedEvent],
	TypeOrderUpdated:     decodeAs[OrderUpdatedEvent],
	TypePaymentCompleted: decodeAs[PaymentCompletedEvent],
	TypePaymentFailed:    decodeAs[PaymentFailedEvent],
}

func decodeAs[T Event](content []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(content, &ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if ev.Base().CorrelationID == "" {
		return nil, fmt.Errorf("%w: missing CorrelationId", ErrMalformedEvent)
	}
	return ev, nil
}

// Decode turns a tagged payload into its concrete event.
func Decode(t Type, content []byte) (Event, error) {
	dec, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	ev, err := dec(content)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return ev, nil
}

// Encode serializes an event into the wire format.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return data, nil
}

// Known reports whether t has a registered decoder.
func Known(t Type) bool {
	_, ok := registry[t]
	return ok
}
