// Package payment simulates the payment service: it reacts to OrderCreated by
// publishing the payment result for the order.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/eshop/go/internal/bus"
	"github.com/mcdev12/eshop/go/internal/correlation"
	"github.com/mcdev12/eshop/go/internal/events"
)

// InvalidAmountReason is the PaymentFailed reason for a non-positive total.
const InvalidAmountReason = "Invalid payment amount, total price is less than 0."

// Evaluate decides the payment result for an order. The result carries the
// order's correlation id.
func Evaluate(created events.OrderCreatedEvent, now time.Time) events.Event {
	base := events.NewBase(created.CorrelationID, now)
	if created.TotalPrice.IsPositive() {
		return events.PaymentCompletedEvent{
			BaseIntegrationEvent: base,
			OrderID:              created.OrderID,
			UserName:             created.UserName,
			TotalPrice:           created.TotalPrice,
			TimeStamp:            now.UTC(),
		}
	}
	return events.PaymentFailedEvent{
		BaseIntegrationEvent: base,
		OrderID:              created.OrderID,
		UserName:             created.UserName,
		Reason:               InvalidAmountReason,
		TimeStamp:            now.UTC(),
	}
}

type Option func(*Processor)

func WithClock(c clockwork.Clock) Option {
	return func(p *Processor) { p.clock = c }
}

// WithDelay waits d before publishing each result, simulating a payment gateway.
func WithDelay(d time.Duration) Option {
	return func(p *Processor) { p.delay = d }
}

// Processor consumes OrderCreated and publishes PaymentCompleted or PaymentFailed.
type Processor struct {
	pub   bus.Publisher
	clock clockwork.Clock
	delay time.Duration
}

func NewProcessor(pub bus.Publisher, opts ...Option) *Processor {
	p := &Processor{pub: pub, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) Register(sub bus.Subscriber) error {
	if err := sub.Subscribe(events.TypeOrderCreated, p.HandleOrderCreated); err != nil {
		return fmt.Errorf("subscribe %s: %w", events.TypeOrderCreated, err)
	}
	return nil
}

// HandleOrderCreated publishes one result per order. The message id is fixed
// per order and result type, so broker-side dedupe absorbs redeliveries.
func (p *Processor) HandleOrderCreated(ctx context.Context, ev events.Event) error {
	created, ok := ev.(events.OrderCreatedEvent)
	if !ok {
		return fmt.Errorf("order created consumer got %s", ev.EventType())
	}

	if p.delay > 0 {
		select {
		case <-p.clock.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	result := Evaluate(created, p.clock.Now())
	msgID := fmt.Sprintf("%s.%s", created.OrderID, result.EventType())
	if err := p.pub.Publish(ctx, result, bus.WithMessageID(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", result.EventType(), err)
	}

	correlation.Logger(ctx).Info().
		Str("order_id", created.OrderID.String()).
		Str("total_price", created.TotalPrice.String()).
		Str("result", string(result.EventType())).
		Msg("payment processed")
	return nil
}
