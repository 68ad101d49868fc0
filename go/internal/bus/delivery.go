package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/eshop/go/internal/correlation"
	"github.com/mcdev12/eshop/go/internal/events"
)

// ErrPoisonMessage marks a delivery that can never be handled. Adapters
// drop it instead of asking for redelivery.
var ErrPoisonMessage = errors.New("poison message")

// deliver decodes a broker payload and runs h under a context carrying the
// delivery's correlation id. The header value wins over the body's.
func deliver(ctx context.Context, h Handler, eventType events.Type, body []byte, corrHeader string) error {
	ev, err := events.Decode(eventType, body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPoisonMessage, err)
	}

	corr := corrHeader
	if corr == "" {
		corr = ev.Base().CorrelationID
	}
	ctx = correlation.NewContext(ctx, corr)

	if err := SafeHandle(ctx, h, ev); err != nil {
		correlation.Logger(ctx).Error().
			Err(err).
			Str("event_type", string(eventType)).
			Msg("event handler failed")
		return err
	}
	return nil
}

// settler resolves one broker delivery.
type settler interface {
	Ack() error
	// Requeue asks the broker to redeliver later.
	Requeue() error
	// Reject drops the delivery for good.
	Reject() error
}

// settle maps a deliver outcome onto the broker: success acks, poison is
// rejected and any other handler error is requeued.
func settle(s settler, err error, messageID string) {
	switch {
	case err == nil:
		if ackErr := s.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Str("message_id", messageID).Msg("ack failed")
		}
	case errors.Is(err, ErrPoisonMessage):
		log.Error().Err(err).Str("message_id", messageID).Msg("rejecting undecodable message")
		if rejErr := s.Reject(); rejErr != nil {
			log.Error().Err(rejErr).Str("message_id", messageID).Msg("reject failed")
		}
	default:
		if reqErr := s.Requeue(); reqErr != nil {
			log.Error().Err(reqErr).Str("message_id", messageID).Msg("requeue failed")
		}
	}
}
