package outbox

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/eshop/go/internal/events"
	"github.com/mcdev12/eshop/go/internal/models"
)

// Writer builds outbox rows. Callers persist the row in the same transaction
// as the entity change it describes.
type Writer struct {
	clock clockwork.Clock
}

func NewWriter(clock clockwork.Clock) *Writer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Writer{clock: clock}
}

// Record serializes ev into a pending row. The correlation id is copied from
// the event and never regenerated here.
func (w *Writer) Record(ev events.Event) (models.OutboxMessage, error) {
	corr := ev.Base().CorrelationID
	if corr == "" {
		return models.OutboxMessage{}, fmt.Errorf("record %s: %w", ev.EventType(), ErrMissingCorrelationID)
	}

	content, err := events.Encode(ev)
	if err != nil {
		return models.OutboxMessage{}, fmt.Errorf("record %s: %w", ev.EventType(), err)
	}

	return models.OutboxMessage{
		ID:            uuid.New(),
		Type:          string(ev.EventType()),
		Content:       string(content),
		CorrelationID: corr,
		OccurredOn:    w.clock.Now().UTC(),
	}, nil
}
