package models

import (
	"time"

	"github.com/google/uuid"
)

// OutboxMessage is a pending or processed integration event row.
// A row is pending while both ProcessedOn and DeadLetteredOn are nil.
type OutboxMessage struct {
	ID             uuid.UUID  `json:"id"`
	Type           string     `json:"type"`
	Content        string     `json:"content"`
	CorrelationID  string     `json:"correlation_id"`
	OccurredOn     time.Time  `json:"occurred_on"`
	ProcessedOn    *time.Time `json:"processed_on,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	Attempts       int        `json:"attempts"`
	DeadLetteredOn *time.Time `json:"dead_lettered_on,omitempty"`
}

// Pending reports whether the dispatcher should still try to publish the row.
func (m OutboxMessage) Pending() bool {
	return m.ProcessedOn == nil && m.DeadLetteredOn == nil
}
