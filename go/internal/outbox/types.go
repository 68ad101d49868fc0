package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/eshop/go/internal/models"
)

var (
	ErrMissingCorrelationID = errors.New("outbox: event has no correlation id")
	// ErrUndeliverable marks rows that can never be published, such as an
	// unknown type tag. They are dead-lettered on first failure.
	ErrUndeliverable = errors.New("outbox: undeliverable message")

	ErrAlreadyRunning = errors.New("outbox dispatcher already running")
	ErrNotRunning     = errors.New("outbox dispatcher not running")
)

// Store is the shared pending-row table. ClaimPending must be safe to call from
// several dispatchers at once: a row claimed by one open batch is invisible to
// other batches until that batch commits or rolls back.
type Store interface {
	ClaimPending(ctx context.Context, limit int) (Batch, error)
	CountPending(ctx context.Context) (int, error)
}

// Batch is a set of claimed rows plus the transaction that holds the claim.
type Batch interface {
	// Messages are ordered by OccurredOn ascending.
	Messages() []models.OutboxMessage
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkFailed records the error and bumps the attempt counter. A non-nil
	// deadLetteredAt removes the row from the pending set for good.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, deadLetteredAt *time.Time) error
	// MarkDeferred records the error of a publish that never reached the
	// broker. The attempt counter is left alone.
	MarkDeferred(ctx context.Context, id uuid.UUID, reason string) error
	Commit() error
	Rollback() error
}

// DispatchResult summarizes one dispatcher cycle.
type DispatchResult struct {
	Claimed      int
	Published    int
	Failed       int
	DeadLettered int
}
