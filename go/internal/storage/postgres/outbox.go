package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/eshop/go/internal/models"
	"github.com/mcdev12/eshop/go/internal/outbox"
	"github.com/mcdev12/eshop/go/internal/sqlutil"
)

const claimPendingSQL = `
	SELECT id, type, content, correlation_id, occurred_on, processed_on,
		error_message, attempts, dead_lettered_on
	FROM outbox_messages
	WHERE processed_on IS NULL AND dead_lettered_on IS NULL
	ORDER BY occurred_on ASC
	LIMIT $1
	FOR UPDATE SKIP LOCKED`

// ClaimPending locks up to limit pending rows in a new transaction. Rows
// locked by another dispatcher are skipped, so replicas never share a row.
func (s *Store) ClaimPending(ctx context.Context, limit int) (outbox.Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin outbox batch: %w", err)
	}

	msgs, err := claim(ctx, tx, limit)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return &batch{tx: tx, msgs: msgs}, nil
}

func claim(ctx context.Context, tx *sql.Tx, limit int) ([]models.OutboxMessage, error) {
	rows, err := tx.QueryContext(ctx, claimPendingSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.OutboxMessage
	for rows.Next() {
		var (
			m            models.OutboxMessage
			processedOn  sql.NullTime
			errorMessage sql.NullString
			deadLettered sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.Type, &m.Content, &m.CorrelationID, &m.OccurredOn,
			&processedOn, &errorMessage, &m.Attempts, &deadLettered); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		m.OccurredOn = m.OccurredOn.UTC()
		m.ProcessedOn = sqlutil.FromSqlTime(processedOn)
		m.ErrorMessage = sqlutil.FromSqlStringPtr(errorMessage)
		m.DeadLetteredOn = sqlutil.FromSqlTime(deadLettered)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountPending reports rows that are neither processed nor dead-lettered.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM outbox_messages WHERE processed_on IS NULL AND dead_lettered_on IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox messages: %w", err)
	}
	return n, nil
}

type batch struct {
	tx   *sql.Tx
	msgs []models.OutboxMessage
}

func (b *batch) Messages() []models.OutboxMessage {
	return b.msgs
}

func (b *batch) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := b.tx.ExecContext(ctx,
		`UPDATE outbox_messages SET processed_on = $2 WHERE id = $1 AND processed_on IS NULL`,
		id, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark outbox message %s processed: %w", id, err)
	}
	return nil
}

func (b *batch) MarkFailed(ctx context.Context, id uuid.UUID, reason string, deadLetteredAt *time.Time) error {
	_, err := b.tx.ExecContext(ctx, `
		UPDATE outbox_messages
		SET error_message = $2, attempts = attempts + 1, dead_lettered_on = $3
		WHERE id = $1 AND processed_on IS NULL`,
		id, reason, sqlutil.ToSqlTime(deadLetteredAt),
	)
	if err != nil {
		return fmt.Errorf("mark outbox message %s failed: %w", id, err)
	}
	return nil
}

func (b *batch) MarkDeferred(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := b.tx.ExecContext(ctx, `
		UPDATE outbox_messages
		SET error_message = $2
		WHERE id = $1 AND processed_on IS NULL`,
		id, reason,
	)
	if err != nil {
		return fmt.Errorf("mark outbox message %s deferred: %w", id, err)
	}
	return nil
}

func (b *batch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("commit outbox batch: %w", err)
	}
	return nil
}

func (b *batch) Rollback() error {
	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback outbox batch: %w", err)
	}
	return nil
}

var _ outbox.Store = (*Store)(nil)
