package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/eshop/go/internal/models"
	"github.com/mcdev12/eshop/go/internal/order"
	"github.com/mcdev12/eshop/go/internal/sqlutil"
)

const uniqueViolation = "23505"

const orderColumns = `id, user_name, first_name, last_name, email_address, address_line,
	country, state, zip_code, total_price, payment, status, version, created_at, last_modified_at`

// Store is the Postgres-backed order unit of work and outbox store.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// WithinTx runs fn in one transaction, so order writes and their outbox rows commit together.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repo order.Repository) error) error {
	return sqlutil.Run(ctx, s.db, nil,
		func(tx *sql.Tx) *queries { return &queries{tx: tx} },
		func(q *queries) error { return fn(ctx, q) },
	)
}

// queries binds the repository methods to a single transaction.
type queries struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (models.Order, error) {
	var (
		o            models.Order
		status       string
		payment      pqtype.NullRawMessage
		lastModified sql.NullTime
	)
	err := row.Scan(
		&o.ID, &o.UserName, &o.FirstName, &o.LastName, &o.EmailAddress, &o.AddressLine,
		&o.Country, &o.State, &o.ZipCode, &o.TotalPrice, &payment, &status, &o.Version,
		&o.CreatedAt, &lastModified,
	)
	if err != nil {
		return models.Order{}, err
	}
	if err := sqlutil.FromNullJSON(payment, &o.Payment); err != nil {
		return models.Order{}, err
	}
	o.Status = models.OrderStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.LastModifiedAt = sqlutil.FromSqlTime(lastModified)
	return o, nil
}

func (q *queries) Add(ctx context.Context, o *models.Order) error {
	payment, err := sqlutil.ToNullJSON(o.Payment)
	if err != nil {
		return err
	}

	_, err = q.tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14)`,
		o.ID, o.UserName, o.FirstName, o.LastName, o.EmailAddress, o.AddressLine,
		o.Country, o.State, o.ZipCode, o.TotalPrice, payment, string(o.Status),
		o.CreatedAt.UTC(), sqlutil.ToSqlTime(o.LastModifiedAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return order.ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", err)
	}
	o.Version = 1
	return nil
}

func (q *queries) Update(ctx context.Context, o *models.Order) error {
	payment, err := sqlutil.ToNullJSON(o.Payment)
	if err != nil {
		return err
	}

	res, err := q.tx.ExecContext(ctx, `
		UPDATE orders SET
			user_name = $3, first_name = $4, last_name = $5, email_address = $6,
			address_line = $7, country = $8, state = $9, zip_code = $10,
			total_price = $11, payment = $12, status = $13, last_modified_at = $14,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		o.ID, o.Version, o.UserName, o.FirstName, o.LastName, o.EmailAddress,
		o.AddressLine, o.Country, o.State, o.ZipCode, o.TotalPrice, payment,
		string(o.Status), sqlutil.ToSqlTime(o.LastModifiedAt),
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order rows affected: %w", err)
	}
	if n == 0 {
		if _, err := q.GetByID(ctx, o.ID); err != nil {
			return err
		}
		return order.ErrConcurrentUpdate
	}
	o.Version++
	return nil
}

func (q *queries) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := q.tx.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete order rows affected: %w", err)
	}
	if n == 0 {
		return order.ErrOrderNotFound
	}
	return nil
}

func (q *queries) GetByID(ctx context.Context, id uuid.UUID) (models.Order, error) {
	row := q.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, order.ErrOrderNotFound
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (q *queries) GetAll(ctx context.Context, f order.Filter) ([]models.Order, error) {
	rows, err := q.tx.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE ($1 = '' OR user_name = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at ASC`,
		f.UserName, string(f.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	out := make([]models.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (q *queries) AddOutboxMessage(ctx context.Context, msg models.OutboxMessage) error {
	_, err := q.tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, type, content, correlation_id, occurred_on)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.Type, msg.Content, msg.CorrelationID, msg.OccurredOn.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

var _ order.UnitOfWork = (*Store)(nil)
var _ order.Repository = (*queries)(nil)
