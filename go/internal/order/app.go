package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mcdev12/eshop/go/internal/correlation"
	"github.com/mcdev12/eshop/go/internal/events"
	"github.com/mcdev12/eshop/go/internal/models"
	"github.com/mcdev12/eshop/go/internal/outbox"
)

// maxPaymentAttempts bounds retries when concurrent deliveries race on one order.
const maxPaymentAttempts = 3

// App handles order business logic
type App struct {
	uow    UnitOfWork
	writer *outbox.Writer
	clock  clockwork.Clock
}

// NewApp creates a new order App
func NewApp(uow UnitOfWork, clock clockwork.Clock) *App {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &App{
		uow:    uow,
		writer: outbox.NewWriter(clock),
		clock:  clock,
	}
}

// CheckoutOrder creates a pending order and its OrderCreated outbox row in one unit of work
func (a *App) CheckoutOrder(ctx context.Context, cmd CheckoutOrderCommand) (uuid.UUID, error) {
	ctx, corr := correlation.Ensure(ctx)
	fail := a.failure(ctx, "CheckoutOrder", func(e *zerolog.Event) {
		e.Str("user_name", cmd.UserName).Str("total_price", cmd.TotalPrice.String())
	})

	if err := validateCommand(cmd); err != nil {
		return uuid.Nil, fail(err)
	}

	now := a.clock.Now().UTC()
	o := cmd.toOrder()
	o.ID = cmd.OrderID
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.Status = models.OrderStatusPending
	o.CreatedAt = now

	err := a.uow.WithinTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := repo.Add(ctx, &o); err != nil {
			return fmt.Errorf("add order: %w", err)
		}
		return a.recordEvent(ctx, repo, events.OrderCreatedEvent{
			BaseIntegrationEvent: events.NewBase(corr, now),
			OrderSnapshot:        snapshot(o),
		})
	})
	if err != nil {
		return uuid.Nil, fail(err)
	}

	correlation.Logger(ctx).Info().
		Str("order_id", o.ID.String()).
		Str("user_name", o.UserName).
		Msg("order created with outbox message")
	return o.ID, nil
}

// UpdateOrder replaces an order's details and records an OrderUpdated event
func (a *App) UpdateOrder(ctx context.Context, cmd UpdateOrderCommand) (uuid.UUID, error) {
	ctx, corr := correlation.Ensure(ctx)
	fail := a.failure(ctx, "UpdateOrder", func(e *zerolog.Event) {
		e.Str("order_id", cmd.ID.String()).Str("user_name", cmd.UserName)
	})

	if err := validateCommand(cmd); err != nil {
		return uuid.Nil, fail(err)
	}

	err := a.uow.WithinTx(ctx, func(ctx context.Context, repo Repository) error {
		o, err := repo.GetByID(ctx, cmd.ID)
		if err != nil {
			return err
		}

		now := a.clock.Now().UTC()
		cmd.applyTo(&o)
		o.LastModifiedAt = &now
		if err := repo.Update(ctx, &o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		return a.recordEvent(ctx, repo, events.OrderUpdatedEvent{
			BaseIntegrationEvent: events.NewBase(corr, now),
			OrderSnapshot:        snapshot(o),
		})
	})
	if err != nil {
		return uuid.Nil, fail(err)
	}

	correlation.Logger(ctx).Info().Str("order_id", cmd.ID.String()).Msg("order updated")
	return cmd.ID, nil
}

// DeleteOrder removes an order. It is an admin operation and publishes nothing
func (a *App) DeleteOrder(ctx context.Context, id uuid.UUID) error {
	ctx, _ = correlation.Ensure(ctx)
	fail := a.failure(ctx, "DeleteOrder", func(e *zerolog.Event) {
		e.Str("order_id", id.String())
	})

	err := a.uow.WithinTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.Delete(ctx, id)
	})
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			correlation.Logger(ctx).Warn().Str("order_id", id.String()).Msg("order not found")
		}
		return fail(err)
	}

	correlation.Logger(ctx).Info().Str("order_id", id.String()).Msg("order deleted")
	return nil
}

// GetOrdersByUserName lists a user's orders, oldest first
func (a *App) GetOrdersByUserName(ctx context.Context, userName string) ([]models.Order, error) {
	if userName == "" {
		return []models.Order{}, nil
	}

	var orders []models.Order
	err := a.uow.WithinTx(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		orders, err = repo.GetAll(ctx, Filter{UserName: userName})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get orders for %s: %w", userName, err)
	}
	return orders, nil
}

// ApplyPaymentResult moves a pending order to Paid or Failed. Redelivered or
// out-of-order results for an order that already left Pending are no-ops.
func (a *App) ApplyPaymentResult(ctx context.Context, orderID uuid.UUID, target models.OrderStatus) (PaymentOutcome, error) {
	ctx, corr := correlation.Ensure(ctx)
	fail := a.failure(ctx, "ApplyPaymentResult", func(e *zerolog.Event) {
		e.Str("order_id", orderID.String()).Str("target_status", string(target))
	})

	if target != models.OrderStatusPaid && target != models.OrderStatusFailed {
		return "", fail(fmt.Errorf("%w: payment result %q", ErrInvalidStatus, target))
	}

	var outcome PaymentOutcome
	var err error
	for attempt := 1; attempt <= maxPaymentAttempts; attempt++ {
		outcome, err = a.applyPaymentResult(ctx, corr, orderID, target)
		if !errors.Is(err, ErrConcurrentUpdate) {
			break
		}
		correlation.Logger(ctx).Warn().
			Str("order_id", orderID.String()).
			Int("attempt", attempt).
			Msg("concurrent order update, retrying")
	}
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			// The caller decides whether a missing order is fatal.
			return "", err
		}
		return "", fail(err)
	}

	correlation.Logger(ctx).Info().
		Str("order_id", orderID.String()).
		Str("status", string(target)).
		Str("outcome", string(outcome)).
		Msg("payment result handled")
	return outcome, nil
}

func (a *App) applyPaymentResult(ctx context.Context, corr string, orderID uuid.UUID, target models.OrderStatus) (PaymentOutcome, error) {
	var outcome PaymentOutcome
	err := a.uow.WithinTx(ctx, func(ctx context.Context, repo Repository) error {
		o, err := repo.GetByID(ctx, orderID)
		if err != nil {
			return err
		}

		switch {
		case o.Status == target:
			outcome = PaymentDuplicate
			return nil
		case o.Status != models.OrderStatusPending || !o.Status.CanTransitionTo(target):
			outcome = PaymentStale
			return nil
		}

		now := a.clock.Now().UTC()
		o.Status = target
		o.LastModifiedAt = &now
		if err := repo.Update(ctx, &o); err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		if err := a.recordEvent(ctx, repo, events.OrderUpdatedEvent{
			BaseIntegrationEvent: events.NewBase(corr, now),
			OrderSnapshot:        snapshot(o),
		}); err != nil {
			return err
		}
		outcome = PaymentApplied
		return nil
	})
	return outcome, err
}

func (a *App) recordEvent(ctx context.Context, repo Repository, ev events.Event) error {
	msg, err := a.writer.Record(ev)
	if err != nil {
		return err
	}
	if err := repo.AddOutboxMessage(ctx, msg); err != nil {
		return fmt.Errorf("add outbox message: %w", err)
	}
	return nil
}

// failure returns a func that logs a failed command with its context and hands
// the error back unchanged.
func (a *App) failure(ctx context.Context, command string, fields func(*zerolog.Event)) func(error) error {
	return func(err error) error {
		e := correlation.Logger(ctx).Error().Err(err).Str("command", command)
		fields(e)
		e.Msg("command failed")
		return err
	}
}

func snapshot(o models.Order) events.OrderSnapshot {
	return events.OrderSnapshot{
		SchemaVersion:  events.OrderSnapshotVersion,
		OrderID:        o.ID,
		UserName:       o.UserName,
		FirstName:      o.FirstName,
		LastName:       o.LastName,
		EmailAddress:   o.EmailAddress,
		AddressLine:    o.AddressLine,
		Country:        o.Country,
		State:          o.State,
		ZipCode:        o.ZipCode,
		TotalPrice:     o.TotalPrice,
		PaymentMethod:  o.Payment.Method,
		CardName:       o.Payment.CardName,
		CardLast4:      o.Payment.CardLast4,
		Expiration:     o.Payment.Expiration,
		Status:         string(o.Status),
		LastModifiedOn: o.LastModifiedAt,
	}
}
