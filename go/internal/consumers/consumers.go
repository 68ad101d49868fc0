// Package consumers turns delivered integration events into ordering commands.
package consumers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/mcdev12/eshop/go/internal/bus"
	"github.com/mcdev12/eshop/go/internal/correlation"
	"github.com/mcdev12/eshop/go/internal/events"
	"github.com/mcdev12/eshop/go/internal/models"
	"github.com/mcdev12/eshop/go/internal/order"
)

// checkoutNamespace seeds order ids derived from checkout events.
var checkoutNamespace = uuid.MustParse("5b0b8f4e-3c39-4f43-9d0c-37a3f3c6a1e2")

// OrderingApp is the slice of the order app the consumers drive.
type OrderingApp interface {
	CheckoutOrder(ctx context.Context, cmd order.CheckoutOrderCommand) (uuid.UUID, error)
	ApplyPaymentResult(ctx context.Context, orderID uuid.UUID, target models.OrderStatus) (order.PaymentOutcome, error)
}

// Register subscribes every ordering consumer on sub.
func Register(sub bus.Subscriber, app OrderingApp) error {
	handlers := map[events.Type]bus.Handler{
		events.TypeBasketCheckout:   BasketCheckout(app),
		events.TypePaymentCompleted: PaymentCompleted(app),
		events.TypePaymentFailed:    PaymentFailed(app),
	}
	for _, t := range []events.Type{events.TypeBasketCheckout, events.TypePaymentCompleted, events.TypePaymentFailed} {
		if err := sub.Subscribe(t, handlers[t]); err != nil {
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
	}
	return nil
}

// BasketCheckout creates a pending order for each checkout. The order id is
// derived from the event, so a redelivered checkout is acknowledged without a
// second order.
func BasketCheckout(app OrderingApp) bus.Handler {
	return func(ctx context.Context, ev events.Event) error {
		checkout, ok := ev.(events.BasketCheckoutEvent)
		if !ok {
			return fmt.Errorf("basket checkout consumer got %s", ev.EventType())
		}
		logger := correlation.Logger(ctx)

		cmd := CheckoutCommand(checkout)
		id, err := app.CheckoutOrder(ctx, cmd)
		var verr *order.ValidationError
		switch {
		case errors.Is(err, order.ErrDuplicateOrder):
			logger.Info().Str("order_id", cmd.OrderID.String()).Msg("basket checkout already handled")
			return nil
		case errors.As(err, &verr):
			// Redelivery cannot fix an invalid checkout.
			logger.Warn().Err(err).Str("user_name", checkout.UserName).Msg("dropping invalid basket checkout")
			return nil
		case err != nil:
			return err
		}

		logger.Info().
			Str("order_id", id.String()).
			Str("user_name", checkout.UserName).
			Msg("basket checkout consumed")
		return nil
	}
}

// CheckoutCommand maps a checkout event onto the CheckoutOrder command. Only
// the last four card digits are kept.
func CheckoutCommand(ev events.BasketCheckoutEvent) order.CheckoutOrderCommand {
	var method *int
	if ev.CardTypeID != 0 {
		m := ev.CardTypeID
		method = &m
	}
	var expiration string
	if !ev.CardExpiration.IsZero() {
		expiration = ev.CardExpiration.Format("01/06")
	}

	return order.CheckoutOrderCommand{
		OrderID:       checkoutOrderID(ev),
		UserName:      ev.UserName,
		FirstName:     ev.FirstName,
		LastName:      ev.LastName,
		EmailAddress:  ev.EmailAddress,
		AddressLine:   ev.AddressLine,
		Country:       ev.Country,
		State:         ev.State,
		ZipCode:       ev.ZipCode,
		TotalPrice:    ev.TotalPrice,
		PaymentMethod: method,
		CardName:      ev.CardHolderName,
		CardLast4:     last4(ev.CardNumber),
		Expiration:    expiration,
	}
}

func checkoutOrderID(ev events.BasketCheckoutEvent) uuid.UUID {
	key := strings.Join([]string{
		ev.CorrelationID,
		ev.UserName,
		ev.CreationDate.UTC().Format(time.RFC3339Nano),
	}, "|")
	return uuid.NewSHA1(checkoutNamespace, []byte(key))
}

func last4(cardNumber string) string {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, cardNumber)
	if len(digits) < 4 {
		return ""
	}
	return digits[len(digits)-4:]
}

// PaymentCompleted marks the order Paid.
func PaymentCompleted(app OrderingApp) bus.Handler {
	return func(ctx context.Context, ev events.Event) error {
		completed, ok := ev.(events.PaymentCompletedEvent)
		if !ok {
			return fmt.Errorf("payment completed consumer got %s", ev.EventType())
		}
		return applyPayment(ctx, app, completed.OrderID, models.OrderStatusPaid)
	}
}

// PaymentFailed marks the order Failed.
func PaymentFailed(app OrderingApp) bus.Handler {
	return func(ctx context.Context, ev events.Event) error {
		failed, ok := ev.(events.PaymentFailedEvent)
		if !ok {
			return fmt.Errorf("payment failed consumer got %s", ev.EventType())
		}
		correlation.Logger(ctx).Info().
			Str("order_id", failed.OrderID.String()).
			Str("reason", failed.Reason).
			Msg("payment failed")
		return applyPayment(ctx, app, failed.OrderID, models.OrderStatusFailed)
	}
}

// applyPayment treats a missing order as non-fatal: the order write may not
// be visible yet on this replica.
func applyPayment(ctx context.Context, app OrderingApp, orderID uuid.UUID, target models.OrderStatus) error {
	_, err := app.ApplyPaymentResult(ctx, orderID, target)
	if errors.Is(err, order.ErrOrderNotFound) {
		correlation.Logger(ctx).Warn().
			Str("order_id", orderID.String()).
			Str("target_status", string(target)).
			Msg("order not found for payment result")
		return nil
	}
	return err
}
