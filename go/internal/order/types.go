package order

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/eshop/go/internal/models"
)

// CheckoutOrderCommand creates a new pending order. OrderID is optional; a
// caller that replays the same checkout passes the same id so the replay
// fails with ErrDuplicateOrder instead of creating a second order.
type CheckoutOrderCommand struct {
	OrderID       uuid.UUID       `json:"orderId"`
	UserName      string          `json:"userName" validate:"required,max=50"`
	FirstName     string          `json:"firstName"`
	LastName      string          `json:"lastName"`
	EmailAddress  string          `json:"emailAddress"`
	AddressLine   string          `json:"addressLine"`
	Country       string          `json:"country"`
	State         string          `json:"state"`
	ZipCode       string          `json:"zipCode"`
	TotalPrice    decimal.Decimal `json:"totalPrice"`
	PaymentMethod *int            `json:"paymentMethod,omitempty"`
	CardName      string          `json:"cardName"`
	CardLast4     string          `json:"cardLast4" validate:"omitempty,len=4,numeric"`
	Expiration    string          `json:"expiration"`
}

// UpdateOrderCommand replaces the customer-facing fields of an order
type UpdateOrderCommand struct {
	ID            uuid.UUID       `json:"id" validate:"required"`
	UserName      string          `json:"userName" validate:"required,max=50"`
	FirstName     string          `json:"firstName" validate:"required"`
	LastName      string          `json:"lastName" validate:"required"`
	EmailAddress  string          `json:"emailAddress" validate:"required"`
	AddressLine   string          `json:"addressLine" validate:"required"`
	Country       string          `json:"country"`
	State         string          `json:"state"`
	ZipCode       string          `json:"zipCode"`
	TotalPrice    decimal.Decimal `json:"totalPrice" validate:"nonnegative_decimal"`
	PaymentMethod *int            `json:"paymentMethod,omitempty"`
	CardName      string          `json:"cardName"`
	CardLast4     string          `json:"cardLast4" validate:"omitempty,len=4,numeric"`
	Expiration    string          `json:"expiration"`
}

// PaymentOutcome reports what ApplyPaymentResult did
type PaymentOutcome string

const (
	// PaymentApplied means the order moved from Pending to the target status.
	PaymentApplied PaymentOutcome = "applied"
	// PaymentDuplicate means the order already had the target status.
	PaymentDuplicate PaymentOutcome = "duplicate"
	// PaymentStale means the order had already left Pending for another status.
	PaymentStale PaymentOutcome = "stale"
)

func (c CheckoutOrderCommand) toOrder() models.Order {
	return models.Order{
		UserName:     c.UserName,
		FirstName:    c.FirstName,
		LastName:     c.LastName,
		EmailAddress: c.EmailAddress,
		AddressLine:  c.AddressLine,
		Country:      c.Country,
		State:        c.State,
		ZipCode:      c.ZipCode,
		TotalPrice:   c.TotalPrice,
		Payment: models.PaymentSummary{
			Method:     c.PaymentMethod,
			CardName:   c.CardName,
			CardLast4:  c.CardLast4,
			Expiration: c.Expiration,
		},
	}
}

func (c UpdateOrderCommand) applyTo(o *models.Order) {
	o.UserName = c.UserName
	o.FirstName = c.FirstName
	o.LastName = c.LastName
	o.EmailAddress = c.EmailAddress
	o.AddressLine = c.AddressLine
	o.Country = c.Country
	o.State = c.State
	o.ZipCode = c.ZipCode
	o.TotalPrice = c.TotalPrice
	o.Payment = models.PaymentSummary{
		Method:     c.PaymentMethod,
		CardName:   c.CardName,
		CardLast4:  c.CardLast4,
		Expiration: c.Expiration,
	}
}
