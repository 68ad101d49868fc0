// Package events defines the integration event contracts exchanged between
// the basket, ordering and payment services.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func init() {
	// Prices travel as JSON numbers on the wire.
	decimal.MarshalJSONWithoutQuotes = true
}

// Type is the symbolic tag stored in outbox rows and used for routing.
type Type string

const (
	TypeBasketCheckout   Type = "BasketCheckout"
	TypeOrderCreated     Type = "OrderCreated"
	TypeOrderUpdated     Type = "OrderUpdated"
	TypePaymentCompleted Type = "PaymentCompleted"
	TypePaymentFailed    Type = "PaymentFailed"
)

// OrderSnapshotVersion is bumped whenever OrderSnapshot changes shape.
const OrderSnapshotVersion = 1

// Event is implemented by every integration event.
type Event interface {
	EventType() Type
	Base() BaseIntegrationEvent
}

// BaseIntegrationEvent carries the fields shared by every event.
type BaseIntegrationEvent struct {
	CorrelationID string    `json:"CorrelationId"`
	CreationDate  time.Time `json:"CreationDate"`
}

// NewBase returns a base stamped with the given correlation id. An empty id
// starts a new causal chain.
func NewBase(correlationID string, now time.Time) BaseIntegrationEvent {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return BaseIntegrationEvent{CorrelationID: correlationID, CreationDate: now.UTC()}
}

func (b BaseIntegrationEvent) Base() BaseIntegrationEvent { return b }

// OrderSnapshot is the versioned view of an order that downstream services rely on.
type OrderSnapshot struct {
	SchemaVersion  int             `json:"SchemaVersion"`
	OrderID        uuid.UUID       `json:"OrderId"`
	UserName       string          `json:"UserName"`
	FirstName      string          `json:"FirstName"`
	LastName       string          `json:"LastName"`
	EmailAddress   string          `json:"EmailAddress"`
	AddressLine    string          `json:"AddressLine"`
	Country        string          `json:"Country"`
	State          string          `json:"State"`
	ZipCode        string          `json:"ZipCode"`
	TotalPrice     decimal.Decimal `json:"TotalPrice"`
	PaymentMethod  *int            `json:"PaymentMethod,omitempty"`
	CardName       string          `json:"CardName,omitempty"`
	CardLast4      string          `json:"CardLast4,omitempty"`
	Expiration     string          `json:"Expiration,omitempty"`
	Status         string          `json:"Status"`
	LastModifiedOn *time.Time      `json:"LastModifiedOn,omitempty"`
}

type OrderCreatedEvent struct {
	BaseIntegrationEvent
	OrderSnapshot
}

func (OrderCreatedEvent) EventType() Type { return TypeOrderCreated }

type OrderUpdatedEvent struct {
	BaseIntegrationEvent
	OrderSnapshot
}

func (OrderUpdatedEvent) EventType() Type { return TypeOrderUpdated }

type PaymentCompletedEvent struct {
	BaseIntegrationEvent
	OrderID    uuid.UUID       `json:"OrderId"`
	UserName   string          `json:"UserName"`
	TotalPrice decimal.Decimal `json:"TotalPrice"`
	TimeStamp  time.Time       `json:"TimeStamp"`
}

func (PaymentCompletedEvent) EventType() Type { return TypePaymentCompleted }

type PaymentFailedEvent struct {
	BaseIntegrationEvent
	OrderID   uuid.UUID `json:"OrderId"`
	UserName  string    `json:"UserName"`
	Reason    string    `json:"Reason"`
	TimeStamp time.Time `json:"TimeStamp"`
}

func (PaymentFailedEvent) EventType() Type { return TypePaymentFailed }

// BasketCheckoutEvent is published by the basket service when a customer checks out.
type BasketCheckoutEvent struct {
	BaseIntegrationEvent
	UserName           string          `json:"UserName"`
	TotalPrice         decimal.Decimal `json:"TotalPrice"`
	FirstName          string          `json:"FirstName"`
	LastName           string          `json:"LastName"`
	EmailAddress       string          `json:"EmailAddress"`
	AddressLine        string          `json:"AddressLine"`
	Country            string          `json:"Country"`
	State              string          `json:"State"`
	ZipCode            string          `json:"ZipCode"`
	CardNumber         string          `json:"CardNumber"`
	CardHolderName     string          `json:"CardHolderName"`
	CardExpiration     time.Time       `json:"CardExpiration"`
	CardSecurityNumber string          `json:"CardSecurityNumber"`
	CardTypeID         int             `json:"CardTypeId"`
}

func (BasketCheckoutEvent) EventType() Type { return TypeBasketCheckout }
