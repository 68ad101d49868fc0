package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus defines the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "Pending"
	OrderStatusPaid      OrderStatus = "Paid"
	OrderStatusFailed    OrderStatus = "Failed"
	OrderStatusShipped   OrderStatus = "Shipped"
	OrderStatusDelivered OrderStatus = "Delivered"
	OrderStatusCancelled OrderStatus = "Cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPaid, OrderStatusFailed, OrderStatusCancelled},
	OrderStatusPaid:    {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped: {OrderStatusDelivered},
}

// Valid reports whether s is one of the known statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusFailed,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Payment results only ever leave Pending, so a Paid or Failed order never regresses.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PaymentSummary holds JSONB payment details. Card numbers are stored masked.
type PaymentSummary struct {
	Method     *int   `json:"method,omitempty"`
	CardName   string `json:"card_name,omitempty"`
	CardLast4  string `json:"card_last4,omitempty"`
	Expiration string `json:"expiration,omitempty"`
}

// Order represents a customer order owned by the ordering service.
type Order struct {
	ID             uuid.UUID       `json:"id"`
	UserName       string          `json:"user_name"`
	FirstName      string          `json:"first_name"`
	LastName       string          `json:"last_name"`
	EmailAddress   string          `json:"email_address"`
	AddressLine    string          `json:"address_line"`
	Country        string          `json:"country"`
	State          string          `json:"state"`
	ZipCode        string          `json:"zip_code"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	Payment        PaymentSummary  `json:"payment"`
	Status         OrderStatus     `json:"status"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	LastModifiedAt *time.Time      `json:"last_modified_at,omitempty"`
}
