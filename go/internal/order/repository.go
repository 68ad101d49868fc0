package order

import (
	"context"

	"github.com/google/uuid"

	"github.com/mcdev12/eshop/go/internal/models"
)

// Filter selects orders for GetAll. Zero fields match everything.
type Filter struct {
	UserName string
	Status   models.OrderStatus
}

func (f Filter) Matches(o models.Order) bool {
	if f.UserName != "" && o.UserName != f.UserName {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	return true
}

// Repository is the storage contract the order app needs. Every method runs
// inside the unit of work that handed out the Repository.
type Repository interface {
	Add(ctx context.Context, o *models.Order) error
	// Update persists o if its Version still matches the stored row and then
	// bumps o.Version. A mismatch returns ErrConcurrentUpdate.
	Update(ctx context.Context, o *models.Order) error
	Delete(ctx context.Context, id uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (models.Order, error)
	GetAll(ctx context.Context, f Filter) ([]models.Order, error)
	AddOutboxMessage(ctx context.Context, msg models.OutboxMessage) error
}

// UnitOfWork commits everything fn wrote through repo, or nothing when fn errors.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}
