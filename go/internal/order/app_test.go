package order_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/eshop/go/internal/correlation"
	"github.com/mcdev12/eshop/go/internal/events"
	"github.com/mcdev12/eshop/go/internal/models"
	"github.com/mcdev12/eshop/go/internal/order"
	"github.com/mcdev12/eshop/go/internal/storage/memory"
)

func newApp(t *testing.T) (*order.App, *memory.Store, *clockwork.FakeClock) {
	t.Helper()
	store := memory.NewStore()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	return order.NewApp(store, clock), store, clock
}

func checkout(userName string, price string) order.CheckoutOrderCommand {
	return order.CheckoutOrderCommand{
		UserName:     userName,
		FirstName:    "Alice",
		LastName:     "Liddell",
		EmailAddress: "alice@example.com",
		AddressLine:  "1 Rabbit Hole",
		Country:      "UK",
		TotalPrice:   decimal.RequireFromString(price),
		CardName:     "A LIDDELL",
		CardLast4:    "4242",
		Expiration:   "12/29",
	}
}

func TestCheckoutOrder_CreatesPendingOrderAndOutboxRow(t *testing.T) {
	app, store, clock := newApp(t)
	ctx := correlation.NewContext(context.Background(), "corr-alice")

	id, err := app.CheckoutOrder(ctx, checkout("alice", "100"))
	require.NoError(t, err)

	o, ok := store.Order(id)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusPending, o.Status)
	assert.Equal(t, "alice", o.UserName)
	assert.Equal(t, int64(1), o.Version)

	msgs := store.OutboxMessages()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, "OrderCreated", msg.Type)
	assert.Equal(t, "corr-alice", msg.CorrelationID)
	assert.Equal(t, clock.Now(), msg.OccurredOn)
	assert.Contains(t, msg.Content, id.String())
	assert.True(t, msg.Pending())

	ev, err := events.Decode(events.TypeOrderCreated, []byte(msg.Content))
	require.NoError(t, err)
	created := ev.(events.OrderCreatedEvent)
	assert.Equal(t, id, created.OrderID)
	assert.Equal(t, "corr-alice", created.CorrelationID)
	assert.Equal(t, "Pending", created.Status)
	assert.Equal(t, events.OrderSnapshotVersion, created.SchemaVersion)
	assert.True(t, created.TotalPrice.Equal(decimal.NewFromInt(100)))
}

func TestCheckoutOrder_GeneratesCorrelationWhenAbsent(t *testing.T) {
	app, store, _ := newApp(t)

	_, err := app.CheckoutOrder(context.Background(), checkout("bob", "10"))
	require.NoError(t, err)

	msgs := store.OutboxMessages()
	require.Len(t, msgs, 1)
	_, err = uuid.Parse(msgs[0].CorrelationID)
	require.NoError(t, err)
}

func TestCheckoutOrder_OutboxFailureDiscardsOrder(t *testing.T) {
	app, store, _ := newApp(t)
	store.SetOutboxWriteError(errors.New("disk full"))

	_, err := app.CheckoutOrder(context.Background(), checkout("alice", "100"))
	require.Error(t, err)

	assert.Equal(t, 0, store.OrderCount())
	assert.Empty(t, store.OutboxMessages())
}

func TestCheckoutOrder_Validation(t *testing.T) {
	app, store, _ := newApp(t)

	cmd := checkout("", "100")
	_, err := app.CheckoutOrder(context.Background(), cmd)

	var verr *order.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "userName")
	assert.Equal(t, 0, store.OrderCount())
}

func TestCheckoutOrder_AllowsNonPositivePrice(t *testing.T) {
	app, store, _ := newApp(t)

	id, err := app.CheckoutOrder(context.Background(), checkout("carol", "-5"))
	require.NoError(t, err)

	o, ok := store.Order(id)
	require.True(t, ok)
	assert.True(t, o.TotalPrice.Equal(decimal.NewFromInt(-5)))
}

func TestApplyPaymentResult_Idempotent(t *testing.T) {
	app, store, _ := newApp(t)
	ctx := correlation.NewContext(context.Background(), "corr-1")
	id, err := app.CheckoutOrder(ctx, checkout("alice", "100"))
	require.NoError(t, err)

	outcome, err := app.ApplyPaymentResult(ctx, id, models.OrderStatusPaid)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentApplied, outcome)

	outcome, err = app.ApplyPaymentResult(ctx, id, models.OrderStatusPaid)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentDuplicate, outcome)

	o, _ := store.Order(id)
	assert.Equal(t, models.OrderStatusPaid, o.Status)
	assert.Equal(t, int64(2), o.Version)

	msgs := store.OutboxMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "OrderUpdated", msgs[1].Type)
	assert.Equal(t, "corr-1", msgs[1].CorrelationID)
}

func TestApplyPaymentResult_StaleResultIgnored(t *testing.T) {
	app, store, _ := newApp(t)
	id, err := app.CheckoutOrder(context.Background(), checkout("alice", "100"))
	require.NoError(t, err)

	_, err = app.ApplyPaymentResult(context.Background(), id, models.OrderStatusPaid)
	require.NoError(t, err)

	outcome, err := app.ApplyPaymentResult(context.Background(), id, models.OrderStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentStale, outcome)

	o, _ := store.Order(id)
	assert.Equal(t, models.OrderStatusPaid, o.Status)
	assert.Len(t, store.OutboxMessages(), 2)
}

func TestApplyPaymentResult_MissingOrder(t *testing.T) {
	app, store, _ := newApp(t)

	_, err := app.ApplyPaymentResult(context.Background(), uuid.New(), models.OrderStatusFailed)
	require.ErrorIs(t, err, order.ErrOrderNotFound)
	assert.Equal(t, 0, store.OrderCount())
	assert.Empty(t, store.OutboxMessages())
}

func TestApplyPaymentResult_RejectsNonPaymentStatus(t *testing.T) {
	app, _, _ := newApp(t)

	_, err := app.ApplyPaymentResult(context.Background(), uuid.New(), models.OrderStatusShipped)
	require.ErrorIs(t, err, order.ErrInvalidStatus)
}

func TestApplyPaymentResult_ConcurrentDeliveries(t *testing.T) {
	app, store, _ := newApp(t)
	id, err := app.CheckoutOrder(context.Background(), checkout("alice", "100"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := app.ApplyPaymentResult(context.Background(), id, models.OrderStatusPaid)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	o, _ := store.Order(id)
	assert.Equal(t, models.OrderStatusPaid, o.Status)
	assert.Len(t, store.OutboxMessages(), 2)
}

// conflictOnce fails the first Update it sees with ErrConcurrentUpdate.
type conflictOnce struct {
	*memory.Store
	mu    sync.Mutex
	fired bool
}

func (c *conflictOnce) WithinTx(ctx context.Context, fn func(context.Context, order.Repository) error) error {
	return c.Store.WithinTx(ctx, func(ctx context.Context, repo order.Repository) error {
		return fn(ctx, &conflictRepo{Repository: repo, parent: c})
	})
}

type conflictRepo struct {
	order.Repository
	parent *conflictOnce
}

func (r *conflictRepo) Update(ctx context.Context, o *models.Order) error {
	r.parent.mu.Lock()
	fire := !r.parent.fired
	r.parent.fired = true
	r.parent.mu.Unlock()
	if fire {
		return order.ErrConcurrentUpdate
	}
	return r.Repository.Update(ctx, o)
}

func TestApplyPaymentResult_RetriesVersionConflict(t *testing.T) {
	store := memory.NewStore()
	uow := &conflictOnce{Store: store}
	clock := clockwork.NewFakeClock()
	app := order.NewApp(uow, clock)

	id, err := order.NewApp(store, clock).CheckoutOrder(context.Background(), checkout("alice", "100"))
	require.NoError(t, err)

	outcome, err := app.ApplyPaymentResult(context.Background(), id, models.OrderStatusPaid)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentApplied, outcome)

	o, _ := store.Order(id)
	assert.Equal(t, models.OrderStatusPaid, o.Status)
}

func TestUpdateOrder(t *testing.T) {
	app, store, clock := newApp(t)
	id, err := app.CheckoutOrder(context.Background(), checkout("alice", "100"))
	require.NoError(t, err)
	clock.Advance(time.Minute)

	ctx := correlation.NewContext(context.Background(), "corr-upd")
	_, err = app.UpdateOrder(ctx, order.UpdateOrderCommand{
		ID:           id,
		UserName:     "alice",
		FirstName:    "Alice",
		LastName:     "Pleasance",
		EmailAddress: "alice@example.com",
		AddressLine:  "2 Looking Glass",
		TotalPrice:   decimal.NewFromInt(120),
	})
	require.NoError(t, err)

	o, _ := store.Order(id)
	assert.Equal(t, "Pleasance", o.LastName)
	assert.Equal(t, models.OrderStatusPending, o.Status)
	require.NotNil(t, o.LastModifiedAt)
	assert.Equal(t, clock.Now(), *o.LastModifiedAt)

	msgs := store.OutboxMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "OrderUpdated", msgs[1].Type)
	assert.Equal(t, "corr-upd", msgs[1].CorrelationID)
}

func TestUpdateOrder_Errors(t *testing.T) {
	app, _, _ := newApp(t)

	_, err := app.UpdateOrder(context.Background(), order.UpdateOrderCommand{
		ID:           uuid.New(),
		UserName:     "alice",
		FirstName:    "Alice",
		LastName:     "L",
		EmailAddress: "a@example.com",
		AddressLine:  "x",
	})
	require.ErrorIs(t, err, order.ErrOrderNotFound)

	_, err = app.UpdateOrder(context.Background(), order.UpdateOrderCommand{
		UserName:   "this-user-name-is-far-too-long-to-be-accepted-by-the-validator",
		TotalPrice: decimal.NewFromInt(-1),
	})
	var verr *order.ValidationError
	require.ErrorAs(t, err, &verr)
	for _, field := range []string{"id", "userName", "firstName", "lastName", "emailAddress", "addressLine", "totalPrice"} {
		assert.Contains(t, verr.Fields, field)
	}
}

func TestDeleteOrder(t *testing.T) {
	app, store, _ := newApp(t)
	id, err := app.CheckoutOrder(context.Background(), checkout("alice", "100"))
	require.NoError(t, err)

	require.NoError(t, app.DeleteOrder(context.Background(), id))
	_, ok := store.Order(id)
	assert.False(t, ok)
	assert.Len(t, store.OutboxMessages(), 1)

	require.ErrorIs(t, app.DeleteOrder(context.Background(), id), order.ErrOrderNotFound)
}

func TestGetOrdersByUserName(t *testing.T) {
	app, _, clock := newApp(t)
	for _, name := range []string{"alice", "bob", "alice"} {
		_, err := app.CheckoutOrder(context.Background(), checkout(name, "10"))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	orders, err := app.GetOrdersByUserName(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.True(t, orders[0].CreatedAt.Before(orders[1].CreatedAt))

	orders, err = app.GetOrdersByUserName(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCheckoutOrder_ReplayWithSameOrderID(t *testing.T) {
	app, store, _ := newApp(t)
	ctx := correlation.NewContext(context.Background(), "corr-replay")

	cmd := checkout("alice", "100")
	cmd.OrderID = uuid.New()

	id, err := app.CheckoutOrder(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, cmd.OrderID, id)

	_, err = app.CheckoutOrder(ctx, cmd)
	require.ErrorIs(t, err, order.ErrDuplicateOrder)
	assert.Equal(t, 1, store.OrderCount())
	assert.Len(t, store.OutboxMessages(), 1)
}
