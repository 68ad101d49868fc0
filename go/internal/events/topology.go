package events

// Queue names, one per consumed event type.
const (
	BasketCheckoutQueue   = "BasketCheckoutQueue"
	OrderCreatedQueue     = "OrderCreatedQueue"
	OrderUpdatedQueue     = "OrderUpdatedQueue"
	PaymentCompletedQueue = "PaymentCompletedQueue"
	PaymentFailedQueue    = "PaymentFailedQueue"
)

var queues = map[Type]string{
	TypeBasketCheckout:   BasketCheckoutQueue,
	TypeOrderCreated:     OrderCreatedQueue,
	TypeOrderUpdated:     OrderUpdatedQueue,
	TypePaymentCompleted: PaymentCompletedQueue,
	TypePaymentFailed:    PaymentFailedQueue,
}

// QueueFor returns the queue consumers of t bind to.
func QueueFor(t Type) string {
	if q, ok := queues[t]; ok {
		return q
	}
	return string(t) + "Queue"
}
