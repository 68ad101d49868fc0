// Package memory is an in-process order and outbox store with the same
// transactional and claim semantics as the Postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/eshop/go/internal/models"
	"github.com/mcdev12/eshop/go/internal/order"
	"github.com/mcdev12/eshop/go/internal/outbox"
)

type Store struct {
	txMu sync.Mutex // serializes units of work

	mu        sync.Mutex
	orders    map[uuid.UUID]models.Order
	outbox    []models.OutboxMessage
	claimed   map[uuid.UUID]struct{}
	outboxErr error
}

func NewStore() *Store {
	return &Store{
		orders:  make(map[uuid.UUID]models.Order),
		claimed: make(map[uuid.UUID]struct{}),
	}
}

// SetOutboxWriteError makes every AddOutboxMessage fail with err until reset with nil.
func (s *Store) SetOutboxWriteError(err error) {
	s.mu.Lock()
	s.outboxErr = err
	s.mu.Unlock()
}

// WithinTx stages writes made through repo and applies them only if fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repo order.Repository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &txRepo{
		store:   s,
		orders:  make(map[uuid.UUID]models.Order),
		deleted: make(map[uuid.UUID]struct{}),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range tx.deleted {
		delete(s.orders, id)
	}
	for id, o := range tx.orders {
		s.orders[id] = o
	}
	s.outbox = append(s.outbox, tx.outbox...)
	return nil
}

// Order returns the committed order with id.
func (s *Store) Order(id uuid.UUID) (models.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	return o, ok
}

// OrderCount returns the number of committed orders.
func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// OutboxMessages returns every committed outbox row in insert order.
func (s *Store) OutboxMessages() []models.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OutboxMessage(nil), s.outbox...)
}

// AppendOutbox inserts rows directly, bypassing any unit of work.
func (s *Store) AppendOutbox(msgs ...models.OutboxMessage) {
	s.mu.Lock()
	s.outbox = append(s.outbox, msgs...)
	s.mu.Unlock()
}

func (s *Store) CountPending(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Pending() {
			n++
		}
	}
	return n, nil
}

// ClaimPending hides the returned rows from other batches until the batch
// commits or rolls back, like FOR UPDATE SKIP LOCKED.
func (s *Store) ClaimPending(_ context.Context, limit int) (outbox.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []models.OutboxMessage
	for _, m := range s.outbox {
		if !m.Pending() {
			continue
		}
		if _, taken := s.claimed[m.ID]; taken {
			continue
		}
		pending = append(pending, m)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].OccurredOn.Before(pending[j].OccurredOn)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	for _, m := range pending {
		s.claimed[m.ID] = struct{}{}
	}

	return &batch{store: s, msgs: pending, marks: make(map[uuid.UUID]func(*models.OutboxMessage))}, nil
}

type txRepo struct {
	store   *Store
	orders  map[uuid.UUID]models.Order
	deleted map[uuid.UUID]struct{}
	outbox  []models.OutboxMessage
}

func (r *txRepo) lookup(id uuid.UUID) (models.Order, bool) {
	if _, gone := r.deleted[id]; gone {
		return models.Order{}, false
	}
	if o, ok := r.orders[id]; ok {
		return o, true
	}
	return r.store.Order(id)
}

func (r *txRepo) Add(_ context.Context, o *models.Order) error {
	if _, exists := r.lookup(o.ID); exists {
		return order.ErrDuplicateOrder
	}
	o.Version = 1
	delete(r.deleted, o.ID)
	r.orders[o.ID] = *o
	return nil
}

func (r *txRepo) Update(_ context.Context, o *models.Order) error {
	current, ok := r.lookup(o.ID)
	if !ok {
		return order.ErrOrderNotFound
	}
	if current.Version != o.Version {
		return order.ErrConcurrentUpdate
	}
	o.Version++
	r.orders[o.ID] = *o
	return nil
}

func (r *txRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := r.lookup(id); !ok {
		return order.ErrOrderNotFound
	}
	delete(r.orders, id)
	r.deleted[id] = struct{}{}
	return nil
}

func (r *txRepo) GetByID(_ context.Context, id uuid.UUID) (models.Order, error) {
	o, ok := r.lookup(id)
	if !ok {
		return models.Order{}, order.ErrOrderNotFound
	}
	return o, nil
}

func (r *txRepo) GetAll(_ context.Context, f order.Filter) ([]models.Order, error) {
	r.store.mu.Lock()
	seen := make(map[uuid.UUID]models.Order, len(r.store.orders))
	for id, o := range r.store.orders {
		seen[id] = o
	}
	r.store.mu.Unlock()

	for id, o := range r.orders {
		seen[id] = o
	}
	for id := range r.deleted {
		delete(seen, id)
	}

	out := make([]models.Order, 0)
	for _, o := range seen {
		if f.Matches(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *txRepo) AddOutboxMessage(_ context.Context, msg models.OutboxMessage) error {
	r.store.mu.Lock()
	err := r.store.outboxErr
	r.store.mu.Unlock()
	if err != nil {
		return err
	}
	r.outbox = append(r.outbox, msg)
	return nil
}

type batch struct {
	store *Store
	msgs  []models.OutboxMessage
	marks map[uuid.UUID]func(*models.OutboxMessage)
	done  bool
}

func (b *batch) Messages() []models.OutboxMessage {
	return append([]models.OutboxMessage(nil), b.msgs...)
}

func (b *batch) MarkProcessed(_ context.Context, id uuid.UUID, at time.Time) error {
	b.marks[id] = func(m *models.OutboxMessage) {
		if m.ProcessedOn != nil {
			return
		}
		t := at
		m.ProcessedOn = &t
	}
	return nil
}

func (b *batch) MarkFailed(_ context.Context, id uuid.UUID, reason string, deadLetteredAt *time.Time) error {
	b.marks[id] = func(m *models.OutboxMessage) {
		if m.ProcessedOn != nil {
			return
		}
		r := reason
		m.ErrorMessage = &r
		m.Attempts++
		if deadLetteredAt != nil {
			t := *deadLetteredAt
			m.DeadLetteredOn = &t
		}
	}
	return nil
}

func (b *batch) MarkDeferred(_ context.Context, id uuid.UUID, reason string) error {
	b.marks[id] = func(m *models.OutboxMessage) {
		if m.ProcessedOn != nil {
			return
		}
		r := reason
		m.ErrorMessage = &r
	}
	return nil
}

func (b *batch) Commit() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if b.done {
		return nil
	}
	for i := range b.store.outbox {
		if mark, ok := b.marks[b.store.outbox[i].ID]; ok {
			mark(&b.store.outbox[i])
		}
	}
	b.release()
	return nil
}

func (b *batch) Rollback() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if !b.done {
		b.release()
	}
	return nil
}

// release must be called with store.mu held.
func (b *batch) release() {
	for _, m := range b.msgs {
		delete(b.store.claimed, m.ID)
	}
	b.done = true
}
