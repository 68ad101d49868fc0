package outbox_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/eshop/go/internal/bus"
	"github.com/mcdev12/eshop/go/internal/events"
	"github.com/mcdev12/eshop/go/internal/models"
	"github.com/mcdev12/eshop/go/internal/outbox"
	"github.com/mcdev12/eshop/go/internal/storage/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	ids    []string
	fail   func(ev events.Event) error
	block  chan struct{}
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event, opts ...bus.PublishOption) error {
	if p.block != nil {
		<-p.block
	}
	if p.fail != nil {
		if err := p.fail(ev); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	p.ids = append(p.ids, bus.ApplyOptions(opts...).MessageID)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

var epoch = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func row(t *testing.T, orderID uuid.UUID, occurred time.Time) models.OutboxMessage {
	t.Helper()
	w := outbox.NewWriter(clockwork.NewFakeClockAt(occurred))
	msg, err := w.Record(events.OrderCreatedEvent{
		BaseIntegrationEvent: events.NewBase("corr-"+orderID.String()[:8], occurred),
		OrderSnapshot:        events.OrderSnapshot{SchemaVersion: 1, OrderID: orderID, Status: "Pending"},
	})
	require.NoError(t, err)
	return msg
}

func newDispatcher(store outbox.Store, pub bus.Publisher, cfg outbox.Config) (*outbox.Dispatcher, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(epoch.Add(time.Hour))
	return outbox.NewDispatcher(store, pub, cfg, outbox.WithClock(clock)), clock
}

func TestDispatchOnce_EmptyCycle(t *testing.T) {
	store := memory.NewStore()
	pub := &recordingPublisher{}
	d, _ := newDispatcher(store, pub, outbox.DefaultConfig())

	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.DispatchResult{}, res)
	assert.Equal(t, 0, pub.count())
}

func TestDispatchOnce_PublishesInOccurredOrder(t *testing.T) {
	store := memory.NewStore()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	store.AppendOutbox(
		row(t, b, epoch.Add(2*time.Second)),
		row(t, c, epoch.Add(3*time.Second)),
		row(t, a, epoch.Add(time.Second)),
	)
	pub := &recordingPublisher{}
	d, clock := newDispatcher(store, pub, outbox.DefaultConfig())

	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.DispatchResult{Claimed: 3, Published: 3}, res)

	require.Equal(t, 3, pub.count())
	var got []uuid.UUID
	for _, ev := range pub.events {
		got = append(got, ev.(events.OrderCreatedEvent).OrderID)
	}
	assert.Equal(t, []uuid.UUID{a, b, c}, got)

	for _, m := range store.OutboxMessages() {
		require.NotNil(t, m.ProcessedOn)
		assert.Equal(t, clock.Now(), *m.ProcessedOn)
		assert.Contains(t, pub.ids, m.ID.String())
	}

	// Processed rows are excluded from the next fetch.
	res, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)
	assert.Equal(t, 3, pub.count())
}

func TestDispatchOnce_IsolatesFailures(t *testing.T) {
	store := memory.NewStore()
	bad := uuid.New()
	store.AppendOutbox(
		row(t, uuid.New(), epoch.Add(time.Second)),
		row(t, bad, epoch.Add(2*time.Second)),
		row(t, uuid.New(), epoch.Add(3*time.Second)),
	)
	pub := &recordingPublisher{fail: func(ev events.Event) error {
		if ev.(events.OrderCreatedEvent).OrderID == bad {
			return errors.New("broker rejected")
		}
		return nil
	}}
	d, _ := newDispatcher(store, pub, outbox.DefaultConfig())

	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.DispatchResult{Claimed: 3, Published: 2, Failed: 1}, res)

	msgs := store.OutboxMessages()
	failed := msgs[1]
	assert.Nil(t, failed.ProcessedOn, "never processed without a successful publish")
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "broker rejected", *failed.ErrorMessage)
	assert.Equal(t, 1, failed.Attempts)
	assert.True(t, failed.Pending())
	assert.NotNil(t, msgs[0].ProcessedOn)
	assert.NotNil(t, msgs[2].ProcessedOn)

	// The failed row is retried on the next cycle.
	pub.fail = nil
	res, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.DispatchResult{Claimed: 1, Published: 1}, res)
	assert.NotNil(t, store.OutboxMessages()[1].ProcessedOn)
}

func TestDispatchOnce_UnboundedRetryByDefault(t *testing.T) {
	store := memory.NewStore()
	store.AppendOutbox(row(t, uuid.New(), epoch))
	pub := &recordingPublisher{fail: func(events.Event) error { return errors.New("down") }}
	d, _ := newDispatcher(store, pub, outbox.DefaultConfig())

	for i := 0; i < 5; i++ {
		res, err := d.DispatchOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
	}
	m := store.OutboxMessages()[0]
	assert.Equal(t, 5, m.Attempts)
	assert.True(t, m.Pending())
}

func TestDispatchOnce_DeadLettersAfterMaxAttempts(t *testing.T) {
	store := memory.NewStore()
	store.AppendOutbox(row(t, uuid.New(), epoch))
	pub := &recordingPublisher{fail: func(events.Event) error { return errors.New("down") }}
	cfg := outbox.DefaultConfig()
	cfg.MaxAttempts = 2
	metrics, _, reader := newTestMetrics(t)
	d := outbox.NewDispatcher(store, pub, cfg, outbox.WithClock(clockwork.NewFakeClock()), outbox.WithMetrics(metrics))

	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.DispatchResult{Claimed: 1, Failed: 1}, res)

	res, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.DispatchResult{Claimed: 1, DeadLettered: 1}, res)

	res, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)

	m := store.OutboxMessages()[0]
	assert.NotNil(t, m.DeadLetteredOn)
	assert.Nil(t, m.ProcessedOn)
	rm := collect(t, reader)
	assert.Equal(t, int64(1), counterValue(t, rm, "outbox.events.dead_lettered", map[string]string{"type": "OrderCreated"}))
	assert.Equal(t, int64(2), counterValue(t, rm, "outbox.events", map[string]string{"outcome": "failed"}))
}

func TestDispatchOnce_UnknownTypeDeadLettered(t *testing.T) {
	store := memory.NewStore()
	store.AppendOutbox(models.OutboxMessage{
		ID:            uuid.New(),
		Type:          "OrderShipped",
		Content:       `{"CorrelationId":"c"}`,
		CorrelationID: "c",
		OccurredOn:    epoch,
	})
	pub := &recordingPublisher{}
	d, _ := newDispatcher(store, pub, outbox.DefaultConfig())

	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.DispatchResult{Claimed: 1, DeadLettered: 1}, res)
	assert.Equal(t, 0, pub.count())

	m := store.OutboxMessages()[0]
	require.NotNil(t, m.ErrorMessage)
	assert.Contains(t, *m.ErrorMessage, "unknown event type")
	assert.NotNil(t, m.DeadLetteredOn)
}

func TestDispatchOnce_BoundedBatch(t *testing.T) {
	store := memory.NewStore()
	for i := 0; i < 25; i++ {
		store.AppendOutbox(row(t, uuid.New(), epoch.Add(time.Duration(i)*time.Second)))
	}
	pub := &recordingPublisher{}
	d, _ := newDispatcher(store, pub, outbox.DefaultConfig())

	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, res.Claimed)

	pending, err := store.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, pending)
}

func TestClaimPending_ConcurrentBatchesAreDisjoint(t *testing.T) {
	store := memory.NewStore()
	for i := 0; i < 6; i++ {
		store.AppendOutbox(row(t, uuid.New(), epoch.Add(time.Duration(i)*time.Second)))
	}

	first, err := store.ClaimPending(context.Background(), 4)
	require.NoError(t, err)
	second, err := store.ClaimPending(context.Background(), 4)
	require.NoError(t, err)

	assert.Len(t, first.Messages(), 4)
	assert.Len(t, second.Messages(), 2)
	seen := map[uuid.UUID]bool{}
	for _, m := range append(first.Messages(), second.Messages()...) {
		assert.False(t, seen[m.ID], "row claimed twice")
		seen[m.ID] = true
	}

	require.NoError(t, first.Rollback())
	third, err := store.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, third.Messages(), 4)
	require.NoError(t, second.Rollback())
	require.NoError(t, third.Rollback())
}

func TestDispatcher_RunsOnTicksAndWake(t *testing.T) {
	store := memory.NewStore()
	pub := &recordingPublisher{}
	cfg := outbox.DefaultConfig()
	d, clock := newDispatcher(store, pub, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	require.ErrorIs(t, d.Start(ctx), outbox.ErrAlreadyRunning)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	store.AppendOutbox(row(t, uuid.New(), epoch))
	clock.Advance(cfg.PollInterval)
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)

	store.AppendOutbox(row(t, uuid.New(), epoch.Add(time.Second)))
	d.Wake()
	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, 5*time.Millisecond)

	published, last := d.Stats()
	assert.Equal(t, uint64(2), published)
	assert.False(t, last.IsZero())

	require.NoError(t, d.Stop())
	assert.False(t, d.Running())
	require.ErrorIs(t, d.Stop(), outbox.ErrNotRunning)
}

func TestDispatcher_ShutdownWaitsForBatchInFlight(t *testing.T) {
	store := memory.NewStore()
	store.AppendOutbox(row(t, uuid.New(), epoch), row(t, uuid.New(), epoch.Add(time.Second)))
	release := make(chan struct{})
	pub := &recordingPublisher{block: release}
	d, _ := newDispatcher(store, pub, outbox.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, d.Running, time.Second, time.Millisecond)
	cancel()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	assert.Equal(t, 2, pub.count())
	pending, err := store.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestDispatchOnce_UnavailableBusDoesNotCountAttempts(t *testing.T) {
	store := memory.NewStore()
	store.AppendOutbox(row(t, uuid.New(), epoch))
	pub := &recordingPublisher{fail: func(events.Event) error {
		return fmt.Errorf("%w: not connected", bus.ErrUnavailable)
	}}
	cfg := outbox.DefaultConfig()
	cfg.MaxAttempts = 3
	d, _ := newDispatcher(store, pub, cfg)

	for i := 0; i < 5; i++ {
		res, err := d.DispatchOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, outbox.DispatchResult{Claimed: 1, Failed: 1}, res)
	}

	m := store.OutboxMessages()[0]
	assert.Equal(t, 0, m.Attempts)
	assert.True(t, m.Pending())
	require.NotNil(t, m.ErrorMessage)
	assert.Contains(t, *m.ErrorMessage, "not connected")
}

func TestDispatchOnce_OpenBreakerDoesNotDeadLetter(t *testing.T) {
	store := memory.NewStore()
	store.AppendOutbox(row(t, uuid.New(), epoch))
	inner := &recordingPublisher{fail: func(events.Event) error { return errors.New("connection refused") }}
	bc := bus.DefaultBreakerConfig()
	bc.ConsecutiveFailures = 1
	bc.Timeout = time.Hour
	cfg := outbox.DefaultConfig()
	cfg.MaxAttempts = 2
	d, _ := newDispatcher(store, bus.NewBreakerPublisher(inner, bc), cfg)

	// The first failure reaches the broker and trips the breaker.
	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.DispatchResult{Claimed: 1, Failed: 1}, res)

	for i := 0; i < 3; i++ {
		res, err = d.DispatchOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, outbox.DispatchResult{Claimed: 1, Failed: 1}, res)
	}

	m := store.OutboxMessages()[0]
	assert.Equal(t, 1, m.Attempts)
	assert.Nil(t, m.DeadLetteredOn)
	require.NotNil(t, m.ErrorMessage)
	assert.Contains(t, *m.ErrorMessage, bus.ErrUnavailable.Error())
}

type gatePublisher struct {
	recordingPublisher
	entered chan struct{}
	release chan struct{}
}

func (p *gatePublisher) Publish(ctx context.Context, ev events.Event, opts ...bus.PublishOption) error {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	<-p.release
	return p.recordingPublisher.Publish(ctx, ev, opts...)
}

func TestDispatcher_PendingShutdownBeatsWake(t *testing.T) {
	store := memory.NewStore()
	store.AppendOutbox(row(t, uuid.New(), epoch))
	pub := &gatePublisher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	d, _ := newDispatcher(store, pub, outbox.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))

	select {
	case <-pub.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never published")
	}

	// Both a wake and the shutdown are ready once the first cycle returns.
	store.AppendOutbox(row(t, uuid.New(), epoch.Add(time.Second)))
	d.Wake()
	cancel()
	close(pub.release)

	require.NoError(t, d.Stop())
	assert.Equal(t, 1, pub.count())
	pending, err := store.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}
