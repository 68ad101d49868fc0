package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/eshop/go/internal/bus"
	"github.com/mcdev12/eshop/go/internal/events"
	"github.com/mcdev12/eshop/go/internal/models"
)

type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int // 0 keeps retrying forever
	PublishTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		BatchSize:      20,
		MaxAttempts:    0,
		PublishTimeout: 10 * time.Second,
	}
}

type Option func(*Dispatcher)

func WithClock(c clockwork.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithMetrics(m MetricsCollector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher polls the outbox and publishes pending rows to the bus.
// Several dispatchers may share one store without coordination. Duplicate
// publishes that slip through are absorbed by idempotent consumers.
type Dispatcher struct {
	store     Store
	publisher bus.Publisher
	config    Config
	clock     clockwork.Clock
	metrics   MetricsCollector
	wake      chan struct{}

	mu        sync.Mutex
	running   bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
	published uint64
	lastCycle time.Time
}

func NewDispatcher(store Store, publisher bus.Publisher, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}

	d := &Dispatcher{
		store:     store,
		publisher: publisher,
		config:    cfg,
		clock:     clockwork.NewRealClock(),
		metrics:   &NoOpMetricsCollector{},
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the dispatcher loop in the background until ctx ends or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.stopChan = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop(ctx)
	}()

	log.Info().
		Dur("poll_interval", d.config.PollInterval).
		Int("batch_size", d.config.BatchSize).
		Int("max_attempts", d.config.MaxAttempts).
		Msg("outbox dispatcher started")
	return nil
}

// Stop waits for the cycle in flight to finish.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.running = false
	close(d.stopChan)
	d.mu.Unlock()

	d.wg.Wait()
	log.Info().Msg("outbox dispatcher stopped")
	return nil
}

// Run blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := d.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return nil
}

// Wake asks for a cycle before the next tick. It never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Stats returns the number of rows published and when the last cycle completed.
func (d *Dispatcher) Stats() (uint64, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.published, d.lastCycle
}

func (d *Dispatcher) loop(ctx context.Context) {
	d.mu.Lock()
	stop := d.stopChan
	d.mu.Unlock()

	ticker := d.clock.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	// Process immediately on start
	d.cycle(ctx)

	// Shutdown is only observed here, between cycles.
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.Chan():
		case <-d.wake:
		}

		// A tick may win the race against a shutdown that is already pending.
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}
		d.cycle(ctx)
	}
}

func (d *Dispatcher) cycle(ctx context.Context) {
	res, err := d.DispatchOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("outbox dispatch cycle failed")
		return
	}
	if res.Claimed > 0 {
		log.Info().
			Int("claimed", res.Claimed).
			Int("published", res.Published).
			Int("failed", res.Failed).
			Int("dead_lettered", res.DeadLettered).
			Msg("processed outbox messages")
	}
}

// DispatchOnce claims one batch and publishes it. The batch runs to completion
// even if ctx is cancelled part way through.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult
	ctx = context.WithoutCancel(ctx)
	start := d.clock.Now()

	batch, err := d.store.ClaimPending(ctx, d.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("claim pending outbox messages: %w", err)
	}

	msgs := batch.Messages()
	res.Claimed = len(msgs)
	if len(msgs) == 0 {
		_ = batch.Rollback()
		d.markCycle(0)
		return res, nil
	}

	for _, msg := range msgs {
		pubErr := d.publish(ctx, msg)
		if pubErr == nil {
			if err := batch.MarkProcessed(ctx, msg.ID, d.clock.Now().UTC()); err != nil {
				_ = batch.Rollback()
				return res, fmt.Errorf("mark outbox message %s processed: %w", msg.ID, err)
			}
			res.Published++
			continue
		}

		if errors.Is(pubErr, bus.ErrUnavailable) {
			res.Failed++
			log.Warn().
				Err(pubErr).
				Str("message_id", msg.ID.String()).
				Str("message_type", msg.Type).
				Str("correlation_id", msg.CorrelationID).
				Msg("bus unavailable, outbox message left pending")
			if err := batch.MarkDeferred(ctx, msg.ID, pubErr.Error()); err != nil {
				_ = batch.Rollback()
				return res, fmt.Errorf("mark outbox message %s deferred: %w", msg.ID, err)
			}
			continue
		}

		attempts := msg.Attempts + 1
		var deadAt *time.Time
		if errors.Is(pubErr, ErrUndeliverable) || (d.config.MaxAttempts > 0 && attempts >= d.config.MaxAttempts) {
			now := d.clock.Now().UTC()
			deadAt = &now
			res.DeadLettered++
			d.metrics.RecordDeadLetter(msg.Type)
		} else {
			res.Failed++
		}

		log.Error().
			Err(pubErr).
			Str("message_id", msg.ID.String()).
			Str("message_type", msg.Type).
			Str("correlation_id", msg.CorrelationID).
			Int("attempts", attempts).
			Bool("dead_lettered", deadAt != nil).
			Msg("failed to publish outbox message")

		if err := batch.MarkFailed(ctx, msg.ID, pubErr.Error(), deadAt); err != nil {
			_ = batch.Rollback()
			return res, fmt.Errorf("mark outbox message %s failed: %w", msg.ID, err)
		}
	}

	if err := batch.Commit(); err != nil {
		return res, fmt.Errorf("commit outbox batch: %w", err)
	}

	d.metrics.RecordBatchProcessed(res.Claimed, d.clock.Since(start))
	d.markCycle(res.Published)
	return res, nil
}

func (d *Dispatcher) publish(ctx context.Context, msg models.OutboxMessage) error {
	ev, err := events.Decode(events.Type(msg.Type), []byte(msg.Content))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUndeliverable, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.config.PublishTimeout)
	defer cancel()

	start := d.clock.Now()
	err = d.publisher.Publish(pubCtx, ev, bus.WithMessageID(msg.ID.String()))
	d.metrics.RecordEventProcessed(msg.Type, err == nil, d.clock.Since(start))
	d.metrics.RecordPublishAttempt(msg.Type, msg.Attempts+1, err == nil)
	return err
}

func (d *Dispatcher) markCycle(published int) {
	d.mu.Lock()
	d.published += uint64(published)
	d.lastCycle = d.clock.Now()
	d.mu.Unlock()
}
