package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/eshop/go/internal/events"
)

type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // how long the stream keeps messages
	MaxMsgs         int64
	Replicas        int
	DuplicateWindow time.Duration // dedupe window for Nats-Msg-Id
	MaxDeliver      int
	AckWait         time.Duration
	SetupTimeout    time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "ESHOP_EVENTS",
		SubjectPrefix:   "eshop.events",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		MaxMsgs:         -1,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
		MaxDeliver:      10,
		AckWait:         30 * time.Second,
		SetupTimeout:    10 * time.Second,
	}
}

// JetStreamBus publishes each event on <prefix>.<Type> and consumes through
// one durable consumer per type, named after the type's queue.
type JetStreamBus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	config JetStreamConfig

	mu        sync.Mutex
	consumers []jetstream.ConsumeContext
	closed    bool
}

func NewJetStreamBus(cfg JetStreamConfig) (*JetStreamBus, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	b := &JetStreamBus{nc: nc, js: js, config: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.SetupTimeout)
	defer cancel()
	if err := b.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return b, nil
}

func (b *JetStreamBus) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        b.config.StreamName,
		Description: "eShop integration events",
		Subjects:    []string{b.config.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      b.config.MaxAge,
		MaxMsgs:     b.config.MaxMsgs,
		Storage:     jetstream.FileStorage,
		Replicas:    b.config.Replicas,
		Duplicates:  b.config.DuplicateWindow,
	}
}

func (b *JetStreamBus) ensureStream(ctx context.Context) error {
	sc := b.streamConfig()

	stream, err := b.js.Stream(ctx, sc.Name)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err = b.js.CreateStream(ctx, sc)
		if err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", sc.Name).Msg("created JetStream stream")
		b.stream = stream
		return nil
	}
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !streamConfigEqual(info.Config, sc) {
		if stream, err = b.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().Str("stream", sc.Name).Msg("updated JetStream stream")
	}
	b.stream = stream
	return nil
}

// Subject returns the subject events of type t are published on.
func (b *JetStreamBus) Subject(t events.Type) string {
	return subjectFor(b.config.SubjectPrefix, t)
}

func subjectFor(prefix string, t events.Type) string {
	return prefix + "." + string(t)
}

// Publish sets Nats-Msg-Id so a replayed outbox row inside the duplicate
// window is stored only once.
func (b *JetStreamBus) Publish(ctx context.Context, ev events.Event, opts ...PublishOption) error {
	o := ApplyOptions(opts...)
	data, err := events.Encode(ev)
	if err != nil {
		return err
	}

	header := nats.Header{}
	for k, v := range Headers(ev, o) {
		header.Set(k, v)
	}

	pubOpts := []jetstream.PublishOpt{jetstream.WithExpectStream(b.config.StreamName)}
	if o.MessageID != "" {
		pubOpts = append(pubOpts, jetstream.WithMsgID(o.MessageID))
	}

	subject := b.Subject(ev.EventType())
	ack, err := b.js.PublishMsg(ctx, &nats.Msg{Subject: subject, Data: data, Header: header}, pubOpts...)
	if err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, jetstream.ErrNoStreamResponse) {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("message_id", o.MessageID).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published to JetStream")
	return nil
}

// Subscribe creates or reuses a durable consumer filtered to the type's subject.
// Handler errors Nak for redelivery up to MaxDeliver; undecodable payloads are terminated.
func (b *JetStreamBus) Subscribe(eventType events.Type, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.SetupTimeout)
	defer cancel()

	name := events.QueueFor(eventType)
	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		Description:   "eShop consumer for " + string(eventType),
		FilterSubject: b.Subject(eventType),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    b.config.MaxDeliver,
		AckWait:       b.config.AckWait,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", name, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		b.handle(msg, eventType, h)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", name, err)
	}
	b.consumers = append(b.consumers, cc)

	log.Info().Str("consumer", name).Str("subject", b.Subject(eventType)).Msg("subscribed to JetStream")
	return nil
}

func (b *JetStreamBus) handle(msg jetstream.Msg, eventType events.Type, h Handler) {
	corr := msg.Headers().Get(HeaderCorrelationID)
	err := deliver(context.Background(), h, eventType, msg.Data(), corr)
	settle(jsSettler{msg}, err, msg.Headers().Get(jetstream.MsgIDHeader))
}

type jsSettler struct{ msg jetstream.Msg }

func (s jsSettler) Ack() error     { return s.msg.Ack() }
func (s jsSettler) Requeue() error { return s.msg.Nak() }
func (s jsSettler) Reject() error  { return s.msg.Term() }

func (b *JetStreamBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

func (b *JetStreamBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, cc := range b.consumers {
		cc.Stop()
	}
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
		}
	}
	return nil
}

func streamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates &&
		len(a.Subjects) == len(b.Subjects) &&
		(len(a.Subjects) == 0 || a.Subjects[0] == b.Subjects[0])
}
