package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

type ListenerConfig struct {
	DatabaseURL          string // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel        string // Channel the outbox insert trigger notifies
	PingInterval         time.Duration
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		NotifyChannel:        "ordering_outbox",
		PingInterval:         90 * time.Second,
		MinReconnectInterval: 10 * time.Second,
		MaxReconnectInterval: time.Minute,
	}
}

// Waker is told when new rows may be pending.
type Waker interface {
	Wake()
}

// Listener wakes the dispatcher as soon as a row is inserted instead of
// waiting for the next poll tick. Polling stays the source of truth, so a lost
// notification only delays delivery.
type Listener struct {
	listener *pq.Listener
	waker    Waker
	cfg      ListenerConfig
}

func NewListener(waker Waker, cfg ListenerConfig) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		cfg.MinReconnectInterval,
		cfg.MaxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for notifications")

	return &Listener{listener: l, waker: waker, cfg: cfg}, nil
}

// Start blocks until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Msg("listener started")

	listen(ctx, l.listener.Notify, l.listener.Ping, l.waker, l.cfg.PingInterval)
	log.Info().Msg("listener shutting down")
	return l.Stop()
}

func (l *Listener) Stop() error {
	return l.listener.Close()
}

func listen(ctx context.Context, notify <-chan *pq.Notification, ping func() error, waker Waker, pingInterval time.Duration) {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-notify:
			if !ok {
				return
			}
			if note == nil {
				// nil means the connection was re-established; anything sent
				// while it was down is lost, so poll now.
				log.Warn().Msg("listener reconnected")
			} else {
				log.Debug().Str("message_id", note.Extra).Msg("outbox notification")
			}
			waker.Wake()
		case <-pingTicker.C:
			if err := ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}
