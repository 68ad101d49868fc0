// Package broker opens the message bus selected by configuration.
package broker

import (
	"fmt"

	"github.com/mcdev12/eshop/go/internal/bus"
	"github.com/mcdev12/eshop/go/internal/platform/config"
)

// Broker is a connected bus adapter.
type Broker interface {
	bus.Publisher
	bus.Subscriber
	IsConnected() bool
	Close() error
}

// Open connects the configured driver.
func Open(cfg config.BusConfig) (Broker, error) {
	switch cfg.Driver {
	case config.BusRabbitMQ:
		rc := bus.DefaultRabbitMQConfig()
		rc.URL = cfg.RabbitMQURL
		rc.Exchange = cfg.Exchange
		b, err := bus.NewRabbitMQBus(rc)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BusJetStream:
		jc := bus.DefaultJetStreamConfig()
		jc.URL = cfg.NATSURL
		jc.StreamName = cfg.StreamName
		jc.SubjectPrefix = cfg.SubjectPrefix
		if cfg.MaxDeliver > 0 {
			jc.MaxDeliver = cfg.MaxDeliver
		}
		b, err := bus.NewJetStreamBus(jc)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BusMemory:
		b := bus.NewMemoryBus()
		if cfg.MaxDeliver > 0 {
			b.MaxDeliver = cfg.MaxDeliver
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: unknown bus driver %q", config.ErrInvalidConfig, cfg.Driver)
	}
}

// Publisher wraps b in the publish circuit breaker.
func Publisher(b bus.Publisher, cfg config.BusConfig) *bus.BreakerPublisher {
	bc := bus.DefaultBreakerConfig()
	if cfg.BreakerFailures > 0 {
		bc.ConsecutiveFailures = cfg.BreakerFailures
	}
	if cfg.BreakerOpenTimeout > 0 {
		bc.Timeout = cfg.BreakerOpenTimeout
	}
	return bus.NewBreakerPublisher(b, bc)
}
