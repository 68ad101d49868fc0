package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/eshop/go/internal/bus"
	"github.com/mcdev12/eshop/go/internal/events"
	"github.com/mcdev12/eshop/go/internal/platform/config"
)

func TestOpen_Memory(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Driver = config.BusMemory
	cfg.MaxDeliver = 2

	b, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	mem, ok := b.(*bus.MemoryBus)
	require.True(t, ok)
	assert.Equal(t, 2, mem.MaxDeliver)
	assert.True(t, b.IsConnected())

	var got events.Event
	require.NoError(t, b.Subscribe(events.TypePaymentFailed, func(_ context.Context, ev events.Event) error {
		got = ev
		return nil
	}))

	pub := Publisher(b, cfg)
	require.NoError(t, pub.Publish(context.Background(), events.PaymentFailedEvent{
		BaseIntegrationEvent: events.NewBase("corr", time.Now()),
		Reason:               "r",
	}))
	require.NotNil(t, got)
	assert.Equal(t, "closed", pub.State())
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.BusConfig{Driver: "kafka"})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
