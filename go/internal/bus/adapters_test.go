package bus

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"

	"github.com/mcdev12/eshop/go/internal/events"
)

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "eshop.events.OrderCreated", subjectFor("eshop.events", events.TypeOrderCreated))
}

func TestStreamConfigEqual(t *testing.T) {
	b := &JetStreamBus{config: DefaultJetStreamConfig()}
	sc := b.streamConfig()
	assert.Equal(t, []string{"eshop.events.>"}, sc.Subjects)
	assert.True(t, streamConfigEqual(sc, sc))

	changed := sc
	changed.MaxAge = time.Hour
	assert.False(t, streamConfigEqual(sc, changed))

	changed = sc
	changed.Subjects = []string{"other.>"}
	assert.False(t, streamConfigEqual(sc, changed))

	assert.Equal(t, jetstream.FileStorage, sc.Storage)
}

func TestAMQPHeaders(t *testing.T) {
	ev := events.PaymentFailedEvent{BaseIntegrationEvent: events.NewBase("corr-1", time.Now()), Reason: "r"}
	table := amqpHeaders(Headers(ev, ApplyOptions(WithMessageID("m-1"))))

	assert.Equal(t, "PaymentFailed", table[HeaderEventType])
	assert.Equal(t, "corr-1", table[HeaderCorrelationID])
	assert.Equal(t, "m-1", table[HeaderMessageID])
}

func TestDefaultRabbitMQConfig(t *testing.T) {
	cfg := DefaultRabbitMQConfig()
	assert.Equal(t, "eshop.events", cfg.Exchange)
	assert.Positive(t, cfg.ConfirmTimeout)
}
