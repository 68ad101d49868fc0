package outbox

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWaker struct{ n atomic.Int32 }

func (w *countingWaker) Wake() { w.n.Add(1) }

func TestListen_WakesOnNotificationAndReconnect(t *testing.T) {
	notify := make(chan *pq.Notification)
	waker := &countingWaker{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		listen(ctx, notify, func() error { return nil }, waker, time.Hour)
		close(done)
	}()

	notify <- &pq.Notification{Channel: "ordering_outbox", Extra: "row-1"}
	notify <- nil
	require.Eventually(t, func() bool { return waker.n.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listen did not return after cancel")
	}
}

func TestListen_ReturnsWhenChannelCloses(t *testing.T) {
	notify := make(chan *pq.Notification)
	close(notify)

	waker := &countingWaker{}
	listen(context.Background(), notify, func() error { return nil }, waker, time.Hour)
	assert.Equal(t, int32(0), waker.n.Load())
}
