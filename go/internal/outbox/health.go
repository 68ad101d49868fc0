package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type HealthStatus struct {
	Healthy         bool      `json:"healthy"`
	DispatcherAlive bool      `json:"dispatcher_running"`
	EventsPublished uint64    `json:"events_published"`
	LastCycleTime   time.Time `json:"last_cycle_time"`
	PendingEvents   int       `json:"pending_events"`
	BusConnected    bool      `json:"bus_connected"`
	Errors          []string  `json:"errors"`
}

type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

// ConnectionChecker is implemented by bus adapters that hold a broker connection.
type ConnectionChecker interface {
	IsConnected() bool
}

type DispatcherHealthChecker struct {
	dispatcher   *Dispatcher
	store        Store
	conn         ConnectionChecker
	metrics      MetricsCollector
	clock        clockwork.Clock
	threshold    time.Duration // max time between cycles while rows are pending
	pendingAlert int
}

func NewDispatcherHealthChecker(d *Dispatcher, store Store, conn ConnectionChecker, threshold time.Duration) *DispatcherHealthChecker {
	return &DispatcherHealthChecker{
		dispatcher:   d,
		store:        store,
		conn:         conn,
		metrics:      d.metrics,
		clock:        d.clock,
		threshold:    threshold,
		pendingAlert: 1000,
	}
}

func (h *DispatcherHealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{Healthy: true, Errors: []string{}}

	status.EventsPublished, status.LastCycleTime = h.dispatcher.Stats()

	status.DispatcherAlive = h.dispatcher.Running()
	if !status.DispatcherAlive {
		status.Healthy = false
		status.Errors = append(status.Errors, "dispatcher not running")
	}

	status.BusConnected = true
	if h.conn != nil && !h.conn.IsConnected() {
		status.BusConnected = false
		status.Healthy = false
		status.Errors = append(status.Errors, "bus disconnected")
	}

	pending, err := h.store.CountPending(ctx)
	if err != nil {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("failed to count pending events: %v", err))
	} else {
		status.PendingEvents = pending
		h.metrics.RecordOutboxLag(pending)
		if pending > h.pendingAlert {
			status.Errors = append(status.Errors, fmt.Sprintf("high pending event count: %d", pending))
		}
	}

	if status.PendingEvents > 0 && !status.LastCycleTime.IsZero() {
		since := h.clock.Since(status.LastCycleTime)
		if since > h.threshold {
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("no dispatch cycle for %s", since))
		}
	}

	return status
}

func (h *DispatcherHealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("write outbox health response")
	}
}
