// Package notify delivers state-change events to contract parties and
// mediators. Delivery is fire-and-forget: failures are logged and counted,
// never returned, so a notification outage cannot stall a financial
// state transition.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	notifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agroclear",
		Subsystem: "notify",
		Name:      "dispatch_total",
		Help:      "Total notification dispatch attempts by event type.",
	}, []string{"event_type"})

	notifyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agroclear",
		Subsystem: "notify",
		Name:      "dispatch_errors_total",
		Help:      "Total notification dispatch failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyTotal, notifyErrors)
}

// Event types emitted by the escrow core.
const (
	EventContractCreated    = "contract.created"
	EventContractFunded     = "contract.funded"
	EventContractActive     = "contract.active"
	EventContractCompleted  = "contract.completed"
	EventContractCancelled  = "contract.cancelled"
	EventContractRefunded   = "contract.refunded"
	EventEvidenceSubmitted  = "milestone.evidence_submitted"
	EventMilestoneApproved  = "milestone.approved"
	EventMilestoneRejected  = "milestone.rejected"
	EventMilestoneReleased  = "milestone.released"
	EventDisputeOpened      = "dispute.opened"
	EventMediatorAssigned   = "dispute.mediator_assigned"
	EventDisputeResolved    = "dispute.resolved"
)

// Dispatcher delivers one event to one party.
type Dispatcher interface {
	Notify(ctx context.Context, partyID, eventType string, payload map[string]any) error
}

// LogDispatcher logs events instead of delivering them. Development default.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d *LogDispatcher) Notify(ctx context.Context, partyID, eventType string, payload map[string]any) error {
	d.Logger.Info("notification", "party", partyID, "event", eventType, "payload", payload)
	return nil
}

// Broadcaster receives each emitted event exactly once, regardless of the
// recipient list. Implemented by the realtime hub.
type Broadcaster interface {
	BroadcastEvent(eventType string, payload map[string]any)
}

// Emitter fans an event out to its recipients asynchronously.
type Emitter struct {
	d      Dispatcher
	b      Broadcaster
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewEmitter creates a new emitter. A nil dispatcher makes every Emit a no-op.
func NewEmitter(d Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// WithBroadcaster mirrors every emitted event to b.
func (e *Emitter) WithBroadcaster(b Broadcaster) *Emitter {
	e.b = b
	return e
}

// Emit delivers eventType with payload to every recipient in the background.
func (e *Emitter) Emit(recipients []string, eventType string, payload map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	notifyTotal.WithLabelValues(eventType).Inc()
	if e.b != nil {
		e.b.BroadcastEvent(eventType, payload)
	}

	for _, partyID := range recipients {
		if partyID == "" {
			continue
		}
		e.wg.Add(1)
		go func(party string) {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.d.Notify(ctx, party, eventType, payload); err != nil {
				notifyErrors.WithLabelValues(eventType).Inc()
				e.logger.Warn("notification dispatch failed",
					"party", party, "event", eventType, "error", err)
			}
		}(partyID)
	}
}

// Flush waits for in-flight deliveries. Used in tests and shutdown.
func (e *Emitter) Flush() {
	if e == nil {
		return
	}
	e.wg.Wait()
}
