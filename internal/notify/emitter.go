package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tradehold/escrowd/internal/idgen"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// Emitter wraps a Dispatcher to emit escrow lifecycle events. All methods
// are fire-and-forget: errors are logged but never returned, so a dead
// webhook endpoint can never block a state transition.
//
// Emitter satisfies the escrow service's Notifier contract.
type Emitter struct {
	d         *Dispatcher
	logger    *slog.Logger
	adminUser string // subscriptions under this user ID receive dispute events
}

// NewEmitter creates a new emitter. adminUser may be empty if no admin
// channel is configured.
func NewEmitter(d *Dispatcher, logger *slog.Logger, adminUser string) *Emitter {
	return &Emitter{d: d, logger: logger, adminUser: adminUser}
}

func (e *Emitter) emit(userID string, eventType EventType, data map[string]any) {
	if e == nil || e.d == nil || userID == "" {
		return
	}
	emitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToUser(ctx, userID, event); err != nil {
		emitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("notification emit failed", "event", eventType, "user", userID, "error", err)
	}
}

// EscrowFunded notifies both parties that funds arrived.
func (e *Emitter) EscrowFunded(escrowID, buyerID, sellerID, amount string) {
	if e == nil {
		return
	}
	data := map[string]any{
		"escrowId": escrowID,
		"buyerId":  buyerID,
		"sellerId": sellerID,
		"amount":   amount,
	}
	e.emit(sellerID, EventEscrowFunded, data)
	e.emit(buyerID, EventEscrowFunded, data)
}

// ReleaseRequested notifies the counter-party that approval is awaited.
func (e *Emitter) ReleaseRequested(escrowID, requestedBy, counterparty, reason string) {
	if e == nil {
		return
	}
	e.emit(counterparty, EventReleaseRequested, map[string]any{
		"escrowId":    escrowID,
		"requestedBy": requestedBy,
		"reason":      reason,
	})
}

// EscrowReleased notifies both parties that funds moved to the seller.
func (e *Emitter) EscrowReleased(escrowID, buyerID, sellerID, netAmount, releaseType string) {
	if e == nil {
		return
	}
	data := map[string]any{
		"escrowId":    escrowID,
		"buyerId":     buyerID,
		"sellerId":    sellerID,
		"netAmount":   netAmount,
		"releaseType": releaseType,
	}
	e.emit(sellerID, EventEscrowReleased, data)
	e.emit(buyerID, EventEscrowReleased, data)
}

// DisputeOpened notifies the counter-party and the admin channel.
func (e *Emitter) DisputeOpened(escrowID, disputeID, disputedBy, counterparty, reason string) {
	if e == nil {
		return
	}
	data := map[string]any{
		"escrowId":   escrowID,
		"disputeId":  disputeID,
		"disputedBy": disputedBy,
		"reason":     reason,
	}
	e.emit(counterparty, EventDisputeOpened, data)
	e.emit(e.adminUser, EventDisputeOpened, data)
}
