// Package events publishes escrow lifecycle events to downstream consumers.
//
// Events form the audit trail of the platform: every state transition,
// dispute action, and reconciliation result is emitted as a versioned
// JSON envelope. Delivery is best-effort; the escrow service never fails
// an operation because publishing failed.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	TypeTransactionCreated    = "transaction.created"
	TypeTransactionTransition = "transaction.transition"
	TypeMilestoneApproved     = "milestone.approved"
	TypeMilestoneCompleted    = "milestone.completed"
	TypeReleaseApproved       = "release.approved"
	TypeReleaseRejected       = "release.rejected"
	TypeDisputeOpened         = "dispute.opened"
	TypeDisputeTransition     = "dispute.transition"
	TypeDisputeResolved       = "dispute.resolved"
	TypePaymentInitiated      = "payment.initiated"
	TypePaymentReconciled     = "payment.reconciled"
	TypeReconciliationAlert   = "reconciliation.alert"
)

// Event is the envelope emitted for every audited action.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	TransactionID string         `json:"transactionId,omitempty"`
	ActorID       string         `json:"actorId,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
	Data          map[string]any `json:"data,omitempty"`
}

// New creates an event envelope with a fresh UUID and timestamp.
func New(eventType, transactionID, actorID string, data map[string]any) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		TransactionID: transactionID,
		ActorID:       actorID,
		OccurredAt:    time.Now().UTC(),
		Data:          data,
	}
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// NopPublisher discards all events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, events ...Event) error { return nil }
func (NopPublisher) Close() error                                       { return nil }

// MemorySink collects events in memory. Used in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty in-memory event sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Publish(ctx context.Context, events ...Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *MemorySink) Close() error { return nil }

// Events returns a copy of all captured events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns captured events matching the given type.
func (s *MemorySink) ByType(eventType string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
