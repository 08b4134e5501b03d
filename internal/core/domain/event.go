package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a payment lifecycle event.
type EventType string

const (
	EventPaymentInitiated     EventType = "PaymentInitiated"
	EventPaymentAuthenticated EventType = "PaymentAuthenticated"
	EventPaymentProcessing    EventType = "PaymentProcessing"
	EventPaymentSucceeded     EventType = "PaymentSucceeded"
	EventPaymentFailed        EventType = "PaymentFailed"
)

// eventTypeForState maps a post-transition state to its event type.
var eventTypeForState = map[PaymentState]EventType{
	StateInitiated:     EventPaymentInitiated,
	StateAuthenticated: EventPaymentAuthenticated,
	StateProcessing:    EventPaymentProcessing,
	StateSuccess:       EventPaymentSucceeded,
	StateFailure:       EventPaymentFailed,
}

// EventTypeForState returns the event type emitted when a payment enters
// the given state.
func EventTypeForState(state PaymentState) EventType {
	return eventTypeForState[state]
}

// EventMetadata carries optional correlation fields on an event.
type EventMetadata struct {
	CorrelationID  string `json:"correlation_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// PaymentEvent is the immutable audit and notification record for one state
// transition. Version is the dense per-aggregate sequence, equal to the
// payment version after the transition.
type PaymentEvent struct {
	EventID     string        `json:"event_id"`
	EventType   EventType     `json:"event_type"`
	AggregateID string        `json:"aggregate_id"`
	Version     int64         `json:"version"`
	Timestamp   time.Time     `json:"timestamp"`
	Payload     *Payment      `json:"payload"`
	Metadata    EventMetadata `json:"metadata"`
}

// NewPaymentEvent builds the event describing the payment's current state.
// The payload is a snapshot; later mutations of the payment do not leak in.
func NewPaymentEvent(p *Payment, correlationID string) *PaymentEvent {
	return &PaymentEvent{
		EventID:     "evt_" + uuid.NewString(),
		EventType:   EventTypeForState(p.State),
		AggregateID: p.ID,
		Version:     p.Version,
		Timestamp:   time.Now().UTC(),
		Payload:     p.Clone(),
		Metadata: EventMetadata{
			CorrelationID:  correlationID,
			IdempotencyKey: p.IdempotencyKey,
		},
	}
}
