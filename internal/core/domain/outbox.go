package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutboxStatus is the delivery state of an outbox entry.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxPublished  OutboxStatus = "PUBLISHED"
	OutboxFailed     OutboxStatus = "FAILED"
)

// OutboxEntry is the durable delivery record for one event. It shares the
// event's id so consumers can de-duplicate across republishes.
type OutboxEntry struct {
	ID          string       `json:"id"`
	AggregateID string       `json:"aggregate_id"`
	EventType   EventType    `json:"event_type"`
	Payload     []byte       `json:"payload"`
	Status      OutboxStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	LastError   string       `json:"last_error,omitempty"`
	NextRetryAt *time.Time   `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	PublishedAt *time.Time   `json:"published_at,omitempty"`
}

// NewOutboxEntry serializes the event into a pending delivery record.
func NewOutboxEntry(event *PaymentEvent) (*OutboxEntry, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}
	return &OutboxEntry{
		ID:          event.EventID,
		AggregateID: event.AggregateID,
		EventType:   event.EventType,
		Payload:     payload,
		Status:      OutboxPending,
		CreatedAt:   event.Timestamp,
	}, nil
}

// Event deserializes the stored payload back into the event.
func (e *OutboxEntry) Event() (*PaymentEvent, error) {
	var ev PaymentEvent
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal outbox entry %s: %w", e.ID, err)
	}
	return &ev, nil
}
