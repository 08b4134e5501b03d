package eventbus

import (
	"context"
	"sync"

	"payment-orchestrator/internal/core/domain"
)

// MemoryBus implements ports.EventPublisher in memory. An injectable
// failure hook lets tests exercise the outbox retry path.
type MemoryBus struct {
	mu     sync.Mutex
	events []*domain.PaymentEvent

	// FailWith, when set, is returned instead of recording the event.
	FailWith error
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish records the event, or fails when FailWith is set.
func (b *MemoryBus) Publish(_ context.Context, event *domain.PaymentEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWith != nil {
		return b.FailWith
	}
	b.events = append(b.events, event)
	return nil
}

// Events returns a snapshot of the published events in order.
func (b *MemoryBus) Events() []*domain.PaymentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*domain.PaymentEvent, len(b.events))
	copy(out, b.events)
	return out
}

// SetFailure installs or clears the failure hook.
func (b *MemoryBus) SetFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.FailWith = err
}
