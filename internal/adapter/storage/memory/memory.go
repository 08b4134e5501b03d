// Package memory provides map-backed implementations of the storage ports.
// They back unit and integration tests and the local development mode; a
// single Store instance shares its mutex across the payment table and the
// outbox so PersistWithEvent stays atomic.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
)

// Store holds the shared in-memory tables.
type Store struct {
	mu          sync.RWMutex
	payments    map[string]*domain.Payment
	byIdemKey   map[string]string // idempotency key -> payment id
	outbox      map[string]*domain.OutboxEntry
	idempotency map[string]*domain.IdempotencyRecord
	now         func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		payments:    make(map[string]*domain.Payment),
		byIdemKey:   make(map[string]string),
		outbox:      make(map[string]*domain.OutboxEntry),
		idempotency: make(map[string]*domain.IdempotencyRecord),
		now:         time.Now,
	}
}

// PaymentRepository returns the store's payment repository view.
func (s *Store) PaymentRepository() ports.PaymentRepository { return (*paymentRepo)(s) }

// OutboxStore returns the store's outbox view.
func (s *Store) OutboxStore() ports.OutboxStore { return (*outboxStore)(s) }

// IdempotencyStore returns the store's idempotency record view.
func (s *Store) IdempotencyStore() ports.IdempotencyStore { return (*idemStore)(s) }

// --- Payment repository ---

type paymentRepo Store

func (r *paymentRepo) FindByID(_ context.Context, id string) (*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (r *paymentRepo) FindByIdempotencyKey(_ context.Context, key string) (*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byIdemKey[key]
	if !ok {
		return nil, nil
	}
	return r.payments[id].Clone(), nil
}

func (r *paymentRepo) FindByGatewayTxnID(_ context.Context, txnID string) (*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.payments {
		if p.GatewayTxnID == txnID && txnID != "" {
			return p.Clone(), nil
		}
	}
	return nil, nil
}

func (r *paymentRepo) Save(_ context.Context, payment *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byIdemKey[payment.IdempotencyKey]; ok && existing != payment.ID {
		return ports.ErrDuplicateKey
	}
	r.payments[payment.ID] = payment.Clone()
	r.byIdemKey[payment.IdempotencyKey] = payment.ID
	return nil
}

func (r *paymentRepo) UpdateWithVersion(_ context.Context, id string, payment *domain.Payment, expectedVersion int64) (ports.UpdateResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.payments[id]
	if !ok || current.Version != expectedVersion {
		return ports.UpdateResult{Conflict: true}, nil
	}
	r.payments[id] = payment.Clone()
	return ports.UpdateResult{Success: true, NewVersion: payment.Version}, nil
}

// PersistWithEvent writes the payment and its outbox entry under one lock,
// so either both land or neither does.
func (r *paymentRepo) PersistWithEvent(_ context.Context, payment *domain.Payment, event *domain.PaymentEvent) error {
	entry, err := domain.NewOutboxEntry(event)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.payments[payment.ID]
	if payment.Version == 1 {
		if exists {
			return ports.ErrVersionConflict
		}
		if other, ok := r.byIdemKey[payment.IdempotencyKey]; ok && other != payment.ID {
			return ports.ErrDuplicateKey
		}
	} else {
		if !exists || current.Version != payment.Version-1 {
			return ports.ErrVersionConflict
		}
	}

	r.payments[payment.ID] = payment.Clone()
	r.byIdemKey[payment.IdempotencyKey] = payment.ID
	r.outbox[entry.ID] = entry
	return nil
}

// --- Outbox store ---

type outboxStore Store

func (s *outboxStore) GetPending(_ context.Context, limit int) ([]*domain.OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var due []*domain.OutboxEntry
	for _, e := range s.outbox {
		if e.Status != domain.OutboxPending {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		due = append(due, cloneEntry(e))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *outboxStore) MarkProcessing(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outbox[id]
	if !ok || e.Status != domain.OutboxPending {
		return false, nil
	}
	e.Status = domain.OutboxProcessing
	return true, nil
}

func (s *outboxStore) MarkPublished(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outbox[id]
	if !ok {
		return nil
	}
	now := s.now()
	e.Status = domain.OutboxPublished
	e.PublishedAt = &now
	return nil
}

func (s *outboxStore) MarkFailed(_ context.Context, id string, lastError string, nextRetryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outbox[id]
	if !ok {
		return nil
	}
	e.Attempts++
	e.LastError = lastError
	e.NextRetryAt = nextRetryAt
	if nextRetryAt != nil {
		e.Status = domain.OutboxPending
	} else {
		e.Status = domain.OutboxFailed
	}
	return nil
}

func (s *outboxStore) RequeueProcessing(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reset int64
	for _, e := range s.outbox {
		if e.Status == domain.OutboxProcessing {
			e.Status = domain.OutboxPending
			reset++
		}
	}
	return reset, nil
}

func (s *outboxStore) DeletePublished(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, e := range s.outbox {
		if e.Status == domain.OutboxPublished && e.PublishedAt != nil && e.PublishedAt.Before(olderThan) {
			delete(s.outbox, id)
			removed++
		}
	}
	return removed, nil
}

func cloneEntry(e *domain.OutboxEntry) *domain.OutboxEntry {
	cp := *e
	if e.NextRetryAt != nil {
		t := *e.NextRetryAt
		cp.NextRetryAt = &t
	}
	if e.PublishedAt != nil {
		t := *e.PublishedAt
		cp.PublishedAt = &t
	}
	cp.Payload = append([]byte(nil), e.Payload...)
	return &cp
}

// --- Idempotency store ---

type idemStore Store

func (s *idemStore) Get(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idempotency[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.Response = append([]byte(nil), rec.Response...)
	cp.ErrorBody = append([]byte(nil), rec.ErrorBody...)
	return &cp, nil
}

func (s *idemStore) Put(_ context.Context, record *domain.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	cp.Response = append([]byte(nil), record.Response...)
	cp.ErrorBody = append([]byte(nil), record.ErrorBody...)
	s.idempotency[record.Key] = &cp
	return nil
}

func (s *idemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idempotency, key)
	return nil
}
