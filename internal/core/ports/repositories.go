package ports

import (
	"context"
	"errors"
	"time"

	"payment-orchestrator/internal/core/domain"
)

// ErrVersionConflict is returned by versioned writes when the stored row no
// longer carries the expected version.
var ErrVersionConflict = errors.New("payment version conflict")

// ErrDuplicateKey is returned by Save when the idempotency key is taken.
var ErrDuplicateKey = errors.New("duplicate idempotency key")

// UpdateResult reports the outcome of a versioned payment update.
type UpdateResult struct {
	Success    bool
	NewVersion int64
	Conflict   bool
}

// PaymentRepository defines persistence operations for payments. Lookups
// return nil, nil when no row matches.
type PaymentRepository interface {
	FindByID(ctx context.Context, id string) (*domain.Payment, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error)
	FindByGatewayTxnID(ctx context.Context, txnID string) (*domain.Payment, error)
	// Save inserts a new payment; fails on duplicate idempotency key.
	Save(ctx context.Context, payment *domain.Payment) error
	// UpdateWithVersion applies the payment row only when the stored version
	// equals expectedVersion. Zero rows affected reports Conflict.
	UpdateWithVersion(ctx context.Context, id string, payment *domain.Payment, expectedVersion int64) (UpdateResult, error)
	// PersistWithEvent writes the payment row and the event's outbox row in
	// one storage transaction. Implementations that cannot honor the
	// atomicity MUST refuse the write.
	PersistWithEvent(ctx context.Context, payment *domain.Payment, event *domain.PaymentEvent) error
}

// OutboxStore is the durable queue of pending event deliveries. Entries are
// inserted by PaymentRepository.PersistWithEvent; the publisher drains them.
type OutboxStore interface {
	// GetPending returns PENDING entries whose retry time has arrived,
	// ordered by creation time ascending.
	GetPending(ctx context.Context, limit int) ([]*domain.OutboxEntry, error)
	// MarkProcessing is an atomic test-and-set: it returns false when the
	// entry was already claimed by another publisher.
	MarkProcessing(ctx context.Context, id string) (bool, error)
	MarkPublished(ctx context.Context, id string) error
	// MarkFailed records the error and increments attempts. A non-nil
	// nextRetryAt re-queues the entry as PENDING for that time; nil parks
	// it as FAILED permanently.
	MarkFailed(ctx context.Context, id string, lastError string, nextRetryAt *time.Time) error
	// RequeueProcessing resets every PROCESSING entry back to PENDING and
	// returns the number reset. A publisher that crashes between claiming an
	// entry and publishing it leaves the claim behind; the next publisher
	// calls this at startup so those entries are delivered again.
	RequeueProcessing(ctx context.Context) (int64, error)
	// DeletePublished removes PUBLISHED entries older than the cutoff and
	// returns the number deleted.
	DeletePublished(ctx context.Context, olderThan time.Time) (int64, error)
}

// IdempotencyStore persists de-duplication records. Expired records are the
// caller's concern; Get returns them as stored.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	Put(ctx context.Context, record *domain.IdempotencyRecord) error
	Delete(ctx context.Context, key string) error
}

// LockManager provides named mutual-exclusion leases with TTL and owner
// identity. Acquire is non-blocking; re-acquiring a held lease extends it.
type LockManager interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) (bool, error)
	Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	IsLocked(ctx context.Context, key string) (bool, error)
}
