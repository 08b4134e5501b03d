package postgres

import (
	"context"
	"fmt"
	"time"

	"payment-orchestrator/internal/core/domain"
)

const outboxColumns = `id, aggregate_id, event_type, payload, status, attempts,
	last_error, next_retry_at, created_at, published_at`

// OutboxStore implements ports.OutboxStore on PostgreSQL. The claim in
// MarkProcessing is a conditional UPDATE so concurrent publishers never
// deliver the same entry twice in one claim cycle.
type OutboxStore struct {
	pool Pool
}

// NewOutboxStore creates a new OutboxStore.
func NewOutboxStore(pool Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

// GetPending fetches due PENDING entries oldest first.
func (s *OutboxStore) GetPending(ctx context.Context, limit int) ([]*domain.OutboxEntry, error) {
	query := `SELECT ` + outboxColumns + ` FROM payment_outbox
		WHERE status = 'PENDING' AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at ASC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.OutboxEntry
	for rows.Next() {
		e := &domain.OutboxEntry{}
		var lastError *string
		err := rows.Scan(
			&e.ID, &e.AggregateID, &e.EventType, &e.Payload, &e.Status,
			&e.Attempts, &lastError, &e.NextRetryAt, &e.CreatedAt, &e.PublishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		if lastError != nil {
			e.LastError = *lastError
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return entries, nil
}

// MarkProcessing claims an entry; returns false when another publisher won.
func (s *OutboxStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	query := `UPDATE payment_outbox SET status = 'PROCESSING' WHERE id = $1 AND status = 'PENDING'`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("claim outbox entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPublished records a successful delivery.
func (s *OutboxStore) MarkPublished(ctx context.Context, id string) error {
	query := `UPDATE payment_outbox SET status = 'PUBLISHED', published_at = NOW() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("mark outbox entry published: %w", err)
	}
	return nil
}

// MarkFailed records the error. A non-nil nextRetryAt re-queues the entry as
// PENDING; nil parks it as FAILED.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastError string, nextRetryAt *time.Time) error {
	status := domain.OutboxFailed
	if nextRetryAt != nil {
		status = domain.OutboxPending
	}
	query := `UPDATE payment_outbox SET status = $1, attempts = attempts + 1, last_error = $2, next_retry_at = $3
		WHERE id = $4`
	if _, err := s.pool.Exec(ctx, query, status, lastError, nextRetryAt, id); err != nil {
		return fmt.Errorf("mark outbox entry failed: %w", err)
	}
	return nil
}

// RequeueProcessing resets claims stranded by a crashed publisher so the
// entries become eligible for delivery again.
func (s *OutboxStore) RequeueProcessing(ctx context.Context) (int64, error) {
	query := `UPDATE payment_outbox SET status = 'PENDING' WHERE status = 'PROCESSING'`
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("requeue claimed outbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeletePublished removes delivered entries older than the cutoff.
func (s *OutboxStore) DeletePublished(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM payment_outbox WHERE status = 'PUBLISHED' AND published_at < $1`
	tag, err := s.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete published outbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
