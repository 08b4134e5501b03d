package postgres

import (
	"context"
	"errors"
	"fmt"

	"payment-orchestrator/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// IdempotencyStore implements ports.IdempotencyStore on PostgreSQL.
type IdempotencyStore struct {
	pool Pool
}

// NewIdempotencyStore creates a new IdempotencyStore.
func NewIdempotencyStore(pool Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// Get fetches a record by key. Expired records are returned as stored; the
// engine decides their fate.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `SELECT key, state, fingerprint, response, error_body, created_at, updated_at, expires_at
		FROM idempotency_records WHERE key = $1`

	rec := &domain.IdempotencyRecord{}
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&rec.Key, &rec.State, &rec.Fingerprint, &rec.Response, &rec.ErrorBody,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return rec, nil
}

// Put upserts a record by key.
func (s *IdempotencyStore) Put(ctx context.Context, rec *domain.IdempotencyRecord) error {
	query := `INSERT INTO idempotency_records (key, state, fingerprint, response, error_body, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO UPDATE SET
			state = EXCLUDED.state,
			response = EXCLUDED.response,
			error_body = EXCLUDED.error_body,
			updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		rec.Key, rec.State, rec.Fingerprint, rec.Response, rec.ErrorBody,
		rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("put idempotency record: %w", err)
	}
	return nil
}

// Delete removes a record by key.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	query := `DELETE FROM idempotency_records WHERE key = $1`
	if _, err := s.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}
