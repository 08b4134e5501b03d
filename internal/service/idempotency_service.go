package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"payment-orchestrator/config"
	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// cachedError is the persisted form of a failed operation's error.
type cachedError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
}

// IdempotencyEngine de-duplicates client operations. Each scoped key is
// guarded by a distributed lock; the request body fingerprint detects key
// reuse with a different payload; completed and failed outcomes are cached
// and replayed for the record's lifetime.
type IdempotencyEngine struct {
	store ports.IdempotencyStore
	locks ports.LockManager
	cfg   config.IdempotencyConfig
	log   zerolog.Logger
	now   func() time.Time
}

// NewIdempotencyEngine creates the engine.
func NewIdempotencyEngine(store ports.IdempotencyStore, locks ports.LockManager, cfg config.IdempotencyConfig, log zerolog.Logger) *IdempotencyEngine {
	return &IdempotencyEngine{
		store: store,
		locks: locks,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

// Execute runs fn at most once per key+body. The returned bytes are the
// JSON form of fn's result, whether produced now or replayed from cache.
// A concurrent in-flight execution of the same key is awaited by polling
// the store until it reaches a terminal state.
func (e *IdempotencyEngine) Execute(ctx context.Context, key string, body any, fn func(ctx context.Context) (any, error)) ([]byte, error) {
	fingerprint, err := domain.Fingerprint(body)
	if err != nil {
		return nil, apperror.InternalError(err)
	}

	lockKey := "idempotency:" + key
	owner := uuid.NewString()
	if err := e.acquireLock(ctx, lockKey, owner); err != nil {
		return nil, err
	}
	locked := true
	defer func() {
		if locked {
			_, _ = e.locks.Release(context.WithoutCancel(ctx), lockKey, owner)
		}
	}()

	record, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	now := e.now()
	if record != nil && record.IsExpired(now) {
		// Expired records are transparently treated as absent.
		if err := e.store.Delete(ctx, key); err != nil {
			return nil, apperror.ErrDatabaseError(err)
		}
		record = nil
	}

	if record != nil {
		if record.Fingerprint != fingerprint {
			return nil, apperror.ErrFingerprintMismatch()
		}
		switch record.State {
		case domain.IdempotencyCompleted:
			return record.Response, nil
		case domain.IdempotencyFailed:
			return nil, replayError(record.ErrorBody)
		case domain.IdempotencyProcessing:
			// Another in-flight execution owns this key. Drop the lock and
			// wait for it to finish.
			_, _ = e.locks.Release(context.WithoutCancel(ctx), lockKey, owner)
			locked = false
			return e.awaitResult(ctx, key)
		}
	}

	record = &domain.IdempotencyRecord{
		Key:         key,
		State:       domain.IdempotencyProcessing,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(e.cfg.TTL),
	}
	if err := e.store.Put(ctx, record); err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}

	result, fnErr := fn(ctx)
	if fnErr != nil {
		e.persistFailure(ctx, record, fnErr)
		return nil, fnErr
	}

	response, err := json.Marshal(result)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("marshal idempotent result: %w", err))
	}
	record.State = domain.IdempotencyCompleted
	record.Response = response
	record.UpdatedAt = e.now()
	if err := e.store.Put(ctx, record); err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	return response, nil
}

func (e *IdempotencyEngine) acquireLock(ctx context.Context, lockKey, owner string) error {
	deadline := time.Now().Add(e.cfg.LockTimeout)
	for {
		ok, err := e.locks.Acquire(ctx, lockKey, owner, e.cfg.LockTimeout)
		if err != nil {
			return apperror.InternalError(err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return apperror.ErrIdempotencyLock(lockKey)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.RetryInterval):
		}
	}
}

// awaitResult polls the store until the in-flight execution reaches a
// terminal state or the retry budget is spent.
func (e *IdempotencyEngine) awaitResult(ctx context.Context, key string) ([]byte, error) {
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.cfg.RetryInterval):
		}

		record, err := e.store.Get(ctx, key)
		if err != nil {
			return nil, apperror.ErrDatabaseError(err)
		}
		if record == nil {
			continue
		}
		switch record.State {
		case domain.IdempotencyCompleted:
			return record.Response, nil
		case domain.IdempotencyFailed:
			return nil, replayError(record.ErrorBody)
		}
	}
	return nil, apperror.ErrIdempotencyTimeout()
}

func (e *IdempotencyEngine) persistFailure(ctx context.Context, record *domain.IdempotencyRecord, fnErr error) {
	ce := cachedError{Code: "SYS_002", Message: "Internal server error", HTTPStatus: http.StatusInternalServerError}
	var appErr *apperror.AppError
	if errors.As(fnErr, &appErr) {
		ce = cachedError{Code: appErr.Code, Message: appErr.Message, HTTPStatus: appErr.HTTPStatus}
	}
	body, err := json.Marshal(ce)
	if err != nil {
		e.log.Error().Err(err).Str("key", record.Key).Msg("marshal cached error")
		return
	}
	record.State = domain.IdempotencyFailed
	record.ErrorBody = body
	record.UpdatedAt = e.now()
	if err := e.store.Put(context.WithoutCancel(ctx), record); err != nil {
		e.log.Error().Err(err).Str("key", record.Key).Msg("persist failed idempotency record")
	}
}

func replayError(body []byte) error {
	var ce cachedError
	if err := json.Unmarshal(body, &ce); err != nil {
		return apperror.InternalError(fmt.Errorf("unmarshal cached error: %w", err))
	}
	return apperror.New(ce.Code, ce.Message, ce.HTTPStatus)
}
