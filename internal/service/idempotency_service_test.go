package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"payment-orchestrator/config"
	"payment-orchestrator/internal/adapter/storage/memory"
	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/pkg/apperror"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdempotencyEngine(t *testing.T) (*IdempotencyEngine, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	lm := NewInMemoryLockManager(0, zerolog.Nop())
	t.Cleanup(lm.Stop)
	cfg := config.IdempotencyConfig{
		TTL:           24 * time.Hour,
		LockTimeout:   200 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
		MaxRetries:    20,
	}
	return NewIdempotencyEngine(store.IdempotencyStore(), lm, cfg, zerolog.Nop()), store
}

type idemResult struct {
	PaymentID string `json:"payment_id"`
}

func TestIdempotencyEngine_FirstRunExecutes(t *testing.T) {
	e, _ := newIdempotencyEngine(t)

	calls := 0
	resp, err := e.Execute(context.Background(), "m1:create:k1", map[string]any{"amount": "10.00"}, func(ctx context.Context) (any, error) {
		calls++
		return idemResult{PaymentID: "pay_1"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.JSONEq(t, `{"payment_id":"pay_1"}`, string(resp))
}

func TestIdempotencyEngine_ReplaysCompletedResult(t *testing.T) {
	e, _ := newIdempotencyEngine(t)
	body := map[string]any{"amount": "10.00"}

	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return idemResult{PaymentID: "pay_1"}, nil
	}

	first, err := e.Execute(context.Background(), "m1:create:k1", body, fn)
	require.NoError(t, err)
	second, err := e.Execute(context.Background(), "m1:create:k1", body, fn)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, string(first), string(second))
}

func TestIdempotencyEngine_ReplaysFailure(t *testing.T) {
	e, _ := newIdempotencyEngine(t)
	body := map[string]any{"amount": "10.00"}

	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return nil, apperror.New("GWY_002", "Gateway declined the payment", 502)
	}

	_, err := e.Execute(context.Background(), "m1:create:k1", body, fn)
	require.Error(t, err)

	_, err = e.Execute(context.Background(), "m1:create:k1", body, fn)
	require.Error(t, err)
	assert.Equal(t, "GWY_002", apperror.Code(err))
	assert.Equal(t, 1, calls)
}

func TestIdempotencyEngine_FingerprintMismatch(t *testing.T) {
	e, _ := newIdempotencyEngine(t)

	fn := func(ctx context.Context) (any, error) { return idemResult{PaymentID: "pay_1"}, nil }

	_, err := e.Execute(context.Background(), "m1:create:k1", map[string]any{"amount": "10.00"}, fn)
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), "m1:create:k1", map[string]any{"amount": "99.00"}, fn)
	require.Error(t, err)
	assert.Equal(t, "IDEM_002", apperror.Code(err))
}

func TestIdempotencyEngine_FingerprintIgnoresFieldOrder(t *testing.T) {
	e, _ := newIdempotencyEngine(t)

	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return idemResult{PaymentID: "pay_1"}, nil
	}

	_, err := e.Execute(context.Background(), "m1:create:k1", map[string]any{"a": "1", "b": "2"}, fn)
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), "m1:create:k1", map[string]any{"b": "2", "a": "1"}, fn)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestIdempotencyEngine_AwaitsInFlightExecution(t *testing.T) {
	e, _ := newIdempotencyEngine(t)
	body := map[string]any{"amount": "10.00"}

	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)

	var firstResp, secondResp []byte
	var firstErr, secondErr error

	go func() {
		defer wg.Done()
		firstResp, firstErr = e.Execute(context.Background(), "m1:create:k1", body, func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return idemResult{PaymentID: "pay_1"}, nil
		})
	}()

	go func() {
		defer wg.Done()
		<-started
		secondResp, secondErr = e.Execute(context.Background(), "m1:create:k1", body, func(ctx context.Context) (any, error) {
			t.Error("second execution must not run fn")
			return nil, nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, firstErr)
	require.NoError(t, secondErr)
	assert.Equal(t, string(firstResp), string(secondResp))
}

func TestIdempotencyEngine_AwaitTimesOut(t *testing.T) {
	e, store := newIdempotencyEngine(t)
	e.cfg.MaxRetries = 3

	// Seed a PROCESSING record whose owner never finishes.
	body := map[string]any{"amount": "10.00"}
	fp, err := domain.Fingerprint(body)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, store.IdempotencyStore().Put(context.Background(), &domain.IdempotencyRecord{
		Key:         "m1:create:k1",
		State:       domain.IdempotencyProcessing,
		Fingerprint: fp,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}))

	_, err = e.Execute(context.Background(), "m1:create:k1", body, func(ctx context.Context) (any, error) {
		t.Error("fn must not run while another execution is in flight")
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, "IDEM_003", apperror.Code(err))
}

func TestIdempotencyEngine_ExpiredRecordIsAbsent(t *testing.T) {
	e, _ := newIdempotencyEngine(t)
	body := map[string]any{"amount": "10.00"}

	current := time.Now()
	e.now = func() time.Time { return current }

	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return idemResult{PaymentID: "pay_1"}, nil
	}

	_, err := e.Execute(context.Background(), "m1:create:k1", body, fn)
	require.NoError(t, err)

	current = current.Add(25 * time.Hour)
	_, err = e.Execute(context.Background(), "m1:create:k1", body, fn)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
