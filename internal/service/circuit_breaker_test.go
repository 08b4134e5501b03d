package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"payment-orchestrator/config"
	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/pkg/apperror"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func breakerConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		SuccessThreshold:     3,
		OpenTimeout:          60 * time.Second,
		HalfOpenTimeout:      30 * time.Second,
		HalfOpenMaxAttempts:  5,
		MinHealthScore:       0.5,
	}
}

// testBreaker returns a breaker with a controllable clock.
func testBreaker(t *testing.T) (*CircuitBreaker, *time.Time) {
	t.Helper()
	cb := NewCircuitBreaker("testgw", breakerConfig(), zerolog.Nop())
	current := time.Now()
	cb.now = func() time.Time { return current }
	return cb, &current
}

func fail(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})
}

func succeed(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
}

func TestBreaker_OpensOnConsecutiveFailures(t *testing.T) {
	cb, _ := testBreaker(t)

	for i := 0; i < 4; i++ {
		require.Error(t, fail(cb))
		assert.Equal(t, domain.CircuitClosed, cb.State())
	}
	require.Error(t, fail(cb))
	assert.Equal(t, domain.CircuitOpen, cb.State())

	// Open circuit rejects without invoking fn.
	called := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeCircuitOpen, apperror.Code(err))
	assert.False(t, called)
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	cb, _ := testBreaker(t)

	for i := 0; i < 4; i++ {
		require.Error(t, fail(cb))
	}
	require.NoError(t, succeed(cb))
	require.Error(t, fail(cb))
	// 4 failures, success, 1 failure: the streak is back to 1 and the
	// rolling window is below its sample minimum, so the circuit holds.
	assert.Equal(t, domain.CircuitClosed, cb.State())
}

func TestBreaker_FailureRateTripsWithMixedOutcomes(t *testing.T) {
	cb, _ := testBreaker(t)

	// Build a window where the streak never reaches 5 but the failure
	// rate crosses 0.5 once enough samples accumulate.
	for i := 0; i < 5; i++ {
		require.NoError(t, succeed(cb))
	}
	for i := 0; i < 4; i++ {
		require.Error(t, fail(cb))
	}
	require.NoError(t, succeed(cb))
	require.Equal(t, domain.CircuitClosed, cb.State())

	// 12th outcome: 6 failures of 12, rate hits 0.5 with streak at 2.
	require.Error(t, fail(cb))
	require.Error(t, fail(cb))
	assert.Equal(t, domain.CircuitOpen, cb.State())
}

func TestBreaker_HalfOpenAfterTimeoutThenCloses(t *testing.T) {
	cb, clock := testBreaker(t)

	for i := 0; i < 5; i++ {
		_ = fail(cb)
	}
	require.Equal(t, domain.CircuitOpen, cb.State())

	*clock = clock.Add(61 * time.Second)
	assert.Equal(t, domain.CircuitHalfOpen, cb.State())

	// SuccessThreshold probes close the circuit.
	for i := 0; i < 3; i++ {
		require.NoError(t, succeed(cb))
	}
	assert.Equal(t, domain.CircuitClosed, cb.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := testBreaker(t)

	for i := 0; i < 5; i++ {
		_ = fail(cb)
	}
	*clock = clock.Add(61 * time.Second)
	require.Equal(t, domain.CircuitHalfOpen, cb.State())

	require.Error(t, fail(cb))
	assert.Equal(t, domain.CircuitOpen, cb.State())
}

func TestBreaker_HalfOpenProbeQuota(t *testing.T) {
	cfg := breakerConfig()
	cfg.HalfOpenMaxAttempts = 2
	cb := NewCircuitBreaker("testgw", cfg, zerolog.Nop())
	current := time.Now()
	cb.now = func() time.Time { return current }

	for i := 0; i < 5; i++ {
		_ = fail(cb)
	}
	current = current.Add(61 * time.Second)
	require.Equal(t, domain.CircuitHalfOpen, cb.State())

	// Two probes succeed but stay below SuccessThreshold=3, so the
	// circuit remains HALF_OPEN with the quota exhausted.
	require.NoError(t, succeed(cb))
	require.NoError(t, succeed(cb))
	require.Equal(t, domain.CircuitHalfOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeCircuitOpen, apperror.Code(err))
	assert.False(t, called)
}

func TestBreaker_HalfOpenWindowExpiryReopens(t *testing.T) {
	cb, clock := testBreaker(t)

	for i := 0; i < 5; i++ {
		_ = fail(cb)
	}
	*clock = clock.Add(61 * time.Second)
	require.Equal(t, domain.CircuitHalfOpen, cb.State())

	*clock = clock.Add(31 * time.Second)
	assert.Equal(t, domain.CircuitOpen, cb.State())
}

func TestBreaker_HealthScoreBounds(t *testing.T) {
	cb, _ := testBreaker(t)

	// Fresh breaker: closed, no outcomes, perfect score baseline.
	score := cb.HealthScore()
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
	assert.InDelta(t, 0.8, score, 0.01) // 0.5*1 + 0.3*1 + 0 - 0

	for i := 0; i < 5; i++ {
		_ = fail(cb)
	}
	open := cb.HealthScore()
	assert.Less(t, open, breakerConfig().MinHealthScore)
	assert.GreaterOrEqual(t, open, 0.0)
}

func TestBreaker_HealthSnapshot(t *testing.T) {
	cb, clock := testBreaker(t)

	require.NoError(t, succeed(cb))
	for i := 0; i < 5; i++ {
		_ = fail(cb)
	}
	require.Equal(t, domain.CircuitOpen, cb.State())

	*clock = clock.Add(10 * time.Second)
	h := cb.Health(ports.MetricsSnapshot{AvgLatency: 120 * time.Millisecond, AvgCost: 0.3})
	assert.Equal(t, domain.CircuitOpen, h.CircuitState)
	assert.Equal(t, int64(1), h.TotalSuccesses)
	assert.Equal(t, int64(5), h.TotalFailures)
	assert.Equal(t, 5, h.ConsecutiveFailures)
	assert.Equal(t, 1, h.OpenCount)
	assert.Equal(t, 50*time.Second, h.TimeUntilRetry)
	assert.Equal(t, 120*time.Millisecond, h.AvgLatency)
}

func TestBreakerRegistry(t *testing.T) {
	reg := NewBreakerRegistry(breakerConfig(), zerolog.Nop())

	a := reg.Get("gwA")
	assert.Same(t, a, reg.Get("gwA"))
	assert.NotSame(t, a, reg.Get("gwB"))

	assert.True(t, reg.Available("gwA"))
	for i := 0; i < 5; i++ {
		_ = fail(a)
	}
	assert.False(t, reg.Available("gwA"))
	assert.True(t, reg.Available("gwB"))
}

func TestBreakerRegistry_UnhealthyClosedGatewayIsHeldOut(t *testing.T) {
	reg := NewBreakerRegistry(breakerConfig(), zerolog.Nop())
	cb := reg.Get("gwA")

	// Four straight failures keep the circuit CLOSED (threshold is five)
	// but drag the health score below the minimum.
	for i := 0; i < 4; i++ {
		_ = fail(cb)
	}
	require.Equal(t, domain.CircuitClosed, cb.State())
	require.Less(t, cb.HealthScore(), breakerConfig().MinHealthScore)
	assert.False(t, reg.Available("gwA"))

	// A run of successes restores the score and readmits the gateway.
	for i := 0; i < 7; i++ {
		_ = succeed(cb)
	}
	require.GreaterOrEqual(t, cb.HealthScore(), breakerConfig().MinHealthScore)
	assert.True(t, reg.Available("gwA"))
}

func TestBreakerRegistry_HalfOpenStaysAvailable(t *testing.T) {
	reg := NewBreakerRegistry(breakerConfig(), zerolog.Nop())
	cb := reg.Get("gwA")
	current := time.Now()
	cb.now = func() time.Time { return current }

	for i := 0; i < 5; i++ {
		_ = fail(cb)
	}
	require.False(t, reg.Available("gwA"))

	// HALF_OPEN must admit traffic even with a poor score, or the
	// recovery probes could never run.
	current = current.Add(61 * time.Second)
	require.Equal(t, domain.CircuitHalfOpen, cb.State())
	assert.True(t, reg.Available("gwA"))
}
