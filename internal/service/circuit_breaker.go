package service

import (
	"context"
	"sync"
	"time"

	"payment-orchestrator/config"
	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/pkg/apperror"

	"github.com/rs/zerolog"
)

// failureRateWindow is the rolling window the failure-rate trip condition
// is evaluated over. The rate is only consulted once the window holds
// failureRateMinSamples outcomes; below that the consecutive-failure
// threshold is the sole trip condition.
const (
	failureRateWindow     = 5 * time.Minute
	failureRateMinSamples = 10
)

type outcome struct {
	at      time.Time
	success bool
}

// CircuitBreaker isolates one gateway. CLOSED passes traffic, OPEN rejects
// immediately, HALF_OPEN admits a bounded number of probes.
type CircuitBreaker struct {
	gateway domain.GatewayType
	cfg     config.CircuitBreakerConfig
	log     zerolog.Logger

	mu                   sync.Mutex
	state                domain.CircuitState
	changedAt            time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
	totalSuccesses       int64
	totalFailures        int64
	halfOpenAttempts     int
	halfOpenSuccesses    int
	openCount            int
	recent               []outcome

	now func() time.Time
}

// NewCircuitBreaker creates a breaker in CLOSED state.
func NewCircuitBreaker(gateway domain.GatewayType, cfg config.CircuitBreakerConfig, log zerolog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		gateway:   gateway,
		cfg:       cfg,
		log:       log,
		state:     domain.CircuitClosed,
		changedAt: time.Now(),
		now:       time.Now,
	}
}

// State returns the current state, applying any pending timed transition.
func (cb *CircuitBreaker) State() domain.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh(cb.now())
	return cb.state
}

// Execute runs fn if the breaker admits the call and records the outcome.
// When the circuit is OPEN, or HALF_OPEN with the probe quota exhausted,
// it rejects without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.refresh(now)

	switch cb.state {
	case domain.CircuitOpen:
		return apperror.ErrCircuitOpen(string(cb.gateway), cb.healthScore())
	case domain.CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.cfg.HalfOpenMaxAttempts {
			return apperror.ErrCircuitOpen(string(cb.gateway), cb.healthScore())
		}
		cb.halfOpenAttempts++
	}
	return nil
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.totalSuccesses++
	cb.consecutiveSuccesses++
	cb.consecutiveFailures = 0
	cb.pushOutcome(outcome{at: now, success: true})

	if cb.state == domain.CircuitHalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.cfg.SuccessThreshold {
			cb.setState(domain.CircuitClosed, now)
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.totalFailures++
	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0
	cb.pushOutcome(outcome{at: now, success: false})

	switch cb.state {
	case domain.CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold || cb.failureRate(now) >= cb.cfg.FailureRateThreshold {
			cb.setState(domain.CircuitOpen, now)
		}
	case domain.CircuitHalfOpen:
		// Any failed probe reopens the circuit.
		cb.setState(domain.CircuitOpen, now)
	}
}

// refresh applies timed transitions: OPEN -> HALF_OPEN after openTimeout,
// HALF_OPEN -> OPEN when the probe window expires without closing.
func (cb *CircuitBreaker) refresh(now time.Time) {
	switch cb.state {
	case domain.CircuitOpen:
		if now.Sub(cb.changedAt) >= cb.cfg.OpenTimeout {
			cb.setState(domain.CircuitHalfOpen, now)
		}
	case domain.CircuitHalfOpen:
		if now.Sub(cb.changedAt) >= cb.cfg.HalfOpenTimeout {
			cb.setState(domain.CircuitOpen, now)
		}
	}
}

func (cb *CircuitBreaker) setState(state domain.CircuitState, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.changedAt = now
	cb.halfOpenAttempts = 0
	cb.halfOpenSuccesses = 0
	if state == domain.CircuitOpen {
		cb.openCount++
	}
	cb.log.Info().
		Str("gateway", string(cb.gateway)).
		Str("from", string(prev)).
		Str("to", string(state)).
		Msg("circuit breaker state change")
}

func (cb *CircuitBreaker) pushOutcome(o outcome) {
	cb.recent = append(cb.recent, o)
	cutoff := o.at.Add(-failureRateWindow)
	i := 0
	for i < len(cb.recent) && cb.recent[i].at.Before(cutoff) {
		i++
	}
	cb.recent = cb.recent[i:]
}

func (cb *CircuitBreaker) failureRate(now time.Time) float64 {
	cutoff := now.Add(-failureRateWindow)
	var total, failures int
	for _, o := range cb.recent {
		if o.at.Before(cutoff) {
			continue
		}
		total++
		if !o.success {
			failures++
		}
	}
	if total < failureRateMinSamples {
		return 0
	}
	return float64(failures) / float64(total)
}

func (cb *CircuitBreaker) successRate() float64 {
	total := cb.totalSuccesses + cb.totalFailures
	if total == 0 {
		return 1.0
	}
	return float64(cb.totalSuccesses) / float64(total)
}

// healthScore combines state, success rate, and streaks into [0, 1].
// Callers must hold cb.mu.
func (cb *CircuitBreaker) healthScore() float64 {
	var stateWeight float64
	switch cb.state {
	case domain.CircuitClosed:
		stateWeight = 1.0
	case domain.CircuitHalfOpen:
		stateWeight = 0.5
	case domain.CircuitOpen:
		stateWeight = 0.0
	}

	succStreak := float64(cb.consecutiveSuccesses) / 10
	if succStreak > 1 {
		succStreak = 1
	}
	failStreak := float64(cb.consecutiveFailures) / 5
	if failStreak > 1 {
		failStreak = 1
	}

	score := 0.5*stateWeight + 0.3*cb.successRate() + 0.1*succStreak - 0.1*failStreak
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// HealthScore returns the current health score in [0, 1].
func (cb *CircuitBreaker) HealthScore() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh(cb.now())
	return cb.healthScore()
}

// Health merges breaker state with the gateway's metrics snapshot.
func (cb *CircuitBreaker) Health(m ports.MetricsSnapshot) domain.GatewayHealth {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.refresh(now)

	var untilRetry time.Duration
	if cb.state == domain.CircuitOpen {
		if remaining := cb.cfg.OpenTimeout - now.Sub(cb.changedAt); remaining > 0 {
			untilRetry = remaining
		}
	}

	return domain.GatewayHealth{
		Gateway:              cb.gateway,
		CircuitState:         cb.state,
		TotalSuccesses:       cb.totalSuccesses,
		TotalFailures:        cb.totalFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		ConsecutiveFailures:  cb.consecutiveFailures,
		SuccessRate:          cb.successRate(),
		AvgLatency:           m.AvgLatency,
		P95Latency:           m.P95Latency,
		P99Latency:           m.P99Latency,
		AvgCost:              m.AvgCost,
		OpenCount:            cb.openCount,
		TimeUntilRetry:       untilRetry,
		HealthScore:          cb.healthScore(),
	}
}

// BreakerRegistry holds one breaker per gateway, created on demand.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[domain.GatewayType]*CircuitBreaker
	cfg      config.CircuitBreakerConfig
	log      zerolog.Logger
}

// NewBreakerRegistry creates an empty registry with shared configuration.
func NewBreakerRegistry(cfg config.CircuitBreakerConfig, log zerolog.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[domain.GatewayType]*CircuitBreaker),
		cfg:      cfg,
		log:      log,
	}
}

// Get returns the breaker for a gateway, creating it on first use.
func (r *BreakerRegistry) Get(gateway domain.GatewayType) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[gateway]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[gateway]; ok {
		return cb
	}
	cb = NewCircuitBreaker(gateway, r.cfg, r.log)
	r.breakers[gateway] = cb
	return cb
}

// Available reports whether the gateway should receive new traffic. OPEN
// circuits never do. HALF_OPEN circuits do regardless of score, since the
// recovery probes are the only way back to CLOSED. A CLOSED circuit is
// held out once its health score sinks below MinHealthScore, which pulls a
// degrading gateway out of routing before the breaker trips.
func (r *BreakerRegistry) Available(gateway domain.GatewayType) bool {
	cb := r.Get(gateway)
	switch cb.State() {
	case domain.CircuitOpen:
		return false
	case domain.CircuitHalfOpen:
		return true
	default:
		return cb.HealthScore() >= r.cfg.MinHealthScore
	}
}
