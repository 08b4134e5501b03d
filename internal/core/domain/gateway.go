package domain

import (
	"fmt"
	"time"
)

// GatewayType identifies an external payment gateway.
type GatewayType string

// GatewayError is the error contract all gateway clients honor. Retryable
// errors are transient (network, timeout); non-retryable errors are final
// (authentication, validation, declined).
type GatewayError struct {
	Gateway   GatewayType `json:"gateway"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: [%s] %s", e.Gateway, e.Code, e.Message)
}

// IsRetryable reports whether the retry policy may re-attempt the call.
func (e *GatewayError) IsRetryable() bool {
	return e.Retryable
}

// GatewayResult is the outcome of a gateway process call.
type GatewayResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id"`
}

// CircuitState is the breaker state for one gateway.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// GatewayHealth is a point-in-time snapshot of one gateway's rolling stats.
type GatewayHealth struct {
	Gateway              GatewayType   `json:"gateway"`
	CircuitState         CircuitState  `json:"circuit_state"`
	TotalSuccesses       int64         `json:"total_successes"`
	TotalFailures        int64         `json:"total_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	SuccessRate          float64       `json:"success_rate"`
	AvgLatency           time.Duration `json:"avg_latency"`
	P95Latency           time.Duration `json:"p95_latency"`
	P99Latency           time.Duration `json:"p99_latency"`
	AvgCost              float64       `json:"avg_cost"`
	OpenCount            int           `json:"open_count"`
	TimeUntilRetry       time.Duration `json:"time_until_retry"`
	HealthScore          float64       `json:"health_score"`
}
