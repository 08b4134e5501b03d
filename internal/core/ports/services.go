package ports

import (
	"context"
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/shopspring/decimal"
)

//go:generate mockgen -destination=mocks/mock_services.go -package=mocks payment-orchestrator/internal/core/ports Gateway,EventPublisher,PaymentService,TokenService

// Gateway is the narrow contract every external payment gateway client
// implements. Errors returned are *domain.GatewayError so the retry policy
// can distinguish transient from final failures.
type Gateway interface {
	Name() domain.GatewayType
	Authenticate(ctx context.Context, payment *domain.Payment) (string, error)
	Initiate(ctx context.Context, payment *domain.Payment) (string, error)
	Process(ctx context.Context, payment *domain.Payment) (*domain.GatewayResult, error)
}

// EventPublisher delivers events to the external bus. Publish may fail; the
// outbox publisher owns retries. Consumers de-duplicate by event id.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.PaymentEvent) error
}

// RoutingContext is the input the router scores gateways against.
type RoutingContext struct {
	Amount     decimal.Decimal
	Currency   domain.Currency
	Method     domain.PaymentMethodType
	Country    string
	MerchantID string
	Metadata   map[string]any
}

// RoutingDecision is the router's selection plus how it was reached.
type RoutingDecision struct {
	Gateway  domain.GatewayType
	Reason   string
	Rule     string // name of the matched rule, empty for scored selection
	Fallback bool   // true when no gateway was available
}

// Router selects a gateway for a payment.
type Router interface {
	SelectGateway(ctx context.Context, rc RoutingContext) (RoutingDecision, error)
	RegisterGateway(gateway domain.GatewayType)
}

// MetricsSnapshot is a point-in-time view of one gateway's rolling stats.
type MetricsSnapshot struct {
	Gateway       domain.GatewayType
	TotalRequests int64
	TotalSuccess  int64
	TotalFailure  int64
	SuccessRate   float64
	AvgLatency    time.Duration
	P95Latency    time.Duration
	P99Latency    time.Duration
	AvgCost       float64
	LastFailureAt time.Time
}

// MetricsCollector feeds the router and circuit breaker with per-gateway
// outcome statistics.
type MetricsCollector interface {
	RecordSuccess(gateway domain.GatewayType, latency time.Duration, cost float64)
	RecordFailure(gateway domain.GatewayType, latency time.Duration)
	Snapshot(gateway domain.GatewayType) MetricsSnapshot
	Snapshots() map[domain.GatewayType]MetricsSnapshot
}

// PaymentService is the coordinator's public surface.
type PaymentService interface {
	CreatePayment(ctx context.Context, req domain.CreatePaymentRequest) (*domain.Payment, error)
	ProcessPayment(ctx context.Context, req domain.ProcessPaymentRequest) (*domain.Payment, error)
	GetPayment(ctx context.Context, id string) (*domain.Payment, error)
	GatewayHealth(ctx context.Context) []domain.GatewayHealth
}

// TokenService issues and validates merchant API tokens.
type TokenService interface {
	Generate(merchantID string) (string, error)
	Validate(token string) (string, error)
}
