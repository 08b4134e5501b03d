// Package gateway holds payment gateway clients. The simulated client
// stands in for a real acquirer integration: it honors the Gateway port,
// emits *domain.GatewayError like a production client, and is deterministic
// enough for local runs and integration tests.
package gateway

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/google/uuid"
)

// SimulatedOptions tune the simulated gateway's behavior.
type SimulatedOptions struct {
	// FailureRate in [0,1] is the probability a Process call declines.
	FailureRate float64
	// TransientRate in [0,1] is the probability any call fails with a
	// retryable error before reaching the outcome.
	TransientRate float64
	// Latency is added to every call.
	Latency time.Duration
}

// Simulated implements ports.Gateway in memory.
type Simulated struct {
	name domain.GatewayType
	opts SimulatedOptions

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated creates a simulated gateway client.
func NewSimulated(name domain.GatewayType, opts SimulatedOptions) *Simulated {
	return &Simulated{
		name: name,
		opts: opts,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Name returns the gateway identifier.
func (g *Simulated) Name() domain.GatewayType { return g.name }

// Authenticate simulates the 3DS/authentication leg.
func (g *Simulated) Authenticate(ctx context.Context, _ *domain.Payment) (string, error) {
	if err := g.simulate(ctx); err != nil {
		return "", err
	}
	return "auth_" + uuid.NewString(), nil
}

// Initiate simulates opening the transaction at the acquirer.
func (g *Simulated) Initiate(ctx context.Context, _ *domain.Payment) (string, error) {
	if err := g.simulate(ctx); err != nil {
		return "", err
	}
	return "txn_" + uuid.NewString(), nil
}

// Process simulates capture. Declines are final, not retryable.
func (g *Simulated) Process(ctx context.Context, _ *domain.Payment) (*domain.GatewayResult, error) {
	if err := g.simulate(ctx); err != nil {
		return nil, err
	}
	if g.roll() < g.opts.FailureRate {
		return nil, &domain.GatewayError{
			Gateway:   g.name,
			Code:      "DECLINED",
			Message:   "payment declined by issuer",
			Retryable: false,
		}
	}
	return &domain.GatewayResult{Success: true, TransactionID: "txn_" + uuid.NewString()}, nil
}

// simulate applies latency and the transient failure roll.
func (g *Simulated) simulate(ctx context.Context) error {
	if g.opts.Latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.opts.Latency):
		}
	}
	if g.roll() < g.opts.TransientRate {
		return &domain.GatewayError{
			Gateway:   g.name,
			Code:      "TIMEOUT",
			Message:   "gateway timed out",
			Retryable: true,
		}
	}
	return nil
}

func (g *Simulated) roll() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64()
}
