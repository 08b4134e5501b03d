package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"payment-orchestrator/config"
	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// casMaxAttempts bounds the reload-and-retry loop on version conflicts.
const casMaxAttempts = 5

// PaymentCoordinator implements ports.PaymentService. It drives the payment
// state machine, serializing each aggregate under a named lock, persisting
// every transition together with its event through the repository's atomic
// primitive, and wrapping gateway calls in the retry policy and the
// per-gateway circuit breaker.
type PaymentCoordinator struct {
	repo     ports.PaymentRepository
	locks    ports.LockManager
	idem     *IdempotencyEngine
	router   ports.Router
	breakers *BreakerRegistry
	metrics  ports.MetricsCollector
	retry    *RetryPolicy
	sm       *domain.StateMachine
	lockCfg  config.LockConfig
	costs    map[domain.GatewayType]float64
	log      zerolog.Logger

	gateways map[domain.GatewayType]ports.Gateway
	order    []domain.GatewayType
}

// NewPaymentCoordinator wires the coordinator. Gateways are attached with
// RegisterGateway before serving traffic.
func NewPaymentCoordinator(
	repo ports.PaymentRepository,
	locks ports.LockManager,
	idem *IdempotencyEngine,
	router ports.Router,
	breakers *BreakerRegistry,
	metrics ports.MetricsCollector,
	retry *RetryPolicy,
	sm *domain.StateMachine,
	lockCfg config.LockConfig,
	routingCfg config.RoutingConfig,
	log zerolog.Logger,
) *PaymentCoordinator {
	costs := make(map[domain.GatewayType]float64, len(routingCfg.GatewayCosts))
	for gw, cost := range routingCfg.GatewayCosts {
		costs[domain.GatewayType(gw)] = cost
	}
	return &PaymentCoordinator{
		repo:     repo,
		locks:    locks,
		idem:     idem,
		router:   router,
		breakers: breakers,
		metrics:  metrics,
		retry:    retry,
		sm:       sm,
		lockCfg:  lockCfg,
		costs:    costs,
		log:      log,
		gateways: make(map[domain.GatewayType]ports.Gateway),
	}
}

// RegisterGateway attaches a gateway client and enters it into the routing
// pool. Registration order is the router's tiebreak.
func (c *PaymentCoordinator) RegisterGateway(gw ports.Gateway) {
	name := gw.Name()
	if _, ok := c.gateways[name]; ok {
		return
	}
	c.gateways[name] = gw
	c.order = append(c.order, name)
	c.router.RegisterGateway(name)
}

// CreatePayment validates the request and creates the payment at INITIATED
// exactly once per (merchant, idempotency key, body). Re-submissions replay
// the original payment; key reuse with a different body is rejected.
func (c *PaymentCoordinator) CreatePayment(ctx context.Context, req domain.CreatePaymentRequest) (*domain.Payment, error) {
	if verr := req.Validate(); verr != nil {
		return nil, apperror.ErrValidation(verr)
	}

	scoped := domain.ScopedIdempotencyKey(req.MerchantID, "create", req.IdempotencyKey)
	raw, err := c.idem.Execute(ctx, scoped, req, func(ctx context.Context) (any, error) {
		return c.createOnce(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	var payment domain.Payment
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("unmarshal created payment: %w", err))
	}
	return &payment, nil
}

// createOnce runs under the idempotency engine's lock on the scoped key.
func (c *PaymentCoordinator) createOnce(ctx context.Context, req domain.CreatePaymentRequest) (*domain.Payment, error) {
	existing, err := c.repo.FindByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	payment := &domain.Payment{
		ID:             domain.NewPaymentID(),
		IdempotencyKey: req.IdempotencyKey,
		MerchantID:     req.MerchantID,
		State:          domain.StateInitiated,
		Amount:         req.Amount.Round(2),
		Currency:       req.Currency,
		Method:         req.Method,
		Customer:       req.Customer,
		Version:        1,
		Metadata:       domain.SanitizeMetadata(req.Metadata),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	event := domain.NewPaymentEvent(payment, req.CorrelationID)
	if err := c.repo.PersistWithEvent(ctx, payment, event); err != nil {
		if errors.Is(err, ports.ErrDuplicateKey) {
			return nil, apperror.ErrDuplicateIdempotencyKey()
		}
		return nil, apperror.ErrDatabaseError(err)
	}

	c.log.Info().
		Str("payment_id", payment.ID).
		Str("merchant_id", payment.MerchantID).
		Str("amount", payment.Amount.String()).
		Str("currency", string(payment.Currency)).
		Msg("payment created")
	return payment, nil
}

// ProcessPayment drives a payment through AUTHENTICATED, PROCESSING and a
// terminal state. The whole operation is serialized under the aggregate's
// process lock. Terminal payments are returned unchanged.
func (c *PaymentCoordinator) ProcessPayment(ctx context.Context, req domain.ProcessPaymentRequest) (*domain.Payment, error) {
	if verr := req.Validate(); verr != nil {
		return nil, apperror.ErrValidation(verr)
	}

	var result *domain.Payment
	lockOpts := LockOptions{
		TTL:           c.lockCfg.ProcessTTL,
		MaxWait:       c.lockCfg.MaxWait,
		RetryInterval: c.lockCfg.RetryInterval,
	}
	// Each call holds its own lease identity. A shared owner would let
	// concurrent calls in one process re-acquire each other's lease and
	// run the gateway legs side by side.
	owner := "proc-" + uuid.NewString()
	err := WithLock(ctx, c.locks, "payment:process:"+req.PaymentID, owner, lockOpts, func(ctx context.Context) error {
		var err error
		result, err = c.processLocked(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *PaymentCoordinator) processLocked(ctx context.Context, req domain.ProcessPaymentRequest) (*domain.Payment, error) {
	payment, err := c.repo.FindByID(ctx, req.PaymentID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if payment == nil {
		return nil, apperror.ErrPaymentNotFound(req.PaymentID)
	}
	if payment.IsTerminal() {
		// Idempotent no-op: a concurrent or earlier run already finished.
		return payment, nil
	}

	gateway, err := c.selectGateway(ctx, req, payment)
	if err != nil {
		return nil, err
	}

	// INITIATED -> AUTHENTICATED. The gateway authenticates the payment
	// before we commit to it.
	if payment.State == domain.StateInitiated {
		if err := c.callGateway(ctx, gateway, func(ctx context.Context) error {
			_, err := gateway.Authenticate(ctx, payment)
			return err
		}); err != nil {
			return c.settleGatewayError(ctx, payment, req.CorrelationID, err)
		}
		payment, err = c.transition(ctx, payment, domain.StateAuthenticated, req.CorrelationID, func(p *domain.Payment) {
			p.Gateway = gateway.Name()
		})
		if err != nil {
			return nil, err
		}
	}

	// AUTHENTICATED -> PROCESSING with the gateway's transaction id.
	if payment.State == domain.StateAuthenticated {
		var txnID string
		if err := c.callGateway(ctx, gateway, func(ctx context.Context) error {
			var err error
			txnID, err = gateway.Initiate(ctx, payment)
			return err
		}); err != nil {
			return c.settleGatewayError(ctx, payment, req.CorrelationID, err)
		}
		payment, err = c.transition(ctx, payment, domain.StateProcessing, req.CorrelationID, func(p *domain.Payment) {
			p.GatewayTxnID = txnID
		})
		if err != nil {
			return nil, err
		}
	}

	// PROCESSING -> SUCCESS | FAILURE.
	var procResult *domain.GatewayResult
	if err := c.callGateway(ctx, gateway, func(ctx context.Context) error {
		var err error
		procResult, err = gateway.Process(ctx, payment)
		return err
	}); err != nil {
		return c.settleGatewayError(ctx, payment, req.CorrelationID, err)
	}

	if !procResult.Success {
		return c.transition(ctx, payment, domain.StateFailure, req.CorrelationID, func(p *domain.Payment) {
			p.FailureReason = "gateway declined the payment"
		})
	}
	return c.transition(ctx, payment, domain.StateSuccess, req.CorrelationID, func(p *domain.Payment) {
		if procResult.TransactionID != "" {
			p.GatewayTxnID = procResult.TransactionID
		}
	})
}

// GetPayment loads a payment by id.
func (c *PaymentCoordinator) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	payment, err := c.repo.FindByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if payment == nil {
		return nil, apperror.ErrPaymentNotFound(id)
	}
	return payment, nil
}

// GatewayHealth returns the combined breaker and metrics view of every
// registered gateway, in registration order.
func (c *PaymentCoordinator) GatewayHealth(_ context.Context) []domain.GatewayHealth {
	out := make([]domain.GatewayHealth, 0, len(c.order))
	for _, gw := range c.order {
		out = append(out, c.breakers.Get(gw).Health(c.metrics.Snapshot(gw)))
	}
	return out
}

func (c *PaymentCoordinator) selectGateway(ctx context.Context, req domain.ProcessPaymentRequest, payment *domain.Payment) (ports.Gateway, error) {
	// A payment that already holds a gateway assignment stays with it.
	name := payment.Gateway
	if name == "" {
		name = req.Gateway
	}
	if name != "" {
		gw, ok := c.gateways[name]
		if !ok {
			return nil, apperror.ErrValidation(fmt.Errorf("unknown gateway %q", name))
		}
		return gw, nil
	}

	decision, err := c.router.SelectGateway(ctx, ports.RoutingContext{
		Amount:     payment.Amount,
		Currency:   payment.Currency,
		Method:     payment.Method.Type,
		Country:    payment.Customer.BillingCountry,
		MerchantID: payment.MerchantID,
		Metadata:   payment.Metadata,
	})
	if err != nil {
		return nil, err
	}
	c.log.Debug().
		Str("payment_id", payment.ID).
		Str("gateway", string(decision.Gateway)).
		Str("reason", decision.Reason).
		Bool("fallback", decision.Fallback).
		Msg("gateway selected")

	gw, ok := c.gateways[decision.Gateway]
	if !ok {
		return nil, apperror.ErrNoGatewayAvailable()
	}
	return gw, nil
}

// callGateway funnels one gateway call through the circuit breaker wrapping
// the retry policy. Metrics are recorded per attempt.
func (c *PaymentCoordinator) callGateway(ctx context.Context, gw ports.Gateway, fn func(ctx context.Context) error) error {
	name := gw.Name()
	cost := c.costs[name]
	return c.breakers.Get(name).Execute(ctx, func(ctx context.Context) error {
		return c.retry.Do(ctx, func(ctx context.Context) error {
			start := time.Now()
			err := fn(ctx)
			latency := time.Since(start)
			if err != nil {
				c.metrics.RecordFailure(name, latency)
			} else {
				c.metrics.RecordSuccess(name, latency, cost)
			}
			return err
		})
	})
}

// settleGatewayError maps a failed gateway interaction onto the payment.
// Gateway declines, including retry exhaustion on retryable errors, drive
// the payment to FAILURE. Circuit rejections never touched the gateway, so
// the payment stays processable and the error surfaces to the caller.
func (c *PaymentCoordinator) settleGatewayError(ctx context.Context, payment *domain.Payment, correlationID string, err error) (*domain.Payment, error) {
	if apperror.Code(err) == apperror.CodeCircuitOpen {
		// No gateway call happened; the payment is untouched.
		return nil, err
	}

	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) {
		failed, terr := c.transition(ctx, payment, domain.StateFailure, correlationID, func(p *domain.Payment) {
			p.FailureReason = gwErr.Message
		})
		if terr != nil {
			return nil, terr
		}
		c.log.Warn().
			Str("payment_id", payment.ID).
			Str("gateway", string(gwErr.Gateway)).
			Str("code", gwErr.Code).
			Bool("retryable", gwErr.Retryable).
			Msg("payment failed at gateway")
		return failed, nil
	}

	return nil, apperror.ErrGatewayFailure(err)
}

// transition validates the state change, bumps the version, and persists
// the payment together with its event in one repository transaction. A
// version conflict triggers reload-and-retry with jittered backoff; after
// casMaxAttempts the conflict surfaces.
func (c *PaymentCoordinator) transition(ctx context.Context, payment *domain.Payment, next domain.PaymentState, correlationID string, mutate func(*domain.Payment)) (*domain.Payment, error) {
	for attempt := 1; ; attempt++ {
		if err := c.sm.Validate(payment.State, next); err != nil {
			return nil, mapStateMachineError(err)
		}

		candidate := payment.Clone()
		candidate.State = next
		candidate.Version = payment.Version + 1
		candidate.UpdatedAt = time.Now().UTC()
		if mutate != nil {
			mutate(candidate)
		}

		event := domain.NewPaymentEvent(candidate, correlationID)
		err := c.repo.PersistWithEvent(ctx, candidate, event)
		if err == nil {
			c.log.Info().
				Str("payment_id", candidate.ID).
				Str("from", string(payment.State)).
				Str("to", string(next)).
				Int64("version", candidate.Version).
				Msg("payment state transition")
			return candidate, nil
		}
		if !errors.Is(err, ports.ErrVersionConflict) {
			return nil, apperror.ErrDatabaseError(err)
		}
		if attempt >= casMaxAttempts {
			return nil, apperror.ErrConcurrentModification(
				&domain.ConcurrentModificationError{Expected: payment.State, Actual: next})
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(rand.Int63n(int64(20*time.Millisecond))) * time.Duration(attempt)):
		}

		fresh, lerr := c.repo.FindByID(ctx, payment.ID)
		if lerr != nil {
			return nil, apperror.ErrDatabaseError(lerr)
		}
		if fresh == nil {
			return nil, apperror.ErrPaymentNotFound(payment.ID)
		}
		if fresh.IsTerminal() {
			if fresh.State == next {
				// A concurrent run already landed the same terminal state.
				return fresh, nil
			}
			return nil, apperror.ErrTerminalStateViolation(&domain.TerminalStateError{State: fresh.State})
		}
		payment = fresh
	}
}

func mapStateMachineError(err error) error {
	var terminal *domain.TerminalStateError
	if errors.As(err, &terminal) {
		return apperror.ErrTerminalStateViolation(err)
	}
	var concurrent *domain.ConcurrentModificationError
	if errors.As(err, &concurrent) {
		return apperror.ErrConcurrentModification(err)
	}
	return apperror.ErrInvalidStateTransition(err)
}

// Gateways returns the registered gateway names in registration order.
func (c *PaymentCoordinator) Gateways() []domain.GatewayType {
	out := make([]domain.GatewayType, len(c.order))
	copy(out, c.order)
	return out
}
