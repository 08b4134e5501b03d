package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"payment-orchestrator/config"
	"payment-orchestrator/internal/adapter/storage/memory"
	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/core/ports/mocks"
	"payment-orchestrator/pkg/apperror"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const mockGateway domain.GatewayType = "gw_mock"

type coordinatorFixture struct {
	coord    *PaymentCoordinator
	store    *memory.Store
	gw       *mocks.MockGateway
	breakers *BreakerRegistry
	metrics  *GatewayMetricsCollector
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()

	store := memory.NewStore()
	locks := NewInMemoryLockManager(0, zerolog.Nop())
	t.Cleanup(locks.Stop)

	idem := NewIdempotencyEngine(store.IdempotencyStore(), locks, config.IdempotencyConfig{
		TTL:           24 * time.Hour,
		LockTimeout:   200 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
		MaxRetries:    20,
	}, zerolog.Nop())

	metrics := NewGatewayMetricsCollector()
	breakers := NewBreakerRegistry(breakerConfig(), zerolog.Nop())

	routingCfg := config.RoutingConfig{
		Strategy:      "weighted",
		SuccessWeight: 0.5,
		LatencyWeight: 0.3,
		CostWeight:    0.2,
		GatewayCosts:  map[string]float64{string(mockGateway): 0.2},
	}
	router, err := NewWeightedRouter(routingCfg, metrics, breakers.Available, zerolog.Nop())
	require.NoError(t, err)

	sm, err := domain.NewStateMachine()
	require.NoError(t, err)

	lockCfg := config.LockConfig{
		ProcessTTL:    time.Minute,
		MaxWait:       200 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
	}

	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	gw.EXPECT().Name().Return(mockGateway).AnyTimes()

	coord := NewPaymentCoordinator(
		store.PaymentRepository(), locks, idem, router, breakers, metrics,
		NewRetryPolicy(fastRetryConfig(3)), sm, lockCfg, routingCfg, zerolog.Nop(),
	)
	coord.RegisterGateway(gw)

	return &coordinatorFixture{coord: coord, store: store, gw: gw, breakers: breakers, metrics: metrics}
}

func createRequest(key string) domain.CreatePaymentRequest {
	return domain.CreatePaymentRequest{
		MerchantID:     "merch_1",
		IdempotencyKey: key,
		Amount:         decimal.NewFromFloat(49.99),
		Currency:       domain.CurrencyUSD,
		Method: domain.PaymentMethod{
			Type: domain.MethodCard,
			Card: &domain.CardDetails{Number: "4111111111111111", ExpiryMonth: 12, ExpiryYear: 2030},
		},
		Customer:      domain.Customer{ID: "cust_1", Email: "jo@example.com"},
		CorrelationID: "corr-1",
	}
}

func (f *coordinatorFixture) expectHappyGateway() {
	f.gw.EXPECT().Authenticate(gomock.Any(), gomock.Any()).Return("auth_1", nil)
	f.gw.EXPECT().Initiate(gomock.Any(), gomock.Any()).Return("txn_1", nil)
	f.gw.EXPECT().Process(gomock.Any(), gomock.Any()).
		Return(&domain.GatewayResult{Success: true, TransactionID: "txn_1"}, nil)
}

func TestCoordinator_CreatePayment(t *testing.T) {
	f := newCoordinatorFixture(t)

	p, err := f.coord.CreatePayment(context.Background(), createRequest("order-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateInitiated, p.State)
	assert.Equal(t, int64(1), p.Version)
	assert.True(t, decimal.NewFromFloat(49.99).Equal(p.Amount))

	// The creation event is already queued for delivery.
	pending, err := f.store.OutboxStore().GetPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.EventPaymentInitiated, pending[0].EventType)
}

func TestCoordinator_CreatePayment_RejectsInvalidRequest(t *testing.T) {
	f := newCoordinatorFixture(t)

	req := createRequest("order-1")
	req.Amount = decimal.Zero
	_, err := f.coord.CreatePayment(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, "VAL_001", apperror.Code(err))
}

func TestCoordinator_CreatePayment_ReplaysOnRetry(t *testing.T) {
	f := newCoordinatorFixture(t)
	req := createRequest("order-1")

	first, err := f.coord.CreatePayment(context.Background(), req)
	require.NoError(t, err)
	second, err := f.coord.CreatePayment(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	// Only one creation event was emitted.
	pending, err := f.store.OutboxStore().GetPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestCoordinator_CreatePayment_KeyReuseWithDifferentBody(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coord.CreatePayment(context.Background(), createRequest("order-1"))
	require.NoError(t, err)

	req := createRequest("order-1")
	req.Amount = decimal.NewFromInt(500)
	_, err = f.coord.CreatePayment(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, "IDEM_002", apperror.Code(err))
}

func TestCoordinator_ProcessPayment_HappyPath(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.expectHappyGateway()

	created, err := f.coord.CreatePayment(context.Background(), createRequest("order-1"))
	require.NoError(t, err)

	p, err := f.coord.ProcessPayment(context.Background(), domain.ProcessPaymentRequest{
		PaymentID: created.ID, CorrelationID: "corr-2",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateSuccess, p.State)
	assert.Equal(t, mockGateway, p.Gateway)
	assert.Equal(t, "txn_1", p.GatewayTxnID)
	assert.Equal(t, int64(4), p.Version)
	assert.Empty(t, p.FailureReason)

	// Full event trail: one event per transition, in order.
	pending, err := f.store.OutboxStore().GetPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	types := []domain.EventType{pending[0].EventType, pending[1].EventType, pending[2].EventType, pending[3].EventType}
	assert.Equal(t, []domain.EventType{
		domain.EventPaymentInitiated,
		domain.EventPaymentAuthenticated,
		domain.EventPaymentProcessing,
		domain.EventPaymentSucceeded,
	}, types)
}

func TestCoordinator_ProcessPayment_GatewayDecline(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.gw.EXPECT().Authenticate(gomock.Any(), gomock.Any()).Return("auth_1", nil)
	f.gw.EXPECT().Initiate(gomock.Any(), gomock.Any()).Return("txn_1", nil)
	f.gw.EXPECT().Process(gomock.Any(), gomock.Any()).
		Return(&domain.GatewayResult{Success: false}, nil)

	created, err := f.coord.CreatePayment(context.Background(), createRequest("order-1"))
	require.NoError(t, err)

	p, err := f.coord.ProcessPayment(context.Background(), domain.ProcessPaymentRequest{PaymentID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailure, p.State)
	assert.NotEmpty(t, p.FailureReason)
}

func TestCoordinator_ProcessPayment_FinalGatewayErrorFailsPayment(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.gw.EXPECT().Authenticate(gomock.Any(), gomock.Any()).
		Return("", &domain.GatewayError{Gateway: mockGateway, Code: "DECLINED", Message: "card declined", Retryable: false})

	created, err := f.coord.CreatePayment(context.Background(), createRequest("order-1"))
	require.NoError(t, err)

	p, err := f.coord.ProcessPayment(context.Background(), domain.ProcessPaymentRequest{PaymentID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailure, p.State)
	assert.Equal(t, "card declined", p.FailureReason)
	assert.Equal(t, int64(2), p.Version)
}

func TestCoordinator_ProcessPayment_RetryExhaustionFailsPayment(t *testing.T) {
	f := newCoordinatorFixture(t)
	transient := &domain.GatewayError{Gateway: mockGateway, Code: "TIMEOUT", Message: "gateway timeout", Retryable: true}
	f.gw.EXPECT().Authenticate(gomock.Any(), gomock.Any()).Return("", transient).Times(3)

	created, err := f.coord.CreatePayment(context.Background(), createRequest("order-1"))
	require.NoError(t, err)

	p, err := f.coord.ProcessPayment(context.Background(), domain.ProcessPaymentRequest{PaymentID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailure, p.State)
	assert.Equal(t, "gateway timeout", p.FailureReason)
}

func TestCoordinator_ProcessPayment_TransientErrorsRecover(t *testing.T) {
	f := newCoordinatorFixture(t)
	transient := &domain.GatewayError{Gateway: mockGateway, Code: "TIMEOUT", Message: "gateway timeout", Retryable: true}

	f.gw.EXPECT().Authenticate(gomock.Any(), gomock.Any()).Return("auth_1", nil)
	f.gw.EXPECT().Initiate(gomock.Any(), gomock.Any()).Return("txn_1", nil)
	// Two timeouts fit inside the three-attempt budget; the third try lands.
	f.gw.EXPECT().Process(gomock.Any(), gomock.Any()).Return(nil, transient).Times(2)
	f.gw.EXPECT().Process(gomock.Any(), gomock.Any()).
		Return(&domain.GatewayResult{Success: true, TransactionID: "txn_1"}, nil)

	created, err := f.coord.CreatePayment(context.Background(), createRequest("order-1"))
	require.NoError(t, err)

	p, err := f.coord.ProcessPayment(context.Background(), domain.ProcessPaymentRequest{PaymentID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.StateSuccess, p.State)
	assert.Equal(t, "txn_1", p.GatewayTxnID)
}

func TestCoordinator_ProcessPayment_CircuitOpenLeavesPaymentProcessable(t *testing.T) {
	f := newCoordinatorFixture(t)

	created, err := f.coord.CreatePayment(context.Background(), createRequest("order-1"))
	require.NoError(t, err)

	// Trip the breaker without touching the gateway mock.
	cb := f.breakers.Get(mockGateway)
	for i := 0; i < 5; i++ {
		_ = fail(cb)
	}
	require.Equal(t, domain.CircuitOpen, cb.State())

	_, err = f.coord.ProcessPayment(context.Background(), domain.ProcessPaymentRequest{PaymentID: created.ID})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeCircuitOpen, apperror.Code(err))

	// The payment is untouched and stays processable.
	p, err := f.coord.GetPayment(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateInitiated, p.State)
	assert.Equal(t, int64(1), p.Version)
}

func TestCoordinator_ProcessPayment_ConcurrentCallsSerialize(t *testing.T) {
	f := newCoordinatorFixture(t)

	// Count how many callers are inside the gateway at once. The lock must
	// admit exactly one; everyone else waits and then sees the terminal state.
	var inFlight, maxInFlight int32
	f.gw.EXPECT().Authenticate(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, p *domain.Payment) (string, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				max := atomic.LoadInt32(&maxInFlight)
				if n <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return "auth_1", nil
		})
	f.gw.EXPECT().Initiate(gomock.Any(), gomock.Any()).Return("txn_1", nil)
	f.gw.EXPECT().Process(gomock.Any(), gomock.Any()).
		Return(&domain.GatewayResult{Success: true, TransactionID: "txn_1"}, nil)

	created, err := f.coord.CreatePayment(context.Background(), createRequest("order-1"))
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	states := make([]domain.PaymentState, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.coord.ProcessPayment(context.Background(), domain.ProcessPaymentRequest{PaymentID: created.ID})
			errs[i] = err
			if p != nil {
				states[i] = p.State
			}
		}(i)
	}
	wg.Wait()

	// One caller charges, the rest replay the terminal result. Nobody fails.
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, domain.StateSuccess, states[i])
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(1))
}

func TestCoordinator_ProcessPayment_NotFound(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coord.ProcessPayment(context.Background(), domain.ProcessPaymentRequest{
		PaymentID: domain.NewPaymentID(),
	})
	require.Error(t, err)
	assert.Equal(t, "PAY_001", apperror.Code(err))
}

func TestCoordinator_ProcessPayment_TerminalIsNoOp(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.expectHappyGateway()

	created, err := f.coord.CreatePayment(context.Background(), createRequest("order-1"))
	require.NoError(t, err)

	first, err := f.coord.ProcessPayment(context.Background(), domain.ProcessPaymentRequest{PaymentID: created.ID})
	require.NoError(t, err)
	require.Equal(t, domain.StateSuccess, first.State)

	// A second run must not call the gateway again; the mock would fail
	// the test on an unexpected call.
	second, err := f.coord.ProcessPayment(context.Background(), domain.ProcessPaymentRequest{PaymentID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.StateSuccess, second.State)
	assert.Equal(t, first.Version, second.Version)
}

func TestCoordinator_ProcessPayment_UnknownRequestedGateway(t *testing.T) {
	f := newCoordinatorFixture(t)

	created, err := f.coord.CreatePayment(context.Background(), createRequest("order-1"))
	require.NoError(t, err)

	_, err = f.coord.ProcessPayment(context.Background(), domain.ProcessPaymentRequest{
		PaymentID: created.ID, Gateway: "gw_nonexistent",
	})
	require.Error(t, err)
	assert.Equal(t, "VAL_001", apperror.Code(err))
}

type flakyRepo struct {
	ports.PaymentRepository
	conflicts int
}

func (r *flakyRepo) PersistWithEvent(ctx context.Context, p *domain.Payment, e *domain.PaymentEvent) error {
	if r.conflicts > 0 && p.Version > 1 {
		r.conflicts--
		return ports.ErrVersionConflict
	}
	return r.PaymentRepository.PersistWithEvent(ctx, p, e)
}

func TestCoordinator_TransitionRetriesOnVersionConflict(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.expectHappyGateway()

	created, err := f.coord.CreatePayment(context.Background(), createRequest("order-1"))
	require.NoError(t, err)

	// Two spurious conflicts on the way; reload-and-retry must absorb them.
	f.coord.repo = &flakyRepo{PaymentRepository: f.store.PaymentRepository(), conflicts: 2}

	p, err := f.coord.ProcessPayment(context.Background(), domain.ProcessPaymentRequest{PaymentID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.StateSuccess, p.State)
}

func TestCoordinator_GetPayment(t *testing.T) {
	f := newCoordinatorFixture(t)

	created, err := f.coord.CreatePayment(context.Background(), createRequest("order-1"))
	require.NoError(t, err)

	p, err := f.coord.GetPayment(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, p.ID)

	_, err = f.coord.GetPayment(context.Background(), "pay_missing")
	require.Error(t, err)
	assert.Equal(t, "PAY_001", apperror.Code(err))
}

func TestCoordinator_GatewayHealth(t *testing.T) {
	f := newCoordinatorFixture(t)

	f.metrics.RecordSuccess(mockGateway, 80*time.Millisecond, 0.2)

	health := f.coord.GatewayHealth(context.Background())
	require.Len(t, health, 1)
	assert.Equal(t, mockGateway, health[0].Gateway)
	assert.Equal(t, domain.CircuitClosed, health[0].CircuitState)
	assert.Equal(t, 80*time.Millisecond, health[0].AvgLatency)
}
