package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPayment() *domain.Payment {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.Payment{
		ID:             domain.NewPaymentID(),
		IdempotencyKey: "order-001",
		MerchantID:     "merch_1",
		State:          domain.StateInitiated,
		Amount:         decimal.NewFromFloat(99.99),
		Currency:       domain.CurrencyUSD,
		Method: domain.PaymentMethod{
			Type: domain.MethodCard,
			Card: &domain.CardDetails{Number: "4111111111111111", ExpiryMonth: 12, ExpiryYear: 2030},
		},
		Customer:  domain.Customer{ID: "cust_1", Email: "jo@example.com"},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func paymentCols() []string {
	return []string{"id", "idempotency_key", "merchant_id", "state", "amount", "currency",
		"method", "customer", "gateway", "gateway_txn_id", "failure_reason", "version",
		"metadata", "created_at", "updated_at"}
}

func paymentRow(t *testing.T, p *domain.Payment) *pgxmock.Rows {
	t.Helper()
	method, customer, metadata, err := marshalPaymentJSON(p)
	require.NoError(t, err)
	return pgxmock.NewRows(paymentCols()).AddRow(
		p.ID, p.IdempotencyKey, p.MerchantID, p.State, p.Amount, p.Currency,
		method, customer, nullable(string(p.Gateway)), nullable(p.GatewayTxnID),
		nullable(p.FailureReason), p.Version, metadata, p.CreatedAt, p.UpdatedAt,
	)
}

func TestPaymentRepo_FindByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPaymentRepo(mock)
	p := newTestPayment()

	mock.ExpectQuery("SELECT .+ FROM payments WHERE id").
		WithArgs(p.ID).
		WillReturnRows(paymentRow(t, p))

	result, err := repo.FindByID(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, p.ID, result.ID)
	assert.Equal(t, domain.StateInitiated, result.State)
	assert.True(t, p.Amount.Equal(result.Amount))
	assert.Equal(t, domain.MethodCard, result.Method.Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepo_FindByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPaymentRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM payments WHERE id").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(paymentCols()))

	result, err := repo.FindByID(context.Background(), domain.NewPaymentID())
	assert.NoError(t, err)
	assert.Nil(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepo_FindByIdempotencyKey(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPaymentRepo(mock)
	p := newTestPayment()

	mock.ExpectQuery("SELECT .+ FROM payments WHERE idempotency_key").
		WithArgs(p.IdempotencyKey).
		WillReturnRows(paymentRow(t, p))

	result, err := repo.FindByIdempotencyKey(context.Background(), p.IdempotencyKey)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, p.ID, result.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepo_Save_DuplicateKey(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPaymentRepo(mock)
	p := newTestPayment()

	mock.ExpectExec("INSERT INTO payments").
		WithArgs(
			p.ID, p.IdempotencyKey, p.MerchantID, p.State, p.Amount, p.Currency,
			pgxmock.AnyArg(), pgxmock.AnyArg(), nullable(""), nullable(""),
			nullable(""), p.Version, pgxmock.AnyArg(), p.CreatedAt, p.UpdatedAt,
		).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err = repo.Save(context.Background(), p)
	assert.ErrorIs(t, err, ports.ErrDuplicateKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepo_UpdateWithVersion_Conflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPaymentRepo(mock)
	p := newTestPayment()
	p.Version = 3

	mock.ExpectExec("UPDATE payments SET").
		WithArgs(
			p.State, p.Amount, p.Currency, pgxmock.AnyArg(), pgxmock.AnyArg(),
			nullable(""), nullable(""), nullable(""), p.Version, pgxmock.AnyArg(),
			p.UpdatedAt, p.ID, int64(2),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	result, err := repo.UpdateWithVersion(context.Background(), p.ID, p, 2)
	require.NoError(t, err)
	assert.True(t, result.Conflict)
	assert.False(t, result.Success)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepo_PersistWithEvent_Insert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPaymentRepo(mock)
	p := newTestPayment()
	event := domain.NewPaymentEvent(p, "corr-1")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payments").
		WithArgs(
			p.ID, p.IdempotencyKey, p.MerchantID, p.State, p.Amount, p.Currency,
			pgxmock.AnyArg(), pgxmock.AnyArg(), nullable(""), nullable(""),
			nullable(""), p.Version, pgxmock.AnyArg(), p.CreatedAt, p.UpdatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO payment_outbox").
		WithArgs(
			event.EventID, p.ID, domain.EventPaymentInitiated, pgxmock.AnyArg(),
			domain.OutboxPending, 0, event.Timestamp,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err = repo.PersistWithEvent(context.Background(), p, event)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepo_PersistWithEvent_VersionConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPaymentRepo(mock)
	p := newTestPayment()
	p.State = domain.StateAuthenticated
	p.Gateway = "gw_a"
	p.Version = 2
	event := domain.NewPaymentEvent(p, "corr-1")

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments SET").
		WithArgs(
			p.State, nullable("gw_a"), nullable(""), nullable(""),
			int64(2), pgxmock.AnyArg(), p.UpdatedAt, p.ID, int64(1),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err = repo.PersistWithEvent(context.Background(), p, event)
	assert.ErrorIs(t, err, ports.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepo_PersistWithEvent_DuplicateKey(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPaymentRepo(mock)
	p := newTestPayment()
	event := domain.NewPaymentEvent(p, "corr-1")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payments").
		WithArgs(
			p.ID, p.IdempotencyKey, p.MerchantID, p.State, p.Amount, p.Currency,
			pgxmock.AnyArg(), pgxmock.AnyArg(), nullable(""), nullable(""),
			nullable(""), p.Version, pgxmock.AnyArg(), p.CreatedAt, p.UpdatedAt,
		).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err = repo.PersistWithEvent(context.Background(), p, event)
	assert.ErrorIs(t, err, ports.ErrDuplicateKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("plain")))
}
