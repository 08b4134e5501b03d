package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const paymentColumns = `id, idempotency_key, merchant_id, state, amount, currency,
	method, customer, gateway, gateway_txn_id, failure_reason, version, metadata,
	created_at, updated_at`

// PaymentRepo implements ports.PaymentRepository on PostgreSQL. Payment
// method and customer are stored as JSONB; the amount as NUMERIC.
type PaymentRepo struct {
	pool Pool
}

// NewPaymentRepo creates a new PaymentRepo.
func NewPaymentRepo(pool Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

// FindByID fetches a payment by id.
func (r *PaymentRepo) FindByID(ctx context.Context, id string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(r.pool.QueryRow(ctx, query, id))
}

// FindByIdempotencyKey fetches a payment by its creation idempotency key.
func (r *PaymentRepo) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE idempotency_key = $1`
	return scanPayment(r.pool.QueryRow(ctx, query, key))
}

// FindByGatewayTxnID fetches a payment by the gateway's transaction id.
func (r *PaymentRepo) FindByGatewayTxnID(ctx context.Context, txnID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway_txn_id = $1`
	return scanPayment(r.pool.QueryRow(ctx, query, txnID))
}

// Save inserts a new payment row.
func (r *PaymentRepo) Save(ctx context.Context, p *domain.Payment) error {
	method, customer, metadata, err := marshalPaymentJSON(p)
	if err != nil {
		return err
	}

	query := `INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = r.pool.Exec(ctx, query,
		p.ID, p.IdempotencyKey, p.MerchantID, p.State, p.Amount, p.Currency,
		method, customer, nullable(string(p.Gateway)), nullable(p.GatewayTxnID),
		nullable(p.FailureReason), p.Version, metadata, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ports.ErrDuplicateKey
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// UpdateWithVersion applies the row only when the stored version matches.
func (r *PaymentRepo) UpdateWithVersion(ctx context.Context, id string, p *domain.Payment, expectedVersion int64) (ports.UpdateResult, error) {
	method, customer, metadata, err := marshalPaymentJSON(p)
	if err != nil {
		return ports.UpdateResult{}, err
	}

	query := `UPDATE payments SET state = $1, amount = $2, currency = $3, method = $4,
		customer = $5, gateway = $6, gateway_txn_id = $7, failure_reason = $8,
		version = $9, metadata = $10, updated_at = $11
		WHERE id = $12 AND version = $13`
	tag, err := r.pool.Exec(ctx, query,
		p.State, p.Amount, p.Currency, method, customer,
		nullable(string(p.Gateway)), nullable(p.GatewayTxnID), nullable(p.FailureReason),
		p.Version, metadata, p.UpdatedAt, id, expectedVersion,
	)
	if err != nil {
		return ports.UpdateResult{}, fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ports.UpdateResult{Conflict: true}, nil
	}
	return ports.UpdateResult{Success: true, NewVersion: p.Version}, nil
}

// PersistWithEvent writes the payment row and the event's outbox row in one
// database transaction. Version 1 inserts; later versions compare-and-swap
// against version-1 and report ErrVersionConflict on a miss.
func (r *PaymentRepo) PersistWithEvent(ctx context.Context, p *domain.Payment, event *domain.PaymentEvent) error {
	entry, err := domain.NewOutboxEntry(event)
	if err != nil {
		return err
	}
	method, customer, metadata, err := marshalPaymentJSON(p)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if p.Version == 1 {
		query := `INSERT INTO payments (` + paymentColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
		_, err = tx.Exec(ctx, query,
			p.ID, p.IdempotencyKey, p.MerchantID, p.State, p.Amount, p.Currency,
			method, customer, nullable(string(p.Gateway)), nullable(p.GatewayTxnID),
			nullable(p.FailureReason), p.Version, metadata, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ports.ErrDuplicateKey
			}
			return fmt.Errorf("insert payment: %w", err)
		}
	} else {
		query := `UPDATE payments SET state = $1, gateway = $2, gateway_txn_id = $3,
			failure_reason = $4, version = $5, metadata = $6, updated_at = $7
			WHERE id = $8 AND version = $9`
		tag, err := tx.Exec(ctx, query,
			p.State, nullable(string(p.Gateway)), nullable(p.GatewayTxnID),
			nullable(p.FailureReason), p.Version, metadata, p.UpdatedAt,
			p.ID, p.Version-1,
		)
		if err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ports.ErrVersionConflict
		}
	}

	outboxQuery := `INSERT INTO payment_outbox (id, aggregate_id, event_type, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = tx.Exec(ctx, outboxQuery,
		entry.ID, entry.AggregateID, entry.EventType, entry.Payload,
		entry.Status, entry.Attempts, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func marshalPaymentJSON(p *domain.Payment) (method, customer, metadata []byte, err error) {
	if method, err = json.Marshal(p.Method); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal payment method: %w", err)
	}
	if customer, err = json.Marshal(p.Customer); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal customer: %w", err)
	}
	if p.Metadata != nil {
		if metadata, err = json.Marshal(p.Metadata); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	return method, customer, metadata, nil
}

// scanPayment is a helper to scan a single row into a Payment.
func scanPayment(row pgx.Row) (*domain.Payment, error) {
	p := &domain.Payment{}
	var method, customer, metadata []byte
	var gateway, gatewayTxnID, failureReason *string
	err := row.Scan(
		&p.ID, &p.IdempotencyKey, &p.MerchantID, &p.State, &p.Amount, &p.Currency,
		&method, &customer, &gateway, &gatewayTxnID, &failureReason,
		&p.Version, &metadata, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	if err := json.Unmarshal(method, &p.Method); err != nil {
		return nil, fmt.Errorf("unmarshal payment method: %w", err)
	}
	if err := json.Unmarshal(customer, &p.Customer); err != nil {
		return nil, fmt.Errorf("unmarshal customer: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if gateway != nil {
		p.Gateway = domain.GatewayType(*gateway)
	}
	if gatewayTxnID != nil {
		p.GatewayTxnID = *gatewayTxnID
	}
	if failureReason != nil {
		p.FailureReason = *failureReason
	}
	return p, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
