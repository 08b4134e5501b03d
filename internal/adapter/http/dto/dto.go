// Package dto holds the HTTP request and response shapes. Gin bindings
// reject malformed payloads early; the domain layer owns business
// validation and produces the per-field diagnostics.
package dto

import (
	"payment-orchestrator/internal/core/domain"

	"github.com/shopspring/decimal"
)

// CardDTO is the card variant of a payment method.
type CardDTO struct {
	Number      string `json:"number" binding:"required"`
	ExpiryMonth int    `json:"expiry_month" binding:"required"`
	ExpiryYear  int    `json:"expiry_year" binding:"required"`
	HolderName  string `json:"holder_name,omitempty"`
}

// UPIDTO is the UPI variant of a payment method.
type UPIDTO struct {
	VPA string `json:"vpa" binding:"required"`
}

// NetBankingDTO is the net-banking variant of a payment method.
type NetBankingDTO struct {
	BankCode string `json:"bank_code" binding:"required"`
}

// WalletDTO is the wallet variant of a payment method.
type WalletDTO struct {
	Provider string `json:"provider" binding:"required"`
}

// PayLaterDTO is the pay-later variant of a payment method.
type PayLaterDTO struct {
	Provider string `json:"provider" binding:"required"`
}

// PaymentMethodDTO is the tagged method variant.
type PaymentMethodDTO struct {
	Type       string         `json:"type" binding:"required"`
	Card       *CardDTO       `json:"card,omitempty"`
	UPI        *UPIDTO        `json:"upi,omitempty"`
	NetBanking *NetBankingDTO `json:"net_banking,omitempty"`
	Wallet     *WalletDTO     `json:"wallet,omitempty"`
	PayLater   *PayLaterDTO   `json:"pay_later,omitempty"`
}

// CustomerDTO identifies the paying customer.
type CustomerDTO struct {
	ID             string `json:"id" binding:"required"`
	Email          string `json:"email" binding:"required"`
	Phone          string `json:"phone,omitempty"`
	BillingCountry string `json:"billing_country,omitempty"`
}

// CreatePaymentRequest is the request body for payment creation. The
// idempotency key arrives in the Idempotency-Key header.
type CreatePaymentRequest struct {
	Amount   decimal.Decimal  `json:"amount" binding:"required"`
	Currency string           `json:"currency" binding:"required"`
	Method   PaymentMethodDTO `json:"method" binding:"required"`
	Customer CustomerDTO      `json:"customer" binding:"required"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// ProcessPaymentRequest is the request body for payment processing. Gateway
// is optional; when empty the router selects one.
type ProcessPaymentRequest struct {
	Gateway string `json:"gateway,omitempty"`
}

// PaymentResponse is the response body for payment results.
type PaymentResponse struct {
	ID            string          `json:"id"`
	MerchantID    string          `json:"merchant_id"`
	State         string          `json:"state"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Method        string          `json:"method"`
	Gateway       string          `json:"gateway,omitempty"`
	GatewayTxnID  string          `json:"gateway_txn_id,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Version       int64           `json:"version"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

// GatewayHealthResponse is one gateway's health snapshot.
type GatewayHealthResponse struct {
	Gateway              string  `json:"gateway"`
	CircuitState         string  `json:"circuit_state"`
	TotalSuccesses       int64   `json:"total_successes"`
	TotalFailures        int64   `json:"total_failures"`
	ConsecutiveSuccesses int     `json:"consecutive_successes"`
	ConsecutiveFailures  int     `json:"consecutive_failures"`
	SuccessRate          float64 `json:"success_rate"`
	AvgLatencyMs         int64   `json:"avg_latency_ms"`
	P95LatencyMs         int64   `json:"p95_latency_ms"`
	P99LatencyMs         int64   `json:"p99_latency_ms"`
	AvgCost              float64 `json:"avg_cost"`
	OpenCount            int     `json:"open_count"`
	TimeUntilRetryMs     int64   `json:"time_until_retry_ms"`
	HealthScore          float64 `json:"health_score"`
}

// ToPaymentMethod converts the DTO to the domain variant.
func (m PaymentMethodDTO) ToPaymentMethod() domain.PaymentMethod {
	out := domain.PaymentMethod{Type: domain.PaymentMethodType(m.Type)}
	if m.Card != nil {
		out.Card = &domain.CardDetails{
			Number:      m.Card.Number,
			ExpiryMonth: m.Card.ExpiryMonth,
			ExpiryYear:  m.Card.ExpiryYear,
			HolderName:  m.Card.HolderName,
		}
	}
	if m.UPI != nil {
		out.UPI = &domain.UPIDetails{VPA: m.UPI.VPA}
	}
	if m.NetBanking != nil {
		out.NetBanking = &domain.NetBankingDetails{BankCode: m.NetBanking.BankCode}
	}
	if m.Wallet != nil {
		out.Wallet = &domain.WalletDetails{Provider: m.Wallet.Provider}
	}
	if m.PayLater != nil {
		out.PayLater = &domain.PayLaterDetails{Provider: m.PayLater.Provider}
	}
	return out
}

// ToCustomer converts the DTO to the domain customer.
func (c CustomerDTO) ToCustomer() domain.Customer {
	return domain.Customer{
		ID:             c.ID,
		Email:          c.Email,
		Phone:          c.Phone,
		BillingCountry: c.BillingCountry,
	}
}
