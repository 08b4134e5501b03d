package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentState represents the lifecycle state of a payment.
type PaymentState string

const (
	StateInitiated     PaymentState = "INITIATED"
	StateAuthenticated PaymentState = "AUTHENTICATED"
	StateProcessing    PaymentState = "PROCESSING"
	StateSuccess       PaymentState = "SUCCESS"
	StateFailure       PaymentState = "FAILURE"
)

// Currency is an ISO-4217 code from the supported set.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
	CurrencyINR Currency = "INR"
	CurrencyAUD Currency = "AUD"
	CurrencyCAD Currency = "CAD"
)

// SupportedCurrencies is the closed set accepted by CreatePayment.
var SupportedCurrencies = map[Currency]bool{
	CurrencyUSD: true,
	CurrencyEUR: true,
	CurrencyGBP: true,
	CurrencyINR: true,
	CurrencyAUD: true,
	CurrencyCAD: true,
}

// MaxAmount is the upper bound for a single payment.
var MaxAmount = decimal.NewFromInt(999_999_999)

// PaymentMethodType tags the payment method variant.
type PaymentMethodType string

const (
	MethodCard       PaymentMethodType = "CARD"
	MethodUPI        PaymentMethodType = "UPI"
	MethodNetBanking PaymentMethodType = "NET_BANKING"
	MethodWallet     PaymentMethodType = "WALLET"
	MethodPayLater   PaymentMethodType = "PAY_LATER"
)

// SupportedMethods is the closed set of payment method tags.
var SupportedMethods = map[PaymentMethodType]bool{
	MethodCard:       true,
	MethodUPI:        true,
	MethodNetBanking: true,
	MethodWallet:     true,
	MethodPayLater:   true,
}

// CardDetails holds card variant data.
type CardDetails struct {
	Number      string `json:"number"`
	ExpiryMonth int    `json:"expiry_month"`
	ExpiryYear  int    `json:"expiry_year"`
	HolderName  string `json:"holder_name,omitempty"`
}

// UPIDetails holds UPI variant data.
type UPIDetails struct {
	VPA string `json:"vpa"`
}

// NetBankingDetails holds net-banking variant data.
type NetBankingDetails struct {
	BankCode string `json:"bank_code"`
}

// WalletDetails holds wallet variant data.
type WalletDetails struct {
	Provider string `json:"provider"`
}

// PayLaterDetails holds pay-later variant data.
type PayLaterDetails struct {
	Provider string `json:"provider"`
}

// PaymentMethod is a tagged variant; exactly the field matching Type is set.
type PaymentMethod struct {
	Type       PaymentMethodType  `json:"type"`
	Card       *CardDetails       `json:"card,omitempty"`
	UPI        *UPIDetails        `json:"upi,omitempty"`
	NetBanking *NetBankingDetails `json:"net_banking,omitempty"`
	Wallet     *WalletDetails     `json:"wallet,omitempty"`
	PayLater   *PayLaterDetails   `json:"pay_later,omitempty"`
}

// Customer identifies the paying customer.
type Customer struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	Phone          string `json:"phone,omitempty"`
	BillingCountry string `json:"billing_country,omitempty"`
}

// Payment is the aggregate root. SUCCESS and FAILURE are terminal; once
// reached no field may change. Version increases on every mutation.
type Payment struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	MerchantID     string          `json:"merchant_id"`
	State          PaymentState    `json:"state"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       Currency        `json:"currency"`
	Method         PaymentMethod   `json:"method"`
	Customer       Customer        `json:"customer"`
	Gateway        GatewayType     `json:"gateway,omitempty"`
	GatewayTxnID   string          `json:"gateway_txn_id,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	Version        int64           `json:"version"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewPaymentID returns a unique payment identifier.
func NewPaymentID() string {
	return "pay_" + uuid.NewString()
}

// IsTerminal returns true if the payment is in a final state.
func (p *Payment) IsTerminal() bool {
	return p.State == StateSuccess || p.State == StateFailure
}

// Clone returns a deep copy so callers can mutate snapshots safely.
func (p *Payment) Clone() *Payment {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	if p.Method.Card != nil {
		card := *p.Method.Card
		cp.Method.Card = &card
	}
	if p.Method.UPI != nil {
		upi := *p.Method.UPI
		cp.Method.UPI = &upi
	}
	if p.Method.NetBanking != nil {
		nb := *p.Method.NetBanking
		cp.Method.NetBanking = &nb
	}
	if p.Method.Wallet != nil {
		w := *p.Method.Wallet
		cp.Method.Wallet = &w
	}
	if p.Method.PayLater != nil {
		pl := *p.Method.PayLater
		cp.Method.PayLater = &pl
	}
	return &cp
}
