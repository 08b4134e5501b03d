package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	idempotencyKeyRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)
	emailRe          = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	metadataKeyRe    = regexp.MustCompile(`^[A-Za-z0-9_]{1,128}$`)
	paymentIDRe      = regexp.MustCompile(`^pay_[A-Za-z0-9-]+$`)
)

const maxMetadataValueLen = 1000

// FieldError is a single per-field validation diagnostic.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates per-field diagnostics for a rejected request.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Details exposes the field diagnostics for response envelopes.
func (e *ValidationError) Details() any {
	return e.Fields
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// CreatePaymentRequest is the input to PaymentCoordinator.CreatePayment.
type CreatePaymentRequest struct {
	MerchantID     string         `json:"merchant_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       Currency       `json:"currency"`
	Method         PaymentMethod  `json:"method"`
	Customer       Customer       `json:"customer"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ProcessPaymentRequest is the input to PaymentCoordinator.ProcessPayment.
type ProcessPaymentRequest struct {
	PaymentID     string      `json:"payment_id"`
	Gateway       GatewayType `json:"gateway,omitempty"` // forces routing when set
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// Validate applies the full input rule set and returns every violation at
// once so callers can fix a request in a single round trip.
func (r *CreatePaymentRequest) Validate() *ValidationError {
	v := &ValidationError{}

	if r.MerchantID == "" {
		v.add("merchant_id", "must not be empty")
	}
	if !idempotencyKeyRe.MatchString(r.IdempotencyKey) {
		v.add("idempotency_key", "must be 1-255 characters of [A-Za-z0-9_-]")
	}

	switch {
	case r.Amount.LessThanOrEqual(decimal.Zero):
		v.add("amount", "must be greater than zero")
	case r.Amount.GreaterThan(MaxAmount):
		v.add("amount", "must not exceed 999999999")
	case !r.Amount.Equal(r.Amount.Round(2)):
		v.add("amount", "must have at most 2 decimal places")
	}

	if !SupportedCurrencies[r.Currency] {
		v.add("currency", fmt.Sprintf("unsupported currency %q", r.Currency))
	}

	if r.Customer.ID == "" {
		v.add("customer.id", "must not be empty")
	}
	if !emailRe.MatchString(r.Customer.Email) {
		v.add("customer.email", "must be a valid email address")
	}
	if r.Customer.Phone != "" && len(r.Customer.Phone) < 10 {
		v.add("customer.phone", "must be at least 10 characters when present")
	}

	if !SupportedMethods[r.Method.Type] {
		v.add("method.type", fmt.Sprintf("unsupported payment method %q", r.Method.Type))
	} else if r.Method.Type == MethodCard {
		card := r.Method.Card
		switch {
		case card == nil:
			v.add("method.card", "card details required for CARD payments")
		default:
			if card.Number == "" {
				v.add("method.card.number", "must not be empty")
			}
			if card.ExpiryMonth < 1 || card.ExpiryMonth > 12 {
				v.add("method.card.expiry_month", "must be between 1 and 12")
			}
			if card.ExpiryYear <= 0 {
				v.add("method.card.expiry_year", "must be set")
			}
		}
	}

	if len(v.Fields) == 0 {
		return nil
	}
	return v
}

// Validate checks the payment id format.
func (r *ProcessPaymentRequest) Validate() *ValidationError {
	if !paymentIDRe.MatchString(r.PaymentID) {
		v := &ValidationError{}
		v.add("payment_id", "malformed payment id")
		return v
	}
	return nil
}

// SanitizeMetadata filters a metadata map down to well-formed keys and
// scalar values. Strings are truncated to 1000 characters; numbers and
// booleans pass through; everything else is dropped. Iteration order is
// made deterministic for reproducible logging.
func SanitizeMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(in))
	for _, k := range keys {
		if !metadataKeyRe.MatchString(k) {
			continue
		}
		switch val := in[k].(type) {
		case string:
			if len(val) > maxMetadataValueLen {
				val = val[:maxMetadataValueLen]
			}
			out[k] = val
		case bool:
			out[k] = val
		case int, int32, int64, float32, float64:
			out[k] = val
		default:
			// Non-scalar values are dropped.
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
