package domain

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCreateRequest() CreatePaymentRequest {
	return CreatePaymentRequest{
		MerchantID:     "merch_1",
		IdempotencyKey: "order-2024-001",
		Amount:         decimal.NewFromFloat(99.99),
		Currency:       CurrencyUSD,
		Method: PaymentMethod{
			Type: MethodCard,
			Card: &CardDetails{Number: "4111111111111111", ExpiryMonth: 12, ExpiryYear: 2030},
		},
		Customer: Customer{ID: "cust_1", Email: "jo@example.com"},
	}
}

func fieldNames(v *ValidationError) []string {
	out := make([]string, len(v.Fields))
	for i, f := range v.Fields {
		out[i] = f.Field
	}
	return out
}

func TestCreatePaymentRequest_Valid(t *testing.T) {
	req := validCreateRequest()
	assert.Nil(t, req.Validate())
}

func TestCreatePaymentRequest_AmountRules(t *testing.T) {
	tests := []struct {
		name   string
		amount decimal.Decimal
		valid  bool
	}{
		{"zero", decimal.Zero, false},
		{"negative", decimal.NewFromInt(-5), false},
		{"over max", decimal.NewFromInt(1_000_000_000), false},
		{"three decimals", decimal.RequireFromString("10.999"), false},
		{"two decimals", decimal.RequireFromString("10.99"), true},
		{"integer", decimal.NewFromInt(100), true},
		{"max", decimal.NewFromInt(999_999_999), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := validCreateRequest()
			req.Amount = tc.amount
			verr := req.Validate()
			if tc.valid {
				assert.Nil(t, verr)
			} else {
				require.NotNil(t, verr)
				assert.Contains(t, fieldNames(verr), "amount")
			}
		})
	}
}

func TestCreatePaymentRequest_IdempotencyKey(t *testing.T) {
	req := validCreateRequest()

	req.IdempotencyKey = ""
	require.NotNil(t, req.Validate())

	req.IdempotencyKey = "has spaces"
	require.NotNil(t, req.Validate())

	req.IdempotencyKey = strings.Repeat("k", 256)
	require.NotNil(t, req.Validate())

	req.IdempotencyKey = strings.Repeat("k", 255)
	assert.Nil(t, req.Validate())
}

func TestCreatePaymentRequest_CurrencyAndMethod(t *testing.T) {
	req := validCreateRequest()
	req.Currency = "JPY"
	verr := req.Validate()
	require.NotNil(t, verr)
	assert.Contains(t, fieldNames(verr), "currency")

	req = validCreateRequest()
	req.Method = PaymentMethod{Type: "CRYPTO"}
	verr = req.Validate()
	require.NotNil(t, verr)
	assert.Contains(t, fieldNames(verr), "method.type")

	// CARD without card details.
	req = validCreateRequest()
	req.Method = PaymentMethod{Type: MethodCard}
	verr = req.Validate()
	require.NotNil(t, verr)
	assert.Contains(t, fieldNames(verr), "method.card")

	// Non-card methods need no details at validation time.
	req = validCreateRequest()
	req.Method = PaymentMethod{Type: MethodUPI, UPI: &UPIDetails{VPA: "jo@bank"}}
	assert.Nil(t, req.Validate())
}

func TestCreatePaymentRequest_Customer(t *testing.T) {
	req := validCreateRequest()
	req.Customer.Email = "not-an-email"
	verr := req.Validate()
	require.NotNil(t, verr)
	assert.Contains(t, fieldNames(verr), "customer.email")

	req = validCreateRequest()
	req.Customer.Phone = "12345"
	verr = req.Validate()
	require.NotNil(t, verr)
	assert.Contains(t, fieldNames(verr), "customer.phone")
}

func TestCreatePaymentRequest_CollectsAllViolations(t *testing.T) {
	req := CreatePaymentRequest{}
	verr := req.Validate()
	require.NotNil(t, verr)
	// Empty request violates several rules at once.
	assert.GreaterOrEqual(t, len(verr.Fields), 4)
}

func TestProcessPaymentRequest_Validate(t *testing.T) {
	ok := ProcessPaymentRequest{PaymentID: "pay_" + "0b51f1a0-1111-2222-3333-444455556666"}
	assert.Nil(t, ok.Validate())

	bad := ProcessPaymentRequest{PaymentID: "order-123"}
	assert.NotNil(t, bad.Validate())
}

func TestSanitizeMetadata(t *testing.T) {
	in := map[string]any{
		"ok":          "value",
		"long":        strings.Repeat("x", 2000),
		"num":         42,
		"flag":        true,
		"nested":      map[string]any{"drop": "me"},
		"bad key!":    "dropped",
		"empty_slice": []string{"dropped"},
	}

	out := SanitizeMetadata(in)
	require.NotNil(t, out)
	assert.Equal(t, "value", out["ok"])
	assert.Len(t, out["long"], maxMetadataValueLen)
	assert.Equal(t, 42, out["num"])
	assert.Equal(t, true, out["flag"])
	assert.NotContains(t, out, "nested")
	assert.NotContains(t, out, "bad key!")
	assert.NotContains(t, out, "empty_slice")

	assert.Nil(t, SanitizeMetadata(nil))
	assert.Nil(t, SanitizeMetadata(map[string]any{"only": []int{1}}))
}

func TestFingerprint_FieldOrderIndependent(t *testing.T) {
	a := map[string]any{"amount": "10.00", "currency": "USD"}
	b := map[string]any{"currency": "USD", "amount": "10.00"}

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	c := map[string]any{"amount": "10.01", "currency": "USD"}
	fc, err := Fingerprint(c)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)
}

func TestScopedIdempotencyKey(t *testing.T) {
	assert.Equal(t, "m1:create:k1", ScopedIdempotencyKey("m1", "create", "k1"))
}
