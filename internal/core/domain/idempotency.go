package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// IdempotencyState is the lifecycle of a de-duplication record.
type IdempotencyState string

const (
	IdempotencyProcessing IdempotencyState = "PROCESSING"
	IdempotencyCompleted  IdempotencyState = "COMPLETED"
	IdempotencyFailed     IdempotencyState = "FAILED"
)

// IdempotencyRecord caches the outcome of one client operation so retries
// replay the original result instead of repeating side effects.
type IdempotencyRecord struct {
	Key         string           `json:"key"`
	State       IdempotencyState `json:"state"`
	Fingerprint string           `json:"fingerprint"`
	Response    []byte           `json:"response,omitempty"`
	ErrorBody   []byte           `json:"error_body,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
}

// IsExpired reports whether the record should be treated as absent.
func (r *IdempotencyRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// ScopedIdempotencyKey builds the storage key merchantId:operation:clientKey.
func ScopedIdempotencyKey(merchantID, operation, clientKey string) string {
	return merchantID + ":" + operation + ":" + clientKey
}

// Fingerprint hashes the canonical JSON form of a request body with
// SHA-256. Canonicalization round-trips through an untyped value so object
// keys serialize sorted regardless of the source struct's field order.
func Fingerprint(body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("fingerprint marshal: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("fingerprint canonicalize: %w", err)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint remarshal: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
