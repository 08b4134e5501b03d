package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Code extracts the application code from an error chain, or "" if the
// error is not an AppError.
func Code(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// ---- Validation (VAL) ----

func ErrValidation(err error) *AppError {
	return Wrap("VAL_001", "Request validation failed", http.StatusBadRequest, err)
}

// Validation creates a VAL_001 error with a custom message, used for
// malformed request bodies before domain validation runs.
func Validation(message string) *AppError {
	return New("VAL_001", message, http.StatusBadRequest)
}

// ---- State Machine (STM) ----

func ErrInvalidStateTransition(err error) *AppError {
	return Wrap("STM_001", "Invalid state transition", http.StatusConflict, err)
}

func ErrTerminalStateViolation(err error) *AppError {
	return Wrap("STM_002", "Payment is in a terminal state", http.StatusConflict, err)
}

func ErrConcurrentModification(err error) *AppError {
	return Wrap("STM_003", "Payment was modified concurrently", http.StatusConflict, err)
}

// ---- Locking (LCK) ----

func ErrLockTimeout(key string) *AppError {
	return New("LCK_001", fmt.Sprintf("Timed out waiting for lock %q", key), http.StatusServiceUnavailable)
}

func ErrOptimisticLock() *AppError {
	return New("LCK_002", "Optimistic lock conflict, retry the request", http.StatusConflict)
}

// ---- Idempotency (IDEM) ----

func ErrIdempotencyLock(key string) *AppError {
	return New("IDEM_001", fmt.Sprintf("Could not acquire idempotency lock for %q", key), http.StatusServiceUnavailable)
}

func ErrFingerprintMismatch() *AppError {
	return New("IDEM_002", "Idempotency key reused with a different request body", http.StatusUnprocessableEntity)
}

func ErrIdempotencyTimeout() *AppError {
	return New("IDEM_003", "Timed out waiting for the in-flight request to finish", http.StatusConflict)
}

// ---- Circuit Breaker (CBR) ----

// CodeCircuitOpen is the code carried by ErrCircuitOpen. Callers that need
// to branch on an open breaker compare against this instead of the literal.
const CodeCircuitOpen = "CBR_001"

func ErrCircuitOpen(gateway string, healthScore float64) *AppError {
	return New(CodeCircuitOpen,
		fmt.Sprintf("Circuit open for gateway %s (health %.2f)", gateway, healthScore),
		http.StatusServiceUnavailable)
}

// ---- Gateway (GWY) ----

func ErrGatewayFailure(err error) *AppError {
	return Wrap("GWY_001", "Gateway call failed", http.StatusBadGateway, err)
}

func ErrNoGatewayAvailable() *AppError {
	return New("GWY_002", "No payment gateway available", http.StatusServiceUnavailable)
}

// ---- Payments (PAY) ----

func ErrPaymentNotFound(id string) *AppError {
	return New("PAY_001", fmt.Sprintf("Payment %s not found", id), http.StatusNotFound)
}

func ErrDuplicateIdempotencyKey() *AppError {
	return New("PAY_002", "A payment with this idempotency key already exists", http.StatusConflict)
}

// ---- Authentication (AUTH) ----

func ErrInvalidToken() *AppError {
	return New("AUTH_001", "Invalid or expired token", http.StatusUnauthorized)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", "Database operation failed", http.StatusInternalServerError, err)
}

func InternalError(err error) *AppError {
	return Wrap("SYS_002", "Internal server error", http.StatusInternalServerError, err)
}
