package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable classification of an engine failure. Kinds
// decide retry and escalation policy; messages are for humans.
type ErrorKind string

// Error kinds.
const (
	// KindTransientBroker covers network errors, timeouts and broker
	// 5xx responses. Retryable; counts toward the circuit breaker.
	KindTransientBroker ErrorKind = "TRANSIENT_BROKER"
	// KindRateLimited is a broker 429 or a limiter wait exceeding the
	// operation deadline.
	KindRateLimited ErrorKind = "RATE_LIMITED"
	// KindOrderRejected is a permanent broker rejection for one order:
	// insufficient margin, banned symbol, bad parameters.
	KindOrderRejected ErrorKind = "ORDER_REJECTED"
	// KindOrderTimeout means no terminal state inside the window and
	// the order was cancelled successfully.
	KindOrderTimeout ErrorKind = "ORDER_TIMEOUT"
	// KindReconciliationRequired means the order's terminal state could
	// not be determined; it is parked for the next reconciliation pass.
	KindReconciliationRequired ErrorKind = "RECONCILIATION_REQUIRED"
	// KindRiskRejected is any risk-gate failure.
	KindRiskRejected ErrorKind = "RISK_REJECTED"
	// KindValidation is a malformed request or unknown symbol.
	KindValidation ErrorKind = "VALIDATION"
	// KindStateIntegrity is a ledger or snapshot integrity violation;
	// the only kind that terminates the process.
	KindStateIntegrity ErrorKind = "STATE_INTEGRITY"
)

// EngineError is a classified failure. The zero ClientOrderID is fine
// for failures not tied to a single order.
type EngineError struct {
	Kind          ErrorKind
	Message       string
	Symbol        string
	ClientOrderID string
	Err           error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Symbol != "" {
		msg += " (" + e.Symbol
		if e.ClientOrderID != "" {
			msg += "/" + e.ClientOrderID
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *EngineError) Unwrap() error { return e.Err }

// Errf builds an EngineError with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr classifies an underlying error.
func WrapErr(kind ErrorKind, err error, message string) *EngineError {
	return &EngineError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the error's kind, or "" when err is not an
// EngineError.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the failure may succeed on a later tick.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientBroker, KindRateLimited:
		return true
	}
	return false
}
