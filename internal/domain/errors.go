package domain

import "errors"

// Error codes exposed to callers and mapped to HTTP statuses by the delivery layer.
const (
	CodeValidation             = "validation_error"
	CodeSequentialViolation    = "sequential_violation"
	CodeInsufficientFunds      = "insufficient_funds"
	CodeNotFound               = "not_found"
	CodeFederationTimeout      = "federation_timeout"
	CodeFederationDisagreement = "federation_disagreement"
	CodeStoreUnavailable       = "store_unavailable"
	CodeProtocolViolation      = "protocol_violation"
	CodeLockExpired            = "lock_expired"
)

// Erros do ledger
var (
	ErrValidation             = &LedgerError{Code: CodeValidation, Message: "validation failed"}
	ErrSequentialViolation    = &LedgerError{Code: CodeSequentialViolation, Message: "account already has a pending transaction"}
	ErrInsufficientFunds      = &LedgerError{Code: CodeInsufficientFunds, Message: "insufficient funds"}
	ErrNotFound               = &LedgerError{Code: CodeNotFound, Message: "not found"}
	ErrFederationTimeout      = &LedgerError{Code: CodeFederationTimeout, Message: "federation quorum not reached before deadline"}
	ErrFederationDisagreement = &LedgerError{Code: CodeFederationDisagreement, Message: "federation rejected the transaction"}
	ErrStoreUnavailable       = &LedgerError{Code: CodeStoreUnavailable, Message: "store unavailable"}
	ErrProtocolViolation      = &LedgerError{Code: CodeProtocolViolation, Message: "protocol violation"}
	ErrLockExpired            = &LedgerError{Code: CodeLockExpired, Message: "lock expired before settlement"}
)

// LedgerError is the sentinel type behind the error taxonomy. Call sites wrap
// it with fmt.Errorf("...: %w", ErrX) so errors.Is keeps working.
type LedgerError struct {
	Code    string
	Message string
}

func (e *LedgerError) Error() string {
	return e.Message
}

// CodeOf returns the taxonomy code carried by err, or "" when err is not a
// ledger error.
func CodeOf(err error) string {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// IsRetryable reports whether the caller may resubmit the same request later.
// Federation failures require a brand new transaction and are not retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSequentialViolation) || errors.Is(err, ErrStoreUnavailable)
}
