package xerrors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

func ParsePGErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code // e.g. 23505 for unique_violation
	}
	return "unknown"
}

// IsUniqueViolation reports whether err is a Postgres unique constraint error.
func IsUniqueViolation(err error) bool {
	return ParsePGErrorCode(err) == "23505"
}

// Generic
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalServer = errors.New("internal server error")
	ErrNotFound       = errors.New("not found")
)

// Locking
var (
	ErrLockNotAcquired = errors.New("lock not acquired after retries")
	ErrLockNotOwned    = errors.New("lock not owned by this token (expired or stolen)")
)

// Exchange flow
var (
	ErrQuoteExpired          = errors.New("exchange quote expired or was never created")
	ErrInsufficientBalance   = errors.New("insufficient wallet balance")
	ErrRateChanged           = errors.New("exchange rate has changed, request a new quote")
	ErrChannelUnavailable    = errors.New("no active deposit channel for this currency")
	ErrAmountOutsideLimits   = errors.New("amount outside allowed limits")
	ErrMissingDepositAddress = errors.New("user has no deposit address on file")
	ErrAccountIncomplete     = errors.New("receiving account must have account number and name")
	ErrKycNotFound           = errors.New("no KYC record found for user")
)

// Ledger
var (
	ErrLedgerTxNotFound   = errors.New("ledger transaction not found for account")
	ErrLedgerTxNotPending = errors.New("ledger transaction is not pending")
	ErrNegativeBalance    = errors.New("balance update would go below zero")
)

// ValidationError marks bad input, limit breaches and expired quotes.
// These are surfaced to the caller and never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ProviderError wraps a failure reported by an external provider while
// preserving the original message for diagnostics.
type ProviderError struct {
	Provider string
	Msg      string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func NewProvider(provider, msg string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Msg: msg, Err: err}
}

func IsProvider(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
