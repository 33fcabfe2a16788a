package domain

import (
	"time"
	"unicode/utf8"
)

type TransactionStatus string

const (
	StatusInitiated TransactionStatus = "INITIATED"
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
	StatusCancelled TransactionStatus = "CANCELLED"
)

// IsTerminal reports whether the status can no longer change.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type TransactionType string

const (
	TransactionTypeExchange TransactionType = "EXCHANGE"
	TransactionTypeRefund   TransactionType = "REFUND"
)

type Direction string

const (
	DirectionDebit  Direction = "DEBIT"
	DirectionCredit Direction = "CREDIT"
)

// ExchangeMetadata is stored as JSONB alongside the transaction row.
type ExchangeMetadata struct {
	SourceCurrency     string    `json:"source_currency"`
	TargetCurrency     string    `json:"target_currency"`
	RateID             int64     `json:"rate_id"`
	ProviderFee        int64     `json:"provider_fee"`
	WithdrawalFee      int64     `json:"withdrawal_fee"`
	ExpiresAt          time.Time `json:"expires_at"`
	DestinationAddress string    `json:"destination_address,omitempty"`
	PayInRef           string    `json:"pay_in_ref,omitempty"`
	RefundOf           string    `json:"refund_of,omitempty"` // reference of the failed exchange a REFUND compensates
}

// ExchangeTransaction is the durable record of a conversion. Reference is
// globally unique and acts as the idempotency key: a reference maps to at
// most one row, and rows are never hard-deleted.
type ExchangeTransaction struct {
	ID            int64             `json:"id"`
	Reference     string            `json:"reference"`
	UserID        string            `json:"user_id"`
	Asset         string            `json:"asset"`
	Amount        int64             `json:"amount"` // smallest unit
	Type          TransactionType   `json:"type"`
	Status        TransactionStatus `json:"status"`
	BalanceBefore *int64            `json:"balance_before,omitempty"`
	BalanceAfter  *int64            `json:"balance_after,omitempty"`
	FailureReason *string           `json:"failure_reason,omitempty"`
	Metadata      ExchangeMetadata  `json:"metadata"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// FiatWalletTransaction mirrors the wallet-level debit/credit of its parent
// ExchangeTransaction, 1:1, with the same status lifecycle.
type FiatWalletTransaction struct {
	ID                    int64             `json:"id"`
	ExchangeTransactionID int64             `json:"exchange_transaction_id"`
	AccountNumber         string            `json:"account_number"`
	Amount                int64             `json:"amount"` // smallest unit
	Direction             Direction         `json:"direction"`
	ProviderRef           *string           `json:"provider_ref,omitempty"`
	FeeTotal              int64             `json:"fee_total"`
	Status                TransactionStatus `json:"status"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

const maxFailureReasonLen = 255

// TruncateReason bounds a failure reason to the column size, cutting on a
// rune boundary so a provider message is never stored as invalid UTF-8.
func TruncateReason(reason string) string {
	if len(reason) <= maxFailureReasonLen {
		return reason
	}
	cut := maxFailureReasonLen
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
