package domain

import "time"

type LedgerTxStatus string

const (
	LedgerTxPending    LedgerTxStatus = "PENDING"
	LedgerTxSuccessful LedgerTxStatus = "SUCCESSFUL"
	LedgerTxFailed     LedgerTxStatus = "FAILED"
)

// LedgerAccount holds a user's local-currency wallet balance in the smallest
// currency unit. Mutated only through the balance usecase, under lock.
type LedgerAccount struct {
	ID               int64     `json:"id"`
	AccountNumber    string    `json:"account_number"`
	OwnerID          string    `json:"owner_id"`
	Currency         string    `json:"currency"`
	AvailableBalance int64     `json:"available_balance"` // smallest unit
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"-"`
	UpdatedAt        time.Time `json:"-"`
}

// LedgerTransaction authorizes exactly one balance mutation. A SUCCESSFUL row
// is the idempotency guard against double-crediting; PENDING is never a
// terminal state.
type LedgerTransaction struct {
	ID            int64          `json:"id"`
	AccountNumber string         `json:"account_number"`
	Amount        int64          `json:"amount"` // signed delta, smallest unit
	BalanceBefore *int64         `json:"balance_before,omitempty"`
	BalanceAfter  *int64         `json:"balance_after,omitempty"`
	Status        LedgerTxStatus `json:"status"`
	Narration     *string        `json:"narration,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
