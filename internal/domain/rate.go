package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type RateType string

const (
	RateTypeBuy  RateType = "BUY"
	RateTypeSell RateType = "SELL"
)

// RateQuote is an append-only snapshot of a provider rate. Rows are reused
// verbatim when every value matches exactly, otherwise a new row is created;
// existing rows are never mutated.
type RateQuote struct {
	ID              int64     `json:"id"`
	Pair            string    `json:"pair"` // e.g. NGN/USD
	Provider        string    `json:"provider"`
	ProviderRate    int64     `json:"provider_rate"` // smallest unit per whole target unit
	Rate            int64     `json:"rate"`          // provider rate with markup applied
	ProviderRateRef string    `json:"provider_rate_ref"`
	CreatedAt       time.Time `json:"created_at"`
}

// FeeConfig is the currently active fee configuration. It is merged into
// quotes at read time rather than frozen when the rate row was created, so a
// config change between quote and settlement changes the charged fee.
type FeeConfig struct {
	ID           int64 `json:"id"`
	IsPercentage bool  `json:"is_percentage"`
	PercentBps   int64 `json:"percent_bps"`   // basis points, used when IsPercentage
	FixedAmount  int64 `json:"fixed_amount"`  // smallest unit, used otherwise
	Cap          int64 `json:"cap"`           // 0 means uncapped
	MarkupBps    int64 `json:"markup_bps"`    // spread added on top of the provider rate
	IsActive     bool  `json:"is_active"`
}

// WithdrawalFee computes the fee for an amount in the smallest unit.
// Percentage fees round half-up; the cap applies after rounding.
func (f *FeeConfig) WithdrawalFee(amount int64) int64 {
	var fee int64
	if f.IsPercentage {
		fee = decimal.NewFromInt(amount).
			Mul(decimal.NewFromInt(f.PercentBps)).
			Div(decimal.NewFromInt(10_000)).
			Round(0).IntPart()
	} else {
		fee = f.FixedAmount
	}
	if f.Cap > 0 && fee > f.Cap {
		fee = f.Cap
	}
	return fee
}

// ApplyMarkup returns the provider rate with the configured spread added,
// rounded half-up to the smallest unit.
func (f *FeeConfig) ApplyMarkup(providerRate int64) int64 {
	return decimal.NewFromInt(providerRate).
		Mul(decimal.NewFromInt(10_000 + f.MarkupBps)).
		Div(decimal.NewFromInt(10_000)).
		Round(0).IntPart()
}

// Quote is what Initialize returns to the caller.
type Quote struct {
	Reference          string    `json:"reference"`
	Pair               string    `json:"pair"`
	Amount             int64     `json:"amount"`
	Rate               int64     `json:"rate"`
	RateID             int64     `json:"rate_id"`
	ProviderFee        int64     `json:"provider_fee"`
	WithdrawalFee      int64     `json:"withdrawal_fee"`
	TotalFees          int64     `json:"total_fees"`
	ConvertedAmount    int64     `json:"converted_amount"` // proceeds in target smallest unit
	DestinationAddress string    `json:"destination_address"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// EscrowContext is the ephemeral quote/channel snapshot staged by Initialize
// and consumed by Execute and the settlement processor. It lives in the
// escrow store under the transaction reference with a TTL; expiry is treated
// as "not found" downstream.
type EscrowContext struct {
	Reference          string    `json:"reference"`
	UserID             string    `json:"user_id"`
	Pair               string    `json:"pair"`
	SourceCurrency     string    `json:"source_currency"`
	TargetCurrency     string    `json:"target_currency"`
	Amount             int64     `json:"amount"`
	WalletAccount      string    `json:"wallet_account"`
	RateID             int64     `json:"rate_id"`
	ChannelRef         string    `json:"channel_ref"`
	DestinationAddress string    `json:"destination_address"`
	PayInRef           string    `json:"pay_in_ref"`
	ProviderFee        int64     `json:"provider_fee"`
	WithdrawalFee      int64     `json:"withdrawal_fee"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// Expired reports whether the staged quote is past its validity window.
func (c *EscrowContext) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// KycDetails carries the verified identity tier and its exchange limits.
type KycDetails struct {
	UserID         string `json:"user_id"`
	Tier           string `json:"tier"`
	MinPerExchange int64  `json:"min_per_exchange"` // smallest unit
	MaxPerExchange int64  `json:"max_per_exchange"`
}
