package provider

import (
	"context"
	"fmt"

	"exchange-service/internal/domain"

	"github.com/shopspring/decimal"
)

// Wire types are decimal-valued as received from providers; everything is
// converted to int64 smallest-unit at the usecase boundary.

type Rate struct {
	Code    string          `json:"code"`
	Buy     decimal.Decimal `json:"buy"`
	Sell    decimal.Decimal `json:"sell"`
	RateRef string          `json:"rateRef"`
}

type Channel struct {
	Ref         string          `json:"ref"`
	Status      string          `json:"status"` // active | inactive
	RampType    string          `json:"rampType"`
	Country     string          `json:"country"`
	Min         decimal.Decimal `json:"min"`
	Max         decimal.Decimal `json:"max"`
	ChannelRefs []string        `json:"channelRefs"`
}

type BankInfo struct {
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
	BankName      string `json:"bankName"`
}

type ReceiverCryptoInfo struct {
	Address string `json:"address"`
	Network string `json:"network"`
}

type PayInRequest struct {
	Ref                string             `json:"ref"`
	TransactionRef     string             `json:"transactionRef"`
	Status             string             `json:"status"`
	Fee                decimal.Decimal    `json:"fee"`
	ReceiverCryptoInfo ReceiverCryptoInfo `json:"receiverCryptoInfo"`
	BankInfo           BankInfo           `json:"bankInfo"`
}

type AcceptResult struct {
	ConvertedAmount decimal.Decimal `json:"convertedAmount"`
	BankInfo        BankInfo        `json:"bankInfo"`
}

type CreatePayInPayload struct {
	TransactionRef     string          `json:"transactionRef"`
	Currency           string          `json:"currency"`
	Amount             decimal.Decimal `json:"amount"`
	ChannelRef         string          `json:"channelRef"`
	DestinationAddress string          `json:"destinationAddress"`
}

type Bank struct {
	BankName      string `json:"bankName"`
	NibssBankCode string `json:"nibssBankCode"`
	BankRef       string `json:"bankRef"`
}

type TransferPayload struct {
	AccountNumber string          `json:"accountNumber"`
	AccountName   string          `json:"accountName"`
	BankCode      string          `json:"bankCode"`
	Amount        decimal.Decimal `json:"amount"`
	Narration     string          `json:"narration"`
	Reference     string          `json:"reference"`
}

type TransferResult struct {
	TransactionReference string `json:"transactionReference"`
}

type TransferStatus struct {
	Status string `json:"status"` // SUCCESSFUL | PENDING | FAILED
}

// ReceivingAccount is the bank account proceeds are paid out to.
type ReceivingAccount struct {
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
	BankCode      string `json:"bank_code"`
}

// ExchangeProvider is the liquidity provider the conversion runs through.
type ExchangeProvider interface {
	Name() string
	GetExchangeRates(ctx context.Context, currency string) ([]Rate, error)
	GetChannels(ctx context.Context, country string) ([]Channel, error)
	CreatePayInRequest(ctx context.Context, payload CreatePayInPayload) (*PayInRequest, error)
	AcceptPayInRequest(ctx context.Context, ref string) (*AcceptResult, error)
	GetPayInRequestByTransactionRef(ctx context.Context, transactionRef string) (*PayInRequest, error)
}

// SettlementLedgerPoster is an optional capability of an ExchangeProvider:
// settling a provider-side ledger entry when a refund is issued. Callers
// check for it with a type assertion.
type SettlementLedgerPoster interface {
	SettleLedgerEntry(ctx context.Context, transactionRef string) error
}

// BankingProvider moves local currency over banking rails.
type BankingProvider interface {
	Name() string
	GetBankList(ctx context.Context) ([]Bank, error)
	TransferToOtherBank(ctx context.Context, payload TransferPayload) (*TransferResult, error)
	GetTransactionStatus(ctx context.Context, transactionRef string) (*TransferStatus, error)
}

// KYCProvider exposes the verified identity record; internals are out of
// scope for this service.
type KYCProvider interface {
	GetKycDetailsByUserID(ctx context.Context, userID string) (*domain.KycDetails, error)
}

// AddressResolver looks up the user's on-file deposit address for an asset.
type AddressResolver interface {
	DepositAddress(ctx context.Context, userID, currency string) (string, error)
}

// AccountResolver finds or creates the user's receiving bank account.
type AccountResolver interface {
	FindOrCreateReceivingAccount(ctx context.Context, userID string, requested *ReceivingAccount) (*ReceivingAccount, error)
}

// Registry selects provider implementations by configured name.
type Registry struct {
	exchange map[string]ExchangeProvider
	banking  map[string]BankingProvider
}

func NewRegistry() *Registry {
	return &Registry{
		exchange: make(map[string]ExchangeProvider),
		banking:  make(map[string]BankingProvider),
	}
}

func (r *Registry) RegisterExchange(p ExchangeProvider) { r.exchange[p.Name()] = p }
func (r *Registry) RegisterBanking(p BankingProvider)   { r.banking[p.Name()] = p }

func (r *Registry) Exchange(name string) (ExchangeProvider, error) {
	p, ok := r.exchange[name]
	if !ok {
		return nil, fmt.Errorf("unknown exchange provider: %s", name)
	}
	return p, nil
}

func (r *Registry) Banking(name string) (BankingProvider, error) {
	p, ok := r.banking[name]
	if !ok {
		return nil, fmt.Errorf("unknown banking provider: %s", name)
	}
	return p, nil
}
