package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"exchange-service/internal/config"
	"exchange-service/internal/domain"
	"exchange-service/internal/lock"
	"exchange-service/internal/provider"
	"exchange-service/internal/queue"
	"exchange-service/internal/repository"
	"exchange-service/pkg/utils"
	"exchange-service/pkg/xerrors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	QuoteValidity = 15 * time.Minute

	SettlementJobName = "exchange.settle"

	orchestrationLockTTL = 60 * time.Second
)

// InitializePayload is the request to open a conversion.
type InitializePayload struct {
	SourceCurrency     string          `json:"source_currency"`
	TargetCurrency     string          `json:"target_currency"`
	Amount             int64           `json:"amount"` // smallest unit
	RateType           domain.RateType `json:"rate_type"`
	WalletAccount      string          `json:"wallet_account"`
	Country            string          `json:"country"`
	DestinationAddress string          `json:"destination_address,omitempty"` // override for alternate flows
}

// ExecutePayload confirms a staged quote.
type ExecutePayload struct {
	Reference string                     `json:"reference"`
	Account   *provider.ReceivingAccount `json:"account,omitempty"`
}

// SettlementJob carries only durable identifiers; everything else is
// reloaded by the processor.
type SettlementJob struct {
	Reference     string `json:"reference"`
	AccountNumber string `json:"account_number"`
	RateID        int64  `json:"rate_id"`
	UserID        string `json:"user_id"`
}

// ExchangeUsecase orchestrates Initialize and Execute. Locks serialize per
// user; durable writes happen only in the settlement processor.
type ExchangeUsecase struct {
	cfg        config.AppConfig
	txRepo     repository.ExchangeTransactionRepository
	ledgerRepo repository.LedgerRepository
	rates      RateService
	escrow     EscrowStore
	locks      LockManager
	exchange   provider.ExchangeProvider
	kyc        provider.KYCProvider
	addresses  provider.AddressResolver
	accounts   provider.AccountResolver
	jobs       JobQueue
	comp       Compensator
	refs       *utils.ReferenceGenerator
	logger     *zap.Logger
}

func NewExchangeUsecase(
	cfg config.AppConfig,
	txRepo repository.ExchangeTransactionRepository,
	ledgerRepo repository.LedgerRepository,
	rates RateService,
	escrowStore EscrowStore,
	locks LockManager,
	exchange provider.ExchangeProvider,
	kyc provider.KYCProvider,
	addresses provider.AddressResolver,
	accounts provider.AccountResolver,
	jobs JobQueue,
	comp Compensator,
	refs *utils.ReferenceGenerator,
	logger *zap.Logger,
) *ExchangeUsecase {
	return &ExchangeUsecase{
		cfg:        cfg,
		txRepo:     txRepo,
		ledgerRepo: ledgerRepo,
		rates:      rates,
		escrow:     escrowStore,
		locks:      locks,
		exchange:   exchange,
		kyc:        kyc,
		addresses:  addresses,
		accounts:   accounts,
		jobs:       jobs,
		comp:       comp,
		refs:       refs,
		logger:     logger,
	}
}

// Initialize validates the request, stages the escrow context, opens a
// provider pay-in request and returns a quote. If anything fails after the
// context was staged it is removed again: no orphaned context survives a
// failed Initialize.
func (u *ExchangeUsecase) Initialize(ctx context.Context, userID string, p InitializePayload) (*domain.Quote, error) {
	pair := p.SourceCurrency + "/" + p.TargetCurrency

	var quote *domain.Quote
	err := u.locks.WithLock(ctx, "exchange:"+userID+":"+pair, orchestrationLockTTL, lock.DefaultRetries, lock.DefaultRetryDelay,
		func(ctx context.Context) error {
			var err error
			quote, err = u.initialize(ctx, userID, p)
			return err
		})
	return quote, err
}

func (u *ExchangeUsecase) initialize(ctx context.Context, userID string, p InitializePayload) (*domain.Quote, error) {
	// Converting local currency to USD buys dollars from the provider.
	if p.RateType != domain.RateTypeBuy {
		return nil, xerrors.NewValidation("rate type must be %s for %s conversions", domain.RateTypeBuy, p.TargetCurrency)
	}
	if p.Amount <= 0 {
		return nil, xerrors.NewValidation("amount must be positive")
	}

	kyc, err := u.kyc.GetKycDetailsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load kyc details: %w", err)
	}
	if kyc == nil {
		return nil, xerrors.NewValidation("%v", xerrors.ErrKycNotFound)
	}
	if p.Amount < kyc.MinPerExchange || (kyc.MaxPerExchange > 0 && p.Amount > kyc.MaxPerExchange) {
		return nil, xerrors.NewValidation("%v: tier %s allows %d..%d", xerrors.ErrAmountOutsideLimits, kyc.Tier, kyc.MinPerExchange, kyc.MaxPerExchange)
	}

	rate, feeCfg, err := u.rates.GetRate(ctx, p.SourceCurrency, p.Amount, p.RateType)
	if err != nil {
		return nil, err
	}

	wallet, err := u.ledgerRepo.GetAccountByNumber(ctx, p.WalletAccount)
	if err != nil {
		return nil, fmt.Errorf("load wallet account: %w", err)
	}
	if wallet.OwnerID != userID {
		return nil, xerrors.NewValidation("wallet account does not belong to user")
	}
	if wallet.AvailableBalance < p.Amount {
		return nil, xerrors.NewValidation("%v: have %d, need %d", xerrors.ErrInsufficientBalance, wallet.AvailableBalance, p.Amount)
	}

	channel, err := u.activeDepositChannel(ctx, p.Country, p.Amount)
	if err != nil {
		return nil, err
	}

	destination := p.DestinationAddress
	if destination == "" {
		destination, err = u.addresses.DepositAddress(ctx, userID, p.TargetCurrency)
		if err != nil {
			return nil, fmt.Errorf("resolve deposit address: %w", err)
		}
	}
	if destination == "" {
		return nil, xerrors.NewValidation("%v", xerrors.ErrMissingDepositAddress)
	}

	reference := u.refs.Next()
	expiresAt := time.Now().Add(QuoteValidity)

	ectx := &domain.EscrowContext{
		Reference:          reference,
		UserID:             userID,
		Pair:               rate.Pair,
		SourceCurrency:     p.SourceCurrency,
		TargetCurrency:     p.TargetCurrency,
		Amount:             p.Amount,
		WalletAccount:      p.WalletAccount,
		RateID:             rate.ID,
		ChannelRef:         channel.Ref,
		DestinationAddress: destination,
		ExpiresAt:          expiresAt,
	}
	if err := u.escrow.StoreContext(ctx, reference, ectx); err != nil {
		return nil, err
	}

	quote, err := u.openPayIn(ctx, reference, ectx, rate, feeCfg)
	if err != nil {
		// Clean up the staged context; a failed Initialize leaves nothing behind.
		if remErr := u.escrow.RemoveContext(ctx, reference); remErr != nil {
			u.logger.Warn("context cleanup failed", zap.String("reference", reference), zap.Error(remErr))
		}
		return nil, err
	}

	u.logger.Info("exchange initialized",
		zap.String("reference", reference),
		zap.String("user_id", userID),
		zap.Int64("amount", p.Amount),
		zap.Int64("rate", rate.Rate),
	)
	return quote, nil
}

func (u *ExchangeUsecase) openPayIn(
	ctx context.Context,
	reference string,
	ectx *domain.EscrowContext,
	rate *domain.RateQuote,
	feeCfg *domain.FeeConfig,
) (*domain.Quote, error) {
	payin, err := u.exchange.CreatePayInRequest(ctx, provider.CreatePayInPayload{
		TransactionRef:     reference,
		Currency:           ectx.SourceCurrency,
		Amount:             MajorUnits(ectx.Amount),
		ChannelRef:         ectx.ChannelRef,
		DestinationAddress: ectx.DestinationAddress,
	})
	if err != nil {
		return nil, err
	}

	providerFee := MinorUnits(payin.Fee)
	withdrawalFee := feeCfg.WithdrawalFee(ectx.Amount)

	ectx.PayInRef = payin.Ref
	ectx.ProviderFee = providerFee
	ectx.WithdrawalFee = withdrawalFee
	if err := u.escrow.StoreContext(ctx, reference, ectx); err != nil {
		return nil, err
	}

	return &domain.Quote{
		Reference:          reference,
		Pair:               rate.Pair,
		Amount:             ectx.Amount,
		Rate:               rate.Rate,
		RateID:             rate.ID,
		ProviderFee:        providerFee,
		WithdrawalFee:      withdrawalFee,
		TotalFees:          providerFee + withdrawalFee,
		ConvertedAmount:    ConvertedAmount(ectx.Amount, rate.Rate),
		DestinationAddress: ectx.DestinationAddress,
		ExpiresAt:          ectx.ExpiresAt,
	}, nil
}

// ConvertedAmount computes the USD proceeds, in cents, of converting a local
// smallest-unit amount at a local-minor-per-USD rate. Rounds half-up once.
func ConvertedAmount(amount, rate int64) int64 {
	if rate == 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Div(decimal.NewFromInt(rate)).
		Shift(2).
		Round(0).IntPart()
}

func (u *ExchangeUsecase) activeDepositChannel(ctx context.Context, country string, amount int64) (*provider.Channel, error) {
	channels, err := u.exchange.GetChannels(ctx, country)
	if err != nil {
		return nil, fmt.Errorf("load deposit channels: %w", err)
	}

	for i := range channels {
		ch := &channels[i]
		if ch.Status != "active" || ch.RampType != "deposit" {
			continue
		}
		min := MinorUnits(ch.Min)
		max := MinorUnits(ch.Max)
		if amount < min || (max > 0 && amount > max) {
			return nil, xerrors.NewValidation("%v: channel accepts %d..%d", xerrors.ErrAmountOutsideLimits, min, max)
		}
		return ch, nil
	}
	return nil, xerrors.NewValidation("%v", xerrors.ErrChannelUnavailable)
}

// Execute confirms the staged quote, resolves the receiving account and
// enqueues settlement. It returns as soon as the job is durably enqueued;
// failing to enqueue is terminal and routed to the compensator.
func (u *ExchangeUsecase) Execute(ctx context.Context, userID string, p ExecutePayload) error {
	return u.locks.WithLock(ctx, "execute:"+userID+":"+p.Reference, orchestrationLockTTL, lock.DefaultRetries, lock.DefaultRetryDelay,
		func(ctx context.Context) error {
			return u.execute(ctx, userID, p)
		})
}

func (u *ExchangeUsecase) execute(ctx context.Context, userID string, p ExecutePayload) error {
	ectx, err := u.escrow.GetContext(ctx, p.Reference)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return xerrors.NewValidation("%v", xerrors.ErrQuoteExpired)
		}
		return err
	}
	if ectx.UserID != userID {
		return xerrors.NewValidation("quote belongs to another user")
	}
	if ectx.Expired(time.Now()) {
		return xerrors.NewValidation("%v", xerrors.ErrQuoteExpired)
	}

	account, err := u.accounts.FindOrCreateReceivingAccount(ctx, userID, p.Account)
	if err != nil {
		return fmt.Errorf("resolve receiving account: %w", err)
	}
	if account == nil || strings.TrimSpace(account.AccountNumber) == "" || strings.TrimSpace(account.AccountName) == "" {
		return xerrors.NewValidation("%v", xerrors.ErrAccountIncomplete)
	}

	job := SettlementJob{
		Reference:     p.Reference,
		AccountNumber: account.AccountNumber,
		RateID:        ectx.RateID,
		UserID:        userID,
	}
	err = u.jobs.AddJob(ctx, u.cfg.SettlementTopic, SettlementJobName, job, queue.JobOptions{
		Attempts: u.cfg.SettlementAttempts,
		Backoff:  2 * time.Second,
	})
	if err != nil {
		u.logger.Error("settlement enqueue failed",
			zap.String("reference", p.Reference),
			zap.Error(err),
		)
		if compErr := u.comp.CompensateByReference(ctx, p.Reference, err); compErr != nil {
			u.logger.Error("compensation after enqueue failure also failed",
				zap.String("reference", p.Reference),
				zap.Error(compErr),
			)
		}
		return fmt.Errorf("enqueue settlement: %w", err)
	}

	u.logger.Info("settlement enqueued",
		zap.String("reference", p.Reference),
		zap.String("user_id", userID),
	)
	return nil
}

// GetExchangeByReference exposes the durable saga state for status checks.
func (u *ExchangeUsecase) GetExchangeByReference(ctx context.Context, reference string) (*domain.ExchangeTransaction, error) {
	return u.txRepo.GetByReference(ctx, reference)
}
