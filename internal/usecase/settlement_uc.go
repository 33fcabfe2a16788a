package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"exchange-service/internal/config"
	"exchange-service/internal/domain"
	"exchange-service/internal/lock"
	"exchange-service/internal/provider"
	"exchange-service/internal/repository"
	"exchange-service/pkg/xerrors"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	// StaleAfter is how long a PENDING exchange may sit before the sweep
	// fails it; matches the escrow context TTL so a swept transaction's
	// context is already gone or about to be.
	StaleAfter = 30 * time.Minute

	staleSweepBatch = 100

	// settlementLockTTL covers the slowest span under the per-reference
	// lock: two provider round-trips plus the bank transfer.
	settlementLockTTL = 2 * time.Minute
)

// SettlementUsecase consumes settlement jobs and settles or compensates
// exchanges. Safe under at-least-once delivery: the durable transaction
// reference is the idempotency guard, and the escrow hold marks whether the
// wallet was already debited. The hold is only a marker, not a mutex, so
// every path that reads it holds the per-reference settlement lock.
type SettlementUsecase struct {
	cfg        config.AppConfig
	txRepo     repository.ExchangeTransactionRepository
	ledgerRepo repository.LedgerRepository
	balances   BalanceService
	rates      RateService
	escrow     EscrowStore
	locks      LockManager
	exchange   provider.ExchangeProvider
	banking    provider.BankingProvider
	kyc        provider.KYCProvider
	events     EventPublisher // optional
	logger     *zap.Logger
}

func NewSettlementUsecase(
	cfg config.AppConfig,
	txRepo repository.ExchangeTransactionRepository,
	ledgerRepo repository.LedgerRepository,
	balances BalanceService,
	rates RateService,
	escrowStore EscrowStore,
	locks LockManager,
	exchange provider.ExchangeProvider,
	banking provider.BankingProvider,
	kyc provider.KYCProvider,
	events EventPublisher,
	logger *zap.Logger,
) *SettlementUsecase {
	return &SettlementUsecase{
		cfg:        cfg,
		txRepo:     txRepo,
		ledgerRepo: ledgerRepo,
		balances:   balances,
		rates:      rates,
		escrow:     escrowStore,
		locks:      locks,
		exchange:   exchange,
		banking:    banking,
		kyc:        kyc,
		events:     events,
		logger:     logger,
	}
}

// HandleJob is the queue entry point. Validation and not-found failures are
// permanent: redelivery cannot fix a rejected or vanished quote.
func (u *SettlementUsecase) HandleJob(ctx context.Context, payload []byte) error {
	var job SettlementJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return backoff.Permanent(fmt.Errorf("malformed settlement job: %w", err))
	}

	err := u.Process(ctx, job)
	if err == nil {
		return nil
	}
	if xerrors.IsValidation(err) || errors.Is(err, xerrors.ErrNotFound) {
		return backoff.Permanent(err)
	}
	return err
}

// Process runs one settlement attempt for the job's reference, serialized by
// a per-reference lock: duplicate deliveries handled by two workers would
// otherwise both observe a zero escrow hold and both debit the wallet. Every
// error raised after the durable transaction exists is routed through the
// compensation path before being rethrown, so queue retry and dead-lettering
// never leave money in limbo.
func (u *SettlementUsecase) Process(ctx context.Context, job SettlementJob) error {
	return u.locks.WithLock(ctx, "settle:"+job.Reference, settlementLockTTL, lock.DefaultRetries, lock.DefaultRetryDelay,
		func(ctx context.Context) error {
			return u.process(ctx, job)
		})
}

func (u *SettlementUsecase) process(ctx context.Context, job SettlementJob) error {
	log := u.logger.With(zap.String("reference", job.Reference))

	ectx, err := u.escrow.GetContext(ctx, job.Reference)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			// Context expired. If a durable transaction already exists it
			// must be failed and refunded; otherwise nothing ever happened.
			return u.abandonWithoutContext(ctx, job.Reference)
		}
		return err
	}

	kyc, err := u.kyc.GetKycDetailsByUserID(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("reload user profile: %w", err)
	}
	if kyc == nil {
		return xerrors.NewValidation("%v", xerrors.ErrKycNotFound)
	}
	if ectx.Amount < kyc.MinPerExchange || ectx.Amount > kyc.MaxPerExchange {
		return xerrors.NewValidation("%v: tier %s allows %d..%d", xerrors.ErrAmountOutsideLimits,
			kyc.Tier, kyc.MinPerExchange, kyc.MaxPerExchange)
	}

	payin, err := u.exchange.GetPayInRequestByTransactionRef(ctx, job.Reference)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return xerrors.NewValidation("no provider pay-in request for %s", job.Reference)
		}
		return err
	}

	feeCfg, err := u.rates.ActiveFeeConfig(ctx)
	if err != nil {
		return err
	}
	providerFee := MinorUnits(payin.Fee)
	withdrawalFee := feeCfg.WithdrawalFee(ectx.Amount)
	totalFees := providerFee + withdrawalFee
	totalDebit := ectx.Amount + totalFees

	wallet, err := u.ledgerRepo.GetAccountByNumber(ctx, ectx.WalletAccount)
	if err != nil {
		return fmt.Errorf("load wallet account: %w", err)
	}
	exch, walletTx, err := u.findOrCreateTransactions(ctx, ectx, job, totalFees, totalDebit, providerFee, withdrawalFee, payin.Ref)
	if err != nil {
		return err
	}
	if exch.Status.IsTerminal() {
		// Redelivered job for an exchange that already finished either way.
		log.Info("settlement short-circuit", zap.String("status", string(exch.Status)))
		return nil
	}

	// Balance check happens against the live wallet unless the debit already
	// ran on a previous delivery.
	held, err := u.escrow.GetEscrowAmount(ctx, exch.ID)
	if err != nil {
		return u.compensateAndRethrow(ctx, exch.ID, err)
	}
	if held == 0 && wallet.AvailableBalance < totalDebit {
		return u.compensateAndRethrow(ctx, exch.ID,
			xerrors.NewValidation("%v: have %d, need %d", xerrors.ErrInsufficientBalance, wallet.AvailableBalance, totalDebit))
	}

	if err := u.settle(ctx, log, exch, walletTx, ectx, payin, held, totalDebit, withdrawalFee); err != nil {
		return u.compensateAndRethrow(ctx, exch.ID, err)
	}
	return nil
}

func (u *SettlementUsecase) settle(
	ctx context.Context,
	log *zap.Logger,
	exch *domain.ExchangeTransaction,
	walletTx *domain.FiatWalletTransaction,
	ectx *domain.EscrowContext,
	payin *provider.PayInRequest,
	held int64,
	totalDebit int64,
	withdrawalFee int64,
) error {
	if err := u.rates.ValidateRate(ctx, ectx.RateID, ectx.Amount, domain.RateTypeBuy); err != nil {
		return err
	}

	accept, err := u.exchange.AcceptPayInRequest(ctx, payin.Ref)
	if err != nil {
		return err
	}

	transferRef, err := u.transferToProvider(ctx, log, exch.Reference, accept.BankInfo, totalDebit)
	if err != nil {
		return err
	}
	if err := u.txRepo.SetWalletProviderRef(ctx, exch.ID, transferRef); err != nil {
		return err
	}

	// Debit the wallet into escrow exactly once; a non-zero hold means a
	// previous delivery already did it.
	balanceBefore := int64(0)
	balanceAfter := int64(0)
	if held == 0 {
		account, err := u.balances.WithdrawMoney(ctx, ectx.WalletAccount, totalDebit, "exchange "+exch.Reference)
		if err != nil {
			return err
		}
		if err := u.escrow.MoveToEscrow(ctx, exch.ID, totalDebit); err != nil {
			return err
		}
		balanceAfter = account.AvailableBalance
		balanceBefore = balanceAfter + totalDebit
	} else {
		account, err := u.ledgerRepo.GetAccountByNumber(ctx, ectx.WalletAccount)
		if err != nil {
			return err
		}
		balanceAfter = account.AvailableBalance
		balanceBefore = balanceAfter + held
	}

	status, err := u.banking.GetTransactionStatus(ctx, transferRef)
	if err != nil {
		return err
	}
	if strings.EqualFold(status.Status, "FAILED") {
		return xerrors.NewProvider(u.banking.Name(), "transfer "+transferRef+" reported FAILED", nil)
	}

	// Fees to the internal revenue account; settlement does not fail on it.
	if u.cfg.FeeAccountNumber != "" && withdrawalFee > 0 {
		if _, err := u.balances.DepositMoney(ctx, u.cfg.FeeAccountNumber, withdrawalFee, "exchange fee "+exch.Reference); err != nil {
			log.Warn("fee ledger posting failed", zap.Error(err))
		}
	}

	// Funds are irrevocably with the provider: clear the hold before the
	// terminal flip so the hold is exactly 0 at COMPLETED.
	if err := u.escrow.ReleaseEscrow(ctx, exch.ID); err != nil {
		return err
	}
	if err := u.txRepo.MarkCompleted(ctx, exch.ID, balanceBefore, balanceAfter); err != nil {
		return err
	}
	if err := u.escrow.RemoveContext(ctx, exch.Reference); err != nil {
		log.Warn("context cleanup failed", zap.Error(err))
	}

	if u.events != nil {
		if err := u.events.PublishCompleted(ctx, exch.UserID, exch.Reference, ectx.SourceCurrency, exch.Amount, balanceAfter); err != nil {
			log.Warn("event publish failed", zap.Error(err))
		}
	}

	log.Info("exchange settled",
		zap.Int64("transaction_id", exch.ID),
		zap.Int64("debited", totalDebit),
		zap.Int64("balance_after", balanceAfter),
		zap.Int64("wallet_tx", walletTx.ID),
	)
	return nil
}

// findOrCreateTransactions creates the durable source transactions once per
// reference. A concurrent creator winning the race surfaces as a unique
// violation and resolves to the existing row, which makes job redelivery
// safe.
func (u *SettlementUsecase) findOrCreateTransactions(
	ctx context.Context,
	ectx *domain.EscrowContext,
	job SettlementJob,
	totalFees, totalDebit, providerFee, withdrawalFee int64,
	payinRef string,
) (*domain.ExchangeTransaction, *domain.FiatWalletTransaction, error) {
	exch, err := u.txRepo.GetByReference(ctx, job.Reference)
	if err == nil {
		walletTx, werr := u.txRepo.GetWalletByExchangeID(ctx, exch.ID)
		if werr != nil {
			return nil, nil, werr
		}
		return exch, walletTx, nil
	}
	if !errors.Is(err, xerrors.ErrNotFound) {
		return nil, nil, err
	}

	exch = &domain.ExchangeTransaction{
		Reference: job.Reference,
		UserID:    job.UserID,
		Asset:     ectx.SourceCurrency,
		Amount:    ectx.Amount,
		Type:      domain.TransactionTypeExchange,
		Status:    domain.StatusPending,
		Metadata: domain.ExchangeMetadata{
			SourceCurrency:     ectx.SourceCurrency,
			TargetCurrency:     ectx.TargetCurrency,
			RateID:             ectx.RateID,
			ProviderFee:        providerFee,
			WithdrawalFee:      withdrawalFee,
			ExpiresAt:          ectx.ExpiresAt,
			DestinationAddress: ectx.DestinationAddress,
			PayInRef:           payinRef,
		},
	}
	walletTx := &domain.FiatWalletTransaction{
		AccountNumber: ectx.WalletAccount,
		Amount:        totalDebit,
		Direction:     domain.DirectionDebit,
		FeeTotal:      totalFees,
		Status:        domain.StatusPending,
	}

	exch, walletTx, err = u.txRepo.Create(ctx, exch, walletTx)
	if err != nil {
		if xerrors.IsUniqueViolation(err) {
			existing, gerr := u.txRepo.GetByReference(ctx, job.Reference)
			if gerr != nil {
				return nil, nil, gerr
			}
			existingWallet, gerr := u.txRepo.GetWalletByExchangeID(ctx, existing.ID)
			if gerr != nil {
				return nil, nil, gerr
			}
			return existing, existingWallet, nil
		}
		return nil, nil, err
	}
	return exch, walletTx, nil
}

func (u *SettlementUsecase) transferToProvider(
	ctx context.Context,
	log *zap.Logger,
	reference string,
	bankInfo provider.BankInfo,
	amount int64,
) (string, error) {
	accountNumber := bankInfo.AccountNumber
	accountName := bankInfo.AccountName
	bankName := bankInfo.BankName

	// Real rails are unavailable outside production; route to the sandbox
	// settlement account instead.
	if !u.cfg.IsProduction() {
		accountNumber = u.cfg.SandboxBankAccount
		accountName = u.cfg.SandboxBankName
		bankName = u.cfg.SandboxBankName
	}

	banks, err := u.banking.GetBankList(ctx)
	if err != nil {
		return "", err
	}
	bankCode := matchBankCode(banks, bankName)
	if bankCode == "" {
		return "", xerrors.NewProvider(u.banking.Name(), "no bank matches "+bankName, nil)
	}

	result, err := u.banking.TransferToOtherBank(ctx, provider.TransferPayload{
		AccountNumber: accountNumber,
		AccountName:   accountName,
		BankCode:      bankCode,
		Amount:        MajorUnits(amount),
		Narration:     "exchange settlement " + reference,
		Reference:     reference,
	})
	if err != nil {
		return "", err
	}

	log.Info("settlement transfer submitted",
		zap.String("bank", bankName),
		zap.String("provider_ref", result.TransactionReference),
	)
	return result.TransactionReference, nil
}

// matchBankCode does a fuzzy name match against the provider's bank list:
// provider dashboards and bank registries rarely agree on exact spelling.
func matchBankCode(banks []provider.Bank, name string) string {
	target := normalizeBankName(name)
	if target == "" {
		return ""
	}
	for _, b := range banks {
		candidate := normalizeBankName(b.BankName)
		if candidate == target ||
			strings.Contains(candidate, target) ||
			strings.Contains(target, candidate) {
			return b.NibssBankCode
		}
	}
	return ""
}

func normalizeBankName(name string) string {
	name = strings.ToLower(name)
	for _, cut := range []string{"plc", "ltd", "limited", "bank", ".", ",", " "} {
		name = strings.ReplaceAll(name, cut, "")
	}
	return name
}

func (u *SettlementUsecase) abandonWithoutContext(ctx context.Context, reference string) error {
	exch, err := u.txRepo.GetByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			// Nothing durable happened; the quote simply expired.
			return xerrors.NewValidation("%v", xerrors.ErrQuoteExpired)
		}
		return err
	}
	if exch.Status.IsTerminal() {
		return nil
	}
	// Validation so the queue treats the expiry as permanent.
	return u.compensateAndRethrow(ctx, exch.ID, xerrors.NewValidation("%v", xerrors.ErrQuoteExpired))
}

// compensateAndRethrow runs inside process, so it uses the unlocked
// compensation path; the caller already holds the settlement lock.
func (u *SettlementUsecase) compensateAndRethrow(ctx context.Context, transactionID int64, cause error) error {
	if err := u.compensate(ctx, transactionID, cause); err != nil {
		u.logger.Error("compensation failed",
			zap.Int64("transaction_id", transactionID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
	return cause
}

// Compensate is the only path that returns held funds. Idempotent: a parent
// already terminal is left alone, and a refund that already exists is not
// duplicated. Takes the same per-reference lock as Process so a compensation
// never races a concurrent settlement attempt.
func (u *SettlementUsecase) Compensate(ctx context.Context, transactionID int64, cause error) error {
	exch, err := u.txRepo.GetByID(ctx, transactionID)
	if err != nil {
		return err
	}
	return u.locks.WithLock(ctx, "settle:"+exch.Reference, settlementLockTTL, lock.DefaultRetries, lock.DefaultRetryDelay,
		func(ctx context.Context) error {
			return u.compensate(ctx, transactionID, cause)
		})
}

func (u *SettlementUsecase) compensate(ctx context.Context, transactionID int64, cause error) error {
	// Reload inside the lock; a concurrent attempt may have finished it.
	exch, err := u.txRepo.GetByID(ctx, transactionID)
	if err != nil {
		return err
	}
	if exch.Status.IsTerminal() {
		return nil
	}

	if err := u.txRepo.FailWithWallet(ctx, exch.ID, cause.Error()); err != nil {
		return err
	}

	held, err := u.escrow.GetEscrowAmount(ctx, exch.ID)
	if err != nil {
		return err
	}
	if held > 0 {
		if err := u.refundHeldFunds(ctx, exch, held); err != nil {
			return err
		}
	}

	if err := u.escrow.RemoveContext(ctx, exch.Reference); err != nil {
		u.logger.Warn("context cleanup failed", zap.String("reference", exch.Reference), zap.Error(err))
	}

	if u.events != nil {
		if err := u.events.PublishFailed(ctx, exch.UserID, exch.Reference, exch.Metadata.SourceCurrency, exch.Amount, cause.Error()); err != nil {
			u.logger.Warn("event publish failed", zap.Error(err))
		}
	}

	u.logger.Info("exchange compensated",
		zap.String("reference", exch.Reference),
		zap.Int64("refunded", held),
		zap.String("cause", cause.Error()),
	)
	return nil
}

// CompensateByReference handles failures before any durable transaction
// exists (Initialize/Execute). With no row to fail, cleanup is just the
// staged context.
func (u *SettlementUsecase) CompensateByReference(ctx context.Context, reference string, cause error) error {
	exch, err := u.txRepo.GetByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return u.escrow.RemoveContext(ctx, reference)
		}
		return err
	}
	return u.Compensate(ctx, exch.ID, cause)
}

func (u *SettlementUsecase) refundHeldFunds(ctx context.Context, exch *domain.ExchangeTransaction, held int64) error {
	refundRef := exch.Reference + "-REFUND"

	walletTx, err := u.txRepo.GetWalletByExchangeID(ctx, exch.ID)
	if err != nil {
		return err
	}

	refund := &domain.ExchangeTransaction{
		Reference: refundRef,
		UserID:    exch.UserID,
		Asset:     exch.Asset,
		Amount:    held,
		Type:      domain.TransactionTypeRefund,
		Status:    domain.StatusPending,
		Metadata: domain.ExchangeMetadata{
			SourceCurrency: exch.Metadata.SourceCurrency,
			TargetCurrency: exch.Metadata.TargetCurrency,
			RateID:         exch.Metadata.RateID,
			RefundOf:       exch.Reference,
		},
	}
	refundWallet := &domain.FiatWalletTransaction{
		AccountNumber: walletTx.AccountNumber,
		Amount:        held,
		Direction:     domain.DirectionCredit,
		Status:        domain.StatusPending,
	}

	refund, _, err = u.txRepo.Create(ctx, refund, refundWallet)
	if err != nil {
		if xerrors.IsUniqueViolation(err) {
			// A previous compensation attempt already issued the refund.
			return u.escrow.ReleaseEscrow(ctx, exch.ID)
		}
		return err
	}

	account, err := u.balances.DepositMoney(ctx, walletTx.AccountNumber, held, "refund "+exch.Reference)
	if err != nil {
		return err
	}
	if err := u.txRepo.MarkCompleted(ctx, refund.ID, account.AvailableBalance-held, account.AvailableBalance); err != nil {
		return err
	}

	// Settle the provider-side ledger entry when the provider supports it.
	if poster, ok := u.exchange.(provider.SettlementLedgerPoster); ok {
		if err := poster.SettleLedgerEntry(ctx, exch.Reference); err != nil {
			u.logger.Warn("provider ledger settlement failed",
				zap.String("reference", exch.Reference),
				zap.Error(err),
			)
		}
	}

	if err := u.escrow.ReleaseEscrow(ctx, exch.ID); err != nil {
		return err
	}

	if u.events != nil {
		if err := u.events.PublishRefunded(ctx, exch.UserID, exch.Reference, exch.Metadata.SourceCurrency, held); err != nil {
			u.logger.Warn("event publish failed", zap.Error(err))
		}
	}
	return nil
}

// RequeueStale fails exchanges stuck in a non-terminal status past the
// context TTL. The escrow context cannot be queried for these, so the sweep
// runs off the durable table.
func (u *SettlementUsecase) RequeueStale(ctx context.Context) error {
	stale, err := u.txRepo.ListStalePending(ctx, StaleAfter, staleSweepBatch)
	if err != nil {
		return err
	}

	for _, exch := range stale {
		if err := u.Compensate(ctx, exch.ID, xerrors.ErrQuoteExpired); err != nil {
			u.logger.Error("stale sweep compensation failed",
				zap.String("reference", exch.Reference),
				zap.Error(err),
			)
		}
	}

	if len(stale) > 0 {
		u.logger.Info("stale exchanges swept", zap.Int("count", len(stale)))
	}
	return nil
}

// StartStaleSweeper runs RequeueStale on the interval until ctx ends.
func (u *SettlementUsecase) StartStaleSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.RequeueStale(ctx); err != nil {
				u.logger.Error("stale sweep failed", zap.Error(err))
			}
		}
	}
}
