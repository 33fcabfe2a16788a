package usecase

import (
	"context"
	"fmt"

	"exchange-service/internal/domain"
	"exchange-service/internal/lock"
	"exchange-service/internal/repository"

	"go.uber.org/zap"
)

// BalanceUsecase is the only writer of ledger account balances. Every
// mutation runs under the account lock and is paired, in one storage
// transaction, with the status flip of the LedgerTransaction that
// authorizes it.
type BalanceUsecase struct {
	ledgerRepo repository.LedgerRepository
	locks      LockManager
	logger     *zap.Logger
}

func NewBalanceUsecase(ledgerRepo repository.LedgerRepository, locks LockManager, logger *zap.Logger) *BalanceUsecase {
	return &BalanceUsecase{ledgerRepo: ledgerRepo, locks: locks, logger: logger}
}

// UpdateBalance applies delta to the account under the account lock. The
// referenced LedgerTransaction must exist for that account and still be
// PENDING, otherwise nothing changes.
func (u *BalanceUsecase) UpdateBalance(ctx context.Context, accountNumber string, delta int64, ledgerTxID int64) (*domain.LedgerAccount, error) {
	var account *domain.LedgerAccount

	err := u.locks.WithLock(ctx, "account:"+accountNumber, lock.DefaultTTL, lock.DefaultRetries, lock.DefaultRetryDelay,
		func(ctx context.Context) error {
			var err error
			account, err = u.ledgerRepo.ApplyBalanceUpdate(ctx, accountNumber, delta, ledgerTxID)
			return err
		})
	if err != nil {
		return nil, err
	}

	u.logger.Info("balance updated",
		zap.String("account", accountNumber),
		zap.Int64("delta", delta),
		zap.Int64("balance", account.AvailableBalance),
		zap.Int64("ledger_tx", ledgerTxID),
	)
	return account, nil
}

// DepositMoney credits amount to the account. A PENDING LedgerTransaction is
// created first; if the balance update fails afterwards the record is marked
// FAILED and the error rethrown, so PENDING is never a terminal state.
func (u *BalanceUsecase) DepositMoney(ctx context.Context, accountNumber string, amount int64, narration string) (*domain.LedgerAccount, error) {
	return u.moveMoney(ctx, accountNumber, amount, narration)
}

// WithdrawMoney debits amount from the account with the same pairing
// guarantees as DepositMoney. Fails when the balance would go below zero.
func (u *BalanceUsecase) WithdrawMoney(ctx context.Context, accountNumber string, amount int64, narration string) (*domain.LedgerAccount, error) {
	return u.moveMoney(ctx, accountNumber, -amount, narration)
}

func (u *BalanceUsecase) moveMoney(ctx context.Context, accountNumber string, delta int64, narration string) (*domain.LedgerAccount, error) {
	if delta == 0 {
		return nil, fmt.Errorf("zero amount movement on %s", accountNumber)
	}

	lt, err := u.ledgerRepo.CreateLedgerTransaction(ctx, &domain.LedgerTransaction{
		AccountNumber: accountNumber,
		Amount:        delta,
		Narration:     &narration,
	})
	if err != nil {
		return nil, fmt.Errorf("create ledger transaction: %w", err)
	}

	account, err := u.UpdateBalance(ctx, accountNumber, delta, lt.ID)
	if err != nil {
		if failErr := u.ledgerRepo.MarkLedgerTransactionFailed(ctx, lt.ID); failErr != nil {
			u.logger.Error("could not fail ledger transaction",
				zap.Int64("ledger_tx", lt.ID),
				zap.Error(failErr),
			)
		}
		return nil, err
	}
	return account, nil
}
