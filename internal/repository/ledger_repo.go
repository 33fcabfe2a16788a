package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"exchange-service/internal/domain"
	"exchange-service/pkg/xerrors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type LedgerRepository interface {
	GetAccountByNumber(ctx context.Context, accountNumber string) (*domain.LedgerAccount, error)

	CreateLedgerTransaction(ctx context.Context, lt *domain.LedgerTransaction) (*domain.LedgerTransaction, error)
	GetLedgerTransaction(ctx context.Context, id int64) (*domain.LedgerTransaction, error)
	MarkLedgerTransactionFailed(ctx context.Context, id int64) error

	// ApplyBalanceUpdate mutates the account balance and flips its paired
	// LedgerTransaction to SUCCESSFUL in one storage transaction. The pairing
	// is verified inside the transaction: no balance change happens without a
	// PENDING ledger transaction for that account.
	ApplyBalanceUpdate(ctx context.Context, accountNumber string, delta int64, ledgerTxID int64) (*domain.LedgerAccount, error)
}

type ledgerRepo struct {
	db *pgxpool.Pool
}

func NewLedgerRepo(db *pgxpool.Pool) LedgerRepository {
	return &ledgerRepo{db: db}
}

func (r *ledgerRepo) GetAccountByNumber(ctx context.Context, accountNumber string) (*domain.LedgerAccount, error) {
	var a domain.LedgerAccount
	err := r.db.QueryRow(ctx, `
		SELECT id, account_number, owner_id, currency, available_balance, is_active, created_at, updated_at
		FROM ledger_accounts
		WHERE account_number = $1 AND is_active = true
	`, accountNumber).Scan(
		&a.ID, &a.AccountNumber, &a.OwnerID, &a.Currency, &a.AvailableBalance,
		&a.IsActive, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("get ledger account: %w", err)
	}
	return &a, nil
}

func (r *ledgerRepo) CreateLedgerTransaction(ctx context.Context, lt *domain.LedgerTransaction) (*domain.LedgerTransaction, error) {
	now := time.Now()
	err := r.db.QueryRow(ctx, `
		INSERT INTO ledger_transactions (account_number, amount, status, narration, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$5)
		RETURNING id, created_at, updated_at
	`, lt.AccountNumber, lt.Amount, domain.LedgerTxPending, lt.Narration, now).
		Scan(&lt.ID, &lt.CreatedAt, &lt.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert ledger transaction: %w", err)
	}
	lt.Status = domain.LedgerTxPending
	return lt, nil
}

func (r *ledgerRepo) GetLedgerTransaction(ctx context.Context, id int64) (*domain.LedgerTransaction, error) {
	var lt domain.LedgerTransaction
	err := r.db.QueryRow(ctx, `
		SELECT id, account_number, amount, balance_before, balance_after, status, narration, created_at, updated_at
		FROM ledger_transactions
		WHERE id = $1
	`, id).Scan(
		&lt.ID, &lt.AccountNumber, &lt.Amount, &lt.BalanceBefore, &lt.BalanceAfter,
		&lt.Status, &lt.Narration, &lt.CreatedAt, &lt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("get ledger transaction: %w", err)
	}
	return &lt, nil
}

func (r *ledgerRepo) MarkLedgerTransactionFailed(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE ledger_transactions
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`, id, domain.LedgerTxFailed, time.Now(), domain.LedgerTxPending)
	if err != nil {
		return fmt.Errorf("fail ledger transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrLedgerTxNotPending
	}
	return nil
}

func (r *ledgerRepo) ApplyBalanceUpdate(ctx context.Context, accountNumber string, delta int64, ledgerTxID int64) (*domain.LedgerAccount, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var a domain.LedgerAccount
	err = tx.QueryRow(ctx, `
		SELECT id, account_number, owner_id, currency, available_balance, is_active, created_at, updated_at
		FROM ledger_accounts
		WHERE account_number = $1 AND is_active = true
		FOR UPDATE
	`, accountNumber).Scan(
		&a.ID, &a.AccountNumber, &a.OwnerID, &a.Currency, &a.AvailableBalance,
		&a.IsActive, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("lock ledger account: %w", err)
	}

	var ltStatus domain.LedgerTxStatus
	err = tx.QueryRow(ctx, `
		SELECT status FROM ledger_transactions
		WHERE id = $1 AND account_number = $2
		FOR UPDATE
	`, ledgerTxID, accountNumber).Scan(&ltStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrLedgerTxNotFound
		}
		return nil, fmt.Errorf("lock ledger transaction: %w", err)
	}
	if ltStatus != domain.LedgerTxPending {
		return nil, xerrors.ErrLedgerTxNotPending
	}

	before := a.AvailableBalance
	after := before + delta
	if after < 0 {
		return nil, xerrors.ErrNegativeBalance
	}

	now := time.Now()
	_, err = tx.Exec(ctx, `
		UPDATE ledger_accounts
		SET available_balance = $2, updated_at = $3
		WHERE id = $1
	`, a.ID, after, now)
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE ledger_transactions
		SET status = $2, balance_before = $3, balance_after = $4, updated_at = $5
		WHERE id = $1
	`, ledgerTxID, domain.LedgerTxSuccessful, before, after, now)
	if err != nil {
		return nil, fmt.Errorf("settle ledger transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	a.AvailableBalance = after
	a.UpdatedAt = now
	return &a, nil
}
