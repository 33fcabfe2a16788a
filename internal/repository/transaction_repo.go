package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"exchange-service/internal/domain"
	"exchange-service/pkg/xerrors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ExchangeTransactionRepository interface {
	// Create inserts the parent and its wallet mirror atomically. A unique
	// violation on reference means another worker won the race; callers
	// re-fetch by reference in that case.
	Create(ctx context.Context, exch *domain.ExchangeTransaction, wallet *domain.FiatWalletTransaction) (*domain.ExchangeTransaction, *domain.FiatWalletTransaction, error)

	GetByReference(ctx context.Context, reference string) (*domain.ExchangeTransaction, error)
	GetByID(ctx context.Context, id int64) (*domain.ExchangeTransaction, error)
	GetWalletByExchangeID(ctx context.Context, exchangeID int64) (*domain.FiatWalletTransaction, error)

	// MarkCompleted flips parent + wallet mirror to COMPLETED with the
	// balance snapshot, in one storage transaction.
	MarkCompleted(ctx context.Context, id int64, balanceBefore, balanceAfter int64) error

	// FailWithWallet flips parent + wallet mirror to FAILED with a reason,
	// in one storage transaction. Rows already terminal are left untouched.
	FailWithWallet(ctx context.Context, id int64, reason string) error

	SetWalletProviderRef(ctx context.Context, exchangeID int64, providerRef string) error

	// ListStalePending returns non-terminal exchanges older than the cutoff,
	// for the stuck-transaction sweep.
	ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.ExchangeTransaction, error)
}

type exchangeTransactionRepo struct {
	db *pgxpool.Pool
}

func NewExchangeTransactionRepo(db *pgxpool.Pool) ExchangeTransactionRepository {
	return &exchangeTransactionRepo{db: db}
}

const exchangeColumns = `
	id, reference, user_id, asset, amount, type, status,
	balance_before, balance_after, failure_reason, metadata,
	created_at, updated_at
`

func scanExchange(row pgx.Row) (*domain.ExchangeTransaction, error) {
	var t domain.ExchangeTransaction
	var meta []byte
	err := row.Scan(
		&t.ID, &t.Reference, &t.UserID, &t.Asset, &t.Amount, &t.Type, &t.Status,
		&t.BalanceBefore, &t.BalanceAfter, &t.FailureReason, &meta,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan exchange transaction: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal exchange metadata: %w", err)
		}
	}
	return &t, nil
}

func (r *exchangeTransactionRepo) Create(
	ctx context.Context,
	exch *domain.ExchangeTransaction,
	wallet *domain.FiatWalletTransaction,
) (*domain.ExchangeTransaction, *domain.FiatWalletTransaction, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	meta, err := json.Marshal(exch.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal exchange metadata: %w", err)
	}

	now := time.Now()
	err = tx.QueryRow(ctx, `
		INSERT INTO exchange_transactions
			(reference, user_id, asset, amount, type, status, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		RETURNING id, created_at, updated_at
	`, exch.Reference, exch.UserID, exch.Asset, exch.Amount, exch.Type, exch.Status, meta, now).
		Scan(&exch.ID, &exch.CreatedAt, &exch.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert exchange transaction: %w", err)
	}

	wallet.ExchangeTransactionID = exch.ID
	err = tx.QueryRow(ctx, `
		INSERT INTO fiat_wallet_transactions
			(exchange_transaction_id, account_number, amount, direction, provider_ref, fee_total, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		RETURNING id, created_at, updated_at
	`, wallet.ExchangeTransactionID, wallet.AccountNumber, wallet.Amount, wallet.Direction,
		wallet.ProviderRef, wallet.FeeTotal, wallet.Status, now).
		Scan(&wallet.ID, &wallet.CreatedAt, &wallet.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert fiat wallet transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return exch, wallet, nil
}

func (r *exchangeTransactionRepo) GetByReference(ctx context.Context, reference string) (*domain.ExchangeTransaction, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+exchangeColumns+`
		FROM exchange_transactions
		WHERE reference = $1
	`, reference)
	return scanExchange(row)
}

func (r *exchangeTransactionRepo) GetByID(ctx context.Context, id int64) (*domain.ExchangeTransaction, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+exchangeColumns+`
		FROM exchange_transactions
		WHERE id = $1
	`, id)
	return scanExchange(row)
}

func (r *exchangeTransactionRepo) GetWalletByExchangeID(ctx context.Context, exchangeID int64) (*domain.FiatWalletTransaction, error) {
	var w domain.FiatWalletTransaction
	err := r.db.QueryRow(ctx, `
		SELECT id, exchange_transaction_id, account_number, amount, direction,
		       provider_ref, fee_total, status, created_at, updated_at
		FROM fiat_wallet_transactions
		WHERE exchange_transaction_id = $1
	`, exchangeID).Scan(
		&w.ID, &w.ExchangeTransactionID, &w.AccountNumber, &w.Amount, &w.Direction,
		&w.ProviderRef, &w.FeeTotal, &w.Status, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("get fiat wallet transaction: %w", err)
	}
	return &w, nil
}

func (r *exchangeTransactionRepo) MarkCompleted(ctx context.Context, id int64, balanceBefore, balanceAfter int64) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	tag, err := tx.Exec(ctx, `
		UPDATE exchange_transactions
		SET status = $2, balance_before = $3, balance_after = $4, updated_at = $5
		WHERE id = $1 AND status NOT IN ('COMPLETED','FAILED','CANCELLED')
	`, id, domain.StatusCompleted, balanceBefore, balanceAfter, now)
	if err != nil {
		return fmt.Errorf("complete exchange transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		UPDATE fiat_wallet_transactions
		SET status = $2, updated_at = $3
		WHERE exchange_transaction_id = $1
	`, id, domain.StatusCompleted, now)
	if err != nil {
		return fmt.Errorf("complete fiat wallet transaction: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *exchangeTransactionRepo) FailWithWallet(ctx context.Context, id int64, reason string) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	reason = domain.TruncateReason(reason)

	_, err = tx.Exec(ctx, `
		UPDATE exchange_transactions
		SET status = $2, failure_reason = $3, updated_at = $4
		WHERE id = $1 AND status NOT IN ('COMPLETED','FAILED','CANCELLED')
	`, id, domain.StatusFailed, reason, now)
	if err != nil {
		return fmt.Errorf("fail exchange transaction: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE fiat_wallet_transactions
		SET status = $2, updated_at = $3
		WHERE exchange_transaction_id = $1 AND status NOT IN ('COMPLETED','FAILED','CANCELLED')
	`, id, domain.StatusFailed, now)
	if err != nil {
		return fmt.Errorf("fail fiat wallet transaction: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *exchangeTransactionRepo) SetWalletProviderRef(ctx context.Context, exchangeID int64, providerRef string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE fiat_wallet_transactions
		SET provider_ref = $2, updated_at = $3
		WHERE exchange_transaction_id = $1
	`, exchangeID, providerRef, time.Now())
	if err != nil {
		return fmt.Errorf("set wallet provider ref: %w", err)
	}
	return nil
}

func (r *exchangeTransactionRepo) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.ExchangeTransaction, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := r.db.Query(ctx, `
		SELECT `+exchangeColumns+`
		FROM exchange_transactions
		WHERE status IN ('INITIATED','PENDING') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale exchanges: %w", err)
	}
	defer rows.Close()

	var out []*domain.ExchangeTransaction
	for rows.Next() {
		t, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
