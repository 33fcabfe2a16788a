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

type RateQuoteRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.RateQuote, error)

	// FindExact returns the existing quote row matching every value exactly.
	// Quote rows are append-only; any drift creates a new row instead.
	FindExact(ctx context.Context, pair, providerName string, providerRate, rate int64, providerRateRef string) (*domain.RateQuote, error)
	Create(ctx context.Context, q *domain.RateQuote) (*domain.RateQuote, error)

	GetActiveFeeConfig(ctx context.Context) (*domain.FeeConfig, error)
}

type rateQuoteRepo struct {
	db *pgxpool.Pool
}

func NewRateQuoteRepo(db *pgxpool.Pool) RateQuoteRepository {
	return &rateQuoteRepo{db: db}
}

func (r *rateQuoteRepo) GetByID(ctx context.Context, id int64) (*domain.RateQuote, error) {
	var q domain.RateQuote
	err := r.db.QueryRow(ctx, `
		SELECT id, pair, provider, provider_rate, rate, provider_rate_ref, created_at
		FROM rate_quotes
		WHERE id = $1
	`, id).Scan(&q.ID, &q.Pair, &q.Provider, &q.ProviderRate, &q.Rate, &q.ProviderRateRef, &q.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("get rate quote: %w", err)
	}
	return &q, nil
}

func (r *rateQuoteRepo) FindExact(ctx context.Context, pair, providerName string, providerRate, rate int64, providerRateRef string) (*domain.RateQuote, error) {
	var q domain.RateQuote
	err := r.db.QueryRow(ctx, `
		SELECT id, pair, provider, provider_rate, rate, provider_rate_ref, created_at
		FROM rate_quotes
		WHERE pair = $1 AND provider = $2 AND provider_rate = $3 AND rate = $4 AND provider_rate_ref = $5
		ORDER BY created_at DESC
		LIMIT 1
	`, pair, providerName, providerRate, rate, providerRateRef).
		Scan(&q.ID, &q.Pair, &q.Provider, &q.ProviderRate, &q.Rate, &q.ProviderRateRef, &q.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("find rate quote: %w", err)
	}
	return &q, nil
}

func (r *rateQuoteRepo) Create(ctx context.Context, q *domain.RateQuote) (*domain.RateQuote, error) {
	err := r.db.QueryRow(ctx, `
		INSERT INTO rate_quotes (pair, provider, provider_rate, rate, provider_rate_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, created_at
	`, q.Pair, q.Provider, q.ProviderRate, q.Rate, q.ProviderRateRef, time.Now()).
		Scan(&q.ID, &q.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert rate quote: %w", err)
	}
	return q, nil
}

func (r *rateQuoteRepo) GetActiveFeeConfig(ctx context.Context) (*domain.FeeConfig, error) {
	var f domain.FeeConfig
	err := r.db.QueryRow(ctx, `
		SELECT id, is_percentage, percent_bps, fixed_amount, cap, markup_bps, is_active
		FROM fee_configs
		WHERE is_active = true
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&f.ID, &f.IsPercentage, &f.PercentBps, &f.FixedAmount, &f.Cap, &f.MarkupBps, &f.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("get active fee config: %w", err)
	}
	return &f, nil
}
