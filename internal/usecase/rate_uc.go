package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"exchange-service/internal/domain"
	"exchange-service/internal/provider"
	"exchange-service/internal/repository"
	"exchange-service/pkg/xerrors"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	liveRateCacheKey = "rates:live:"
	liveRateCacheTTL = 15 * time.Second

	// USDPair quotes the local currency against USD; the stored rate is
	// local smallest units per whole USD.
	usdSuffix = "/USD"
)

// RateCache is the slice of go-redis the rate usecase needs.
type RateCache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RateUsecase fetches provider rates, persists append-only quote rows and
// merges in the currently active fee configuration. Fee config is read at
// call time, not frozen into the quote row: a config change between quote
// and settlement changes the charged fee.
type RateUsecase struct {
	rateRepo repository.RateQuoteRepository
	exchange provider.ExchangeProvider
	cache    RateCache // optional
	logger   *zap.Logger
}

func NewRateUsecase(
	rateRepo repository.RateQuoteRepository,
	exchange provider.ExchangeProvider,
	cache RateCache,
	logger *zap.Logger,
) *RateUsecase {
	return &RateUsecase{
		rateRepo: rateRepo,
		exchange: exchange,
		cache:    cache,
		logger:   logger,
	}
}

// MinorUnits converts a provider decimal amount to the int64 smallest unit,
// rounding half-up. This is the single rounding rule for all money entering
// the system from providers.
func MinorUnits(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// MajorUnits converts a smallest-unit amount back to the provider's decimal
// representation.
func MajorUnits(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Shift(-2)
}

// GetRate fetches the live provider quote for currency, reuses or creates the
// matching quote row and returns it together with the active fee config.
// BUY charges the provider's sell side, SELL the buy side: the converting
// party always pays the more expensive side.
func (u *RateUsecase) GetRate(ctx context.Context, currency string, amount int64, rateType domain.RateType) (*domain.RateQuote, *domain.FeeConfig, error) {
	if rateType != domain.RateTypeBuy && rateType != domain.RateTypeSell {
		return nil, nil, xerrors.NewValidation("unknown rate type %q", rateType)
	}

	live, rateRef, err := u.liveRate(ctx, currency, rateType, true)
	if err != nil {
		return nil, nil, err
	}

	feeCfg, err := u.ActiveFeeConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	providerRate := MinorUnits(live)
	rate := feeCfg.ApplyMarkup(providerRate)
	pair := currency + usdSuffix

	quote, err := u.rateRepo.FindExact(ctx, pair, u.exchange.Name(), providerRate, rate, rateRef)
	if err != nil {
		if !errors.Is(err, xerrors.ErrNotFound) {
			return nil, nil, err
		}
		quote, err = u.rateRepo.Create(ctx, &domain.RateQuote{
			Pair:            pair,
			Provider:        u.exchange.Name(),
			ProviderRate:    providerRate,
			Rate:            rate,
			ProviderRateRef: rateRef,
		})
		if err != nil {
			return nil, nil, err
		}
		u.logger.Info("rate quote created",
			zap.String("pair", pair),
			zap.Int64("provider_rate", providerRate),
			zap.Int64("rate", rate),
		)
	}

	return quote, feeCfg, nil
}

// ValidateRate refetches the live provider rate and requires exact equality
// with the stored smallest-unit value. Any drift, even one unit, rejects the
// stale quote.
func (u *RateUsecase) ValidateRate(ctx context.Context, rateID int64, amount int64, rateType domain.RateType) error {
	quote, err := u.rateRepo.GetByID(ctx, rateID)
	if err != nil {
		return fmt.Errorf("load rate quote %d: %w", rateID, err)
	}

	currency := quote.Pair
	if idx := len(currency) - len(usdSuffix); idx > 0 && currency[idx:] == usdSuffix {
		currency = currency[:idx]
	}

	live, _, err := u.liveRate(ctx, currency, rateType, false)
	if err != nil {
		return err
	}

	if MinorUnits(live) != quote.ProviderRate {
		u.logger.Warn("rate drifted since quote",
			zap.Int64("rate_id", rateID),
			zap.Int64("quoted", quote.ProviderRate),
			zap.Int64("live", MinorUnits(live)),
		)
		return xerrors.NewValidation("%v: quoted %d, live %d", xerrors.ErrRateChanged, quote.ProviderRate, MinorUnits(live))
	}
	return nil
}

// ActiveFeeConfig returns the currently active fee configuration, or a
// zero-fee config when none is set up.
func (u *RateUsecase) ActiveFeeConfig(ctx context.Context) (*domain.FeeConfig, error) {
	cfg, err := u.rateRepo.GetActiveFeeConfig(ctx)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return &domain.FeeConfig{}, nil
		}
		return nil, err
	}
	return cfg, nil
}

// liveRate returns the provider's rate for the charged side of the
// conversion. useCache=false forces a live fetch, which freshness validation
// depends on.
func (u *RateUsecase) liveRate(ctx context.Context, currency string, rateType domain.RateType, useCache bool) (decimal.Decimal, string, error) {
	var rates []provider.Rate

	cacheKey := liveRateCacheKey + currency
	if useCache && u.cache != nil {
		if raw, err := u.cache.Get(ctx, cacheKey).Bytes(); err == nil {
			_ = json.Unmarshal(raw, &rates)
		}
	}

	if len(rates) == 0 {
		fetched, err := u.exchange.GetExchangeRates(ctx, currency)
		if err != nil {
			return decimal.Zero, "", fmt.Errorf("fetch live rates: %w", err)
		}
		rates = fetched

		if u.cache != nil {
			if raw, err := json.Marshal(rates); err == nil {
				_ = u.cache.Set(ctx, cacheKey, raw, liveRateCacheTTL).Err()
			}
		}
	}

	for _, r := range rates {
		if r.Code != currency {
			continue
		}
		if rateType == domain.RateTypeBuy {
			return r.Sell, r.RateRef, nil
		}
		return r.Buy, r.RateRef, nil
	}

	return decimal.Zero, "", fmt.Errorf("no live rate for %s: %w", currency, xerrors.ErrNotFound)
}
