package usecase

import (
	"context"
	"sync"
	"testing"

	"exchange-service/internal/domain"
	"exchange-service/internal/provider"
	"exchange-service/pkg/xerrors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRateRepo struct {
	mu     sync.Mutex
	nextID int64
	quotes []*domain.RateQuote
	feeCfg *domain.FeeConfig
}

func (f *fakeRateRepo) GetByID(ctx context.Context, id int64) (*domain.RateQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.quotes {
		if q.ID == id {
			return q, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (f *fakeRateRepo) FindExact(ctx context.Context, pair, providerName string, providerRate, rate int64, providerRateRef string) (*domain.RateQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.quotes {
		if q.Pair == pair && q.Provider == providerName &&
			q.ProviderRate == providerRate && q.Rate == rate && q.ProviderRateRef == providerRateRef {
			return q, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (f *fakeRateRepo) Create(ctx context.Context, q *domain.RateQuote) (*domain.RateQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	q.ID = f.nextID
	f.quotes = append(f.quotes, q)
	return q, nil
}

func (f *fakeRateRepo) GetActiveFeeConfig(ctx context.Context) (*domain.FeeConfig, error) {
	if f.feeCfg == nil {
		return nil, xerrors.ErrNotFound
	}
	return f.feeCfg, nil
}

func ngnRates() []provider.Rate {
	return []provider.Rate{
		{Code: "NGN", Buy: decimal.NewFromInt(1500), Sell: decimal.NewFromInt(1520), RateRef: "r1"},
	}
}

func TestMinorUnitsRoundsHalfUp(t *testing.T) {
	assert.Equal(t, int64(152000), MinorUnits(decimal.NewFromInt(1520)))
	assert.Equal(t, int64(152055), MinorUnits(decimal.RequireFromString("1520.545")))
	assert.Equal(t, int64(152054), MinorUnits(decimal.RequireFromString("1520.544")))
}

func TestGetRateBuyUsesSellSide(t *testing.T) {
	exchange := newFakeExchangeProvider()
	exchange.rates = ngnRates()
	repo := &fakeRateRepo{feeCfg: &domain.FeeConfig{MarkupBps: 100, IsActive: true}}

	uc := NewRateUsecase(repo, exchange, nil, zaptest.NewLogger(t))

	quote, feeCfg, err := uc.GetRate(context.Background(), "NGN", 100_000, domain.RateTypeBuy)
	require.NoError(t, err)
	assert.Equal(t, "NGN/USD", quote.Pair)
	assert.Equal(t, int64(152000), quote.ProviderRate) // sell side, not buy
	assert.Equal(t, int64(153520), quote.Rate)         // +1% markup
	assert.Equal(t, int64(100), feeCfg.MarkupBps)
}

func TestGetRateReusesExactMatch(t *testing.T) {
	exchange := newFakeExchangeProvider()
	exchange.rates = ngnRates()
	repo := &fakeRateRepo{feeCfg: &domain.FeeConfig{IsActive: true}}

	uc := NewRateUsecase(repo, exchange, nil, zaptest.NewLogger(t))

	first, _, err := uc.GetRate(context.Background(), "NGN", 100_000, domain.RateTypeBuy)
	require.NoError(t, err)
	second, _, err := uc.GetRate(context.Background(), "NGN", 500_000, domain.RateTypeBuy)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, repo.quotes, 1)
}

func TestGetRateCreatesNewRowOnDrift(t *testing.T) {
	exchange := newFakeExchangeProvider()
	exchange.rates = ngnRates()
	repo := &fakeRateRepo{feeCfg: &domain.FeeConfig{IsActive: true}}

	uc := NewRateUsecase(repo, exchange, nil, zaptest.NewLogger(t))

	first, _, err := uc.GetRate(context.Background(), "NGN", 100_000, domain.RateTypeBuy)
	require.NoError(t, err)

	exchange.rates[0].Sell = decimal.RequireFromString("1520.01")
	second, _, err := uc.GetRate(context.Background(), "NGN", 100_000, domain.RateTypeBuy)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, repo.quotes, 2)
}

func TestValidateRateAcceptsExactMatch(t *testing.T) {
	exchange := newFakeExchangeProvider()
	exchange.rates = ngnRates()
	repo := &fakeRateRepo{feeCfg: &domain.FeeConfig{IsActive: true}}

	uc := NewRateUsecase(repo, exchange, nil, zaptest.NewLogger(t))

	quote, _, err := uc.GetRate(context.Background(), "NGN", 100_000, domain.RateTypeBuy)
	require.NoError(t, err)

	assert.NoError(t, uc.ValidateRate(context.Background(), quote.ID, 100_000, domain.RateTypeBuy))
}

func TestValidateRateRejectsAnyDrift(t *testing.T) {
	exchange := newFakeExchangeProvider()
	exchange.rates = ngnRates()
	repo := &fakeRateRepo{feeCfg: &domain.FeeConfig{IsActive: true}}

	uc := NewRateUsecase(repo, exchange, nil, zaptest.NewLogger(t))

	quote, _, err := uc.GetRate(context.Background(), "NGN", 100_000, domain.RateTypeBuy)
	require.NoError(t, err)

	// One smallest unit of drift is enough.
	exchange.rates[0].Sell = decimal.RequireFromString("1520.01")

	err = uc.ValidateRate(context.Background(), quote.ID, 100_000, domain.RateTypeBuy)
	require.Error(t, err)
	assert.True(t, xerrors.IsValidation(err))
	assert.ErrorContains(t, err, xerrors.ErrRateChanged.Error())
}

func TestActiveFeeConfigDefaultsToZeroFees(t *testing.T) {
	uc := NewRateUsecase(&fakeRateRepo{}, newFakeExchangeProvider(), nil, zaptest.NewLogger(t))

	cfg, err := uc.ActiveFeeConfig(context.Background())
	require.NoError(t, err)
	assert.Zero(t, cfg.WithdrawalFee(1_000_000))
	assert.Equal(t, int64(152000), cfg.ApplyMarkup(152000))
}
