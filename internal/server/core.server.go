package server

import (
	"context"
	"log"
	"sync"
	"time"

	"exchange-service/internal/config"
	"exchange-service/internal/escrow"
	"exchange-service/internal/lock"
	"exchange-service/internal/provider"
	"exchange-service/internal/provider/bankapi"
	"exchange-service/internal/provider/liquidityapi"
	"exchange-service/internal/provider/userapi"
	"exchange-service/internal/pub"
	"exchange-service/internal/queue"
	"exchange-service/internal/repository"
	"exchange-service/internal/usecase"
	"exchange-service/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const staleSweepInterval = 5 * time.Minute

// ExchangeService is the wired service: the exchange/rate/balance usecases
// for callers, plus the settlement consumer and stale sweep started by Run.
type ExchangeService struct {
	Exchange   *usecase.ExchangeUsecase
	Rates      *usecase.RateUsecase
	Balances   *usecase.BalanceUsecase
	Settlement *usecase.SettlementUsecase

	cfg    config.AppConfig
	jobs   *queue.Queue
	logger *zap.Logger
}

func NewExchangeService(cfg config.AppConfig, logger *zap.Logger) *ExchangeService {
	// --- DB connection ---
	dbpool, err := config.ConnectDB()
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	// --- Redis client ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       0,
	})

	// --- External service clients ---
	registry := provider.NewRegistry()
	registry.RegisterExchange(liquidityapi.New(cfg.ExchangeProviderBaseURL, cfg.ExchangeProviderAPIKey, logger))
	registry.RegisterBanking(bankapi.New(cfg.BankingProviderBaseURL, cfg.BankingProviderAPIKey, logger))

	exchangeProvider, err := registry.Exchange(cfg.ExchangeProvider)
	if err != nil {
		log.Fatalf("provider registry: %v", err)
	}
	bankingProvider, err := registry.Banking(cfg.BankingProvider)
	if err != nil {
		log.Fatalf("provider registry: %v", err)
	}
	userClient := userapi.New(cfg.UserServiceBaseURL, cfg.UserServiceAPIKey, logger)

	// --- Repositories ---
	txRepo := repository.NewExchangeTransactionRepo(dbpool)
	ledgerRepo := repository.NewLedgerRepo(dbpool)
	rateRepo := repository.NewRateQuoteRepo(dbpool)

	// --- Infrastructure ---
	locks := lock.NewManager(rdb, logger)
	escrowStore := escrow.NewStore(rdb, 0, logger)
	jobs := queue.New(cfg.KafkaBrokers, cfg.SettlementDLQTopic, logger)
	events := pub.NewExchangeEventPublisher(rdb, logger)
	refs := utils.NewReferenceGenerator("EX")

	// --- Usecases ---
	rateUC := usecase.NewRateUsecase(rateRepo, exchangeProvider, rdb, logger)
	balanceUC := usecase.NewBalanceUsecase(ledgerRepo, locks, logger)
	settlementUC := usecase.NewSettlementUsecase(
		cfg, txRepo, ledgerRepo, balanceUC, rateUC, escrowStore, locks,
		exchangeProvider, bankingProvider, userClient, events, logger,
	)
	exchangeUC := usecase.NewExchangeUsecase(
		cfg, txRepo, ledgerRepo, rateUC, escrowStore, locks,
		exchangeProvider, userClient, userClient, userClient,
		jobs, settlementUC, refs, logger,
	)

	return &ExchangeService{
		Exchange:   exchangeUC,
		Rates:      rateUC,
		Balances:   balanceUC,
		Settlement: settlementUC,
		cfg:        cfg,
		jobs:       jobs,
		logger:     logger,
	}
}

// Run starts the settlement consumer and the stuck-transaction sweep and
// blocks until ctx is cancelled.
func (s *ExchangeService) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.jobs.ProcessJobs(ctx, s.cfg.SettlementTopic, usecase.SettlementJobName,
			s.Settlement.HandleJob, s.cfg.SettlementConcurrency)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Settlement.StartStaleSweeper(ctx, staleSweepInterval)
	}()

	s.logger.Info("exchange service running",
		zap.String("settlement_topic", s.cfg.SettlementTopic),
		zap.Int("concurrency", s.cfg.SettlementConcurrency),
		zap.String("environment", s.cfg.Environment),
	)
	wg.Wait()
}
