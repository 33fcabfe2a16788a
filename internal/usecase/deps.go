package usecase

import (
	"context"
	"time"

	"exchange-service/internal/domain"
	"exchange-service/internal/queue"
)

// Narrow views of the infrastructure, satisfied by internal/lock,
// internal/escrow, internal/queue and internal/pub. Declared here so the
// usecases can be exercised with fakes.

type LockManager interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, retries int, retryDelay time.Duration, fn func(ctx context.Context) error) error
}

type EscrowStore interface {
	StoreContext(ctx context.Context, reference string, data *domain.EscrowContext) error
	GetContext(ctx context.Context, reference string) (*domain.EscrowContext, error)
	RemoveContext(ctx context.Context, reference string) error

	MoveToEscrow(ctx context.Context, transactionID int64, amount int64) error
	GetEscrowAmount(ctx context.Context, transactionID int64) (int64, error)
	ReleaseEscrow(ctx context.Context, transactionID int64) error
}

type JobQueue interface {
	AddJob(ctx context.Context, topic, name string, payload any, opts queue.JobOptions) error
}

type RateService interface {
	GetRate(ctx context.Context, currency string, amount int64, rateType domain.RateType) (*domain.RateQuote, *domain.FeeConfig, error)
	ValidateRate(ctx context.Context, rateID int64, amount int64, rateType domain.RateType) error
	ActiveFeeConfig(ctx context.Context) (*domain.FeeConfig, error)
}

type BalanceService interface {
	DepositMoney(ctx context.Context, accountNumber string, amount int64, narration string) (*domain.LedgerAccount, error)
	WithdrawMoney(ctx context.Context, accountNumber string, amount int64, narration string) (*domain.LedgerAccount, error)
}

type EventPublisher interface {
	PublishCompleted(ctx context.Context, userID, reference, currency string, amount, balanceAfter int64) error
	PublishFailed(ctx context.Context, userID, reference, currency string, amount int64, errMsg string) error
	PublishRefunded(ctx context.Context, userID, reference, currency string, amount int64) error
}

// Compensator fails a partially executed exchange and refunds held funds.
type Compensator interface {
	Compensate(ctx context.Context, transactionID int64, cause error) error
	CompensateByReference(ctx context.Context, reference string, cause error) error
}
