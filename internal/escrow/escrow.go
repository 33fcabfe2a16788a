package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"exchange-service/internal/domain"
	"exchange-service/pkg/xerrors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	contextKeyPrefix = "exchange:ctx:"
	holdKeyPrefix    = "exchange:hold:"

	DefaultContextTTL = 30 * time.Minute
)

// RedisClient is the slice of go-redis this package needs.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
}

// Store is the ephemeral escrow holder: staged transaction context between
// Initialize and settlement, and hold amounts for funds removed from the
// ledger but not yet externally settled. Races on these keys are prevented
// by the surrounding per-user lock, not by the store itself.
type Store struct {
	rdb        RedisClient
	contextTTL time.Duration
	logger     *zap.Logger
}

func NewStore(rdb RedisClient, contextTTL time.Duration, logger *zap.Logger) *Store {
	if contextTTL <= 0 {
		contextTTL = DefaultContextTTL
	}
	return &Store{rdb: rdb, contextTTL: contextTTL, logger: logger}
}

// StoreContext stages the quote/channel snapshot under the transaction
// reference, bounded by the context TTL.
func (s *Store) StoreContext(ctx context.Context, reference string, data *domain.EscrowContext) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal escrow context: %w", err)
	}
	if err := s.rdb.Set(ctx, contextKeyPrefix+reference, payload, s.contextTTL).Err(); err != nil {
		return fmt.Errorf("store escrow context: %w", err)
	}
	return nil
}

// GetContext loads the staged context. An expired context is indistinguishable
// from one that never existed; both return xerrors.ErrNotFound.
func (s *Store) GetContext(ctx context.Context, reference string) (*domain.EscrowContext, error) {
	raw, err := s.rdb.Get(ctx, contextKeyPrefix+reference).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("get escrow context: %w", err)
	}

	var data domain.EscrowContext
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshal escrow context: %w", err)
	}
	return &data, nil
}

// RemoveContext deletes the staged context. Removing an absent context is a
// no-op.
func (s *Store) RemoveContext(ctx context.Context, reference string) error {
	if err := s.rdb.Del(ctx, contextKeyPrefix+reference).Err(); err != nil {
		return fmt.Errorf("remove escrow context: %w", err)
	}
	return nil
}

// MoveToEscrow records amount as held for the transaction, on top of any
// amount already held.
func (s *Store) MoveToEscrow(ctx context.Context, transactionID int64, amount int64) error {
	key := holdKeyPrefix + strconv.FormatInt(transactionID, 10)
	held, err := s.rdb.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return fmt.Errorf("move to escrow: %w", err)
	}
	s.logger.Info("funds moved to escrow",
		zap.Int64("transaction_id", transactionID),
		zap.Int64("amount", amount),
		zap.Int64("held", held),
	)
	return nil
}

// GetEscrowAmount returns the held amount for the transaction. A missing key
// means nothing is held and returns 0, never an error.
func (s *Store) GetEscrowAmount(ctx context.Context, transactionID int64) (int64, error) {
	key := holdKeyPrefix + strconv.FormatInt(transactionID, 10)
	raw, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("get escrow amount: %w", err)
	}

	held, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse escrow amount %q: %w", raw, err)
	}
	return held, nil
}

// ReleaseEscrow clears the hold for the transaction. Releasing an absent hold
// is a no-op.
func (s *Store) ReleaseEscrow(ctx context.Context, transactionID int64) error {
	key := holdKeyPrefix + strconv.FormatInt(transactionID, 10)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release escrow: %w", err)
	}
	return nil
}
