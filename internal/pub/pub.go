// Package pub fans exchange lifecycle events out over Redis pub/sub.
package pub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const ExchangeEventsChannel = "exchange_events"

// ExchangeEventPublisher publishes lifecycle events for downstream consumers
// (notifications, dashboards).
type ExchangeEventPublisher struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewExchangeEventPublisher(rdb *redis.Client, logger *zap.Logger) *ExchangeEventPublisher {
	return &ExchangeEventPublisher{rdb: rdb, logger: logger}
}

type ExchangeEvent struct {
	EventType    string    `json:"event_type"` // exchange.completed, exchange.failed, exchange.refunded
	UserID       string    `json:"user_id"`
	Reference    string    `json:"reference"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	BalanceAfter int64     `json:"balance_after,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (p *ExchangeEventPublisher) publish(ctx context.Context, event *ExchangeEvent) error {
	event.Timestamp = time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal exchange event: %w", err)
	}
	if err := p.rdb.Publish(ctx, ExchangeEventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish exchange event: %w", err)
	}

	p.logger.Debug("exchange event published",
		zap.String("event", event.EventType),
		zap.String("reference", event.Reference),
	)
	return nil
}

func (p *ExchangeEventPublisher) PublishCompleted(ctx context.Context, userID, reference, currency string, amount, balanceAfter int64) error {
	return p.publish(ctx, &ExchangeEvent{
		EventType:    "exchange.completed",
		UserID:       userID,
		Reference:    reference,
		Amount:       amount,
		Currency:     currency,
		BalanceAfter: balanceAfter,
	})
}

func (p *ExchangeEventPublisher) PublishFailed(ctx context.Context, userID, reference, currency string, amount int64, errMsg string) error {
	return p.publish(ctx, &ExchangeEvent{
		EventType:    "exchange.failed",
		UserID:       userID,
		Reference:    reference,
		Amount:       amount,
		Currency:     currency,
		ErrorMessage: errMsg,
	})
}

func (p *ExchangeEventPublisher) PublishRefunded(ctx context.Context, userID, reference, currency string, amount int64) error {
	return p.publish(ctx, &ExchangeEvent{
		EventType: "exchange.refunded",
		UserID:    userID,
		Reference: reference,
		Amount:    amount,
		Currency:  currency,
	})
}
