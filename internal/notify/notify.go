// Package notify publishes settlement events for downstream consumers
// (supplier payouts, buyer notifications). Publishing never affects the
// outcome of the operation that produced the event.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	EventHoldCreated      = "escrow.hold_created"
	EventEscrowReleased   = "escrow.released"
	EventEscrowRefunded   = "escrow.refunded"
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
)

type Event struct {
	Type       string    `json:"type"`
	PaymentID  string    `json:"paymentId"`
	EscrowID   string    `json:"escrowId,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	Currency   string    `json:"currency,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

type Sink interface {
	Publish(ctx context.Context, evt Event) error
}

// RedisQueue pushes events onto a Redis list.
type RedisQueue struct {
	rdb   *redis.Client
	queue string
}

func NewRedisQueue(rdb *redis.Client, queue string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queue: queue}
}

func (q *RedisQueue) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return q.rdb.RPush(ctx, q.queue, data).Err()
}

// LogSink is used when Redis is unavailable.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, evt Event) error {
	log.Printf("[EVENT] %s payment=%s escrow=%s amount=%d %s", evt.Type, evt.PaymentID, evt.EscrowID, evt.Amount, evt.Currency)
	return nil
}

// Emit publishes evt with a short deadline and only logs failures.
func Emit(ctx context.Context, sink Sink, evt Event) {
	if sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := sink.Publish(ctx, evt); err != nil {
		log.Printf("[EVENT] failed to publish %s for payment %s: %v", evt.Type, evt.PaymentID, err)
	}
}
