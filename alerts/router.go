/*
Package alerts delivers fire-and-forget operational notifications:
AML flags on large transactions, fraud blocks, integrity violations.

Delivery must never block or fail the transaction that raised the
alert; both routers swallow and log their own errors.
*/
package alerts

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// LogRouter writes alerts to the structured log. The default when no
// broker is configured.
type LogRouter struct {
	Log *zap.Logger
}

func NewLogRouter(log *zap.Logger) *LogRouter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogRouter{Log: log}
}

func (r *LogRouter) Notify(_ context.Context, kind string, payload map[string]any) {
	r.Log.Warn("alert", zap.String("kind", kind), zap.Any("payload", payload))
}

// =============================================================================
// AMQP ROUTER
// =============================================================================

const publishTimeout = 5 * time.Second

// AMQPRouter publishes alerts to a fanout exchange. Publish failures
// are logged and dropped; the channel is not re-dialed here (the
// process supervisor restarts on broker loss).
type AMQPRouter struct {
	ch       *amqp.Channel
	exchange string
	log      *zap.Logger
}

// NewAMQPRouter declares the exchange and returns the router.
func NewAMQPRouter(conn *amqp.Connection, exchange string, log *zap.Logger) (*AMQPRouter, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AMQPRouter{ch: ch, exchange: exchange, log: log}, nil
}

func (r *AMQPRouter) Notify(ctx context.Context, kind string, payload map[string]any) {
	body, err := json.Marshal(map[string]any{
		"kind":        kind,
		"payload":     payload,
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		r.log.Error("alert marshal failed", zap.String("kind", kind), zap.Error(err))
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err = r.ch.PublishWithContext(pubCtx, r.exchange, kind, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		r.log.Error("alert publish failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (r *AMQPRouter) Close() error {
	return r.ch.Close()
}
