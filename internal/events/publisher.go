package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// SyncCycleEvent is published after every upload or download cycle so
// downstream consumers can track tenant synchronization progress.
type SyncCycleEvent struct {
	TenantID    int64     `json:"tenant_id"`
	CycleType   string    `json:"cycle_type"`
	Success     bool      `json:"success"`
	Inserted    int       `json:"inserted"`
	Updated     int       `json:"updated"`
	Deactivated int       `json:"deactivated"`
	Failed      int       `json:"failed"`
	FinishedAt  time.Time `json:"finished_at"`
	Error       string    `json:"error,omitempty"`
}

// CollectionEvent is published after a collection cycle with the number
// of readings persisted locally.
type CollectionEvent struct {
	TenantID   int64     `json:"tenant_id"`
	Collected  int       `json:"collected"`
	Inserted   int       `json:"inserted"`
	Rejected   int       `json:"rejected"`
	FinishedAt time.Time `json:"finished_at"`
}

// Publisher emits agent lifecycle events to a topic exchange. It owns
// both the RabbitMQ connection and its channel; the fx lifecycle closes
// them on shutdown. A nil *Publisher is a valid no-op, used when AMQP
// is not configured.
type Publisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewPublisher dials RabbitMQ, declares the target exchange and
// registers connection teardown with the lifecycle.
func NewPublisher(lc fx.Lifecycle, url, exchange, routingKey string, logger *zap.Logger) (*Publisher, error) {
	logger.Info("attempting to connect to RabbitMQ...")

	conn, err := amqp.Dial(url)
	if err != nil {
		logger.Error("rabbitmq connection failed", zap.Error(err))
		return nil, fmt.Errorf("[RABBITMQ CONNECTION FAILED] cannot connect to RabbitMQ. Please check: 1) RabbitMQ is running, 2) AMQP_URL is correct, 3) Credentials are valid. Error: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	p := &Publisher{
		conn:       conn,
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("rabbitmq connection established successfully",
				zap.String("exchange", exchange),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := p.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed")
			return nil
		},
	})

	return p, nil
}

// PublishSyncCycle publishes a sync cycle event under
// "<routing_key>.sync.<cycle_type>".
func (p *Publisher) PublishSyncCycle(ctx context.Context, event SyncCycleEvent) error {
	if p == nil {
		return nil
	}
	key := fmt.Sprintf("%s.sync.%s", p.routingKey, event.CycleType)
	if err := p.publish(ctx, key, event); err != nil {
		return err
	}
	p.logger.Debug("published sync cycle event",
		zap.String("routing_key", key),
		zap.String("cycle_type", event.CycleType),
		zap.Bool("success", event.Success),
	)
	return nil
}

// PublishCollection publishes a collection cycle event under
// "<routing_key>.collection".
func (p *Publisher) PublishCollection(ctx context.Context, event CollectionEvent) error {
	if p == nil {
		return nil
	}
	key := fmt.Sprintf("%s.collection", p.routingKey)
	if err := p.publish(ctx, key, event); err != nil {
		return err
	}
	p.logger.Debug("published collection event",
		zap.String("routing_key", key),
		zap.Int("inserted", event.Inserted),
	)
	return nil
}

func (p *Publisher) publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the channel and the underlying connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
