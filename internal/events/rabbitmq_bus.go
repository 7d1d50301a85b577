package events

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

const DefaultConfirmTimeout = 5 * time.Second

var (
	ErrPublishNacked  = stderrors.New("message was nacked by broker")
	ErrConfirmTimeout = stderrors.New("confirmation timed out")
)

type RabbitBusConfig struct {
	Exchange   string
	Partitions int
	Consumer   string
	Retry      RetryPolicy
	// ConfirmTimeout bounds the wait for the broker to confirm a publish.
	ConfirmTimeout time.Duration
}

// RabbitBus implements Bus on a direct exchange. Each channel partition is a routing key
// and every consumer group gets its own durable queue per partition.
type RabbitBus struct {
	conn   *amqp.Connection
	cfg    RabbitBusConfig
	logger *slog.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu   sync.Mutex
	subs []subscription
}

var _ Bus = (*RabbitBus)(nil)

func NewRabbitBus(url string, cfg RabbitBusConfig, logger *slog.Logger) (*RabbitBus, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "ledger.events"
	}
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	return &RabbitBus{conn: conn, cfg: cfg, logger: logger, pubCh: ch}, nil
}

func (b *RabbitBus) Publish(ctx context.Context, msg Message) error {
	env := NewEnvelope(msg)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	routingKey := StreamName(msg.Channel, Partition(msg.Key, b.cfg.Partitions))

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.publishConfirmed(ctx, b.pubCh, b.cfg.Exchange, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.Timestamp,
		Body:         body,
	})
}

// publishConfirmed publishes on a channel in confirm mode and returns once the broker has
// taken responsibility for the message. The outbox row is only marked published after that.
func (b *RabbitBus) publishConfirmed(ctx context.Context, ch *amqp.Channel, exchange, key string, msg amqp.Publishing) error {
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.ConfirmTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: routing_key=%s after %s", ErrConfirmTimeout, key, b.cfg.ConfirmTimeout)
	}
	if !acked {
		return fmt.Errorf("%w: routing_key=%s delivery_tag=%d", ErrPublishNacked, key, confirm.DeliveryTag)
	}
	return nil
}

func (b *RabbitBus) Subscribe(group, channel string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{group: group, channel: channel, handler: h})
}

// QueueName is the durable queue a consumer group reads one partition from.
func QueueName(group, stream string) string {
	return group + "." + stream
}

func (b *RabbitBus) Run(ctx context.Context) error {
	b.mu.Lock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		for p := 0; p < b.cfg.Partitions; p++ {
			sub, stream := sub, StreamName(sub.channel, p)
			deliveries, ch, err := b.declare(sub.group, stream)
			if err != nil {
				return err
			}
			g.Go(func() error {
				defer ch.Close()
				return b.consume(ctx, ch, sub, stream, deliveries)
			})
		}
	}
	return g.Wait()
}

func (b *RabbitBus) declare(group, stream string) (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	// One unacked delivery at a time keeps the partition ordered.
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	queue := QueueName(group, stream)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, stream, b.cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	if _, err := ch.QueueDeclare(DeadLetterName(queue), true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}

	deliveries, err := ch.Consume(queue, b.cfg.Consumer+"."+stream, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}
	return deliveries, ch, nil
}

func (b *RabbitBus) consume(ctx context.Context, ch *amqp.Channel, sub subscription, stream string, deliveries <-chan amqp.Delivery) error {
	b.logger.Info("Subscriber started", "queue", QueueName(sub.group, stream), "consumer", b.cfg.Consumer)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("delivery channel closed for %s", stream)
			}
			b.process(ctx, ch, sub, stream, d)
		}
	}
}

func (b *RabbitBus) process(ctx context.Context, ch *amqp.Channel, sub subscription, stream string, d amqp.Delivery) {
	var env Envelope
	err := json.Unmarshal(d.Body, &env)
	if err == nil {
		err = deliver(ctx, sub.handler, env, b.cfg.Retry, b.logger)
	}
	if IsDeferred(err) {
		b.requeue(ctx, ch, QueueName(sub.group, stream), d)
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			_ = d.Nack(false, true)
			return
		}
		b.logger.Error("Failed to process message, dead-lettering",
			"queue", QueueName(sub.group, stream), "message_id", d.MessageId, "error", err)
		dlqErr := b.publishConfirmed(ctx, ch, "", DeadLetterName(QueueName(sub.group, stream)), amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    d.MessageId,
			Headers:      amqp.Table{"x-error": err.Error()},
			Body:         d.Body,
		})
		if dlqErr != nil {
			b.logger.Error("Failed to dead-letter message", "message_id", d.MessageId, "error", dlqErr)
			_ = d.Nack(false, true)
			return
		}
	}
	if err := d.Ack(false); err != nil {
		b.logger.Error("Failed to ACK message", "message_id", d.MessageId, "error", err)
	}
}

// requeue moves a deferred delivery to the tail of its queue, so the deliveries queued
// behind it are offered first. The pause keeps an idle queue from spinning on it.
func (b *RabbitBus) requeue(ctx context.Context, ch *amqp.Channel, queue string, d amqp.Delivery) {
	select {
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	case <-time.After(b.cfg.Retry.InitialInterval):
	}

	err := b.publishConfirmed(ctx, ch, "", queue, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Headers:      d.Headers,
		Body:         d.Body,
	})
	if err != nil {
		b.logger.Error("Failed to requeue deferred message", "queue", queue, "message_id", d.MessageId, "error", err)
		_ = d.Nack(false, true)
		return
	}
	if err := d.Ack(false); err != nil {
		b.logger.Error("Failed to ACK message", "message_id", d.MessageId, "error", err)
	}
}

func (b *RabbitBus) Close() error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh != nil {
		b.pubCh.Close()
	}
	return b.conn.Close()
}
