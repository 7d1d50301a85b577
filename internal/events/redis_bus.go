package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type RedisBusConfig struct {
	Partitions int
	// Consumer names this process inside every consumer group.
	Consumer      string
	BatchSize     int64
	BlockDuration time.Duration
	Retry         RetryPolicy
}

// RedisBus implements Bus on Redis Streams, one stream per channel partition.
type RedisBus struct {
	client *redis.Client
	cfg    RedisBusConfig
	logger *slog.Logger

	mu   sync.Mutex
	subs []subscription
}

type subscription struct {
	group   string
	channel string
	handler Handler
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(client *redis.Client, cfg RedisBusConfig, logger *slog.Logger) *RedisBus {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.BlockDuration == 0 {
		cfg.BlockDuration = 2 * time.Second
	}
	return &RedisBus{client: client, cfg: cfg, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	env := NewEnvelope(msg)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	stream := StreamName(msg.Channel, Partition(msg.Key, b.cfg.Partitions))
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"event": string(data)},
	}
	if _, err := b.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("Event published", "stream", stream, "key", msg.Key, "sequence", msg.Sequence)
	return nil
}

func (b *RedisBus) Subscribe(group, channel string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{group: group, channel: channel, handler: h})
}

// Run starts one reader per (subscription, partition) and blocks until ctx is done.
func (b *RedisBus) Run(ctx context.Context) error {
	b.mu.Lock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		for p := 0; p < b.cfg.Partitions; p++ {
			sub, stream := sub, StreamName(sub.channel, p)
			if err := b.ensureGroup(ctx, stream, sub.group); err != nil {
				return err
			}
			g.Go(func() error {
				return b.consume(ctx, sub, stream)
			})
		}
	}
	return g.Wait()
}

func (b *RedisBus) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (b *RedisBus) consume(ctx context.Context, sub subscription, stream string) error {
	b.logger.Info("Subscriber started", "stream", stream, "group", sub.group, "consumer", b.cfg.Consumer)

	// Entries delivered to this consumer before a restart but never acked come first.
	// Deferred entries stay pending too, so the pending list is read again whenever some
	// are held back.
	cursor, holding := "0", false
	for {
		if ctx.Err() != nil {
			b.logger.Info("Subscriber stopping", "stream", stream, "group", sub.group)
			return nil
		}

		n, deferred, err := b.read(ctx, sub, stream, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error("Error reading messages", "stream", stream, "group", sub.group, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		switch {
		case cursor == "0" && n > deferred:
			// Something was acked; there may be more pending behind it.
		case cursor == "0":
			holding = deferred > 0
			cursor = ">"
		case holding || deferred > 0:
			cursor = "0"
		}
	}
}

// read processes one batch and returns how many entries it saw and how many of them were deferred.
func (b *RedisBus) read(ctx context.Context, sub subscription, stream, cursor string) (int, int, error) {
	block := b.cfg.BlockDuration
	if cursor != ">" {
		block = -1
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    sub.group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{stream, cursor},
		Count:    b.cfg.BatchSize,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read from stream: %w", err)
	}

	n, deferred := 0, 0
	for _, s := range streams {
		for _, message := range s.Messages {
			n++
			if b.process(ctx, sub, stream, message) {
				deferred++
			}
		}
	}
	return n, deferred, nil
}

// process hands one entry to the handler with retries. An entry that keeps failing is
// copied to the dead-letter stream and acked so the partition keeps moving. A deferred
// entry is left pending and reported back.
func (b *RedisBus) process(ctx context.Context, sub subscription, stream string, message redis.XMessage) bool {
	raw, _ := message.Values["event"].(string)

	var env Envelope
	err := json.Unmarshal([]byte(raw), &env)
	if err == nil {
		err = deliver(ctx, sub.handler, env, b.cfg.Retry, b.logger)
	}
	if IsDeferred(err) {
		b.logger.Debug("Message deferred", "stream", stream, "group", sub.group, "message_id", message.ID, "error", err)
		return true
	}
	if err != nil {
		if ctx.Err() != nil {
			// Leave it pending; it is re-read on restart.
			return false
		}
		b.logger.Error("Failed to process message, dead-lettering",
			"stream", stream, "group", sub.group, "message_id", message.ID, "error", err)
		dlq := &redis.XAddArgs{
			Stream: DeadLetterName(stream),
			Values: map[string]any{"event": raw, "group": sub.group, "error": err.Error()},
		}
		if dlqErr := b.client.XAdd(ctx, dlq).Err(); dlqErr != nil {
			b.logger.Error("Failed to dead-letter message", "message_id", message.ID, "error", dlqErr)
			return false
		}
	}

	if err := b.client.XAck(ctx, stream, sub.group, message.ID).Err(); err != nil {
		b.logger.Error("Failed to ACK message", "message_id", message.ID, "error", err)
	}
	return false
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
