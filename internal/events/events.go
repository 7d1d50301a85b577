// Package events carries ledger events between services. Every channel is split into
// partitions by account key so that one account's events stay in order.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is what a producer hands to Publish.
type Message struct {
	Channel  string
	Key      string
	Sequence int64
	Payload  json.RawMessage
}

// Envelope is the JSON document that travels on the wire.
type Envelope struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Key       string          `json:"key"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func NewEnvelope(msg Message) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Channel:   msg.Channel,
		Key:       msg.Key,
		Sequence:  msg.Sequence,
		Timestamp: time.Now().UTC(),
		Payload:   msg.Payload,
	}
}

// Handler processes one envelope. Returning an error asks the bus to redeliver.
type Handler func(ctx context.Context, env Envelope) error

// Bus publishes to and consumes from partitioned channels.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers h for channel under a consumer group. Must be called before Run.
	Subscribe(group, channel string, h Handler)
	// Run consumes until ctx is done.
	Run(ctx context.Context) error
	Close() error
}

// Decode unmarshals an envelope payload into T.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, Permanent(fmt.Errorf("decode %s payload: %w", env.Channel, err))
	}
	return v, nil
}
