package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "PENDING"
	OutboxStatusPublished OutboxStatus = "PUBLISHED"
	OutboxStatusFailed    OutboxStatus = "FAILED"
)

// OutboxEvent is an event row written in the same transaction as the state change it announces.
type OutboxEvent struct {
	ID          uuid.UUID
	Channel     string
	AccountID   string
	Sequence    int64
	Payload     []byte
	SagaID      string
	Status      OutboxStatus
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// NewOutboxEvent marshals payload into a PENDING row. sagaID may be empty.
func NewOutboxEvent(channel, accountID string, sequence int64, payload any, sagaID string) (*OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:        uuid.New(),
		Channel:   channel,
		AccountID: accountID,
		Sequence:  sequence,
		Payload:   body,
		SagaID:    sagaID,
		Status:    OutboxStatusPending,
		CreatedAt: time.Now().UTC(),
	}, nil
}
