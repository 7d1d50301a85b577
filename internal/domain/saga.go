package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type SagaStatus string

const (
	SagaStatusStarted      SagaStatus = "STARTED"
	SagaStatusApplied      SagaStatus = "APPLIED"
	SagaStatusPublished    SagaStatus = "PUBLISHED"
	SagaStatusCompensating SagaStatus = "COMPENSATING"
	SagaStatusCompensated  SagaStatus = "COMPENSATED"
	SagaStatusFailed       SagaStatus = "FAILED"
)

var sagaTransitions = map[SagaStatus][]SagaStatus{
	SagaStatusStarted:      {SagaStatusApplied, SagaStatusCompensating},
	SagaStatusApplied:      {SagaStatusPublished, SagaStatusCompensating},
	SagaStatusPublished:    {SagaStatusCompensating},
	SagaStatusCompensating: {SagaStatusCompensated, SagaStatusFailed},
}

func (s SagaStatus) CanTransitionTo(next SagaStatus) bool {
	for _, allowed := range sagaTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s SagaStatus) IsTerminal() bool {
	return s == SagaStatusCompensated || s == SagaStatusFailed
}

// Saga records one balance update from request to publication or compensation.
type Saga struct {
	UpdateID   string          `json:"update_id"`
	AccountID  string          `json:"account_id"`
	Delta      decimal.Decimal `json:"delta"`
	NewBalance decimal.Decimal `json:"new_balance"`
	Status     SagaStatus      `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func NewSaga(updateID, accountID string, delta decimal.Decimal) *Saga {
	now := time.Now().UTC()
	return &Saga{
		UpdateID:  updateID,
		AccountID: accountID,
		Delta:     RoundMoney(delta),
		Status:    SagaStatusStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the saga to next, refusing edges the state machine does not allow.
func (s *Saga) Transition(next SagaStatus) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("saga %s: illegal transition %s -> %s", s.UpdateID, s.Status, next)
	}
	s.Status = next
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Applied reports whether the canonical balance was mutated by this saga.
func (s *Saga) Applied() bool {
	return s.Status == SagaStatusApplied || s.Status == SagaStatusPublished
}
