package domain

import (
	"errors"
	"fmt"
	"time"
)

// ActionKind — тип контрмеры.
type ActionKind string

const (
	KindNone               ActionKind = "none"
	KindRateLimit          ActionKind = "rateLimit"
	KindQuarantineResource ActionKind = "quarantineResource"
	KindBlock              ActionKind = "block"
)

// Rank — порядок эскалации: none < rateLimit < quarantineResource < block.
func (k ActionKind) Rank() int {
	switch k {
	case KindRateLimit:
		return 1
	case KindQuarantineResource:
		return 2
	case KindBlock:
		return 3
	default:
		return 0
	}
}

// ActionStatus — жизненный цикл ResponseAction.
type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionActive  ActionStatus = "active"
	ActionExpired ActionStatus = "expired"
	ActionFailed  ActionStatus = "failed"
)

// ResponseAction — примененная (или попытка применить) контрмера.
type ResponseAction struct {
	ID             string       `json:"id"`
	TargetIdentity string       `json:"target_identity"`
	TargetResource string       `json:"target_resource,omitempty"`
	AssessmentID   string       `json:"assessment_id"`
	Kind           ActionKind   `json:"kind"`
	Status         ActionStatus `json:"status"`
	AppliedAt      time.Time    `json:"applied_at"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
	Attempts       int          `json:"attempts"`
	Renewals       int          `json:"renewals"`
	Reason         string       `json:"reason,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Clone возвращает независимую копию.
func (a *ResponseAction) Clone() *ResponseAction {
	if a == nil {
		return nil
	}
	c := *a
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// ExpiredAt — истек ли срок действия к моменту now.
func (a *ResponseAction) ExpiredAt(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// ResponseState — состояние автомата реагирования по одному источнику.
type ResponseState string

const (
	StateIdle          ResponseState = "Idle"
	StateEvaluating    ResponseState = "Evaluating"
	StateActionApplied ResponseState = "ActionApplied"
	StateMonitoring    ResponseState = "Monitoring"
	StateExpired       ResponseState = "Expired"
	StateReverted      ResponseState = "Reverted"
)

var ErrInvalidTransition = errors.New("invalid state transition")

var responseTransitions = map[ResponseState][]ResponseState{
	StateIdle:          {StateEvaluating},
	StateEvaluating:    {StateIdle, StateMonitoring, StateActionApplied},
	StateActionApplied: {StateEvaluating, StateExpired, StateReverted},
	StateMonitoring:    {StateEvaluating},
	StateExpired:       {StateEvaluating},
	StateReverted:      {StateEvaluating},
}

// CanTransitionTo проверяет правила конечного автомата реагирования.
func (s ResponseState) CanTransitionTo(next ResponseState) error {
	for _, allowed := range responseTransitions[s] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
}
