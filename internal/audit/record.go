package audit

import (
	"time"

	"github.com/xela07ax/honeyshield/internal/domain"
)

// Kind — тип записи журнала; определяет таблицу назначения.
type Kind string

const (
	KindProfile    Kind = "profile"
	KindAssessment Kind = "assessment"
	KindAction     Kind = "action"
	KindAlert      Kind = "alert"
	KindHoneypot   Kind = "honeypot"
	KindIntent     Kind = "honeypot_intent"
)

// Record — снимок сущности на момент изменения. Ровно одно из полей-снимков заполнено.
type Record struct {
	Kind      Kind      `json:"kind"`
	Key       string    `json:"key"`
	Identity  string    `json:"identity,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Profile    *domain.AttackerProfile    `json:"profile,omitempty"`
	Assessment *domain.ThreatAssessment   `json:"assessment,omitempty"`
	Action     *domain.ResponseAction     `json:"action,omitempty"`
	Alert      *domain.Alert              `json:"alert,omitempty"`
	Honeypot   *domain.HoneypotDescriptor `json:"honeypot,omitempty"`
	Intent     *domain.HoneypotIntent     `json:"intent,omitempty"`
}

// Payload возвращает заполненный снимок.
func (r Record) Payload() interface{} {
	switch r.Kind {
	case KindProfile:
		return r.Profile
	case KindAssessment:
		return r.Assessment
	case KindAction:
		return r.Action
	case KindAlert:
		return r.Alert
	case KindHoneypot:
		return r.Honeypot
	case KindIntent:
		return r.Intent
	default:
		return nil
	}
}
