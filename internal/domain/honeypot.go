package domain

import (
	"fmt"
	"time"
)

// HoneypotType — класс ловушки.
type HoneypotType string

const (
	HoneypotWeb         HoneypotType = "web"
	HoneypotDatabase    HoneypotType = "database"
	HoneypotFileServer  HoneypotType = "fileServer"
	HoneypotAPIEndpoint HoneypotType = "apiEndpoint"
)

// ParseHoneypotType понимает как собственные имена, так и snake_case метки сенсоров.
func ParseHoneypotType(s string) (HoneypotType, bool) {
	switch s {
	case "web", "web_server":
		return HoneypotWeb, true
	case "database", "db":
		return HoneypotDatabase, true
	case "fileServer", "file_server":
		return HoneypotFileServer, true
	case "apiEndpoint", "api_endpoint":
		return HoneypotAPIEndpoint, true
	}
	return "", false
}

// HoneypotState — жизненный цикл ловушки.
type HoneypotState string

const (
	HoneypotProvisioning        HoneypotState = "provisioning"
	HoneypotActive              HoneypotState = "active"
	HoneypotCompromisedObserved HoneypotState = "compromisedObserved"
	HoneypotRetiring            HoneypotState = "retiring"
	HoneypotRetired             HoneypotState = "retired"
)

var honeypotTransitions = map[HoneypotState][]HoneypotState{
	HoneypotProvisioning:        {HoneypotActive, HoneypotRetired},
	HoneypotActive:              {HoneypotCompromisedObserved, HoneypotRetiring},
	HoneypotCompromisedObserved: {HoneypotActive, HoneypotRetiring},
	HoneypotRetiring:            {HoneypotRetired},
}

// CanTransitionTo проверяет однонаправленность переходов (кроме active <-> compromisedObserved).
func (s HoneypotState) CanTransitionTo(next HoneypotState) error {
	for _, allowed := range honeypotTransitions[s] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: honeypot %s -> %s", ErrInvalidTransition, s, next)
}

// Live — ловушка еще не выведена из эксплуатации.
func (s HoneypotState) Live() bool {
	return s != HoneypotRetired
}

// AdaptationRecord — запись в истории адаптаций ловушки.
type AdaptationRecord struct {
	At       time.Time     `json:"at"`
	IntentID string        `json:"intent_id,omitempty"`
	From     HoneypotState `json:"from"`
	To       HoneypotState `json:"to"`
	Reason   string        `json:"reason"`
	// Fingerprint — отпечаток, выставленный этой адаптацией (создание, смена варианта).
	Fingerprint string `json:"fingerprint,omitempty"`
}

// HoneypotDescriptor — описание ловушки.
type HoneypotDescriptor struct {
	ID                string             `json:"id"`
	Type              HoneypotType       `json:"type"`
	State             HoneypotState      `json:"state"`
	Fingerprint       string             `json:"fingerprint"`
	EngagementCount   int64              `json:"engagement_count"`
	LastEngagedAt     time.Time          `json:"last_engaged_at"`
	CreatedAt         time.Time          `json:"created_at"`
	AdaptationHistory []AdaptationRecord `json:"adaptation_history"`
}

// Clone возвращает независимую копию.
func (h *HoneypotDescriptor) Clone() *HoneypotDescriptor {
	if h == nil {
		return nil
	}
	c := *h
	c.AdaptationHistory = append([]AdaptationRecord(nil), h.AdaptationHistory...)
	return &c
}

// DecoyVariant — внешне наблюдаемая конфигурация ловушки.
type DecoyVariant struct {
	Banner     string `json:"banner"`
	Port       int    `json:"port"`
	Generation int    `json:"generation"`
}

// HoneypotIntent — сохраняемый снимок намерения к исполнителю провижининга.
// ResolvedAt пуст, пока исполнитель не ответил.
type HoneypotIntent struct {
	ID          string       `json:"id"`
	Kind        string       `json:"kind"`
	HoneypotID  string       `json:"honeypot_id"`
	Type        HoneypotType `json:"type"`
	Fingerprint string       `json:"fingerprint"`
	Profile     DecoyVariant `json:"profile"`
	Reason      string       `json:"reason"`
	CreatedAt   time.Time    `json:"created_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
	Success     bool         `json:"success,omitempty"`
	Error       string       `json:"error,omitempty"`
}

func (i *HoneypotIntent) Clone() *HoneypotIntent {
	if i == nil {
		return nil
	}
	c := *i
	if i.ResolvedAt != nil {
		at := *i.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}
