package domain

import "time"

// CategoryResponseDegraded — категория алерта о неудавшейся контрмере.
const CategoryResponseDegraded Category = "response_degraded"

// Alert — уведомление о значимой оценке.
type Alert struct {
	ID                 string      `json:"id"`
	AssessmentRef      string      `json:"assessment_ref"`
	SourceIdentity     string      `json:"source_identity"`
	Category           Category    `json:"category"`
	Severity           ThreatLevel `json:"severity"`
	Score              float64     `json:"score"`
	DedupeKey          string      `json:"dedupe_key"`
	ActionRef          string      `json:"action_ref,omitempty"`
	DispatchedChannels []string    `json:"dispatched_channels"`
	DispatchedAt       time.Time   `json:"dispatched_at"`
}

// Clone возвращает независимую копию.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.DispatchedChannels = append([]string(nil), a.DispatchedChannels...)
	return &c
}
