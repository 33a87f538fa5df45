package domain

import "time"

// Category — класс угрозы.
type Category string

const (
	CategoryBenign         Category = "benign"
	CategoryUnknown        Category = "unknown"
	CategoryReconnaissance Category = "reconnaissance"
	CategoryExploitation   Category = "exploitation"
	CategoryExfiltration   Category = "exfiltration"
)

// Precedence задает порядок категорий: чем больше, тем опаснее.
func (c Category) Precedence() int {
	switch c {
	case CategoryUnknown:
		return 1
	case CategoryReconnaissance:
		return 2
	case CategoryExploitation:
		return 3
	case CategoryExfiltration:
		return 4
	default:
		return 0
	}
}

// MaxCategory возвращает категорию с наибольшим приоритетом.
func MaxCategory(a, b Category) Category {
	if b.Precedence() > a.Precedence() {
		return b
	}
	return a
}

// ThreatLevel — человекочитаемая метка серьезности.
type ThreatLevel string

const (
	LevelInfo     ThreatLevel = "INFO"
	LevelLow      ThreatLevel = "LOW"
	LevelMedium   ThreatLevel = "MEDIUM"
	LevelHigh     ThreatLevel = "HIGH"
	LevelCritical ThreatLevel = "CRITICAL"
)

// LevelForScore отображает score [0,1] в ThreatLevel.
func LevelForScore(score float64) ThreatLevel {
	switch {
	case score >= 0.9:
		return LevelCritical
	case score >= 0.7:
		return LevelHigh
	case score >= 0.5:
		return LevelMedium
	case score >= 0.3:
		return LevelLow
	default:
		return LevelInfo
	}
}

// Источник оценки
const (
	SourceRules   = "rules"
	SourceBlended = "blended"
)

// ThreatAssessment — результат оценки одного или нескольких событий. Неизменяема.
type ThreatAssessment struct {
	ID             string      `json:"id"`
	EventIDs       []string    `json:"event_ids"`
	SourceIdentity string      `json:"source_identity"`
	Score          float64     `json:"score"`
	Category       Category    `json:"category"`
	Confidence     float64     `json:"confidence"`
	Level          ThreatLevel `json:"level"`
	Indicators     []string    `json:"indicators,omitempty"`
	Source         string      `json:"source"`
	ObservedAt     time.Time   `json:"observed_at"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Clone возвращает независимую копию.
func (a *ThreatAssessment) Clone() *ThreatAssessment {
	if a == nil {
		return nil
	}
	c := *a
	c.EventIDs = append([]string(nil), a.EventIDs...)
	c.Indicators = append([]string(nil), a.Indicators...)
	return &c
}
