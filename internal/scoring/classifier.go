package scoring

import (
	"context"
	"time"

	"github.com/xela07ax/honeyshield/internal/domain"
)

// ProfileSummary — то, что внешний классификатор видит о профиле.
type ProfileSummary struct {
	SourceIdentity   string    `json:"source_identity"`
	EventCount       int64     `json:"event_count"`
	RiskLevel        float64   `json:"risk_level"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	Tools            []string  `json:"tools,omitempty"`
	AttackVectors    []string  `json:"attack_vectors,omitempty"`
	RecentOperations []string  `json:"recent_operations,omitempty"`
}

// Summarize готовит сводку профиля для классификатора.
func Summarize(p *domain.AttackerProfile) ProfileSummary {
	s := ProfileSummary{
		SourceIdentity: p.SourceIdentity,
		EventCount:     p.EventCount,
		RiskLevel:      p.CurrentRiskLevel,
		FirstSeen:      p.FirstSeen,
		LastSeen:       p.LastSeen,
		Tools:          p.ToolList(),
		AttackVectors:  p.VectorList(),
	}
	seen := make(map[string]bool)
	for i := len(p.RecentActivity) - 1; i >= 0 && len(s.RecentOperations) < 20; i-- {
		op := p.RecentActivity[i].Operation
		if op == "" {
			op = string(p.RecentActivity[i].Action)
		}
		if !seen[op] {
			seen[op] = true
			s.RecentOperations = append(s.RecentOperations, op)
		}
	}
	return s
}

// ClassificationRequest — вход внешнего классификатора.
type ClassificationRequest struct {
	Event   *domain.SecurityEvent `json:"event"`
	Profile ProfileSummary        `json:"profile"`
}

// Classification — категориальный ответ классификатора.
type Classification struct {
	Category   domain.Category `json:"category"`
	Confidence float64         `json:"confidence"`
	Reasoning  string          `json:"reasoning,omitempty"`
}

// Classifier — внешняя (ненадежная) возможность классификации.
// Реализация должна уважать ctx; движок все равно не ждет дольше дедлайна.
type Classifier interface {
	Classify(ctx context.Context, req ClassificationRequest) (*Classification, error)
}

// ClassifierFunc — адаптер функции к Classifier.
type ClassifierFunc func(ctx context.Context, req ClassificationRequest) (*Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, req ClassificationRequest) (*Classification, error) {
	return f(ctx, req)
}

// categorySeverity переводит категорию во вклад в score.
func categorySeverity(c domain.Category) float64 {
	switch c {
	case domain.CategoryExfiltration:
		return 0.95
	case domain.CategoryExploitation:
		return 0.85
	case domain.CategoryReconnaissance:
		return 0.5
	case domain.CategoryUnknown:
		return 0.3
	default:
		return 0
	}
}
