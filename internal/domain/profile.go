package domain

import (
	"sort"
	"time"
)

// AttackerProfile — накопленное состояние по одному источнику.
type AttackerProfile struct {
	SourceIdentity        string              `json:"source_identity"`
	FirstSeen             time.Time           `json:"first_seen"`
	LastSeen              time.Time           `json:"last_seen"`
	EventCount            int64               `json:"event_count"`
	AssessmentHistory     []*ThreatAssessment `json:"assessment_history"`
	CurrentRiskLevel      float64             `json:"current_risk_level"`
	ActiveCountermeasures map[string]struct{} `json:"-"`
	RecentActivity        []Footprint         `json:"recent_activity"`
	Tools                 map[string]struct{} `json:"-"`
	AttackVectors         map[string]struct{} `json:"-"`
	Archived              bool                `json:"archived"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

// NewAttackerProfile создает пустой профиль.
func NewAttackerProfile(identity string) *AttackerProfile {
	return &AttackerProfile{
		SourceIdentity:        identity,
		ActiveCountermeasures: make(map[string]struct{}),
		Tools:                 make(map[string]struct{}),
		AttackVectors:         make(map[string]struct{}),
	}
}

// HasAssessment проверяет, что оценка лежит в истории профиля.
func (p *AttackerProfile) HasAssessment(id string) bool {
	for _, a := range p.AssessmentHistory {
		if a.ID == id {
			return true
		}
	}
	return false
}

// LatestAssessment — последняя оценка или nil.
func (p *AttackerProfile) LatestAssessment() *ThreatAssessment {
	if len(p.AssessmentHistory) == 0 {
		return nil
	}
	return p.AssessmentHistory[len(p.AssessmentHistory)-1]
}

// ActivitySince возвращает следы с Timestamp >= since.
func (p *AttackerProfile) ActivitySince(since time.Time) []Footprint {
	out := make([]Footprint, 0, len(p.RecentActivity))
	for _, f := range p.RecentActivity {
		if !f.Timestamp.Before(since) {
			out = append(out, f)
		}
	}
	return out
}

// Countermeasures — отсортированный список id активных мер.
func (p *AttackerProfile) Countermeasures() []string {
	return sortedKeys(p.ActiveCountermeasures)
}

// ToolList — отсортированный список замеченных инструментов.
func (p *AttackerProfile) ToolList() []string {
	return sortedKeys(p.Tools)
}

// VectorList — отсортированный список векторов атаки.
func (p *AttackerProfile) VectorList() []string {
	return sortedKeys(p.AttackVectors)
}

// Clone — глубокая копия, безопасная для чтения вне хранилища.
func (p *AttackerProfile) Clone() *AttackerProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.AssessmentHistory = make([]*ThreatAssessment, len(p.AssessmentHistory))
	for i, a := range p.AssessmentHistory {
		c.AssessmentHistory[i] = a.Clone()
	}
	c.RecentActivity = append([]Footprint(nil), p.RecentActivity...)
	c.ActiveCountermeasures = cloneSet(p.ActiveCountermeasures)
	c.Tools = cloneSet(p.Tools)
	c.AttackVectors = cloneSet(p.AttackVectors)
	return &c
}

// ProfileView — JSON-представление для API.
type ProfileView struct {
	*AttackerProfile
	ActiveCountermeasures []string `json:"active_countermeasures"`
	Tools                 []string `json:"tools"`
	AttackVectors         []string `json:"attack_vectors"`
}

// View готовит профиль к сериализации.
func (p *AttackerProfile) View() ProfileView {
	return ProfileView{
		AttackerProfile:       p,
		ActiveCountermeasures: p.Countermeasures(),
		Tools:                 p.ToolList(),
		AttackVectors:         p.VectorList(),
	}
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func sortedKeys(in map[string]struct{}) []string {
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
