package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/xela07ax/honeyshield/internal/domain"
)

// Множества профиля не сериализуются напрямую, поэтому снимок пишется через View.
func encodeProfile(p *domain.AttackerProfile) ([]byte, error) {
	data, err := json.Marshal(p.View())
	if err != nil {
		return nil, fmt.Errorf("postgres: encode profile %s: %w", p.SourceIdentity, err)
	}
	return data, nil
}

func decodeProfile(data []byte) (*domain.AttackerProfile, error) {
	view := domain.ProfileView{AttackerProfile: &domain.AttackerProfile{}}
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("postgres: decode profile: %w", err)
	}
	p := view.AttackerProfile
	p.ActiveCountermeasures = toSet(view.ActiveCountermeasures)
	p.Tools = toSet(view.Tools)
	p.AttackVectors = toSet(view.AttackVectors)
	return p, nil
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}
