package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/xela07ax/honeyshield/internal/domain"
)

// Result — результат базовой (rule-based) оценки окна событий.
type Result struct {
	Score      float64
	Category   domain.Category
	Confidence float64
	Indicators []string
}

// Baseline оценивает окно событий одной идентичности.
// Score = 1 - Π(1 - c_k), каждый компонент c_k не убывает при добавлении событий в окно,
// поэтому для B ⊇ A выполняется Baseline(B).Score >= Baseline(A).Score.
func (c *Catalog) Baseline(events []domain.Footprint) Result {
	if len(events) == 0 {
		return Result{Category: domain.CategoryBenign}
	}

	indicators := make(map[string]struct{})
	category := domain.CategoryUnknown

	var (
		actionWeight float64
		decoyEvents  int
		errorEvents  int
		authFailures int
		toolSeen     bool
		offHours     bool
	)

	for _, e := range events {
		// 1. Тип действия
		w, ok := c.ActionWeights[e.Action]
		if !ok {
			w = c.ActionWeights[domain.ActionUnknown]
		}
		actionWeight = math.Max(actionWeight, w)
		category = domain.MaxCategory(category, c.CategoryOf(e.Operation, e.Action))

		if c.IsReconOperation(e.Operation) {
			indicators["operation:"+e.Operation] = struct{}{}
		}

		// 2. Взаимодействие с ловушкой
		if e.IsDecoy() {
			decoyEvents++
			indicators["decoy_interaction"] = struct{}{}
			indicators["vector:"+decoyVector(e.Action)] = struct{}{}
		}

		// 3. Инструменты атакующего
		if tool, ok := c.MatchTool(e.UserAgent); ok {
			toolSeen = true
			indicators["tool:"+tool.Name] = struct{}{}
			if tool.Vector != "" {
				indicators["vector:"+tool.Vector] = struct{}{}
			}
			category = domain.MaxCategory(category, tool.Category)
		}

		// 4. Ошибки API как неудачные попытки
		if e.ErrorCode != "" {
			errorEvents++
			indicators["api_error:"+e.ErrorCode] = struct{}{}
			if e.Action == domain.ActionAuth {
				authFailures++
			}
		}

		// 5. Нерабочее время (UTC)
		h := e.Timestamp.UTC().Hour()
		if h < c.OffHours.BeforeHour || h > c.OffHours.AfterHour {
			offHours = true
			indicators["off_hours"] = struct{}{}
		}
	}

	if c.Errors.AuthFailuresForExploitation > 0 && authFailures >= c.Errors.AuthFailuresForExploitation {
		category = domain.MaxCategory(category, domain.CategoryExploitation)
		indicators["vector:credential_access"] = struct{}{}
	}

	components := []float64{actionWeight}

	burst := peakBurst(events, c.Velocity.Window)
	velocity := c.Velocity.Weight * math.Min(1, float64(burst)/float64(c.Velocity.Saturation))
	components = append(components, velocity)
	if burst >= c.Velocity.Saturation {
		indicators["velocity:burst"] = struct{}{}
	}

	if decoyEvents > 0 {
		components = append(components, math.Min(c.Decoy.Cap, c.Decoy.Base+c.Decoy.PerEvent*float64(decoyEvents)))
	}
	if toolSeen {
		components = append(components, c.ToolWeight)
	}
	if errorEvents > 0 {
		components = append(components, math.Min(c.Errors.Cap, c.Errors.PerEvent*float64(errorEvents)))
	}
	if offHours {
		components = append(components, c.OffHours.Weight)
	}

	score := noisyOr(components)

	return Result{
		Score:      score,
		Category:   category,
		Confidence: math.Min(0.99, 0.5+score/2),
		Indicators: sortedSet(indicators),
	}
}

// peakBurst — максимальное число событий в любом интервале длины window,
// заканчивающемся на событии. Не убывает при добавлении событий.
func peakBurst(events []domain.Footprint, window time.Duration) int {
	ts := make([]int64, len(events))
	for i, e := range events {
		ts[i] = e.Timestamp.UnixNano()
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })

	best, lo := 0, 0
	for hi := range ts {
		for ts[hi]-ts[lo] >= int64(window) {
			lo++
		}
		if n := hi - lo + 1; n > best {
			best = n
		}
	}
	return best
}

func noisyOr(components []float64) float64 {
	miss := 1.0
	for _, c := range components {
		miss *= 1 - clamp01(c)
	}
	return clamp01(1 - miss)
}

func decoyVector(a domain.ActionType) string {
	switch a {
	case domain.ActionRead:
		return "data_access"
	case domain.ActionWrite, domain.ActionDelete:
		return "tampering"
	case domain.ActionAuth, domain.ActionAdmin:
		return "privilege_abuse"
	default:
		return "reconnaissance"
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
