package scoring

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xela07ax/honeyshield/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// ToolSignature — известный инструмент атакующего в user agent.
type ToolSignature struct {
	Name     string          `yaml:"name"`
	Category domain.Category `yaml:"category"`
	Vector   string          `yaml:"vector"`
}

type VelocityRule struct {
	Window     time.Duration `yaml:"window"`
	Saturation int           `yaml:"saturation"`
	Weight     float64       `yaml:"weight"`
}

type DecoyRule struct {
	Base     float64 `yaml:"base"`
	PerEvent float64 `yaml:"per_event"`
	Cap      float64 `yaml:"cap"`
}

type ErrorRule struct {
	PerEvent                    float64 `yaml:"per_event"`
	Cap                         float64 `yaml:"cap"`
	AuthFailuresForExploitation int     `yaml:"auth_failures_for_exploitation"`
}

type OffHoursRule struct {
	Weight     float64 `yaml:"weight"`
	BeforeHour int     `yaml:"before_hour"`
	AfterHour  int     `yaml:"after_hour"`
}

// Catalog — набор правил базовой оценки.
type Catalog struct {
	ActionWeights    map[domain.ActionType]float64         `yaml:"action_weights"`
	ActionCategories map[domain.ActionType]domain.Category `yaml:"action_categories"`
	Velocity         VelocityRule                          `yaml:"velocity"`
	Decoy            DecoyRule                             `yaml:"decoy"`
	Errors           ErrorRule                             `yaml:"errors"`
	OffHours         OffHoursRule                          `yaml:"off_hours"`
	ToolWeight       float64                               `yaml:"tool_weight"`
	Tools            []ToolSignature                       `yaml:"tools"`

	ReconOperations   []string `yaml:"reconnaissance_operations"`
	ExploitOperations []string `yaml:"exploitation_operations"`
	ExfilOperations   []string `yaml:"exfiltration_operations"`

	operationCategory map[string]domain.Category
}

// DefaultCatalog — встроенный каталог.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("scoring: embedded rules are invalid: %v", err))
	}
	return c
}

// LoadCatalog читает каталог из файла; пустой путь — встроенный каталог.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scoring: read rules %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog разбирает YAML и проверяет границы весов.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("scoring: parse rules: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	c.operationCategory = make(map[string]domain.Category)
	for _, op := range c.ReconOperations {
		c.operationCategory[op] = domain.CategoryReconnaissance
	}
	for _, op := range c.ExploitOperations {
		c.operationCategory[op] = domain.CategoryExploitation
	}
	for _, op := range c.ExfilOperations {
		c.operationCategory[op] = domain.CategoryExfiltration
	}
	for i := range c.Tools {
		c.Tools[i].Name = strings.ToLower(c.Tools[i].Name)
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	inUnit := func(name string, v float64) error {
		if v < 0 || v >= 1 {
			return fmt.Errorf("scoring: %s must be within [0,1), got %v", name, v)
		}
		return nil
	}
	for a, w := range c.ActionWeights {
		if err := inUnit("action_weights."+string(a), w); err != nil {
			return err
		}
	}
	for _, check := range []struct {
		name string
		v    float64
	}{
		{"velocity.weight", c.Velocity.Weight},
		{"decoy.cap", c.Decoy.Cap},
		{"errors.cap", c.Errors.Cap},
		{"off_hours.weight", c.OffHours.Weight},
		{"tool_weight", c.ToolWeight},
	} {
		if err := inUnit(check.name, check.v); err != nil {
			return err
		}
	}
	if c.Velocity.Window <= 0 || c.Velocity.Saturation <= 0 {
		return fmt.Errorf("scoring: velocity window and saturation must be positive")
	}
	if c.Decoy.Base > c.Decoy.Cap {
		return fmt.Errorf("scoring: decoy.base exceeds decoy.cap")
	}
	return nil
}

// CategoryOf возвращает класс для операции и действия.
func (c *Catalog) CategoryOf(operation string, action domain.ActionType) domain.Category {
	if cat, ok := c.operationCategory[operation]; ok {
		return cat
	}
	if cat, ok := c.ActionCategories[action]; ok {
		return cat
	}
	return domain.CategoryUnknown
}

// MatchTool ищет сигнатуру инструмента в user agent.
func (c *Catalog) MatchTool(userAgent string) (ToolSignature, bool) {
	if userAgent == "" {
		return ToolSignature{}, false
	}
	ua := strings.ToLower(userAgent)
	for _, t := range c.Tools {
		if strings.Contains(ua, t.Name) {
			return t, true
		}
	}
	return ToolSignature{}, false
}

// IsReconOperation — операция из списка разведки.
func (c *Catalog) IsReconOperation(op string) bool {
	return c.operationCategory[op] == domain.CategoryReconnaissance
}
