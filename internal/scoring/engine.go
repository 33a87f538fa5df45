// Package scoring оценивает угрозу по событию и профилю: детерминированная база по правилам
// плюс необязательное смешивание с внешним классификатором под жестким дедлайном.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/infra"
	"go.uber.org/zap"
)

type Config struct {
	Window         time.Duration // окно наблюдения по идентичности
	BenignBelow    float64       // ниже этого score категория benign
	ExternalWeight float64       // доля внешнего классификатора в смеси
	MinConfidence  float64       // ниже этой уверенности категория классификатора игнорируется
	Deadline       time.Duration // предел ожидания классификатора
}

// DefaultConfig — значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		Window:         10 * time.Minute,
		BenignBelow:    0.3,
		ExternalWeight: 0.6,
		MinConfidence:  0.5,
		Deadline:       3 * time.Second,
	}
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

func WithMetrics(m *infra.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

type Engine struct {
	catalog    *Catalog
	classifier Classifier
	cfg        Config
	now        func() time.Time
	newID      func() string
	metrics    *infra.Metrics
	logger     *zap.Logger
}

// NewEngine — classifier может быть nil, тогда оценка всегда по правилам.
func NewEngine(catalog *Catalog, classifier Classifier, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	e := &Engine{
		catalog:    catalog,
		classifier: classifier,
		cfg:        cfg,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
		metrics:    infra.NewMetrics(nil),
		logger:     logger.Named("scoring"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog — активный каталог правил.
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// Assess строит оценку события. Профиль только читается.
// Ошибки классификатора сюда не доходят: они переводятся в оценку по правилам.
func (e *Engine) Assess(ctx context.Context, event *domain.SecurityEvent, profile *domain.AttackerProfile) (*domain.ThreatAssessment, error) {
	if event == nil {
		return nil, fmt.Errorf("scoring: nil event")
	}
	if profile == nil {
		profile = domain.NewAttackerProfile(event.SourceIdentity)
	}

	// 1. Окно наблюдения: история профиля + текущее событие
	window := e.window(event, profile)
	base := e.catalog.Baseline(window)

	score := base.Score
	category := base.Category
	confidence := base.Confidence
	indicators := base.Indicators
	source := domain.SourceRules

	// 2. Внешний классификатор (если есть) под дедлайном
	if e.classifier != nil {
		c, err := e.classify(ctx, ClassificationRequest{Event: event, Profile: Summarize(profile)})
		if err != nil {
			e.logFallback(event, err)
		} else {
			w := e.cfg.ExternalWeight
			external := categorySeverity(c.Category) * c.Confidence
			score = math.Max(base.Score, w*external+(1-w)*base.Score)
			if c.Confidence >= e.cfg.MinConfidence {
				category = domain.MaxCategory(category, c.Category)
			}
			confidence = math.Max(confidence, c.Confidence)
			indicators = append(append([]string(nil), indicators...), "classifier:"+string(c.Category))
			source = domain.SourceBlended
		}
	}

	// 3. Ниже нижнего порога считаем фоном
	if score < e.cfg.BenignBelow {
		category = domain.CategoryBenign
	}

	ids := make([]string, 0, len(window))
	observed := event.Timestamp
	for _, f := range window {
		ids = append(ids, f.EventID)
		if f.Timestamp.After(observed) {
			observed = f.Timestamp
		}
	}

	a := &domain.ThreatAssessment{
		ID:             e.newID(),
		EventIDs:       ids,
		SourceIdentity: event.SourceIdentity,
		Score:          score,
		Category:       category,
		Confidence:     confidence,
		Level:          domain.LevelForScore(score),
		Indicators:     indicators,
		Source:         source,
		ObservedAt:     observed,
		CreatedAt:      e.now().UTC(),
	}
	e.metrics.AssessmentsTotal.WithLabelValues(string(a.Category), string(a.Level), a.Source).Inc()
	return a, nil
}

func (e *Engine) window(event *domain.SecurityEvent, profile *domain.AttackerProfile) []domain.Footprint {
	since := event.Timestamp.Add(-e.cfg.Window)
	window := make([]domain.Footprint, 0, len(profile.RecentActivity)+1)
	for _, f := range profile.ActivitySince(since) {
		if f.EventID != event.ID {
			window = append(window, f)
		}
	}
	return append(window, domain.FootprintOf(event))
}

type classifyResult struct {
	c   *Classification
	err error
}

// classify гарантирует возврат не позже дедлайна, даже если классификатор игнорирует ctx.
func (e *Engine) classify(ctx context.Context, req ClassificationRequest) (*Classification, error) {
	deadline := e.cfg.Deadline
	if deadline <= 0 {
		deadline = 3 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan classifyResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- classifyResult{err: fmt.Errorf("classifier panic: %v", r)}
			}
		}()
		c, err := e.classifier.Classify(cctx, req)
		done <- classifyResult{c: c, err: err}
	}()

	select {
	case <-cctx.Done():
		return nil, &domain.ClassificationTimeoutError{Deadline: deadline}
	case r := <-done:
		if r.err != nil {
			var timeout *domain.ClassificationTimeoutError
			var unavailable *domain.ClassificationUnavailableError
			switch {
			case errors.As(r.err, &timeout), errors.As(r.err, &unavailable):
				return nil, r.err
			case errors.Is(r.err, context.DeadlineExceeded):
				return nil, &domain.ClassificationTimeoutError{Deadline: deadline}
			default:
				return nil, &domain.ClassificationUnavailableError{Cause: r.err}
			}
		}
		if err := validClassification(r.c); err != nil {
			return nil, &domain.ClassificationUnavailableError{Cause: err}
		}
		return r.c, nil
	}
}

func validClassification(c *Classification) error {
	if c == nil {
		return errors.New("empty classification")
	}
	if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range", c.Confidence)
	}
	switch c.Category {
	case domain.CategoryBenign, domain.CategoryUnknown, domain.CategoryReconnaissance,
		domain.CategoryExploitation, domain.CategoryExfiltration:
		return nil
	}
	return fmt.Errorf("unknown category %q", c.Category)
}

func (e *Engine) logFallback(event *domain.SecurityEvent, err error) {
	reason := "unavailable"
	var timeout *domain.ClassificationTimeoutError
	if errors.As(err, &timeout) {
		reason = "timeout"
	}
	e.metrics.ClassifierFallbackTotal.WithLabelValues(reason).Inc()
	e.logger.Warn("classifier fallback to rules",
		zap.String("event_id", event.ID),
		zap.String("identity", event.SourceIdentity),
		zap.String("reason", reason),
		zap.Error(err))
}
