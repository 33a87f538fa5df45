// Package alerting создает алерты по значимым оценкам, подавляет дубликаты
// и рассылает их по независимым каналам.
package alerting

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/infra"
	"github.com/xela07ax/honeyshield/internal/reliability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Channel — канал доставки. Send должен быть безопасен для конкурентного вызова.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *domain.Alert) error
}

// Journal — асинхронная запись алертов.
type Journal interface {
	LogAlert(a *domain.Alert)
}

type Config struct {
	SuppressionWindow time.Duration
	MinScore          float64
	MaxRetries        uint
	RetryDelay        time.Duration
	MaxRetained       int
}

func DefaultConfig() Config {
	return Config{
		SuppressionWindow: 15 * time.Minute,
		MinScore:          0.7,
		MaxRetries:        3,
		RetryDelay:        100 * time.Millisecond,
		MaxRetained:       10000,
	}
}

// Result — итог Dispatch. Alert == nil, если оценка ниже порога.
type Result struct {
	Alert      *domain.Alert
	Suppressed bool
	Failed     []string // каналы, не принявшие алерт после всех повторов
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(d *Dispatcher) { d.newID = gen }
}

func WithJournal(j Journal) Option {
	return func(d *Dispatcher) { d.journal = j }
}

func WithMetrics(m *infra.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

type Dispatcher struct {
	cfg      Config
	channels []Channel
	journal  Journal
	metrics  *infra.Metrics
	now      func() time.Time
	newID    func() string
	logger   *zap.Logger

	mu    sync.RWMutex
	byKey map[string]*domain.Alert // последний алерт по ключу дедупликации
	byID  map[string]*domain.Alert
	order []string
}

func NewDispatcher(cfg Config, channels []Channel, logger *zap.Logger, opts ...Option) *Dispatcher {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 10000
	}
	d := &Dispatcher{
		cfg:      cfg,
		channels: channels,
		metrics:  infra.NewMetrics(nil),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		logger:   logger.Named("alerting"),
		byKey:    make(map[string]*domain.Alert),
		byID:     make(map[string]*domain.Alert),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DedupeKey — sha256(identity|category) в hex.
func DedupeKey(identity string, category domain.Category) string {
	sum := sha256.Sum256([]byte(identity + "|" + string(category)))
	return hex.EncodeToString(sum[:])
}

// Dispatch создает алерт по оценке, если она выше порога и не подавлена.
// Оценка должна лежать в истории профиля.
func (d *Dispatcher) Dispatch(ctx context.Context, profile *domain.AttackerProfile, a *domain.ThreatAssessment) (Result, error) {
	if err := checkRef(profile, a); err != nil {
		return Result{}, err
	}
	if a.Score < d.cfg.MinScore {
		return Result{}, nil
	}
	alert := &domain.Alert{
		AssessmentRef:  a.ID,
		SourceIdentity: a.SourceIdentity,
		Category:       a.Category,
		Severity:       a.Level,
		Score:          a.Score,
		DedupeKey:      DedupeKey(a.SourceIdentity, a.Category),
	}
	return d.dispatch(ctx, alert)
}

// DispatchDegraded сообщает, что контрмеру применить не удалось.
func (d *Dispatcher) DispatchDegraded(ctx context.Context, profile *domain.AttackerProfile, a *domain.ThreatAssessment, action *domain.ResponseAction) (Result, error) {
	if err := checkRef(profile, a); err != nil {
		return Result{}, err
	}
	// Отказ контрмеры по оценке ниже порога алертов все равно требует внимания
	severity := a.Level
	if a.Score < d.cfg.MinScore {
		severity = domain.LevelHigh
	}
	alert := &domain.Alert{
		AssessmentRef:  a.ID,
		SourceIdentity: a.SourceIdentity,
		Category:       domain.CategoryResponseDegraded,
		Severity:       severity,
		Score:          a.Score,
		DedupeKey:      DedupeKey(a.SourceIdentity, domain.CategoryResponseDegraded),
	}
	if action != nil {
		alert.ActionRef = action.ID
	}
	return d.dispatch(ctx, alert)
}

func checkRef(profile *domain.AttackerProfile, a *domain.ThreatAssessment) error {
	if a == nil {
		return fmt.Errorf("alerting: nil assessment")
	}
	if profile == nil || !profile.HasAssessment(a.ID) {
		return fmt.Errorf("alerting: assessment %s: %w", a.ID, domain.ErrOrphanAssessment)
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, alert *domain.Alert) (Result, error) {
	now := d.now().UTC()

	// 1. Подавление и фиксация записи атомарно
	d.mu.Lock()
	if prev, ok := d.byKey[alert.DedupeKey]; ok && now.Sub(prev.DispatchedAt) < d.cfg.SuppressionWindow {
		existing := prev.Clone()
		d.mu.Unlock()
		d.metrics.AlertsTotal.WithLabelValues("suppressed", string(alert.Category)).Inc()
		d.logger.Debug("alert suppressed",
			zap.String("identity", alert.SourceIdentity),
			zap.String("alert_id", existing.ID),
			zap.String("dedupe_key", alert.DedupeKey))
		return Result{Alert: existing, Suppressed: true}, nil
	}
	alert.ID = d.newID()
	alert.DispatchedAt = now
	alert.DispatchedChannels = []string{}
	d.remember(alert)
	committed := alert.Clone()
	d.mu.Unlock()

	d.journalAlert(committed)
	d.metrics.AlertsTotal.WithLabelValues("created", string(alert.Category)).Inc()

	// 2. Рассылка по каналам, отказ одного не влияет на другие и на запись
	delivered, failed := d.fanOut(ctx, committed)

	d.mu.Lock()
	alert.DispatchedChannels = delivered
	final := alert.Clone()
	d.mu.Unlock()
	d.journalAlert(final)

	d.logger.Info("alert dispatched",
		zap.String("identity", final.SourceIdentity),
		zap.String("alert_id", final.ID),
		zap.String("assessment_id", final.AssessmentRef),
		zap.String("category", string(final.Category)),
		zap.Strings("channels", delivered),
		zap.Strings("failed", failed))
	return Result{Alert: final, Failed: failed}, nil
}

func (d *Dispatcher) fanOut(ctx context.Context, alert *domain.Alert) (delivered, failed []string) {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	delivered = []string{}
	for _, ch := range d.channels {
		g.Go(func() error {
			err := reliability.Retry(ctx, d.cfg.MaxRetries, d.cfg.RetryDelay, func() error {
				return ch.Send(ctx, alert.Clone())
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, ch.Name())
				d.metrics.AlertDeliveriesTotal.WithLabelValues(ch.Name(), "failed").Inc()
				d.logger.Warn("alert delivery failed",
					zap.String("alert_id", alert.ID),
					zap.String("channel", ch.Name()),
					zap.Error(err))
				return nil
			}
			delivered = append(delivered, ch.Name())
			d.metrics.AlertDeliveriesTotal.WithLabelValues(ch.Name(), "delivered").Inc()
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(delivered)
	sort.Strings(failed)
	return delivered, failed
}

// remember вызывается под d.mu.
func (d *Dispatcher) remember(alert *domain.Alert) {
	if prev, ok := d.byKey[alert.DedupeKey]; !ok || !alert.DispatchedAt.Before(prev.DispatchedAt) {
		d.byKey[alert.DedupeKey] = alert
	}
	d.byID[alert.ID] = alert
	d.order = append(d.order, alert.ID)
	for len(d.order) > d.cfg.MaxRetained {
		oldest := d.order[0]
		d.order = d.order[1:]
		if a, ok := d.byID[oldest]; ok {
			delete(d.byID, oldest)
			if d.byKey[a.DedupeKey] == a {
				delete(d.byKey, a.DedupeKey)
			}
		}
	}
}

// Restore поднимает недавние алерты (из БД), чтобы подавление пережило рестарт.
func (d *Dispatcher) Restore(alerts []*domain.Alert) {
	sorted := make([]*domain.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a != nil {
			sorted = append(sorted, a.Clone())
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DispatchedAt.Before(sorted[j].DispatchedAt) })

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range sorted {
		if _, dup := d.byID[a.ID]; dup {
			continue
		}
		d.remember(a)
	}
}

// Alert возвращает алерт по id.
func (d *Dispatcher) Alert(id string) (*domain.Alert, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.byID[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Alerts — алерты по источнику (пустой identity — все), новые первыми, не более limit (0 — все).
func (d *Dispatcher) Alerts(identity string, limit int) []*domain.Alert {
	d.mu.RLock()
	out := make([]*domain.Alert, 0)
	for i := len(d.order) - 1; i >= 0; i-- {
		a := d.byID[d.order[i]]
		if a == nil || (identity != "" && a.SourceIdentity != identity) {
			continue
		}
		out = append(out, a.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	d.mu.RUnlock()
	return out
}

func (d *Dispatcher) journalAlert(a *domain.Alert) {
	if d.journal != nil {
		d.journal.LogAlert(a)
	}
}
