// Package honeypot следит за вовлеченностью ловушек и выпускает намерения
// на создание новых (насыщение, спрос по инструментам), смену варианта
// (насыщение сверх лимита, скомпрометированные) и вывод устаревших.
// Отпечаток варианта не выдается повторно, даже после вывода ловушки.
// Состояние ловушки меняется только по подтверждению исполнителя.
package honeypot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/infra"
	"go.uber.org/zap"
)

var (
	ErrUnknownIntent   = errors.New("unknown or already resolved intent")
	ErrUnknownHoneypot = errors.New("unknown honeypot")
	ErrDuplicate       = errors.New("honeypot already registered")
)

// Provisioner — внешний исполнитель. Submit только принимает намерение,
// результат приходит позже через Controller.Complete.
type Provisioner interface {
	Submit(ctx context.Context, intent *Intent) error
}

// Journal — асинхронная запись состояния ловушек и намерений.
type Journal interface {
	LogHoneypot(h *domain.HoneypotDescriptor)
	LogIntent(r *domain.HoneypotIntent)
}

type Config struct {
	SaturationThreshold int
	SaturationWindow    time.Duration
	StalenessHorizon    time.Duration
	// MaxPerType — предел живых ловушек типа; сверх него насыщение меняет вариант самой нагруженной.
	MaxPerType int
}

func DefaultConfig() Config {
	return Config{
		SaturationThreshold: 50,
		SaturationWindow:    time.Hour,
		StalenessHorizon:    7 * 24 * time.Hour,
		MaxPerType:          3,
	}
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(c *Controller) { c.newID = gen }
}

func WithJournal(j Journal) Option {
	return func(c *Controller) { c.journal = j }
}

func WithMetrics(m *infra.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

type Controller struct {
	cfg         Config
	provisioner Provisioner
	journal     Journal
	metrics     *infra.Metrics
	now         func() time.Time
	newID       func() string
	logger      *zap.Logger

	mu          sync.Mutex
	decoys      map[string]*domain.HoneypotDescriptor
	engagements map[domain.HoneypotType][]time.Time
	demand      map[domain.HoneypotType]string // тип -> причина спроса
	pending     map[string]*Intent
}

func NewController(cfg Config, provisioner Provisioner, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		cfg:         cfg,
		provisioner: provisioner,
		metrics:     infra.NewMetrics(nil),
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
		logger:      logger.Named("honeypot"),
		decoys:      make(map[string]*domain.HoneypotDescriptor),
		engagements: make(map[domain.HoneypotType][]time.Time),
		demand:      make(map[domain.HoneypotType]string),
		pending:     make(map[string]*Intent),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.MaxPerType <= 0 {
		c.cfg.MaxPerType = DefaultConfig().MaxPerType
	}
	return c
}

// Register добавляет известную ловушку (из конфигурации или БД).
func (c *Controller) Register(h *domain.HoneypotDescriptor) error {
	if h == nil || strings.TrimSpace(h.ID) == "" {
		return fmt.Errorf("honeypot: empty id")
	}
	if _, ok := domain.ParseHoneypotType(string(h.Type)); !ok {
		return fmt.Errorf("honeypot: %s: unknown type %q", h.ID, h.Type)
	}
	c.mu.Lock()
	if _, ok := c.decoys[h.ID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("honeypot: %s: %w", h.ID, ErrDuplicate)
	}
	d := h.Clone()
	d.Type, _ = domain.ParseHoneypotType(string(h.Type))
	if d.State == "" {
		d.State = domain.HoneypotActive
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = c.now().UTC()
	}
	if d.Fingerprint == "" {
		_, d.Fingerprint = nextVariant(d.Type, c.usedFingerprints(d.Type))
	}
	c.decoys[d.ID] = d
	snap := d.Clone()
	c.mu.Unlock()

	c.journalHoneypot(snap)
	return nil
}

// Observe учитывает событие и его оценку: вовлеченность ловушки и спрос по инструментам.
func (c *Controller) Observe(event *domain.SecurityEvent, a *domain.ThreatAssessment) {
	if event == nil {
		return
	}
	c.mu.Lock()
	var changed *domain.HoneypotDescriptor

	if event.IsDecoy() {
		if d, ok := c.decoys[event.OriginRef()]; ok && d.State.Live() {
			d.EngagementCount++
			if event.Timestamp.After(d.LastEngagedAt) {
				d.LastEngagedAt = event.Timestamp
			}
			c.engagements[d.Type] = append(c.engagements[d.Type], event.Timestamp)
			if a != nil {
				c.trackCompromise(d, a, event.Timestamp)
			}
			changed = d.Clone()
		} else {
			c.logger.Debug("engagement on unregistered decoy", zap.String("origin", event.OriginTag))
		}
	}
	if a != nil {
		for t, reason := range demandedTypes(a.Indicators) {
			if _, ok := c.demand[t]; !ok {
				c.demand[t] = reason
			}
		}
	}
	c.mu.Unlock()

	if changed != nil {
		c.journalHoneypot(changed)
	}
}

// trackCompromise: active <-> compromisedObserved по категории оценки. Вызывается под c.mu.
func (c *Controller) trackCompromise(d *domain.HoneypotDescriptor, a *domain.ThreatAssessment, at time.Time) {
	hostile := a.Category.Precedence() >= domain.CategoryExploitation.Precedence()
	var next domain.HoneypotState
	switch {
	case hostile && d.State == domain.HoneypotActive:
		next = domain.HoneypotCompromisedObserved
	case !hostile && d.State == domain.HoneypotCompromisedObserved:
		next = domain.HoneypotActive
	default:
		return
	}
	if err := d.State.CanTransitionTo(next); err != nil {
		return
	}
	d.AdaptationHistory = append(d.AdaptationHistory, domain.AdaptationRecord{
		At: at, From: d.State, To: next, Reason: "assessment " + string(a.Category),
	})
	d.State = next
}

// demandedTypes — какие типы ловушек интересны по инструментам и векторам атаки.
func demandedTypes(indicators []string) map[domain.HoneypotType]string {
	out := make(map[domain.HoneypotType]string)
	for _, ind := range indicators {
		kind, value, ok := strings.Cut(ind, ":")
		if !ok {
			continue
		}
		switch {
		case kind == "tool" && (value == "sqlmap" || value == "nikto" || value == "dirb"):
			out[domain.HoneypotWeb] = ind
			if value == "sqlmap" {
				out[domain.HoneypotDatabase] = ind
			}
		case kind == "tool" && (value == "burp" || value == "zaproxy"):
			out[domain.HoneypotAPIEndpoint] = ind
		case kind == "vector" && value == "database":
			out[domain.HoneypotDatabase] = ind
		case kind == "vector" && value == "data_access":
			out[domain.HoneypotFileServer] = ind
		case kind == "vector" && value == "api":
			out[domain.HoneypotAPIEndpoint] = ind
		}
	}
	return out
}

// Evaluate принимает решения по политике и отправляет намерения исполнителю.
func (c *Controller) Evaluate(ctx context.Context, now time.Time) ([]*Intent, error) {
	c.mu.Lock()
	var intents []*Intent

	// 1. Насыщение по типу в скользящем окне
	for _, t := range sortedTypes(c.engagements) {
		kept := pruneBefore(c.engagements[t], now.Add(-c.cfg.SaturationWindow))
		c.engagements[t] = kept
		if len(kept) <= c.cfg.SaturationThreshold || c.hasPendingProvision(t) {
			continue
		}
		reason := fmt.Sprintf("saturation: %d engagements in %s", len(kept), c.cfg.SaturationWindow)
		if c.liveCount(t) < c.cfg.MaxPerType {
			intents = append(intents, c.provisionIntent(t, reason, now))
		} else if d := c.busiest(t); d != nil {
			intents = append(intents, c.reconfigureIntent(d, reason, now))
		} else {
			continue
		}
		c.engagements[t] = nil
	}

	// 2. Спрос по инструментам: тип без живой ловушки
	for _, t := range sortedTypes(c.demand) {
		reason := c.demand[t]
		delete(c.demand, t)
		if c.hasLive(t) || c.hasPendingProvision(t) {
			continue
		}
		intents = append(intents, c.provisionIntent(t, "demand: "+reason, now))
	}

	// 3. Устаревшие выводятся, скомпрометированные получают новый вариант
	ids := make([]string, 0, len(c.decoys))
	for id := range c.decoys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d := c.decoys[id]
		if d.State != domain.HoneypotActive && d.State != domain.HoneypotCompromisedObserved {
			continue
		}
		last := d.LastEngagedAt
		if last.IsZero() {
			last = d.CreatedAt
		}
		if c.hasPendingFor(id) {
			continue
		}
		if now.Sub(last) <= c.cfg.StalenessHorizon {
			if d.State == domain.HoneypotCompromisedObserved {
				intents = append(intents, c.reconfigureIntent(d, "compromise observed", now))
			}
			continue
		}
		in := newIntent(c.newID(), IntentRetire, now)
		in.HoneypotID = d.ID
		in.Type = d.Type
		in.Fingerprint = d.Fingerprint
		in.Reason = fmt.Sprintf("stale: no engagement since %s", last.Format(time.RFC3339))
		c.pending[in.ID] = in
		intents = append(intents, in)
	}
	c.mu.Unlock()

	// 4. Журнал и отправка вне блокировки
	var errs []error
	for _, in := range intents {
		c.journalIntent(in.record(nil))
		if err := c.submit(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}
	return intents, errors.Join(errs...)
}

// provisionIntent вызывается под c.mu.
func (c *Controller) provisionIntent(t domain.HoneypotType, reason string, now time.Time) *Intent {
	variant, fp := nextVariant(t, c.usedFingerprints(t))
	in := newIntent(c.newID(), IntentProvision, now)
	in.HoneypotID = fmt.Sprintf("hp-%s-%s", t, fp[:8])
	in.Type = t
	in.Fingerprint = fp
	in.Profile = variant
	in.Reason = reason
	c.pending[in.ID] = in
	return in
}

// reconfigureIntent просит сменить вариант живой ловушки. Вызывается под c.mu.
func (c *Controller) reconfigureIntent(d *domain.HoneypotDescriptor, reason string, now time.Time) *Intent {
	variant, fp := nextVariant(d.Type, c.usedFingerprints(d.Type))
	in := newIntent(c.newID(), IntentReconfigure, now)
	in.HoneypotID = d.ID
	in.Type = d.Type
	in.Fingerprint = fp
	in.Profile = variant
	in.Reason = reason
	c.pending[in.ID] = in
	return in
}

func (c *Controller) submit(ctx context.Context, in *Intent) error {
	if c.provisioner == nil {
		return nil
	}
	if err := c.provisioner.Submit(ctx, in); err != nil {
		c.mu.Lock()
		delete(c.pending, in.ID)
		c.mu.Unlock()
		res := Completion{Success: false, Error: err.Error(), CompletedAt: c.now().UTC()}
		in.resolve(res)
		c.journalIntent(in.record(&res))
		c.metrics.HoneypotIntentsTotal.WithLabelValues(string(in.Kind), "submit_failed").Inc()
		c.logger.Error("intent submission failed",
			zap.String("intent_id", in.ID),
			zap.String("kind", string(in.Kind)),
			zap.Error(err))
		return fmt.Errorf("honeypot: submit %s: %w", in.ID, err)
	}
	c.metrics.HoneypotIntentsTotal.WithLabelValues(string(in.Kind), "issued").Inc()
	c.logger.Info("intent issued",
		zap.String("intent_id", in.ID),
		zap.String("kind", string(in.Kind)),
		zap.String("honeypot_id", in.HoneypotID),
		zap.String("type", string(in.Type)),
		zap.String("reason", in.Reason))
	return nil
}

// Complete применяет подтверждение исполнителя. Только здесь меняется состояние ловушек.
func (c *Controller) Complete(intentID string, res Completion) error {
	if res.CompletedAt.IsZero() {
		res.CompletedAt = c.now().UTC()
	}
	c.mu.Lock()
	in, ok := c.pending[intentID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("honeypot: %s: %w", intentID, ErrUnknownIntent)
	}
	delete(c.pending, intentID)

	var (
		snap     *domain.HoneypotDescriptor
		conflict error
	)
	switch in.Kind {
	case IntentProvision:
		if _, exists := c.decoys[in.HoneypotID]; exists && res.Success {
			// существующее описание (и его история) не перезаписывается
			conflict = fmt.Errorf("honeypot: %s: %w", in.HoneypotID, ErrDuplicate)
		} else if res.Success {
			d := &domain.HoneypotDescriptor{
				ID:          in.HoneypotID,
				Type:        in.Type,
				State:       domain.HoneypotActive,
				Fingerprint: in.Fingerprint,
				CreatedAt:   res.CompletedAt,
				AdaptationHistory: []domain.AdaptationRecord{{
					At: res.CompletedAt, IntentID: in.ID, From: domain.HoneypotProvisioning, To: domain.HoneypotActive,
					Reason: in.Reason, Fingerprint: in.Fingerprint,
				}},
			}
			c.decoys[d.ID] = d
			snap = d.Clone()
		}
	case IntentReconfigure:
		if d, exists := c.decoys[in.HoneypotID]; exists {
			c.applyReconfigure(d, in, res)
			snap = d.Clone()
		}
	case IntentRetire:
		d, exists := c.decoys[in.HoneypotID]
		if exists {
			if res.Success {
				for _, next := range []domain.HoneypotState{domain.HoneypotRetiring, domain.HoneypotRetired} {
					if err := d.State.CanTransitionTo(next); err != nil {
						break
					}
					d.AdaptationHistory = append(d.AdaptationHistory, domain.AdaptationRecord{
						At: res.CompletedAt, IntentID: in.ID, From: d.State, To: next, Reason: in.Reason,
					})
					d.State = next
				}
			} else {
				d.AdaptationHistory = append(d.AdaptationHistory, domain.AdaptationRecord{
					At: res.CompletedAt, IntentID: in.ID, From: d.State, To: d.State, Reason: "retire failed: " + res.Error,
				})
			}
			snap = d.Clone()
		}
	}
	c.mu.Unlock()

	in.resolve(res)
	c.journalIntent(in.record(&res))
	status := "completed"
	if !res.Success {
		status = "failed"
	}
	if conflict != nil {
		status = "conflict"
	}
	c.metrics.HoneypotIntentsTotal.WithLabelValues(string(in.Kind), status).Inc()
	c.logger.Info("intent resolved",
		zap.String("intent_id", in.ID),
		zap.String("kind", string(in.Kind)),
		zap.String("honeypot_id", in.HoneypotID),
		zap.Bool("success", res.Success),
		zap.String("error", res.Error))
	if snap != nil {
		c.journalHoneypot(snap)
	}
	if conflict != nil {
		c.logger.Error("provisioned decoy collides with a registered one",
			zap.String("intent_id", in.ID),
			zap.String("honeypot_id", in.HoneypotID))
		return conflict
	}
	return nil
}

// applyReconfigure: новый вариант применяется только к активной или скомпрометированной ловушке. Под c.mu.
func (c *Controller) applyReconfigure(d *domain.HoneypotDescriptor, in *Intent, res Completion) {
	rec := domain.AdaptationRecord{At: res.CompletedAt, IntentID: in.ID, From: d.State, To: d.State}
	switch {
	case !res.Success:
		rec.Reason = "reconfigure failed: " + res.Error
	case d.State != domain.HoneypotActive && d.State != domain.HoneypotCompromisedObserved:
		rec.Reason = "reconfigure skipped: decoy is " + string(d.State)
	default:
		rec.To = domain.HoneypotActive
		rec.Reason = in.Reason
		rec.Fingerprint = in.Fingerprint
		d.Fingerprint = in.Fingerprint
		d.State = domain.HoneypotActive
	}
	d.AdaptationHistory = append(d.AdaptationHistory, rec)
}

// RestorePending возвращает в ожидание неразрешенные намерения из хранилища,
// чтобы подтверждения исполнителя после рестарта не терялись. Возвращает число восстановленных.
func (c *Controller) RestorePending(records []*domain.HoneypotIntent) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	restored := 0
	for _, r := range records {
		if r == nil || r.ResolvedAt != nil || r.ID == "" {
			continue
		}
		if _, ok := c.pending[r.ID]; ok {
			continue
		}
		switch IntentKind(r.Kind) {
		case IntentProvision, IntentReconfigure, IntentRetire:
		default:
			c.logger.Warn("skipping stored intent of unknown kind", zap.String("intent_id", r.ID), zap.String("kind", r.Kind))
			continue
		}
		c.pending[r.ID] = intentFromRecord(r)
		restored++
	}
	return restored
}

// Run периодически вызывает Evaluate до отмены ctx.
func (c *Controller) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Evaluate(ctx, c.now().UTC()); err != nil {
				c.logger.Warn("evaluation finished with errors", zap.Error(err))
			}
		}
	}
}

// Descriptors — снимок всех ловушек, отсортированный по id.
func (c *Controller) Descriptors() []*domain.HoneypotDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.HoneypotDescriptor, 0, len(c.decoys))
	for _, d := range c.decoys {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Descriptor возвращает ловушку по id.
func (c *Controller) Descriptor(id string) (*domain.HoneypotDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.decoys[id]
	if !ok {
		return nil, fmt.Errorf("honeypot: %s: %w", id, ErrUnknownHoneypot)
	}
	return d.Clone(), nil
}

// IsDecoy — известна ли ловушка с таким id. Используется нормализатором.
func (c *Controller) IsDecoy(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.decoys[id]
	return ok
}

// Pending — неразрешенные намерения, старые первыми.
func (c *Controller) Pending() []*Intent {
	c.mu.Lock()
	out := make([]*Intent, 0, len(c.pending))
	for _, in := range c.pending {
		out = append(out, in)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// usedFingerprints — все отпечатки типа, когда-либо выданные: текущие и прошлые
// (включая выведенные ловушки) плюс ожидающие намерения. Под c.mu.
func (c *Controller) usedFingerprints(t domain.HoneypotType) map[string]struct{} {
	used := make(map[string]struct{})
	for _, d := range c.decoys {
		if d.Type != t {
			continue
		}
		used[d.Fingerprint] = struct{}{}
		for _, rec := range d.AdaptationHistory {
			if rec.Fingerprint != "" {
				used[rec.Fingerprint] = struct{}{}
			}
		}
	}
	for _, in := range c.pending {
		if in.Type == t && in.Fingerprint != "" {
			used[in.Fingerprint] = struct{}{}
		}
	}
	return used
}

func (c *Controller) liveCount(t domain.HoneypotType) int {
	n := 0
	for _, d := range c.decoys {
		if d.Type == t && (d.State == domain.HoneypotActive || d.State == domain.HoneypotCompromisedObserved) {
			n++
		}
	}
	return n
}

// busiest — самая вовлеченная ловушка типа без намерения в полете.
func (c *Controller) busiest(t domain.HoneypotType) *domain.HoneypotDescriptor {
	var best *domain.HoneypotDescriptor
	for _, d := range c.decoys {
		if d.Type != t || (d.State != domain.HoneypotActive && d.State != domain.HoneypotCompromisedObserved) || c.hasPendingFor(d.ID) {
			continue
		}
		if best == nil || d.EngagementCount > best.EngagementCount ||
			(d.EngagementCount == best.EngagementCount && d.ID < best.ID) {
			best = d
		}
	}
	return best
}

func (c *Controller) hasLive(t domain.HoneypotType) bool {
	for _, d := range c.decoys {
		if d.Type == t && d.State.Live() {
			return true
		}
	}
	return false
}

func (c *Controller) hasPendingProvision(t domain.HoneypotType) bool {
	for _, in := range c.pending {
		if in.Kind == IntentProvision && in.Type == t {
			return true
		}
	}
	return false
}

func (c *Controller) hasPendingFor(id string) bool {
	for _, in := range c.pending {
		if in.HoneypotID == id {
			return true
		}
	}
	return false
}

func (c *Controller) journalHoneypot(h *domain.HoneypotDescriptor) {
	if c.journal != nil {
		c.journal.LogHoneypot(h)
	}
}

func (c *Controller) journalIntent(r *domain.HoneypotIntent) {
	if c.journal != nil {
		c.journal.LogIntent(r)
	}
}

func pruneBefore(ts []time.Time, since time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if !t.Before(since) {
			kept = append(kept, t)
		}
	}
	return kept
}

func sortedTypes[V any](m map[domain.HoneypotType]V) []domain.HoneypotType {
	out := make([]domain.HoneypotType, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
