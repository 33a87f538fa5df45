// Package response ведет автомат реагирования по каждому источнику:
// выбор контрмеры по оценке, применение с повторами, продление и откат по сроку.
package response

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/infra"
	"github.com/xela07ax/honeyshield/internal/reliability"
	"go.uber.org/zap"
)

var (
	ErrActionNotFound  = errors.New("response action not found")
	ErrActionNotActive = errors.New("response action is not active")
)

// Applier — исполнитель контрмер (сетевые списки, лимиты, карантин ресурсов).
type Applier interface {
	Apply(ctx context.Context, action *domain.ResponseAction) error
	Revert(ctx context.Context, action *domain.ResponseAction) error
}

// Profiles — часть хранилища профилей, нужная автомату.
type Profiles interface {
	Get(ctx context.Context, identity string) (*domain.AttackerProfile, error)
	RecordAction(ctx context.Context, identity string, action *domain.ResponseAction) (*domain.AttackerProfile, error)
}

// Locker — эксклюзивная область идентичности (общая с конвейером).
type Locker interface {
	Lock(identity string) (unlock func())
}

// Journal — асинхронная запись действий.
type Journal interface {
	LogAction(a *domain.ResponseAction)
}

type Config struct {
	LowThreshold    float64
	HighThreshold   float64
	BlockConfidence float64
	MaxAttempts     uint
	RetryDelay      time.Duration
	TTL             map[domain.ActionKind]time.Duration
	RenewalWindow   time.Duration
	// Retention — сколько держать в памяти завершенные действия и записи без активной меры.
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		LowThreshold:    0.3,
		HighThreshold:   0.7,
		BlockConfidence: 0.8,
		MaxAttempts:     3,
		RetryDelay:      200 * time.Millisecond,
		TTL: map[domain.ActionKind]time.Duration{
			domain.KindBlock:              time.Hour,
			domain.KindRateLimit:          15 * time.Minute,
			domain.KindQuarantineResource: 2 * time.Hour,
		},
		RenewalWindow: 15 * time.Minute,
		Retention:     24 * time.Hour,
	}
}

// Subject — вход автомата: событие, снимок профиля и свежая оценка.
type Subject struct {
	Event      *domain.SecurityEvent
	Profile    *domain.AttackerProfile
	Assessment *domain.ThreatAssessment
}

// Decision — итог обработки одной оценки.
type Decision struct {
	State    domain.ResponseState
	Action   *domain.ResponseAction // новое, продленное или неудачное действие; nil если ничего не делали
	Renewed  bool
	Degraded bool  // контрмеру применить не удалось
	Failure  error // причина деградации
}

type record struct {
	state   domain.ResponseState
	active  *domain.ResponseAction
	touched time.Time
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

func WithGuard(g *reliability.Guard) Option {
	return func(o *Orchestrator) { o.guard = g }
}

func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

func WithMetrics(m *infra.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

type Orchestrator struct {
	cfg      Config
	applier  Applier
	profiles Profiles
	locker   Locker
	guard    *reliability.Guard
	journal  Journal
	metrics  *infra.Metrics
	now      func() time.Time
	newID    func() string
	logger   *zap.Logger

	mu      sync.RWMutex
	records map[string]*record
	actions map[string]*domain.ResponseAction
}

func NewOrchestrator(cfg Config, applier Applier, profiles Profiles, locker Locker, logger *zap.Logger, opts ...Option) *Orchestrator {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	o := &Orchestrator{
		cfg:      cfg,
		applier:  applier,
		profiles: profiles,
		locker:   locker,
		metrics:  infra.NewMetrics(nil),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		logger:   logger.With(zap.String("mod", "response")),
		records:  make(map[string]*record),
		actions:  make(map[string]*domain.ResponseAction),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle проводит автомат через Evaluating для новой оценки.
// Вызывается внутри Locker-области идентичности; оценка уже должна быть в истории профиля.
func (o *Orchestrator) Handle(ctx context.Context, s Subject) (Decision, error) {
	if s.Assessment == nil {
		return Decision{}, fmt.Errorf("response: nil assessment")
	}
	identity := s.Assessment.SourceIdentity
	rec := o.record(identity)

	// 1. Любое новое свидетельство переводит автомат в Evaluating
	if err := o.transition(identity, rec, domain.StateEvaluating); err != nil {
		return Decision{}, err
	}

	score := s.Assessment.Score
	switch {
	case score < o.cfg.LowThreshold:
		return o.settle(identity, rec, domain.StateIdle)
	case score < o.cfg.HighThreshold:
		return o.settle(identity, rec, domain.StateMonitoring)
	}

	// 2. Высокий риск: выбираем контрмеру, только эскалация
	kind := o.chooseKind(s)
	now := o.now().UTC()

	o.mu.RLock()
	active := rec.active
	o.mu.RUnlock()

	if active != nil && kind.Rank() <= active.Kind.Rank() {
		renewed := o.extend(active, now)
		if _, err := o.profiles.RecordAction(ctx, identity, renewed); err != nil {
			return Decision{}, err
		}
		if err := o.transition(identity, rec, domain.StateActionApplied); err != nil {
			return Decision{}, err
		}
		o.metrics.ActionsTotal.WithLabelValues(string(renewed.Kind), "renewed").Inc()
		return Decision{State: domain.StateActionApplied, Action: renewed, Renewed: true}, nil
	}

	action := &domain.ResponseAction{
		ID:             o.newID(),
		TargetIdentity: identity,
		AssessmentID:   s.Assessment.ID,
		Kind:           kind,
		Status:         domain.ActionPending,
		Reason:         fmt.Sprintf("score=%.2f category=%s", score, s.Assessment.Category),
		UpdatedAt:      now,
	}
	if s.Event != nil {
		action.TargetResource = s.Event.TargetResource
	}

	// 3. Применение с повторами
	applyErr := o.apply(ctx, action)
	if applyErr != nil {
		action.Status = domain.ActionFailed
		action.UpdatedAt = o.now().UTC()
		o.store(action)
		if _, err := o.profiles.RecordAction(ctx, identity, action); err != nil {
			return Decision{}, err
		}
		o.metrics.ActionsTotal.WithLabelValues(string(kind), "failed").Inc()
		o.logger.Error("countermeasure failed, response degraded",
			zap.String("identity", identity),
			zap.String("action_id", action.ID),
			zap.String("kind", string(kind)),
			zap.Int("attempts", action.Attempts),
			zap.Error(applyErr))

		// Старое действие (если было) продолжает работать
		next := domain.StateMonitoring
		if active != nil {
			next = domain.StateActionApplied
		}
		d, err := o.settle(identity, rec, next)
		if err != nil {
			return Decision{}, err
		}
		d.Action = action.Clone()
		d.Degraded = true
		d.Failure = applyErr
		return d, nil
	}

	applied := o.now().UTC()
	expires := applied.Add(o.ttl(kind))
	action.Status = domain.ActionActive
	action.AppliedAt = applied
	action.ExpiresAt = &expires
	action.UpdatedAt = applied
	o.store(action)
	if _, err := o.profiles.RecordAction(ctx, identity, action); err != nil {
		return Decision{}, err
	}

	// 4. Вытесненное действие снимаем
	if active != nil {
		o.supersede(ctx, identity, active)
	}

	o.mu.Lock()
	rec.active = action
	o.mu.Unlock()
	if err := o.transition(identity, rec, domain.StateActionApplied); err != nil {
		return Decision{}, err
	}

	o.metrics.ActionsTotal.WithLabelValues(string(kind), "applied").Inc()
	o.logger.Info("countermeasure applied",
		zap.String("identity", identity),
		zap.String("action_id", action.ID),
		zap.String("assessment_id", action.AssessmentID),
		zap.String("kind", string(kind)),
		zap.Time("expires_at", expires))
	return Decision{State: domain.StateActionApplied, Action: action.Clone()}, nil
}

// settle завершает Evaluating без новой контрмеры. Активное действие не понижается.
func (o *Orchestrator) settle(identity string, rec *record, next domain.ResponseState) (Decision, error) {
	o.mu.RLock()
	hasActive := rec.active != nil
	o.mu.RUnlock()
	if hasActive {
		next = domain.StateActionApplied
	}
	if err := o.transition(identity, rec, next); err != nil {
		return Decision{}, err
	}
	return Decision{State: next}, nil
}

func (o *Orchestrator) chooseKind(s Subject) domain.ActionKind {
	a := s.Assessment
	decoy := s.Event != nil && s.Event.IsDecoy()
	for _, ind := range a.Indicators {
		if ind == "decoy_interaction" {
			decoy = true
		}
	}
	if decoy {
		return domain.KindBlock
	}

	strong := a.Confidence >= o.cfg.BlockConfidence
	switch a.Category {
	case domain.CategoryExploitation, domain.CategoryExfiltration:
		if strong {
			return domain.KindBlock
		}
	}
	if a.Category == domain.CategoryExfiltration && s.Event != nil &&
		s.Event.OriginKind() == domain.OriginProduction && s.Event.TargetResource != "" {
		return domain.KindQuarantineResource
	}
	return domain.KindRateLimit
}

func (o *Orchestrator) apply(ctx context.Context, action *domain.ResponseAction) error {
	return reliability.Retry(ctx, o.cfg.MaxAttempts, o.cfg.RetryDelay, func() error {
		action.Attempts++
		return o.call(ctx, action, o.applier.Apply)
	})
}

func (o *Orchestrator) revert(ctx context.Context, action *domain.ResponseAction) error {
	return reliability.Retry(ctx, o.cfg.MaxAttempts, o.cfg.RetryDelay, func() error {
		return o.call(ctx, action, o.applier.Revert)
	})
}

// call оборачивает исполнителя в Guard и приводит ошибку к ActionApplicationError.
func (o *Orchestrator) call(ctx context.Context, action *domain.ResponseAction, fn func(context.Context, *domain.ResponseAction) error) error {
	var err error
	if o.guard != nil {
		err = o.guard.Do(ctx, func(c context.Context) error { return fn(c, action) })
	} else {
		err = fn(ctx, action)
	}
	if err == nil {
		return nil
	}
	var appErr *domain.ActionApplicationError
	if errors.As(err, &appErr) {
		return err
	}
	return &domain.ActionApplicationError{ActionID: action.ID, Kind: action.Kind, Cause: err}
}

func (o *Orchestrator) extend(active *domain.ResponseAction, now time.Time) *domain.ResponseAction {
	o.mu.Lock()
	defer o.mu.Unlock()
	expires := now.Add(o.ttl(active.Kind))
	if active.ExpiresAt == nil || expires.After(*active.ExpiresAt) {
		active.ExpiresAt = &expires
	}
	active.Renewals++
	active.UpdatedAt = now
	snap := active.Clone()
	o.journalAction(snap)
	return snap
}

func (o *Orchestrator) supersede(ctx context.Context, identity string, old *domain.ResponseAction) {
	if err := o.revert(ctx, old.Clone()); err != nil {
		o.logger.Warn("superseded countermeasure was not reverted",
			zap.String("identity", identity),
			zap.String("action_id", old.ID),
			zap.Error(err))
	}
	o.mu.Lock()
	old.Status = domain.ActionExpired
	old.UpdatedAt = o.now().UTC()
	snap := old.Clone()
	o.mu.Unlock()
	o.journalAction(snap)
	if _, err := o.profiles.RecordAction(ctx, identity, snap); err != nil {
		o.logger.Warn("profile not updated for superseded action", zap.String("action_id", snap.ID), zap.Error(err))
	}
}

// Sweep обрабатывает истекшие действия: продлевает при продолжающейся активности, иначе откатывает.
func (o *Orchestrator) Sweep(ctx context.Context, now time.Time) error {
	var due []string
	o.mu.RLock()
	for identity, rec := range o.records {
		if rec.active != nil && rec.active.ExpiredAt(now) {
			due = append(due, identity)
		}
	}
	o.mu.RUnlock()
	sort.Strings(due)

	var errs []error
	for _, identity := range due {
		if err := o.expire(ctx, identity, now); err != nil {
			errs = append(errs, err)
		}
	}

	if actions, records := o.prune(now); actions+records > 0 {
		o.logger.Debug("response state pruned", zap.Int("actions", actions), zap.Int("records", records))
	}
	return errors.Join(errs...)
}

// prune освобождает память: завершенные действия старше Retention и записи без активной меры,
// которых столько же не касались. Копия действий остается в журнале.
func (o *Orchestrator) prune(now time.Time) (actions, records int) {
	if o.cfg.Retention <= 0 {
		return 0, 0
	}
	cutoff := now.Add(-o.cfg.Retention)

	o.mu.Lock()
	for id, a := range o.actions {
		if a.Status == domain.ActionActive || a.Status == domain.ActionPending {
			continue
		}
		if a.UpdatedAt.Before(cutoff) {
			delete(o.actions, id)
			actions++
		}
	}
	var idle []string
	for identity, rec := range o.records {
		if rec.active == nil && rec.touched.Before(cutoff) {
			idle = append(idle, identity)
		}
	}
	o.mu.Unlock()

	// Запись удаляется только в области идентичности, чтобы Handle не остался с осиротевшей копией
	sort.Strings(idle)
	for _, identity := range idle {
		unlock := o.locker.Lock(identity)
		o.mu.Lock()
		if rec, ok := o.records[identity]; ok && rec.active == nil && rec.touched.Before(cutoff) && rec.state != domain.StateEvaluating {
			delete(o.records, identity)
			records++
		}
		o.mu.Unlock()
		unlock()
	}
	return actions, records
}

func (o *Orchestrator) expire(ctx context.Context, identity string, now time.Time) error {
	unlock := o.locker.Lock(identity)
	defer unlock()

	rec := o.record(identity)
	o.mu.RLock()
	active := rec.active
	o.mu.RUnlock()
	// Действие могли продлить или заменить, пока ждали блокировку
	if active == nil || !active.ExpiredAt(now) {
		return nil
	}

	// 1. Источник еще активен — продлеваем
	p, err := o.profiles.Get(ctx, identity)
	var notFound *domain.ProfileNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return err
	}
	if p != nil && now.Sub(p.LastSeen) <= o.cfg.RenewalWindow && p.CurrentRiskLevel >= o.cfg.LowThreshold {
		renewed := o.extend(active, now)
		o.metrics.ActionsTotal.WithLabelValues(string(renewed.Kind), "renewed").Inc()
		o.logger.Info("countermeasure renewed",
			zap.String("identity", identity),
			zap.String("action_id", renewed.ID),
			zap.Int("renewals", renewed.Renewals))
		return nil
	}

	// 2. Иначе откат
	if err := o.revert(ctx, active.Clone()); err != nil {
		o.metrics.ActionsTotal.WithLabelValues(string(active.Kind), "revert_failed").Inc()
		return fmt.Errorf("response: revert %s: %w", active.ID, err)
	}
	snap := o.finish(rec, active, now)
	if p != nil {
		if _, err := o.profiles.RecordAction(ctx, identity, snap); err != nil {
			o.logger.Warn("profile not updated for expired action", zap.String("action_id", snap.ID), zap.Error(err))
		}
	}
	if err := o.transition(identity, rec, domain.StateExpired); err != nil {
		return err
	}
	o.metrics.ActionsTotal.WithLabelValues(string(snap.Kind), "expired").Inc()
	o.logger.Info("countermeasure expired", zap.String("identity", identity), zap.String("action_id", snap.ID))
	return nil
}

// Revert — явный откат действия оператором.
func (o *Orchestrator) Revert(ctx context.Context, actionID string) (*domain.ResponseAction, error) {
	o.mu.RLock()
	a, ok := o.actions[actionID]
	var identity string
	if ok {
		identity = a.TargetIdentity
	}
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("response: %s: %w", actionID, ErrActionNotFound)
	}

	unlock := o.locker.Lock(identity)
	defer unlock()

	rec := o.record(identity)
	o.mu.RLock()
	active := rec.active
	o.mu.RUnlock()
	if active == nil || active.ID != actionID {
		return nil, fmt.Errorf("response: %s: %w", actionID, ErrActionNotActive)
	}

	if err := o.revert(ctx, active.Clone()); err != nil {
		return nil, err
	}
	snap := o.finish(rec, active, o.now().UTC())
	if _, err := o.profiles.RecordAction(ctx, identity, snap); err != nil {
		var notFound *domain.ProfileNotFoundError
		if !errors.As(err, &notFound) {
			o.logger.Warn("profile not updated for reverted action", zap.String("action_id", snap.ID), zap.Error(err))
		}
	}
	if err := o.transition(identity, rec, domain.StateReverted); err != nil {
		return nil, err
	}
	o.metrics.ActionsTotal.WithLabelValues(string(snap.Kind), "reverted").Inc()
	o.logger.Info("countermeasure reverted by operator", zap.String("identity", identity), zap.String("action_id", snap.ID))
	return snap, nil
}

func (o *Orchestrator) finish(rec *record, active *domain.ResponseAction, now time.Time) *domain.ResponseAction {
	o.mu.Lock()
	active.Status = domain.ActionExpired
	active.UpdatedAt = now
	if rec.active == active {
		rec.active = nil
	}
	snap := active.Clone()
	o.mu.Unlock()
	o.journalAction(snap)
	return snap
}

// Run периодически вызывает Sweep до отмены ctx.
func (o *Orchestrator) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Sweep(ctx, o.now().UTC()); err != nil {
				o.logger.Error("expiry sweep finished with errors", zap.Error(err))
			}
		}
	}
}

// Restore поднимает активные действия после рестарта (из БД).
func (o *Orchestrator) Restore(actions []*domain.ResponseAction) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	restored := 0
	for _, a := range actions {
		if a == nil || a.Status != domain.ActionActive {
			continue
		}
		c := a.Clone()
		o.actions[c.ID] = c
		rec, ok := o.records[c.TargetIdentity]
		if !ok {
			rec = &record{}
			o.records[c.TargetIdentity] = rec
		}
		rec.touched = o.now().UTC()
		if rec.active == nil || c.Kind.Rank() > rec.active.Kind.Rank() {
			rec.active = c
		}
		rec.state = domain.StateActionApplied
		restored++
	}
	return restored
}

// State — текущее состояние автомата по источнику.
func (o *Orchestrator) State(identity string) domain.ResponseState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if rec, ok := o.records[identity]; ok {
		return rec.state
	}
	return domain.StateIdle
}

// Action возвращает действие по id.
func (o *Orchestrator) Action(id string) (*domain.ResponseAction, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.actions[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Actions — действия по источнику (пустой identity — все), новые первыми.
func (o *Orchestrator) Actions(identity string) []*domain.ResponseAction {
	o.mu.RLock()
	out := make([]*domain.ResponseAction, 0)
	for _, a := range o.actions {
		if identity == "" || a.TargetIdentity == identity {
			out = append(out, a.Clone())
		}
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (o *Orchestrator) record(identity string) *record {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[identity]
	if !ok {
		rec = &record{state: domain.StateIdle}
		o.records[identity] = rec
	}
	rec.touched = o.now().UTC()
	return rec
}

func (o *Orchestrator) transition(identity string, rec *record, next domain.ResponseState) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec.state == next {
		return nil
	}
	if err := rec.state.CanTransitionTo(next); err != nil {
		return fmt.Errorf("response: %s: %w", identity, err)
	}
	rec.state = next
	return nil
}

func (o *Orchestrator) store(action *domain.ResponseAction) {
	o.mu.Lock()
	o.actions[action.ID] = action
	snap := action.Clone()
	o.mu.Unlock()
	o.journalAction(snap)
}

func (o *Orchestrator) journalAction(a *domain.ResponseAction) {
	if o.journal != nil {
		o.journal.LogAction(a)
	}
}

func (o *Orchestrator) ttl(kind domain.ActionKind) time.Duration {
	if d, ok := o.cfg.TTL[kind]; ok && d > 0 {
		return d
	}
	return time.Hour
}
