// Package engine — конвейер обработки событий: нормализация, идемпотентность входа,
// шардирование по идентичности и цепочка профиль -> оценка -> реакция -> алерты -> ловушки.
//
// Каждый шард — одна горутина, поэтому события одной идентичности обрабатываются строго
// в порядке поступления, а разные идентичности идут параллельно.
// При недоступности хранилища профилей событие (и все последующие той же идентичности)
// паркуется и повторяется с ограниченным экспоненциальным бэкоффом, не задерживая остальные.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/xela07ax/honeyshield/internal/alerting"
	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/infra"
	"github.com/xela07ax/honeyshield/internal/normalizer"
	"github.com/xela07ax/honeyshield/internal/response"
	"go.uber.org/zap"
)

var (
	ErrStopped = errors.New("pipeline is stopped")
)

// ProfileStore — операции хранилища профилей, которые нужны конвейеру.
type ProfileStore interface {
	RecordEvent(ctx context.Context, event *domain.SecurityEvent) (*domain.AttackerProfile, error)
	AppendAssessment(ctx context.Context, identity string, a *domain.ThreatAssessment) (*domain.AttackerProfile, error)
}

type Locker interface {
	Lock(identity string) (unlock func())
}

type Scorer interface {
	Assess(ctx context.Context, event *domain.SecurityEvent, profile *domain.AttackerProfile) (*domain.ThreatAssessment, error)
}

type Responder interface {
	Handle(ctx context.Context, s response.Subject) (response.Decision, error)
}

type Alerter interface {
	Dispatch(ctx context.Context, profile *domain.AttackerProfile, a *domain.ThreatAssessment) (alerting.Result, error)
	DispatchDegraded(ctx context.Context, profile *domain.AttackerProfile, a *domain.ThreatAssessment, action *domain.ResponseAction) (alerting.Result, error)
}

type Observer interface {
	Observe(event *domain.SecurityEvent, a *domain.ThreatAssessment)
}

// Deps — компоненты, через которые проходит событие. Honeypots может быть nil.
type Deps struct {
	Normalizer *normalizer.Normalizer
	Store      ProfileStore
	Locker     Locker
	Scorer     Scorer
	Responder  Responder
	Alerter    Alerter
	Honeypots  Observer
}

type Config struct {
	Workers   int
	QueueSize int
	RetryBase time.Duration
	RetryMax  time.Duration
}

func DefaultConfig() Config {
	return Config{Workers: 8, QueueSize: 1024, RetryBase: 200 * time.Millisecond, RetryMax: 30 * time.Second}
}

// Result — итог обработки одного события.
type Result struct {
	EventID    string
	Identity   string
	Duplicate  bool
	Assessment *domain.ThreatAssessment
	Decision   response.Decision
	Alerts     []*domain.Alert
	Err        error
}

type job struct {
	event   *domain.SecurityEvent
	ingress string
	start   time.Time
	done    chan Result
}

func (j *job) finish(r Result) {
	if j.done != nil {
		j.done <- r
	}
}

type parked struct {
	jobs  []*job
	delay time.Duration
}

type shard struct {
	queue  chan *job
	wake   chan string
	parked map[string]*parked
}

type Option func(*Pipeline)

func WithGuard(g *IdempotencyGuard) Option {
	return func(p *Pipeline) { p.guard = g }
}

func WithMetrics(m *infra.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

type Pipeline struct {
	cfg     Config
	deps    Deps
	guard   *IdempotencyGuard
	metrics *infra.Metrics
	logger  *zap.Logger
	shards  []*shard

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	wg      sync.WaitGroup
}

func NewPipeline(cfg Config, deps Deps, logger *zap.Logger, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	p := &Pipeline{
		cfg:     cfg,
		deps:    deps,
		metrics: infra.NewMetrics(nil),
		logger:  logger.Named("pipeline"),
		shards:  make([]*shard, cfg.Workers),
	}
	for i := range p.shards {
		p.shards[i] = &shard{
			queue:  make(chan *job, cfg.QueueSize),
			wake:   make(chan string, cfg.QueueSize),
			parked: make(map[string]*parked),
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start запускает воркеры шардов. Остановка — отменой ctx и Wait.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	for _, sh := range p.shards {
		p.wg.Add(1)
		go func(sh *shard) {
			defer p.wg.Done()
			p.work(ctx, sh)
		}(sh)
	}
	p.logger.Info("pipeline started", zap.Int("workers", len(p.shards)))
}

// Wait дожидается завершения воркеров после отмены контекста Start.
func (p *Pipeline) Wait() {
	p.wg.Wait()
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// Submit нормализует запись, отсекает повтор и ставит событие в очередь шарда.
// Канал результата буферизован: его можно не читать.
func (p *Pipeline) Submit(ctx context.Context, raw normalizer.RawEvent, ingress string) (<-chan Result, error) {
	p.metrics.EventsTotal.WithLabelValues(ingress).Inc()

	event, err := p.deps.Normalizer.Normalize(raw)
	if err != nil {
		p.metrics.ErrorTotal.WithLabelValues("malformed").Inc()
		p.logger.Warn("malformed event discarded", zap.String("ingress", ingress), zap.Error(err))
		return nil, err
	}

	done := make(chan Result, 1)
	if event.NaturalID && p.guard != nil {
		first, err := p.guard.Claim(ctx, event.ID)
		if err != nil {
			return nil, err
		}
		if !first {
			p.metrics.ErrorTotal.WithLabelValues("duplicate").Inc()
			p.logger.Debug("duplicate event skipped", zap.String("event_id", event.ID))
			done <- Result{EventID: event.ID, Identity: event.SourceIdentity, Duplicate: true}
			return done, nil
		}
	}

	j := &job{event: event, ingress: ingress, start: time.Now(), done: done}
	if err := p.enqueue(ctx, j); err != nil {
		p.release(event)
		return nil, err
	}
	return done, nil
}

// Process — синхронный вариант Submit: ждет окончания обработки события.
func (p *Pipeline) Process(ctx context.Context, raw normalizer.RawEvent, ingress string) (Result, error) {
	done, err := p.Submit(ctx, raw, ingress)
	if err != nil {
		return Result{}, err
	}
	select {
	case r := <-done:
		return r, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pipeline) enqueue(ctx context.Context, j *job) error {
	p.mu.RLock()
	running, runCtx := p.running, p.ctx
	p.mu.RUnlock()
	if !running {
		return ErrStopped
	}
	sh := p.shardFor(j.event.SourceIdentity)
	select {
	case sh.queue <- j:
		return nil
	case <-runCtx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) shardFor(identity string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

func (p *Pipeline) work(ctx context.Context, sh *shard) {
	for {
		select {
		case j := <-sh.queue:
			if pk, ok := sh.parked[j.event.SourceIdentity]; ok {
				// Сохраняем порядок: встаем за отложенными событиями той же идентичности
				pk.jobs = append(pk.jobs, j)
				p.metrics.ParkedEvents.Inc()
				continue
			}
			if !p.run(ctx, j) {
				p.park(ctx, sh, j)
			}
		case identity := <-sh.wake:
			p.drain(ctx, sh, identity)
		case <-ctx.Done():
			p.abandon(sh)
			return
		}
	}
}

// run обрабатывает событие. false — хранилище недоступно, событие нужно отложить.
func (p *Pipeline) run(ctx context.Context, j *job) bool {
	res := p.process(ctx, j.event)
	if res.Err != nil && domain.IsRetryable(res.Err) && ctx.Err() == nil {
		p.metrics.ErrorTotal.WithLabelValues("store_unavailable").Inc()
		p.logger.Warn("profile store unavailable, event parked",
			zap.String("identity", j.event.SourceIdentity),
			zap.String("event_id", j.event.ID),
			zap.Error(res.Err))
		return false
	}

	outcome := "ok"
	if res.Err != nil {
		outcome = "error"
		p.release(j.event)
	}
	p.metrics.ProcessDuration.WithLabelValues(outcome).Observe(time.Since(j.start).Seconds())
	j.finish(res)
	return true
}

func (p *Pipeline) park(ctx context.Context, sh *shard, j *job) {
	identity := j.event.SourceIdentity
	pk := &parked{jobs: []*job{j}, delay: p.cfg.RetryBase}
	sh.parked[identity] = pk
	p.metrics.ParkedEvents.Inc()
	p.schedule(ctx, sh, identity, pk.delay)
}

func (p *Pipeline) schedule(ctx context.Context, sh *shard, identity string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case sh.wake <- identity:
		case <-ctx.Done():
		}
	})
}

// drain повторяет отложенные события идентичности по порядку.
func (p *Pipeline) drain(ctx context.Context, sh *shard, identity string) {
	pk, ok := sh.parked[identity]
	if !ok {
		return
	}
	for len(pk.jobs) > 0 {
		if !p.run(ctx, pk.jobs[0]) {
			pk.delay *= 2
			if pk.delay > p.cfg.RetryMax {
				pk.delay = p.cfg.RetryMax
			}
			p.schedule(ctx, sh, identity, pk.delay)
			return
		}
		pk.jobs = pk.jobs[1:]
		p.metrics.ParkedEvents.Dec()
	}
	delete(sh.parked, identity)
}

// abandon завершает отложенные события при остановке: метки идемпотентности снимаются,
// чтобы повторная доставка не была отброшена.
func (p *Pipeline) abandon(sh *shard) {
	for identity, pk := range sh.parked {
		for _, j := range pk.jobs {
			p.release(j.event)
			j.finish(Result{EventID: j.event.ID, Identity: identity, Err: ErrStopped})
			p.metrics.ParkedEvents.Dec()
		}
		delete(sh.parked, identity)
	}
	for {
		select {
		case j := <-sh.queue:
			p.release(j.event)
			j.finish(Result{EventID: j.event.ID, Identity: j.event.SourceIdentity, Err: ErrStopped})
		default:
			return
		}
	}
}

func (p *Pipeline) release(e *domain.SecurityEvent) {
	if e.NaturalID && p.guard != nil {
		p.guard.Release(context.Background(), e.ID)
	}
}

// process — вся цепочка для одного события под блокировкой его идентичности.
func (p *Pipeline) process(ctx context.Context, event *domain.SecurityEvent) (res Result) {
	res = Result{EventID: event.ID, Identity: event.SourceIdentity}
	logger := p.logger.With(zap.String("identity", event.SourceIdentity), zap.String("event_id", event.ID))

	defer func() {
		if r := recover(); r != nil {
			p.metrics.ErrorTotal.WithLabelValues("panic").Inc()
			logger.Error("panic while processing event", zap.Any("panic", r), zap.Stack("stack"))
			res.Err = fmt.Errorf("engine: panic: %v", r)
		}
	}()

	unlock := p.deps.Locker.Lock(event.SourceIdentity)
	defer unlock()

	// 1. Профиль
	profile, err := p.deps.Store.RecordEvent(ctx, event)
	if err != nil {
		return p.fail(res, "store_unavailable", err)
	}

	// 2. Оценка
	assessment, err := p.deps.Scorer.Assess(ctx, event, profile)
	if err != nil {
		return p.fail(res, "scoring", err)
	}
	profile, err = p.deps.Store.AppendAssessment(ctx, event.SourceIdentity, assessment)
	if err != nil {
		return p.fail(res, "store_unavailable", err)
	}
	res.Assessment = assessment

	// 3. Реакция
	decision, err := p.deps.Responder.Handle(ctx, response.Subject{Event: event, Profile: profile, Assessment: assessment})
	if err != nil {
		return p.fail(res, "response", err)
	}
	res.Decision = decision

	// 4. Алерты
	if r, err := p.deps.Alerter.Dispatch(ctx, profile, assessment); err != nil {
		logger.Error("alert dispatch failed", zap.String("assessment_id", assessment.ID), zap.Error(err))
	} else if r.Alert != nil && !r.Suppressed {
		res.Alerts = append(res.Alerts, r.Alert)
	}
	if decision.Degraded {
		if r, err := p.deps.Alerter.DispatchDegraded(ctx, profile, assessment, decision.Action); err != nil {
			logger.Error("degraded alert dispatch failed", zap.String("assessment_id", assessment.ID), zap.Error(err))
		} else if r.Alert != nil && !r.Suppressed {
			res.Alerts = append(res.Alerts, r.Alert)
		}
	}

	// 5. Ловушки
	if p.deps.Honeypots != nil {
		p.deps.Honeypots.Observe(event, assessment)
	}

	logger.Debug("event processed",
		zap.String("assessment_id", assessment.ID),
		zap.Float64("score", assessment.Score),
		zap.String("category", string(assessment.Category)),
		zap.String("state", string(decision.State)))
	return res
}

func (p *Pipeline) fail(res Result, kind string, err error) Result {
	if !domain.IsRetryable(err) {
		p.metrics.ErrorTotal.WithLabelValues(kind).Inc()
	}
	res.Err = err
	return res
}
