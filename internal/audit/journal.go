// Package audit — журнал изменений: снимки профилей, оценок, контрмер, алертов и ловушек
// копятся в буфере и пишутся в хранилище пачками в фоне.
//
// Log* не блокирует вызывающего: при переполнении буфера запись сбрасывается
// (load shedding) с ошибкой в лог. Stop вычитывает буфер до конца (drain) и делает финальный flush.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/infra"
	"github.com/xela07ax/honeyshield/internal/reliability"
	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняются записи.
type Storage interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, records []Record) error
}

type Config struct {
	Buffer      int
	Batch       int
	FlushEvery  time.Duration
	WriteTries  uint
	WriteDelay  time.Duration
	StopTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Buffer:      10000,
		Batch:       100,
		FlushEvery:  500 * time.Millisecond,
		WriteTries:  3,
		WriteDelay:  200 * time.Millisecond,
		StopTimeout: 10 * time.Second,
	}
}

type Option func(*Journal)

func WithMetrics(m *infra.Metrics) Option {
	return func(j *Journal) { j.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

type Journal struct {
	cfg     Config
	ch      chan Record
	repo    Storage
	logger  *zap.Logger
	metrics *infra.Metrics
	now     func() time.Time
	wg      sync.WaitGroup

	// mu защищает закрытие канала от одновременной отправки
	mu     sync.RWMutex
	closed bool
}

func NewJournal(cfg Config, repo Storage, logger *zap.Logger, opts ...Option) *Journal {
	def := DefaultConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = def.FlushEvery
	}
	if cfg.WriteTries == 0 {
		cfg.WriteTries = def.WriteTries
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	j := &Journal{
		cfg:    cfg,
		ch:     make(chan Record, cfg.Buffer),
		repo:   repo,
		logger: logger.With(zap.String("mod", "journal")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход и ждет, пока воркер все допишет.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()

	j.logger.Info("stopping journal: flushing buffer...")
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

func (j *Journal) LogProfile(p *domain.AttackerProfile) {
	if p == nil {
		return
	}
	snap := p.Clone()
	j.log(Record{Kind: KindProfile, Key: snap.SourceIdentity, Identity: snap.SourceIdentity, Profile: snap})
}

func (j *Journal) LogAssessment(a *domain.ThreatAssessment) {
	if a == nil {
		return
	}
	snap := a.Clone()
	j.log(Record{Kind: KindAssessment, Key: snap.ID, Identity: snap.SourceIdentity, Assessment: snap})
}

func (j *Journal) LogAction(a *domain.ResponseAction) {
	if a == nil {
		return
	}
	snap := a.Clone()
	j.log(Record{Kind: KindAction, Key: snap.ID, Identity: snap.TargetIdentity, Action: snap})
}

func (j *Journal) LogAlert(a *domain.Alert) {
	if a == nil {
		return
	}
	snap := a.Clone()
	j.log(Record{Kind: KindAlert, Key: snap.ID, Identity: snap.SourceIdentity, Alert: snap})
}

func (j *Journal) LogHoneypot(h *domain.HoneypotDescriptor) {
	if h == nil {
		return
	}
	snap := h.Clone()
	j.log(Record{Kind: KindHoneypot, Key: snap.ID, Honeypot: snap})
}

func (j *Journal) LogIntent(in *domain.HoneypotIntent) {
	if in == nil {
		return
	}
	snap := in.Clone()
	j.log(Record{Kind: KindIntent, Key: snap.ID, Intent: snap})
}

func (j *Journal) log(r Record) {
	r.Timestamp = j.now().UTC()

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Warn("journal record dropped: journal is stopped", zap.String("kind", string(r.Kind)), zap.String("key", r.Key))
		return
	}

	// Load Shedding
	select {
	case j.ch <- r:
		if j.metrics != nil {
			j.metrics.JournalBufferFill.Set(float64(len(j.ch)))
		}
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("kind", string(r.Kind)),
			zap.String("key", r.Key),
			zap.String("identity", r.Identity),
		)
		if j.metrics != nil {
			j.metrics.ErrorTotal.WithLabelValues("journal_overflow").Inc()
		}
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Record, 0, j.cfg.Batch)
	ticker := time.NewTicker(j.cfg.FlushEvery)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		err := reliability.Retry(ctx, j.cfg.WriteTries, j.cfg.WriteDelay, func() error {
			return j.repo.WriteBatch(ctx, batch)
		})
		if err != nil {
			j.logger.Error("journal flush failed", zap.Int("records", len(batch)), zap.Error(err))
			if j.metrics != nil {
				j.metrics.ErrorTotal.WithLabelValues("journal_flush").Inc()
			}
		}
		batch = batch[:0]
		if j.metrics != nil {
			j.metrics.JournalBufferFill.Set(float64(len(j.ch)))
		}
	}

	for {
		select {
		case r, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop(): остатки уже вычитаны, финальный сброс
				ctx, cancel := context.WithTimeout(context.Background(), j.cfg.StopTimeout)
				flush(ctx)
				cancel()
				return
			}
			batch = append(batch, r)
			if len(batch) >= j.cfg.Batch {
				flush(context.Background())
			}
		case <-ticker.C:
			flush(context.Background())
		}
	}
}
