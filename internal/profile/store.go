// Package profile хранит профили атакующих: шардированная карта в памяти,
// холодная загрузка из Backend и отложенная запись через журнал.
package profile

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/honeyshield/internal/domain"
	"go.uber.org/zap"
)

// Backend — холодное хранилище профилей. (nil, nil) означает "профиля нет".
type Backend interface {
	LoadProfile(ctx context.Context, identity string) (*domain.AttackerProfile, error)
}

// Journal принимает снимки для асинхронной записи. Не блокирует.
type Journal interface {
	LogProfile(p *domain.AttackerProfile)
	LogAssessment(a *domain.ThreatAssessment)
}

type Config struct {
	Shards         int
	HalfLife       time.Duration
	ActivityWindow time.Duration // сколько следов держать для окна оценки
	MaxActivity    int
	Retention      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Shards:         32,
		HalfLife:       24 * time.Hour,
		ActivityWindow: 10 * time.Minute,
		MaxActivity:    512,
		Retention:      30 * 24 * time.Hour,
	}
}

type shard struct {
	mu       sync.RWMutex
	profiles map[string]*domain.AttackerProfile
}

type Store struct {
	cfg     Config
	shards  []*shard
	locker  *Locker
	backend Backend
	journal Journal
	logger  *zap.Logger
}

// NewStore — backend и journal могут быть nil (только память).
func NewStore(cfg Config, backend Backend, journal Journal, logger *zap.Logger) *Store {
	if cfg.Shards <= 0 {
		cfg.Shards = 32
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = 24 * time.Hour
	}
	if cfg.MaxActivity <= 0 {
		cfg.MaxActivity = 512
	}
	s := &Store{
		cfg:     cfg,
		shards:  make([]*shard, cfg.Shards),
		locker:  NewLocker(),
		backend: backend,
		journal: journal,
		logger:  logger.Named("profile-store"),
	}
	for i := range s.shards {
		s.shards[i] = &shard{profiles: make(map[string]*domain.AttackerProfile)}
	}
	return s
}

// Locker — эксклюзивная область по идентичности для всего конвейера оценка -> реакция.
func (s *Store) Locker() *Locker {
	return s.locker
}

func (s *Store) shardFor(identity string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// GetOrCreate возвращает снимок профиля, создавая пустой при отсутствии.
func (s *Store) GetOrCreate(ctx context.Context, identity string) (*domain.AttackerProfile, error) {
	return s.resolve(ctx, identity, true)
}

// Get — не создающий поиск.
func (s *Store) Get(ctx context.Context, identity string) (*domain.AttackerProfile, error) {
	return s.resolve(ctx, identity, false)
}

func (s *Store) resolve(ctx context.Context, identity string, create bool) (*domain.AttackerProfile, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, fmt.Errorf("profile: empty identity")
	}
	sh := s.shardFor(identity)

	// 1. Горячий путь — память
	sh.mu.RLock()
	p, ok := sh.profiles[identity]
	var snap *domain.AttackerProfile
	if ok {
		snap = p.Clone()
	}
	sh.mu.RUnlock()
	if ok {
		return snap, nil
	}

	// 2. Холодная загрузка без удержания блокировки
	loaded, err := s.load(ctx, identity)
	if err != nil {
		return nil, err
	}
	if loaded == nil && !create {
		return nil, &domain.ProfileNotFoundError{Identity: identity}
	}
	if loaded == nil {
		loaded = domain.NewAttackerProfile(identity)
	}

	// 3. Вставка с повторной проверкой
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if existing, ok := sh.profiles[identity]; ok {
		return existing.Clone(), nil
	}
	sh.profiles[identity] = loaded
	return loaded.Clone(), nil
}

func (s *Store) load(ctx context.Context, identity string) (*domain.AttackerProfile, error) {
	if s.backend == nil {
		return nil, nil
	}
	p, err := s.backend.LoadProfile(ctx, identity)
	if err != nil {
		return nil, &domain.ProfileStoreUnavailableError{Identity: identity, Cause: err}
	}
	if p != nil {
		ensureSets(p)
	}
	return p, nil
}

// mutate загружает профиль (при необходимости) и применяет fn под блокировкой шарда.
func (s *Store) mutate(ctx context.Context, identity string, fn func(p *domain.AttackerProfile) error) (*domain.AttackerProfile, error) {
	sh := s.shardFor(identity)
	for attempt := 0; ; attempt++ {
		if _, err := s.resolve(ctx, identity, true); err != nil {
			return nil, err
		}

		sh.mu.Lock()
		p, ok := sh.profiles[identity]
		if !ok {
			// Профиль выгружен архивацией между resolve и Lock — загружаем заново
			sh.mu.Unlock()
			if attempt >= 3 {
				return nil, &domain.ProfileStoreUnavailableError{Identity: identity, Cause: fmt.Errorf("profile evicted concurrently")}
			}
			continue
		}
		if err := fn(p); err != nil {
			sh.mu.Unlock()
			return nil, err
		}
		snap := p.Clone()
		sh.mu.Unlock()

		if s.journal != nil {
			s.journal.LogProfile(snap)
		}
		return snap, nil
	}
}

// RecordEvent учитывает событие в профиле. Повтор того же id не меняет счетчики.
func (s *Store) RecordEvent(ctx context.Context, event *domain.SecurityEvent) (*domain.AttackerProfile, error) {
	return s.mutate(ctx, event.SourceIdentity, func(p *domain.AttackerProfile) error {
		for _, f := range p.RecentActivity {
			if f.EventID == event.ID {
				return nil
			}
		}
		if p.FirstSeen.IsZero() || event.Timestamp.Before(p.FirstSeen) {
			p.FirstSeen = event.Timestamp
		}
		if event.Timestamp.After(p.LastSeen) {
			p.LastSeen = event.Timestamp
		}
		p.EventCount++
		p.Archived = false
		p.RecentActivity = append(p.RecentActivity, domain.FootprintOf(event))
		s.pruneActivity(p)
		p.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// AppendAssessment добавляет оценку и синхронно пересчитывает CurrentRiskLevel.
func (s *Store) AppendAssessment(ctx context.Context, identity string, a *domain.ThreatAssessment) (*domain.AttackerProfile, error) {
	if a == nil {
		return nil, fmt.Errorf("profile: nil assessment")
	}
	if a.SourceIdentity != identity {
		return nil, fmt.Errorf("profile: assessment %s belongs to %s, not %s", a.ID, a.SourceIdentity, identity)
	}
	snap, err := s.mutate(ctx, identity, func(p *domain.AttackerProfile) error {
		if p.HasAssessment(a.ID) {
			return nil
		}
		p.AssessmentHistory = append(p.AssessmentHistory, a.Clone())
		p.CurrentRiskLevel = DecayedRisk(p.AssessmentHistory, s.cfg.HalfLife)
		absorbIndicators(p, a.Indicators)
		p.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.journal != nil {
		s.journal.LogAssessment(a)
	}
	return snap, nil
}

// RecordAction отражает контрмеру в профиле. Оценка должна быть в истории.
func (s *Store) RecordAction(ctx context.Context, identity string, action *domain.ResponseAction) (*domain.AttackerProfile, error) {
	return s.mutate(ctx, identity, func(p *domain.AttackerProfile) error {
		if !p.HasAssessment(action.AssessmentID) {
			return fmt.Errorf("profile: action %s references %s: %w", action.ID, action.AssessmentID, domain.ErrOrphanAssessment)
		}
		if action.Status == domain.ActionActive {
			p.ActiveCountermeasures[action.ID] = struct{}{}
		} else {
			delete(p.ActiveCountermeasures, action.ID)
		}
		p.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// HasAssessment — проверка ссылочной целостности для алертов и действий.
func (s *Store) HasAssessment(ctx context.Context, identity, assessmentID string) (bool, error) {
	p, err := s.Get(ctx, identity)
	if err != nil {
		return false, err
	}
	return p.HasAssessment(assessmentID), nil
}

// ArchiveStale помечает архивными профили без активности дольше горизонта хранения.
// При наличии Backend архивные профили выгружаются из памяти; без него остаются.
func (s *Store) ArchiveStale(now time.Time) int {
	horizon := now.Add(-s.cfg.Retention)
	archived := 0
	for _, sh := range s.shards {
		var snaps []*domain.AttackerProfile
		sh.mu.Lock()
		for id, p := range sh.profiles {
			if p.Archived || p.LastSeen.IsZero() || !p.LastSeen.Before(horizon) || len(p.ActiveCountermeasures) > 0 {
				continue
			}
			p.Archived = true
			p.UpdatedAt = now
			snaps = append(snaps, p.Clone())
			if s.backend != nil {
				delete(sh.profiles, id)
			}
			archived++
		}
		sh.mu.Unlock()

		if s.journal != nil {
			for _, snap := range snaps {
				s.journal.LogProfile(snap)
			}
		}
	}
	if archived > 0 {
		s.logger.Info("profiles archived", zap.Int("count", archived), zap.Time("horizon", horizon))
	}
	return archived
}

// RunArchiver периодически вызывает ArchiveStale до отмены ctx.
func (s *Store) RunArchiver(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.ArchiveStale(now.UTC())
		}
	}
}

// Top возвращает до limit профилей с наибольшим риском (только из памяти).
func (s *Store) Top(limit int) []*domain.AttackerProfile {
	var out []*domain.AttackerProfile
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, p := range sh.profiles {
			if !p.Archived {
				out = append(out, p.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentRiskLevel != out[j].CurrentRiskLevel {
			return out[i].CurrentRiskLevel > out[j].CurrentRiskLevel
		}
		return out[i].SourceIdentity < out[j].SourceIdentity
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) pruneActivity(p *domain.AttackerProfile) {
	if s.cfg.ActivityWindow > 0 {
		since := p.LastSeen.Add(-s.cfg.ActivityWindow)
		kept := p.RecentActivity[:0]
		for _, f := range p.RecentActivity {
			if !f.Timestamp.Before(since) {
				kept = append(kept, f)
			}
		}
		p.RecentActivity = kept
	}
	if n := len(p.RecentActivity); n > s.cfg.MaxActivity {
		p.RecentActivity = append([]domain.Footprint(nil), p.RecentActivity[n-s.cfg.MaxActivity:]...)
	}
}

// DecayedRisk — взвешенное среднее score с весом 2^(-(t_ref - t_i)/halfLife),
// t_ref — самое позднее ObservedAt в истории. Зависит только от истории.
func DecayedRisk(history []*domain.ThreatAssessment, halfLife time.Duration) float64 {
	if len(history) == 0 {
		return 0
	}
	ref := history[0].ObservedAt
	for _, a := range history[1:] {
		if a.ObservedAt.After(ref) {
			ref = a.ObservedAt
		}
	}
	var num, den float64
	for _, a := range history {
		age := ref.Sub(a.ObservedAt).Seconds()
		w := math.Exp2(-age / halfLife.Seconds())
		num += w * a.Score
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func absorbIndicators(p *domain.AttackerProfile, indicators []string) {
	for _, ind := range indicators {
		kind, value, ok := strings.Cut(ind, ":")
		if !ok {
			continue
		}
		switch kind {
		case "tool":
			p.Tools[value] = struct{}{}
		case "vector":
			p.AttackVectors[value] = struct{}{}
		}
	}
}

func ensureSets(p *domain.AttackerProfile) {
	if p.ActiveCountermeasures == nil {
		p.ActiveCountermeasures = make(map[string]struct{})
	}
	if p.Tools == nil {
		p.Tools = make(map[string]struct{})
	}
	if p.AttackVectors == nil {
		p.AttackVectors = make(map[string]struct{})
	}
}
