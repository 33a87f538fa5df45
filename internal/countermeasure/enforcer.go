// Package countermeasure применяет контрмеры через Redis: множества заблокированных,
// ограниченных и изолированных целей плюс сигналы "id:on"/"id:off" для шлюзов.
// Локальная копия множеств (L1) обслуживает быстрые проверки.
package countermeasure

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/infra"
	"go.uber.org/zap"
)

// SetClient — операции Redis, нужные исполнителю.
type SetClient interface {
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SCard(ctx context.Context, key string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// ActiveSource отдает цели активных контрмер из БД для прогрева.
type ActiveSource interface {
	ActiveTargets(ctx context.Context, kind domain.ActionKind) ([]string, error)
}

type binding struct {
	kind    domain.ActionKind
	key     string
	channel string
	lock    string
}

var bindings = []binding{
	{domain.KindBlock, infra.RedisKeyBlocked, infra.RedisChanBlock, infra.GetWarmupLockKey("blocked")},
	{domain.KindRateLimit, infra.RedisKeyRateLimited, infra.RedisChanRateLimit, infra.GetWarmupLockKey("ratelimit")},
	{domain.KindQuarantineResource, infra.RedisKeyQuarantined, infra.RedisChanQuarantine, infra.GetWarmupLockKey("quarantine")},
}

type warmupFunc func(ctx context.Context, ids []string, key, lock string, updateL1 func([]string)) error

type Enforcer struct {
	rdb    SetClient
	repo   ActiveSource
	warmup warmupFunc
	logger *zap.Logger

	mu sync.RWMutex
	l1 map[domain.ActionKind]map[string]struct{}
}

// NewEnforcer — repo может быть nil (прогрев только из Redis).
func NewEnforcer(rdb redis.UniversalClient, repo ActiveSource, logger *zap.Logger) *Enforcer {
	e := newEnforcer(rdb, repo, logger)
	e.warmup = func(ctx context.Context, ids []string, key, lock string, updateL1 func([]string)) error {
		return infra.WarmupSet(ctx, rdb, e.logger, ids, key, lock, updateL1)
	}
	return e
}

func newEnforcer(rdb SetClient, repo ActiveSource, logger *zap.Logger) *Enforcer {
	e := &Enforcer{
		rdb:    rdb,
		repo:   repo,
		logger: logger.With(zap.String("mod", "enforcer")),
		l1:     make(map[domain.ActionKind]map[string]struct{}),
	}
	for _, b := range bindings {
		e.l1[b.kind] = make(map[string]struct{})
	}
	return e
}

func bindingFor(kind domain.ActionKind) (binding, bool) {
	for _, b := range bindings {
		if b.kind == kind {
			return b, true
		}
	}
	return binding{}, false
}

// target — член множества: ресурс для карантина, иначе идентичность.
func target(a *domain.ResponseAction) (string, error) {
	if a.Kind == domain.KindQuarantineResource {
		if strings.TrimSpace(a.TargetResource) == "" {
			return "", fmt.Errorf("quarantine without target resource")
		}
		return a.TargetResource, nil
	}
	if strings.TrimSpace(a.TargetIdentity) == "" {
		return "", fmt.Errorf("empty target identity")
	}
	return a.TargetIdentity, nil
}

// Apply идемпотентен: повторное добавление в множество не ошибка.
func (e *Enforcer) Apply(ctx context.Context, a *domain.ResponseAction) error {
	return e.set(ctx, a, true)
}

// Revert идемпотентен: удаление отсутствующего члена не ошибка.
// Цель снимается, только когда у нее не осталось других действий-владельцев.
func (e *Enforcer) Revert(ctx context.Context, a *domain.ResponseAction) error {
	return e.set(ctx, a, false)
}

func (e *Enforcer) set(ctx context.Context, a *domain.ResponseAction, on bool) error {
	if a.Kind == domain.KindNone {
		return nil
	}
	b, ok := bindingFor(a.Kind)
	if !ok {
		return &domain.ActionApplicationError{ActionID: a.ID, Kind: a.Kind, Permanent: true, Cause: fmt.Errorf("unsupported kind")}
	}
	id, err := target(a)
	if err != nil {
		return &domain.ActionApplicationError{ActionID: a.ID, Kind: a.Kind, Permanent: true, Cause: err}
	}

	// 1. Владельцы цели: один ресурс могут изолировать действия разных идентичностей
	owners := infra.GetOwnersKey(string(a.Kind), id)
	if on {
		err = e.rdb.SAdd(ctx, owners, a.ID).Err()
	} else {
		err = e.rdb.SRem(ctx, owners, a.ID).Err()
	}
	if err != nil {
		return &domain.ActionApplicationError{ActionID: a.ID, Kind: a.Kind, Cause: fmt.Errorf("redis: owners: %w", err)}
	}
	if !on {
		left, err := e.rdb.SCard(ctx, owners).Result()
		if err != nil {
			return &domain.ActionApplicationError{ActionID: a.ID, Kind: a.Kind, Cause: fmt.Errorf("redis: owners: %w", err)}
		}
		if left > 0 {
			e.logger.Info("countermeasure kept by other actions",
				zap.String("action_id", a.ID),
				zap.String("kind", string(a.Kind)),
				zap.String("target", id),
				zap.Int64("owners", left))
			return nil
		}
	}

	// 2. L2 (Redis) — источник истины для всех шлюзов
	if on {
		err = e.rdb.SAdd(ctx, b.key, id).Err()
	} else {
		err = e.rdb.SRem(ctx, b.key, id).Err()
	}
	if err != nil {
		return &domain.ActionApplicationError{ActionID: a.ID, Kind: a.Kind, Cause: fmt.Errorf("redis: %w", err)}
	}

	// 3. L1
	e.mark(a.Kind, id, on)

	// 4. Сигнал подписчикам; при потере они досинхронизируются из множества при переподключении
	if err := e.rdb.Publish(ctx, b.channel, infra.FormatSignal(id, on)).Err(); err != nil {
		e.logger.Warn("signal publish failed", zap.String("chan", b.channel), zap.String("target", id), zap.Error(err))
	}

	e.logger.Info("countermeasure state changed",
		zap.String("action_id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.String("target", id),
		zap.Bool("on", on))
	return nil
}

func (e *Enforcer) mark(kind domain.ActionKind, id string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.l1[kind][id] = struct{}{}
	} else {
		delete(e.l1[kind], id)
	}
}

// Init прогревает L1 и Redis из БД при старте сервиса.
func (e *Enforcer) Init(ctx context.Context) error {
	for _, b := range bindings {
		var ids []string
		if e.repo != nil {
			var err error
			ids, err = e.repo.ActiveTargets(ctx, b.kind)
			if err != nil {
				return fmt.Errorf("failed to fetch active %s targets from DB: %w", b.kind, err)
			}
		}
		kind := b.kind
		updateL1 := func(items []string) {
			e.mu.Lock()
			defer e.mu.Unlock()
			for _, id := range items {
				e.l1[kind][id] = struct{}{}
			}
		}
		if e.warmup != nil {
			if err := e.warmup(ctx, ids, b.key, b.lock, updateL1); err != nil {
				return fmt.Errorf("warmup %s: %w", b.kind, err)
			}
		} else {
			updateL1(ids)
		}
		if err := e.sync(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// sync заменяет L1 содержимым множества в Redis.
func (e *Enforcer) sync(ctx context.Context, b binding) error {
	members, err := e.rdb.SMembers(ctx, b.key).Result()
	if err != nil {
		return fmt.Errorf("redis: members %s: %w", b.key, err)
	}
	fresh := make(map[string]struct{}, len(members))
	for _, m := range members {
		fresh[m] = struct{}{}
	}
	e.mu.Lock()
	e.l1[b.kind] = fresh
	e.mu.Unlock()
	return nil
}

// StartListeners подписывается на сигналы всех видов контрмер (от других реплик и консоли).
// Блокирует до отмены ctx.
func (e *Enforcer) StartListeners(ctx context.Context, sub infra.Subscriber) {
	var wg sync.WaitGroup
	for _, b := range bindings {
		wg.Add(1)
		go func() {
			defer wg.Done()
			infra.ListenResilient(ctx, sub, e.logger, b.channel,
				func() error { return e.sync(ctx, b) },
				func(payload string) { e.handleSignal(b.kind, payload) },
			)
		}()
	}
	wg.Wait()
}

func (e *Enforcer) handleSignal(kind domain.ActionKind, payload string) {
	id, on, ok := infra.ParseSignal(payload)
	if !ok {
		e.logger.Warn("malformed signal", zap.String("kind", string(kind)), zap.String("payload", payload))
		return
	}
	e.mark(kind, id, on)
}

// IsBlocked — быстрая проверка в горячем пути.
func (e *Enforcer) IsBlocked(identity string) bool {
	return e.has(domain.KindBlock, identity)
}

func (e *Enforcer) IsRateLimited(identity string) bool {
	return e.has(domain.KindRateLimit, identity)
}

func (e *Enforcer) IsQuarantined(resource string) bool {
	return e.has(domain.KindQuarantineResource, resource)
}

func (e *Enforcer) has(kind domain.ActionKind, id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.l1[kind][id]
	return ok
}

// Status — сводка для API.
type Status struct {
	Blocked     bool `json:"blocked"`
	RateLimited bool `json:"rate_limited"`
}

func (e *Enforcer) Status(identity string) Status {
	return Status{Blocked: e.IsBlocked(identity), RateLimited: e.IsRateLimited(identity)}
}
