package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/honeyshield/internal/infra"
)

// SharedClaims — общий для реплик реестр обработанных id (Redis SETNX).
type SharedClaims interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// IdempotencyGuard отсекает повторную доставку событий с естественным id.
// L1 — expirable LRU в процессе, L2 (опционально) — Redis для нескольких реплик.
type IdempotencyGuard struct {
	mu     sync.Mutex
	local  *expirable.LRU[string, struct{}]
	shared SharedClaims
	ttl    time.Duration
}

// NewIdempotencyGuard — shared может быть nil.
func NewIdempotencyGuard(capacity int, ttl time.Duration, shared SharedClaims) *IdempotencyGuard {
	if capacity <= 0 {
		capacity = 100000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyGuard{
		local:  expirable.NewLRU[string, struct{}](capacity, nil, ttl),
		shared: shared,
		ttl:    ttl,
	}
}

// Claim атомарно помечает id. false — событие уже принималось.
func (g *IdempotencyGuard) Claim(ctx context.Context, id string) (bool, error) {
	g.mu.Lock()
	if g.local.Contains(id) {
		g.mu.Unlock()
		return false, nil
	}
	g.local.Add(id, struct{}{})
	g.mu.Unlock()

	if g.shared == nil {
		return true, nil
	}
	ok, err := g.shared.SetNX(ctx, infra.GetDedupeKey(id), 1, g.ttl).Result()
	if err != nil {
		// Без L2 не знаем ответа: снимаем локальную метку, чтобы повтор доставки не потерялся
		g.forget(id)
		return false, fmt.Errorf("idempotency: claim %s: %w", id, err)
	}
	return ok, nil
}

// Release снимает метку с события, которое не удалось обработать.
func (g *IdempotencyGuard) Release(ctx context.Context, id string) {
	g.forget(id)
	if g.shared != nil {
		_ = g.shared.Del(ctx, infra.GetDedupeKey(id)).Err()
	}
}

func (g *IdempotencyGuard) forget(id string) {
	g.mu.Lock()
	g.local.Remove(id)
	g.mu.Unlock()
}
