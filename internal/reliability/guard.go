// Package reliability оборачивает вызовы ненадежных внешних возможностей:
// лимитер, предохранитель, таймаут на вызов и повторы с бэкоффом.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Settings — параметры защиты одного внешнего направления.
type Settings struct {
	Name        string
	RateLimit   float64 // запросов в секунду
	Burst       int
	CallTimeout time.Duration // предел на один вызов

	// Circuit Breaker
	MaxRequests         uint32
	Interval            time.Duration
	OpenTimeout         time.Duration // через сколько CB попробует "закрыться"
	ConsecutiveFailures uint32
}

func (s *Settings) applyDefaults() {
	if s.RateLimit <= 0 {
		s.RateLimit = 100
	}
	if s.Burst <= 0 {
		s.Burst = 20
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = 3
	}
	if s.Interval == 0 {
		s.Interval = 5 * time.Second
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
}

// Guard — лимитер -> предохранитель -> таймаут.
type Guard struct {
	name        string
	cb          *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	callTimeout time.Duration
}

// NewGuard собирает защиту. state (может быть nil) получает состояние предохранителя.
func NewGuard(s Settings, state *prometheus.GaugeVec) *Guard {
	s.applyDefaults()

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Серия ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > s.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if state != nil {
				state.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	return &Guard{
		name:        s.Name,
		cb:          cb,
		limiter:     rate.NewLimiter(rate.Limit(s.RateLimit), s.Burst),
		callTimeout: s.CallTimeout,
	}
}

// Do выполняет fn под защитой. Ошибка предохранителя (open state) возвращается как есть.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit wait: %w", g.name, err)
	}

	// 2. Circuit Breaker + таймаут на вызов
	_, err := g.cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if g.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
			defer cancel()
		}
		return nil, fn(callCtx)
	})
	return err
}

// State — текущее состояние предохранителя.
func (g *Guard) State() gobreaker.State {
	return g.cb.State()
}

// IsOpen — ошибка вызвана открытым предохранителем.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Permanent помечает ошибку как не подлежащую повтору.
type Permanent interface {
	IsPermanent() bool
}

// Retry повторяет fn до attempts раз с экспоненциальной задержкой от base.
// ThrottleError диктует задержку сам, ошибки Permanent не повторяются.
func Retry(ctx context.Context, attempts uint, base time.Duration, fn func() error) error {
	if attempts == 0 {
		attempts = 1
	}
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(base),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var p Permanent
			return !(errors.As(err, &p) && p.IsPermanent())
		}),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			// Если внешняя сторона сообщила Retry-After — слушаемся
			var tErr *ThrottleError
			if errors.As(err, &tErr) {
				return tErr.RetryAfter
			}
			return retry.BackOffDelay(n, err, config)
		}),
	)
	return r.Do(fn)
}
