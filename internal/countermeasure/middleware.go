package countermeasure

import (
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ResourceHeader — заголовок, в котором шлюз передает id запрашиваемого ресурса.
const ResourceHeader = "X-Resource-ID"

// GateConfig — лимит для идентичностей с контрмерой rateLimit.
type GateConfig struct {
	RPS   float64
	Burst int
}

// Middleware применяет контрмеры к HTTP-трафику защищаемого сервиса. Идентичность — адрес клиента
// (перед ним должен стоять middleware.RealIP).
func (e *Enforcer) Middleware(cfg GateConfig) func(http.Handler) http.Handler {
	if cfg.RPS <= 0 {
		cfg.RPS = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	limiters := expirable.NewLRU[string, *rate.Limiter](10000, nil, 10*time.Minute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := clientIP(r)

			if e.IsBlocked(identity) {
				e.logger.Info("intercepted blocked identity", zap.String("identity", identity), zap.String("path", r.URL.Path))
				deny(w, http.StatusForbidden, `{"error": "identity_blocked", "reason": "active_countermeasure"}`)
				return
			}

			if res := r.Header.Get(ResourceHeader); res != "" && e.IsQuarantined(res) {
				e.logger.Info("intercepted quarantined resource", zap.String("identity", identity), zap.String("resource", res))
				deny(w, http.StatusForbidden, `{"error": "resource_quarantined", "reason": "active_countermeasure"}`)
				return
			}

			if e.IsRateLimited(identity) {
				l, ok := limiters.Get(identity)
				if !ok {
					l = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
					limiters.Add(identity, l)
				}
				if !l.Allow() {
					w.Header().Set("Retry-After", "1")
					deny(w, http.StatusTooManyRequests, `{"error": "rate_limited", "reason": "active_countermeasure"}`)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func deny(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
