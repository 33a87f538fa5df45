// Package api — HTTP интерфейс оператора и сенсоров: прием событий, просмотр профилей,
// контрмер, алертов и ловушек, ручной откат и подтверждение провижининга.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/honeyshield/internal/countermeasure"
	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/engine"
	"github.com/xela07ax/honeyshield/internal/honeypot"
	"github.com/xela07ax/honeyshield/internal/infra/auth"
	"github.com/xela07ax/honeyshield/internal/normalizer"
	"go.uber.org/zap"
)

// Ingestor — вход конвейера.
type Ingestor interface {
	Submit(ctx context.Context, raw normalizer.RawEvent, ingress string) (<-chan engine.Result, error)
}

type ProfileReader interface {
	Get(ctx context.Context, identity string) (*domain.AttackerProfile, error)
	Top(limit int) []*domain.AttackerProfile
}

type ActionService interface {
	Action(id string) (*domain.ResponseAction, bool)
	Actions(identity string) []*domain.ResponseAction
	State(identity string) domain.ResponseState
	Revert(ctx context.Context, actionID string) (*domain.ResponseAction, error)
}

type AlertReader interface {
	Alert(id string) (*domain.Alert, bool)
	Alerts(identity string, limit int) []*domain.Alert
}

type HoneypotService interface {
	Descriptors() []*domain.HoneypotDescriptor
	Descriptor(id string) (*domain.HoneypotDescriptor, error)
	Pending() []*honeypot.Intent
	Complete(intentID string, res honeypot.Completion) error
}

// StatusReader — текущие контрмеры источника в исполнителе.
type StatusReader interface {
	Status(identity string) countermeasure.Status
}

// Check — проверка готовности зависимости (Postgres, Redis).
type Check func(ctx context.Context) error

type Deps struct {
	Ingest    Ingestor
	Profiles  ProfileReader
	Actions   ActionService
	Alerts    AlertReader
	Honeypots HoneypotService
	Status    StatusReader
	Checks    map[string]Check
}

type Server struct {
	router *chi.Mux
	logger *zap.Logger
	deps   Deps

	// nil — аутентификация выключена
	validator auth.TokenValidator
	gate      func(http.Handler) http.Handler
	gatherer  prometheus.Gatherer
	now       func() time.Time
}

type Option func(*Server)

// WithAuth включает проверку RS256 токенов на /v1/*.
func WithAuth(v auth.TokenValidator) Option {
	return func(s *Server) { s.validator = v }
}

// WithGate ставит контрмеры перед всеми маршрутами (см. countermeasure.Enforcer.Middleware).
func WithGate(gate func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.gate = gate }
}

// WithMetrics публикует реестр на /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithClock подменяет часы (окно "последнего часа" в сводке).
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func NewServer(deps Deps, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger.Named("api"),
		deps:   deps,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.validator == nil {
		s.logger.Warn("api authentication is disabled")
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// 1. Инфраструктурные middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	if s.gate != nil {
		r.Use(s.gate)
	}

	// 2. Публичные
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/ready", s.ready)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// 3. Защищенный периметр
	r.Route("/v1", func(r chi.Router) {
		if s.validator != nil {
			r.Use(auth.NewMiddleware(s.validator, s.logger))
		}

		r.With(auth.RequireScope(domain.ScopeIngest)).Post("/events", s.ingestEvents)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeRead))
			r.Get("/dashboard", s.dashboard)
			r.Get("/profiles", s.listProfiles)
			r.Get("/profiles/{identity}", s.getProfile)
			r.Get("/actions", s.listActions)
			r.Get("/actions/{id}", s.getAction)
			r.Get("/alerts", s.listAlerts)
			r.Get("/alerts/{id}", s.getAlert)
			r.Get("/honeypots", s.listHoneypots)
			r.Get("/honeypots/{id}", s.getHoneypot)
			r.Get("/honeypots/intents", s.listIntents)
		})

		r.With(auth.RequireScope(domain.ScopeRespond)).Post("/actions/{id}/revert", s.revertAction)
		r.With(auth.RequireScope(domain.ScopeHoneypot)).Post("/honeypots/intents/{id}/complete", s.completeIntent)
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
