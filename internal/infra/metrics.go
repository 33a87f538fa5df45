package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: принятые события по источнику входа
	EventsTotal *prometheus.CounterVec

	// Errors: классификация отказов (malformed, duplicate, store_unavailable, panic)
	ErrorTotal *prometheus.CounterVec

	// Latency: полный конвейер оценка -> реакция по одному событию
	ProcessDuration *prometheus.HistogramVec

	// Оценки по категориям и уровням
	AssessmentsTotal *prometheus.CounterVec

	// Fallback внешнего классификатора (timeout, unavailable)
	ClassifierFallbackTotal *prometheus.CounterVec

	// Контрмеры по типу и исходу
	ActionsTotal *prometheus.CounterVec

	// Алерты: created / suppressed, доставка по каналам
	AlertsTotal          *prometheus.CounterVec
	AlertDeliveriesTotal *prometheus.CounterVec

	// Намерения провижининга ловушек
	HoneypotIntentsTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Journal: заполненность буфера (backpressure)
	JournalBufferFill prometheus.Gauge

	// События, отложенные из-за недоступности хранилища профилей
	ParkedEvents prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "honeyshield_events_total",
			Help: "Total number of received raw events.",
		}, []string{"ingress"}),

		ErrorTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "honeyshield_errors_total",
			Help: "Total number of pipeline errors by type.",
		}, []string{"type"}),

		ProcessDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "honeyshield_process_duration_seconds",
			Help:    "Histogram of per-event pipeline latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"outcome"}),

		AssessmentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "honeyshield_assessments_total",
			Help: "Total number of threat assessments.",
		}, []string{"category", "level", "source"}),

		ClassifierFallbackTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "honeyshield_classifier_fallback_total",
			Help: "Times scoring fell back to rules only.",
		}, []string{"reason"}),

		ActionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "honeyshield_actions_total",
			Help: "Response actions by kind and outcome.",
		}, []string{"kind", "outcome"}),

		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "honeyshield_alerts_total",
			Help: "Alerts by outcome (created, suppressed).",
		}, []string{"outcome", "category"}),

		AlertDeliveriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "honeyshield_alert_deliveries_total",
			Help: "Alert channel deliveries by channel and status.",
		}, []string{"channel", "status"}),

		HoneypotIntentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "honeyshield_honeypot_intents_total",
			Help: "Honeypot intents by kind and status.",
		}, []string{"kind", "status"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "honeyshield_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half-open).",
		}, []string{"name"}),

		JournalBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "honeyshield_journal_buffer_utilization",
			Help: "Current number of records in the journal buffer.",
		}),

		ParkedEvents: f.NewGauge(prometheus.GaugeOpts{
			Name: "honeyshield_parked_events",
			Help: "Events waiting for the profile store to recover.",
		}),
	}
}
