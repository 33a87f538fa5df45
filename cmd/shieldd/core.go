package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/xela07ax/honeyshield/internal/alerting"
	"github.com/xela07ax/honeyshield/internal/audit"
	"github.com/xela07ax/honeyshield/internal/connectors"
	"github.com/xela07ax/honeyshield/internal/countermeasure"
	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/honeypot"
	"github.com/xela07ax/honeyshield/internal/infra"
	"github.com/xela07ax/honeyshield/internal/profile"
	"github.com/xela07ax/honeyshield/internal/reliability"
	"github.com/xela07ax/honeyshield/internal/repository/postgres"
	"github.com/xela07ax/honeyshield/internal/response"
	"github.com/xela07ax/honeyshield/internal/scoring"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// core — компоненты оценки и реакции, общие для всех входов.
type core struct {
	logger       *zap.Logger
	journal      *audit.Journal
	store        *profile.Store
	scorer       *scoring.Engine
	enforcer     *countermeasure.Enforcer
	orchestrator *response.Orchestrator
	dispatcher   *alerting.Dispatcher
	honeypots    *honeypot.Controller

	classifierConn *grpc.ClientConn
	kafkaWriter    *kafka.Writer
}

func buildCore(ctx context.Context, cfg *infra.Config, logger *zap.Logger, metrics *infra.Metrics,
	rdb *redis.Client, repo *postgres.Repo, nc *nats.Conn) (*core, error) {
	c := &core{logger: logger}

	// 1. Журнал и хранилище профилей
	var (
		backend       profile.Backend
		profJournal   profile.Journal
		actJournal    response.Journal
		alertJournal  alerting.Journal
		decoyJournal  honeypot.Journal
		activeSources countermeasure.ActiveSource
	)
	if repo != nil {
		jcfg := audit.DefaultConfig()
		jcfg.Buffer = cfg.Profile.JournalBuffer
		jcfg.Batch = cfg.Profile.JournalBatch
		jcfg.FlushEvery = cfg.Profile.JournalFlushTick
		c.journal = audit.NewJournal(jcfg, repo, logger, audit.WithMetrics(metrics))
		c.journal.Start()
		backend, profJournal, actJournal, alertJournal, decoyJournal = repo, c.journal, c.journal, c.journal, c.journal
		activeSources = repo
	}

	c.store = profile.NewStore(profile.Config{
		Shards:         cfg.Profile.Shards,
		HalfLife:       cfg.Profile.HalfLife,
		ActivityWindow: cfg.Scoring.Window,
		MaxActivity:    cfg.Profile.MaxActivity,
		Retention:      cfg.Profile.Retention,
	}, backend, profJournal, logger)

	// 2. Оценка
	catalog := scoring.DefaultCatalog()
	if cfg.Scoring.RulesPath != "" {
		var err error
		if catalog, err = scoring.LoadCatalog(cfg.Scoring.RulesPath); err != nil {
			return nil, err
		}
	}
	classifier, err := c.classifier(cfg, metrics)
	if err != nil {
		return nil, err
	}
	c.scorer = scoring.NewEngine(catalog, classifier, scoring.Config{
		Window:         cfg.Scoring.Window,
		BenignBelow:    cfg.Response.LowThreshold,
		ExternalWeight: cfg.Scoring.ExternalWeight,
		MinConfidence:  cfg.Scoring.MinConfidence,
		Deadline:       cfg.Scoring.ClassifierDeadline,
	}, logger, scoring.WithMetrics(metrics))

	// 3. Реакция
	c.enforcer = countermeasure.NewEnforcer(rdb, activeSources, logger)
	if err := c.enforcer.Init(ctx); err != nil {
		return nil, err
	}
	applyGuard := reliability.NewGuard(reliability.Settings{
		Name:        "enforcer",
		CallTimeout: cfg.Response.CallTimeout,
	}, metrics.CircuitBreakerState)
	orchOpts := []response.Option{response.WithGuard(applyGuard), response.WithMetrics(metrics)}
	if actJournal != nil {
		orchOpts = append(orchOpts, response.WithJournal(actJournal))
	}
	c.orchestrator = response.NewOrchestrator(response.Config{
		LowThreshold:    cfg.Response.LowThreshold,
		HighThreshold:   cfg.Response.HighThreshold,
		BlockConfidence: cfg.Response.BlockConfidence,
		MaxAttempts:     cfg.Response.MaxAttempts,
		RetryDelay:      cfg.Response.RetryDelay,
		TTL: map[domain.ActionKind]time.Duration{
			domain.KindBlock:              cfg.Response.BlockTTL,
			domain.KindRateLimit:          cfg.Response.RateLimitTTL,
			domain.KindQuarantineResource: cfg.Response.QuarantineTTL,
		},
		RenewalWindow: cfg.Response.RenewalWindow,
		Retention:     cfg.Response.Retention,
	}, c.enforcer, c.store, c.store.Locker(), logger, orchOpts...)

	// 4. Алерты
	channels, err := c.channels(cfg, rdb, nc)
	if err != nil {
		return nil, err
	}
	dispOpts := []alerting.Option{alerting.WithMetrics(metrics)}
	if alertJournal != nil {
		dispOpts = append(dispOpts, alerting.WithJournal(alertJournal))
	}
	acfg := alerting.DefaultConfig()
	acfg.SuppressionWindow = cfg.Alerting.SuppressionWindow
	acfg.MinScore = cfg.Alerting.MinScore
	acfg.MaxRetries = cfg.Alerting.MaxRetries
	acfg.RetryDelay = cfg.Alerting.RetryDelay
	c.dispatcher = alerting.NewDispatcher(acfg, channels, logger, dispOpts...)

	// 5. Ловушки
	hpOpts := []honeypot.Option{honeypot.WithMetrics(metrics)}
	if decoyJournal != nil {
		hpOpts = append(hpOpts, honeypot.WithJournal(decoyJournal))
	}
	c.honeypots = honeypot.NewController(honeypot.Config{
		SaturationThreshold: cfg.Honeypot.SaturationThreshold,
		SaturationWindow:    cfg.Honeypot.SaturationWindow,
		StalenessHorizon:    cfg.Honeypot.StalenessHorizon,
		MaxPerType:          cfg.Honeypot.MaxPerType,
	}, honeypot.NewRedisProvisioner(rdb, logger), logger, hpOpts...)

	if err := c.restore(ctx, cfg, repo); err != nil {
		return nil, err
	}
	return c, nil
}

// classifier: "" — только правила, "mock" — имитация, иначе адрес gRPC.
func (c *core) classifier(cfg *infra.Config, metrics *infra.Metrics) (scoring.Classifier, error) {
	switch cfg.Scoring.ClassifierAddr {
	case "":
		c.logger.Warn("external classifier is not configured, scoring uses rules only")
		return nil, nil
	case "mock":
		return &connectors.MockClassifier{MinLatency: 50 * time.Millisecond, MaxLatency: 500 * time.Millisecond}, nil
	}
	conn, err := connectors.Dial(cfg.Scoring.ClassifierAddr)
	if err != nil {
		return nil, err
	}
	c.classifierConn = conn
	guard := reliability.NewGuard(reliability.Settings{
		Name:      "classifier",
		RateLimit: cfg.Scoring.RateLimit,
		Burst:     cfg.Scoring.RateBurst,
	}, metrics.CircuitBreakerState)
	return connectors.NewGuarded(connectors.NewGRPCClassifier(conn, cfg.Scoring.ClassifierMethod), guard), nil
}

func (c *core) channels(cfg *infra.Config, rdb *redis.Client, nc *nats.Conn) ([]alerting.Channel, error) {
	var out []alerting.Channel
	for _, name := range cfg.Alerting.Channels {
		switch name {
		case "log":
			out = append(out, alerting.NewLogChannel(c.logger))
		case "webhook":
			if cfg.Alerting.WebhookURL == "" {
				return nil, fmt.Errorf("alerting: webhook channel requires alerting.webhook_url")
			}
			out = append(out, alerting.NewWebhookChannel(cfg.Alerting.WebhookURL, cfg.Alerting.WebhookTimeout))
		case "redis":
			out = append(out, alerting.NewRedisChannel(rdb, infra.RedisChanAlerts))
		case "nats":
			if nc == nil {
				return nil, fmt.Errorf("alerting: nats channel requires nats.url")
			}
			out = append(out, alerting.NewNATSChannel(nc, cfg.NATS.AlertSubject))
		case "kafka":
			if len(cfg.Kafka.Brokers) == 0 {
				return nil, fmt.Errorf("alerting: kafka channel requires kafka.brokers")
			}
			c.kafkaWriter = alerting.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.AlertTopic)
			out = append(out, alerting.NewKafkaChannel(c.kafkaWriter))
		default:
			return nil, fmt.Errorf("alerting: unknown channel %q", name)
		}
	}
	return out, nil
}

// restore поднимает состояние после рестарта: ловушки и их намерения в полете,
// действующие контрмеры, окно подавления алертов.
func (c *core) restore(ctx context.Context, cfg *infra.Config, repo *postgres.Repo) error {
	known := make(map[string]bool)
	if repo != nil {
		decoys, err := repo.Honeypots(ctx)
		if err != nil {
			return err
		}
		for _, d := range decoys {
			if err := c.honeypots.Register(d); err != nil {
				return err
			}
			known[d.ID] = true
		}

		intents, err := repo.PendingIntents(ctx)
		if err != nil {
			return err
		}
		pending := c.honeypots.RestorePending(intents)

		actions, err := repo.ActiveActions(ctx)
		if err != nil {
			return err
		}
		restored := c.orchestrator.Restore(actions)

		alerts, err := repo.RecentAlerts(ctx, time.Now().Add(-cfg.Alerting.SuppressionWindow))
		if err != nil {
			return err
		}
		c.dispatcher.Restore(alerts)
		c.logger.Info("state restored",
			zap.Int("honeypots", len(decoys)), zap.Int("intents", pending),
			zap.Int("actions", restored), zap.Int("alerts", len(alerts)))
	}

	for _, seed := range cfg.Honeypot.Seed {
		if known[seed.ID] {
			continue
		}
		if err := c.honeypots.Register(&domain.HoneypotDescriptor{
			ID: seed.ID, Type: domain.HoneypotType(seed.Type), Fingerprint: seed.Fingerprint,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *core) startLoops(ctx context.Context, g *errgroup.Group, cfg *infra.Config, rdb *redis.Client) {
	g.Go(func() error { c.enforcer.StartListeners(ctx, rdb); return nil })
	g.Go(func() error { c.orchestrator.Run(ctx, cfg.Response.SweepInterval); return nil })
	g.Go(func() error { c.honeypots.Run(ctx, cfg.Honeypot.EvaluateInterval); return nil })
	g.Go(func() error { honeypot.ListenCompletions(ctx, rdb, c.honeypots, c.logger); return nil })
	g.Go(func() error { c.store.RunArchiver(ctx, cfg.Profile.ArchiveInterval); return nil })
}

func (c *core) close() {
	if c.journal != nil {
		c.journal.Stop()
	}
	if c.kafkaWriter != nil {
		if err := c.kafkaWriter.Close(); err != nil {
			c.logger.Warn("kafka writer close failed", zap.Error(err))
		}
	}
	if c.classifierConn != nil {
		_ = c.classifierConn.Close()
	}
}
