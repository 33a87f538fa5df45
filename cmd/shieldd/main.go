package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/honeyshield/internal/api"
	"github.com/xela07ax/honeyshield/internal/countermeasure"
	"github.com/xela07ax/honeyshield/internal/domain"
	"github.com/xela07ax/honeyshield/internal/engine"
	"github.com/xela07ax/honeyshield/internal/infra"
	"github.com/xela07ax/honeyshield/internal/infra/auth"
	"github.com/xela07ax/honeyshield/internal/ingest"
	"github.com/xela07ax/honeyshield/internal/normalizer"
	"github.com/xela07ax/honeyshield/internal/repository/postgres"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("honeyshield stopped with error", zap.Error(err))
	}
	logger.Info("honeyshield exited properly")
}

func run(ctx context.Context, cfg *infra.Config, logger *zap.Logger) error {
	// 1. Инфраструктура и ресурсы
	reg := prometheus.NewRegistry()
	metrics := infra.NewMetrics(reg)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	var repo *postgres.Repo
	if cfg.Database.URL != "" {
		if repo, err = postgres.NewRepo(ctx, cfg.Database); err != nil {
			return err
		}
		defer repo.Close()
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
	} else {
		logger.Warn("database url is empty, state is kept in memory only")
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		if nc, err = nats.Connect(cfg.NATS.URL, nats.Name("honeyshield"), nats.MaxReconnects(-1)); err != nil {
			return fmt.Errorf("nats: connect: %w", err)
		}
		defer nc.Close()
	}

	// 2. Ядро
	core, err := buildCore(ctx, cfg, logger, metrics, rdb, repo, nc)
	if err != nil {
		return err
	}
	defer core.close()

	// 3. Конвейер
	var shared engine.SharedClaims
	if cfg.Pipeline.SharedDedupe {
		shared = rdb
	}
	guard := engine.NewIdempotencyGuard(cfg.Pipeline.DedupeCapacity, cfg.Pipeline.DedupeTTL, shared)
	norm := normalizer.New(cfg.Pipeline.ClockSkew, normalizer.WithDecoyResolver(func(resource string) (string, bool) {
		return resource, core.honeypots.IsDecoy(resource)
	}))
	pipeline := engine.NewPipeline(engine.Config{
		Workers:   cfg.Pipeline.Workers,
		QueueSize: cfg.Pipeline.QueueSize,
		RetryBase: cfg.Pipeline.RetryBase,
		RetryMax:  cfg.Pipeline.RetryMax,
	}, engine.Deps{
		Normalizer: norm,
		Store:      core.store,
		Locker:     core.store.Locker(),
		Scorer:     core.scorer,
		Responder:  core.orchestrator,
		Alerter:    core.dispatcher,
		Honeypots:  core.honeypots,
	}, logger, engine.WithGuard(guard), engine.WithMetrics(metrics))

	workCtx, stopWork := context.WithCancel(context.Background())
	pipeline.Start(workCtx)
	defer func() {
		stopWork()
		pipeline.Wait()
	}()

	// 4. Вход: HTTP, gRPC, NATS, Kafka
	var validator auth.TokenValidator
	if cfg.Auth.Enabled {
		key, err := auth.LoadPublicKey(string(cfg.Auth.PublicKey), cfg.Auth.PublicKeyPath)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		validator = auth.NewBaseValidator(key, auth.WithIssuer(cfg.Auth.Issuer))
	}

	checks := map[string]api.Check{
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
	if repo != nil {
		checks["postgres"] = repo.Ping
	}
	opts := []api.Option{api.WithGate(core.enforcer.Middleware(countermeasure.GateConfig{
		RPS: cfg.Response.GateRPS, Burst: cfg.Response.GateBurst,
	}))}
	if validator != nil {
		opts = append(opts, api.WithAuth(validator))
	}
	if cfg.Server.MetricsPort == 0 {
		opts = append(opts, api.WithMetrics(reg))
	}
	apiSrv := api.NewServer(api.Deps{
		Ingest:    pipeline,
		Profiles:  core.store,
		Actions:   core.orchestrator,
		Alerts:    core.dispatcher,
		Honeypots: core.honeypots,
		Status:    core.enforcer,
		Checks:    checks,
	}, logger, opts...)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiSrv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var grpcOpts []grpc.ServerOption
	if validator != nil {
		grpcOpts = append(grpcOpts, grpc.UnaryInterceptor(auth.UnaryInterceptor(validator, domain.ScopeIngest, logger)))
	}
	grpcSrv := grpc.NewServer(grpcOpts...)
	ingest.NewGRPCServer(pipeline, logger).Register(grpcSrv)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http api started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if cfg.Server.GRPCPort > 0 {
		g.Go(func() error {
			lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
			if err != nil {
				return fmt.Errorf("grpc: listen: %w", err)
			}
			logger.Info("grpc ingest started", zap.String("addr", lis.Addr().String()))
			return grpcSrv.Serve(lis)
		})
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.MetricsPort), Handler: mux}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
	}

	if nc != nil {
		sub := ingest.NewNATSSubscriber(nc, cfg.NATS.Subject, cfg.NATS.Queue, pipeline, logger)
		g.Go(func() error { return sub.Run(gctx) })
	}
	if len(cfg.Kafka.Brokers) > 0 {
		consumer := ingest.NewKafkaConsumer(ingest.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID), pipeline, logger)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	// 5. Фоновые циклы ядра
	core.startLoops(gctx, g, cfg, rdb)

	// 6. Graceful Shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("honeyshield stopping...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", zap.Error(err))
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		grpcSrv.GracefulStop()
		return nil
	})

	return g.Wait()
}
