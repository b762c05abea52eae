// Command texnomagic-server serves gesture recognition.
//
// It exposes the HTTP JSON API, the length-prefixed JSON-RPC TCP server used
// by game clients and a Prometheus scrape endpoint. Redis caches score
// lists, Kafka carries activity events and training requests, and check
// reports are stored in SQLite or PostgreSQL. Every backing service is
// optional.
//
// Usage:
//
//	go run ./cmd/texnomagic-server [-config configs/development.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/texnomagic/texnomagic/internal/audit"
	"github.com/texnomagic/texnomagic/internal/catalog"
	"github.com/texnomagic/texnomagic/internal/events"
	"github.com/texnomagic/texnomagic/internal/recognizer"
	"github.com/texnomagic/texnomagic/internal/recognizer/cache"
	"github.com/texnomagic/texnomagic/internal/recognizer/handler"
	"github.com/texnomagic/texnomagic/pkg/config"
	apperrors "github.com/texnomagic/texnomagic/pkg/errors"
	"github.com/texnomagic/texnomagic/pkg/health"
	"github.com/texnomagic/texnomagic/pkg/kafka"
	"github.com/texnomagic/texnomagic/pkg/logger"
	"github.com/texnomagic/texnomagic/pkg/metrics"
	"github.com/texnomagic/texnomagic/pkg/middleware"
	"github.com/texnomagic/texnomagic/pkg/postgres"
	"github.com/texnomagic/texnomagic/pkg/ratelimit"
	pkgredis "github.com/texnomagic/texnomagic/pkg/redis"
	"github.com/texnomagic/texnomagic/pkg/rpc"
	"github.com/texnomagic/texnomagic/pkg/tracing"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting texnomagic server",
		"version", version,
		"port", cfg.Server.Port,
		"rpc", cfg.RPC.Enabled,
		"data_dir", cfg.Storage.DataDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Setup(cfg.Tracing, "texnomagic-server")
	defer shutdownTracing(context.Background())

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	checker := health.NewChecker()
	opts := []recognizer.Option{recognizer.WithMetrics(m), recognizer.WithVersion(version)}

	var scoreCache *cache.ScoreCache
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, score caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			scoreCache = cache.New(redisClient, cfg.Redis.CacheTTL, cache.WithMetrics(m))
			opts = append(opts, recognizer.WithCache(scoreCache))
			checker.Register("redis", health.OptionalCheck(redisClient.Ping))
			slog.Info("score cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	store, err := openAuditStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open audit store", "backend", cfg.Audit.Backend, "error", err)
		os.Exit(1)
	}
	if store != nil {
		defer store.Close()
		opts = append(opts, recognizer.WithAuditStore(store))
		checker.Register("audit_store", health.PingCheck(store.Ping))
	}

	aggregator := events.NewAggregator()
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Events)
		defer producer.Close()
		collector := events.NewCollector(producer, 0, 0, 0)
		collector.Start(ctx)
		defer collector.Close()
		opts = append(opts, recognizer.WithTracker(collector))
		slog.Info("event collector started", "topic", cfg.Kafka.Topics.Events)
	} else {
		opts = append(opts, recognizer.WithTracker(aggregator))
	}

	svc := recognizer.New(catalog.FromConfig(cfg.Storage, cfg.Model), cfg.Model, opts...)
	if err := svc.Reload(ctx); err != nil {
		slog.Error("failed to load alphabets", "error", err)
		os.Exit(1)
	}
	checker.Register("alphabets", func(ctx context.Context) health.ComponentHealth {
		n := len(svc.Alphabets())
		if n == 0 {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "no alphabets loaded"}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d alphabets loaded", n)}
	})

	if cfg.Kafka.Enabled {
		startConsumers(ctx, cfg, svc, aggregator)
	}

	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcServer = rpc.NewServer(
			rpc.WithMaxFrameSize(cfg.RPC.MaxFrameSize),
			rpc.WithObserver(func(method string, err error) {
				status := "ok"
				if err != nil {
					status = "error"
				}
				m.RPCRequestsTotal.WithLabelValues(method, status).Inc()
			}),
		)
		recognizer.RegisterRPC(rpcServer, svc, cfg.Storage.ExportDir)
		go func() {
			slog.Info("rpc server listening", "addr", cfg.RPC.Addr(), "methods", rpcServer.MethodCount())
			if err := rpcServer.Serve(cfg.RPC.Addr()); err != nil {
				slog.Error("rpc server error", "error", err)
			}
		}()
	}

	var cacheAdmin handler.CacheAdmin
	if scoreCache != nil {
		cacheAdmin = scoreCache
	}
	h := handler.New(svc, cacheAdmin, aggregator)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	mws := []func(http.Handler) http.Handler{middleware.RequestID}
	if len(cfg.Server.CORSOrigins) > 0 {
		mws = append(mws, middleware.CORS(middleware.NewCORSConfig(cfg.Server.CORSOrigins)))
	}
	if len(cfg.Server.APIKeys) > 0 {
		mws = append(mws, middleware.APIKey(cfg.Server.APIKeys, middleware.MutatingRequests))
	}
	if cfg.Server.RateLimit > 0 {
		limiter := ratelimit.New(cfg.Server.RateLimit, time.Minute)
		go limiter.Run(ctx, 5*time.Minute)
		mws = append(mws, middleware.RateLimit(limiter))
	}
	mws = append(mws, middleware.Timeout(cfg.Server.WriteTimeout), middleware.Metrics(m))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.Chain(mux, mws...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if rpcServer != nil {
			rpcServer.Stop()
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("http server listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("texnomagic server stopped")
}

func openAuditStore(ctx context.Context, cfg *config.Config) (audit.Store, error) {
	switch cfg.Audit.Backend {
	case "sqlite":
		store, err := audit.OpenSQLite(cfg.Audit.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("audit store: sqlite", "path", cfg.Audit.SQLitePath)
		return store, nil
	case "postgres":
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		store, err := audit.NewPostgresStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		slog.Info("audit store: postgres", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		return store, nil
	default:
		return nil, nil
	}
}

// startConsumers feeds published events into the aggregator and serves
// training requests from Kafka.
func startConsumers(ctx context.Context, cfg *config.Config, svc *recognizer.Service, aggregator *events.Aggregator) {
	eventConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Events, aggregator.Handler())
	go func() {
		defer eventConsumer.Close()
		if err := eventConsumer.Start(ctx); err != nil {
			slog.Error("event consumer error", "error", err)
		}
	}()

	train := func(ctx context.Context, req events.TrainRequest) error {
		ctx = logger.WithRequestID(ctx, req.RequestID)
		if req.Symbol == "" {
			_, err := svc.TrainAlphabet(ctx, req.Alphabet, req.All)
			return err
		}
		_, err := svc.Train(ctx, req.Alphabet, req.Symbol, req.NGauss)
		return err
	}
	trainConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.TrainRequests, events.TrainRequestHandler(train, retryable, cfg.Model.TrainTimeout))
	go func() {
		defer trainConsumer.Close()
		if err := trainConsumer.Start(ctx); err != nil {
			slog.Error("train request consumer error", "error", err)
		}
	}()
	slog.Info("kafka consumers started",
		"events", cfg.Kafka.Topics.Events,
		"train_requests", cfg.Kafka.Topics.TrainRequests,
	)
}

// retryable leaves storage failures for redelivery; anything else about a
// training request will fail again.
func retryable(err error) bool {
	return errors.Is(err, apperrors.ErrStorage)
}
