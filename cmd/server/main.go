package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/smukkama/footprint-engine/internal/aggregation"
	"github.com/smukkama/footprint-engine/internal/api"
	"github.com/smukkama/footprint-engine/internal/cache"
	"github.com/smukkama/footprint-engine/internal/domain"
	"github.com/smukkama/footprint-engine/internal/engine"
	"github.com/smukkama/footprint-engine/internal/forecast"
	"github.com/smukkama/footprint-engine/internal/invalidation"
	"github.com/smukkama/footprint-engine/internal/logging"
	"github.com/smukkama/footprint-engine/internal/metrics"
	"github.com/smukkama/footprint-engine/internal/queue"
	"github.com/smukkama/footprint-engine/internal/store"
	"github.com/smukkama/footprint-engine/internal/targets"
	"github.com/smukkama/footprint-engine/internal/warmup"
	"github.com/smukkama/footprint-engine/pkg/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.Log.Level)
	logger.Info("Starting footprint engine...")

	// numbers, not strings, on the wire
	decimal.MarshalJSONWithoutQuotes = true

	// Connect to database
	db, err := store.Connect(cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to database")

	applied, err := db.RunMigrations(cfg.Database.MigrationsDir)
	if err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}
	logger.WithField("files", applied).Info("Migrations applied")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	c := newCache(cfg.Redis, logger)

	var model forecast.ModelClient
	if cfg.Forecast.ServiceURL != "" {
		model = forecast.NewHTTPModelClient(cfg.Forecast.ServiceURL, cfg.Forecast.ModelTimeout)
	} else {
		logger.Warn("FORECAST_SERVICE_URL not set, forecasts use linear extrapolation only")
	}

	eng := engine.New(engine.Deps{
		Metrics: store.NewPostgresMetricStore(db),
		Targets: store.NewPostgresTargetStore(db),
		Cache:   c,
		Model:   model,
	}, engineOptions(cfg), logger, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cache invalidation from landed-records events
	if cfg.Kafka.Enabled {
		if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicInvalidation, 1, 1, logger); err != nil {
			logger.WithError(err).Info("Topic creation failed (may already exist)")
		}
		consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicInvalidation, cfg.Kafka.ConsumerGroup)
		defer consumer.Close()

		listener := invalidation.NewListener(consumer, eng, cfg.Kafka.BatchSize, cfg.Kafka.FlushInterval, logger)
		listener.Start(ctx)
		defer listener.Stop()
		logger.WithField("topic", cfg.Kafka.TopicInvalidation).Info("Invalidation listener started")
	}

	// Forecast warm-up for configured org/domain pairs
	scheduler := warmup.NewScheduler(eng, warmup.Options{
		Cycle:   cfg.Forecast.Cycle,
		Workers: 2,
		Delay:   5 * time.Minute,
		Timeout: cfg.Aggregation.FetchTimeout,
	}, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()
	for _, t := range cfg.Warmup.Targets {
		org, raw, _ := config.SplitWarmupTarget(t)
		d, err := domain.ParseDomain(raw)
		if err != nil {
			logger.WithError(err).WithField("target", t).Warn("Skipping warm-up target")
			continue
		}
		if err := scheduler.Schedule(org, d, time.Now()); err != nil {
			logger.WithError(err).WithField("target", t).Warn("Failed to schedule warm-up")
		}
	}

	server := &fasthttp.Server{
		Name:         "footprint-engine",
		Handler:      api.NewHandler(eng, api.Options{RequestTimeout: cfg.HTTP.WriteTimeout, Gatherer: reg}, logger, m),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTP.Addr).Info("HTTP server listening")
		serverErr <- server.ListenAndServe(cfg.HTTP.Addr)
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutting down gracefully...")
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("HTTP server stopped")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}
	cancel()
}

// newCache connects to Redis, falling back to the in-process cache when
// Redis is disabled or unreachable.
func newCache(cfg config.RedisConfig, logger logrus.FieldLogger) cache.Cache {
	if !cfg.Enabled {
		logger.Info("Redis disabled, using in-memory cache")
		return cache.NewMemory()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	r := cache.NewRedis(client, cfg.KeyPrefix)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		logger.WithError(err).Warn("Redis unreachable, using in-memory cache")
		_ = client.Close()
		return cache.NewMemory()
	}
	logger.WithField("addr", cfg.Addr).Info("Connected to Redis")
	return r
}

func engineOptions(cfg *config.Config) engine.Options {
	precision := make(map[domain.Domain]int32, len(cfg.Aggregation.Precision))
	for name, p := range cfg.Aggregation.Precision {
		precision[domain.Domain(name)] = int32(p)
	}

	return engine.Options{
		Aggregation: aggregation.Options{
			PageSize:     cfg.Aggregation.PageSize,
			MaxPages:     cfg.Aggregation.MaxPages,
			FetchTimeout: cfg.Aggregation.FetchTimeout,
			CacheTTL:     cfg.Aggregation.CacheTTL,
			Precision:    precision,
		},
		Targets: targets.Options{
			DefaultTargetYear:             cfg.Targets.DefaultTargetYear,
			DefaultAnnualReductionPercent: cfg.Targets.DefaultAnnualReductionPercent,
			LookbackYears:                 cfg.Targets.BaselineLookbackYears,
			Now:                           time.Now,
		},
		Forecast: forecast.Options{
			Cycle:         cfg.Forecast.Cycle,
			ModelTimeout:  cfg.Forecast.ModelTimeout,
			HistoryMonths: cfg.Forecast.HistoryMonths,
			StaleTTL:      cfg.Forecast.StaleTTL,
			Breaker: forecast.BreakerConfig{
				MaxFailures:  cfg.Forecast.BreakerMaxFailures,
				ResetTimeout: cfg.Forecast.BreakerResetTimeout,
			},
			Precision: precision,
			Now:       time.Now,
		},
	}
}
