// Package main provides the entry point for the ctihub server: an IOC
// aggregation service with a background feed monitor and a realtime
// dashboard API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctihub/internal/api"
	"github.com/lvonguyen/ctihub/internal/api/gateway"
	"github.com/lvonguyen/ctihub/internal/config"
	"github.com/lvonguyen/ctihub/internal/engine"
	"github.com/lvonguyen/ctihub/internal/events"
	"github.com/lvonguyen/ctihub/internal/feeds"
	"github.com/lvonguyen/ctihub/internal/ioc"
	"github.com/lvonguyen/ctihub/internal/monitor"
	"github.com/lvonguyen/ctihub/internal/observability"
	"github.com/lvonguyen/ctihub/internal/sources"
	"github.com/lvonguyen/ctihub/internal/stats"
	"github.com/lvonguyen/ctihub/internal/store"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ctihub %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.Telemetry.ServiceVersion = Version

	telemetry, err := observability.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry init failed: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.Logger()
	logger.Info("starting ctihub",
		zap.String("version", Version),
		zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence backend.
	backend, err := openBackend(cfg.Store)
	if err != nil {
		logger.Fatal("backend open failed", zap.Error(err))
	}
	defer backend.Close()
	st := store.New(backend, logger)

	// Optional redis, shared by the rate limiter and the stats mirror.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := pingRedis(ctx, redisClient); err != nil {
			logger.Warn("redis unreachable, continuing without it", zap.Error(err))
			redisClient = nil
		}
	}

	// Reputation sources.
	srcs := buildSources(cfg.Sources, logger)
	eng := engine.New(st, srcs, logger,
		engine.WithFreshnessWindow(cfg.Engine.FreshnessWindow),
		engine.WithLookupTimeout(cfg.Engine.LookupTimeout),
		engine.WithMetrics(telemetry.Metrics()))

	// Realtime event fan-out: always the in-process hub, plus NATS when
	// configured.
	hub := events.NewHub(logger, events.WithMetrics(telemetry.Metrics()))
	publisher := events.Multi{hub}
	if cfg.Events.NATS.Enabled {
		nats, err := connectNATS(cfg.Events.NATS, logger)
		if err != nil {
			logger.Warn("nats unreachable, events stay in-process", zap.Error(err))
		} else {
			defer nats.Close()
			publisher = append(publisher, nats)
		}
	}

	// Stats pipeline and feed monitor.
	cache := stats.NewCache(cfg.Monitor.Interval, redisClient, logger)
	computer := stats.NewComputer(st)

	mon := monitor.New(buildProducer(cfg.Sources.Synthetic), eng, computer, cache, publisher, logger,
		monitor.WithIntervals(cfg.Monitor.Interval, cfg.Monitor.ErrorInterval),
		monitor.WithMetrics(telemetry.Metrics()))
	if err := mon.Start(); err != nil {
		logger.Fatal("monitor start failed", zap.Error(err))
	}

	// HTTP surface.
	var extra []func(http.Handler) http.Handler
	if redisClient != nil {
		limiter := gateway.NewRateLimiter(redisClient, cfg.RateLimit, logger)
		extra = append(extra, limiter.Middleware(
			func(r *http.Request) string { return r.Header.Get("X-API-Tier") },
			func(r *http.Request) string { return r.Header.Get("X-API-Key") },
		))
	}

	apiServer := api.NewServer(st, eng, cache, hub, logger)
	router := apiServer.Routes(extra...)
	router.Handle("/metrics", telemetry.MetricsHandler())
	telemetry.StartSystemMetricsCollector(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))
	cancel()

	// Stop the monitor first so its last cycle lands before the store
	// closes, then drain HTTP.
	mon.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
}

// openBackend selects the persistence backend. Bolt opens retry briefly:
// a restarting process can race its predecessor for the file lock.
func openBackend(cfg config.StoreConfig) (store.Backend, error) {
	if cfg.Backend != "bolt" {
		return store.NewMemoryBackend(), nil
	}

	var backend *store.BoltBackend
	open := func() error {
		var err error
		backend, err = store.OpenBolt(cfg.Path)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(open, policy); err != nil {
		return nil, err
	}
	return backend, nil
}

func pingRedis(ctx context.Context, client *redis.Client) error {
	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	return backoff.Retry(ping, policy)
}

func connectNATS(cfg config.NATSConfig, logger *zap.Logger) (*events.NATSPublisher, error) {
	var pub *events.NATSPublisher
	connect := func() error {
		var err error
		pub, err = events.ConnectNATS(cfg.URL, cfg.SubjectPrefix, logger)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, err
	}
	return pub, nil
}

// buildSources assembles the enabled reputation sources. A source whose
// API key is missing is skipped with a warning rather than failing boot.
func buildSources(cfg config.SourcesConfig, logger *zap.Logger) []sources.Source {
	var srcs []sources.Source

	if cfg.VirusTotal.Enabled {
		vt, err := sources.NewVirusTotal(cfg.VirusTotal.Config, logger)
		if err != nil {
			logger.Warn("virustotal disabled", zap.Error(err))
		} else {
			srcs = append(srcs, vt)
		}
	}
	if cfg.AbuseIPDB.Enabled {
		abuse, err := sources.NewAbuseIPDB(cfg.AbuseIPDB.Config, logger)
		if err != nil {
			logger.Warn("abuseipdb disabled", zap.Error(err))
		} else {
			srcs = append(srcs, abuse)
		}
	}
	return srcs
}

// buildProducer returns the feed producer. With the synthetic feed
// disabled the monitor still runs, it just records nothing.
func buildProducer(cfg config.SyntheticConfig) feeds.Producer {
	if !cfg.Enabled {
		return feeds.ProducerFunc(func(ctx context.Context) ([]ioc.Observation, error) {
			return nil, nil
		})
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return feeds.NewSynthetic(seed)
}
