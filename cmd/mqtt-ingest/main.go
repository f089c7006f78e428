package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkess/unified-ingestor/internal/alerts"
	"github.com/dkess/unified-ingestor/internal/api"
	"github.com/dkess/unified-ingestor/internal/config"
	"github.com/dkess/unified-ingestor/internal/database"
	"github.com/dkess/unified-ingestor/internal/derive"
	"github.com/dkess/unified-ingestor/internal/ingest"
	"github.com/dkess/unified-ingestor/internal/metrics"
	"github.com/dkess/unified-ingestor/internal/mqtthub"
	"github.com/dkess/unified-ingestor/internal/registry"
	"github.com/dkess/unified-ingestor/internal/schema"

	"github.com/prometheus/client_golang/prometheus"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&overrides.ConfigFile, "config", "", "path to the YAML config file")
	flag.StringVar(&overrides.HTTPAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace|debug|info|warn|error)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection string")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("mqtt-ingest starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Live YAML config
	loader, err := config.NewLoader(cfg.ConfigFile, cfg.PollInterval, log)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("failed to load config file")
	}
	if err := loader.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start config watcher")
	}
	defer loader.Stop()

	// Database. The process env wins over the YAML snapshot so deployments
	// can point one config file at different databases.
	databaseURL := cfg.DatabaseURL
	if databaseURL == "" {
		databaseURL = loader.Snapshot().Database.URI
	}
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, databaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Device registry
	reg := registry.New(db, log)
	if err := reg.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to create device_mapper table")
	}

	// Ingestion pipeline
	schemaMgr := schema.NewManager(db, log)
	eng := derive.NewEngine()
	hub := mqtthub.NewHub(log)
	sup := ingest.NewSupervisor(loader, hub, schemaMgr, db, reg, eng, log)
	sup.Start(ctx)

	// Alert monitor on its own hub so ingest rebuilds leave it alone
	store := alerts.NewThresholdStore(db, log)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error().Err(err).Msg("failed to create threshold table, database thresholds disabled")
		store = nil
	}
	alertHub := mqtthub.NewHub(log.With().Str("component", "alert-hub").Logger())
	monitor := alerts.NewMonitor(loader, alertHub, store, log)
	monitor.Start(ctx)

	prometheus.MustRegister(metrics.NewCollector(db.Pool, eng))

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, db, hub, reg, loader, version, startTime, httpLog)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	alertHub.StopAll()
	hub.StopAll()

	log.Info().Msg("mqtt-ingest stopped")
}
