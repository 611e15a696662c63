// Command delta-sync performs an incremental ingestion run bounded by the
// persisted sync checkpoint. Intended to run from cron; a run that fetches
// nothing exits cleanly without touching the checkpoint.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ctisec/misp-postgres-ingester/config"
	"github.com/ctisec/misp-postgres-ingester/logging"
	"github.com/ctisec/misp-postgres-ingester/metrics"
	"github.com/ctisec/misp-postgres-ingester/misp"
	"github.com/ctisec/misp-postgres-ingester/pipeline"
	"github.com/ctisec/misp-postgres-ingester/warehouse"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	logger := logging.NewComponentLogger("delta-sync", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	collector := metrics.NewCollector(logger)
	if cfg.Service.MetricsPort > 0 {
		go func() {
			if err := collector.Serve(cfg.Service.MetricsPort); err != nil {
				logger.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	db, err := sql.Open("postgres", cfg.PostgresConnectionString())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open PostgreSQL")
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping PostgreSQL")
	}
	if err := warehouse.InitSchema(db); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize schema")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	client := misp.NewClient(misp.ClientConfig{
		BaseURL:      cfg.MISP.BaseURL,
		APIKey:       cfg.MISP.APIKey,
		VerifyCert:   cfg.MISP.VerifyCert,
		Timeout:      cfg.HTTPTimeout(),
		EventWorkers: cfg.MISP.EventWorkers,
	}, nil, logger)

	loader := warehouse.NewLoader(db, logger, collector, cfg.Load.UpsertBatch)
	checkpoint := warehouse.NewCheckpointManager(db, logger, cfg.DefaultWindow())

	runner := pipeline.NewRunner(client, loader, checkpoint, logger, collector, pipeline.Options{
		PageSize:       cfg.MISP.PageSize,
		FullChunkSize:  cfg.Load.FullChunkSize,
		DeltaChunkSize: cfg.Load.DeltaChunkSize,
	})

	start := time.Now()
	if err := runner.RunDelta(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Delta sync failed")
	}
	logger.Info().Dur("duration", time.Since(start)).Msg("Sync complete")
}
