// Command geo-enrich resolves geography for already-loaded attribute rows
// using a local GeoIP2 database and DNS. Runs independently of the ingestion
// commands; safe to re-run, every pass picks up only still-unenriched rows.
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
	"github.com/ctisec/misp-postgres-ingester/geo"
	"github.com/ctisec/misp-postgres-ingester/logging"
	"github.com/ctisec/misp-postgres-ingester/metrics"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	logger := logging.NewComponentLogger("geo-enrich", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Geo.MMDBPath == "" {
		logger.Fatal().Msg("geo.mmdb_path is required (config or GEOLITE2_PATH env)")
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

	lookup, closeDB, err := geo.OpenGeoDatabase(cfg.Geo.MMDBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Geo.MMDBPath).Msg("Failed to open geo database")
	}
	defer closeDB()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	enricher := geo.NewEnricher(db, lookup, geo.DefaultResolveFunc(), logger, collector,
		cfg.Geo.Workers, cfg.Geo.BatchSize)

	start := time.Now()
	if err := enricher.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Geo enrichment failed")
	}
	logger.Info().Dur("duration", time.Since(start)).Msg("Geo enrichment complete")
}
