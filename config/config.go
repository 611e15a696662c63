package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Service struct {
		Name        string `yaml:"name"`
		MetricsPort int    `yaml:"metrics_port"` // 0 disables the metrics endpoint
	} `yaml:"service"`

	MISP struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		VerifyCert     bool   `yaml:"verify_cert"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		PageSize       int    `yaml:"page_size"`     // attributes per restSearch page
		EventWorkers   int    `yaml:"event_workers"` // parallel event detail fetches
	} `yaml:"misp"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Database string `yaml:"database"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"postgres"`

	Load struct {
		FullChunkSize  int `yaml:"full_chunk_size"`  // rows per COPY chunk on backfill
		DeltaChunkSize int `yaml:"delta_chunk_size"` // rows per COPY chunk on delta sync
		UpsertBatch    int `yaml:"upsert_batch"`     // rows per insert-or-ignore statement
	} `yaml:"load"`

	Sync struct {
		DefaultWindowHours int `yaml:"default_window_hours"` // delta window when no checkpoint exists
	} `yaml:"sync"`

	Geo struct {
		MMDBPath  string `yaml:"mmdb_path"`
		Workers   int    `yaml:"workers"`
		BatchSize int    `yaml:"batch_size"`
	} `yaml:"geo"`
}

// Load reads configuration from a YAML file, applies defaults and
// environment overrides for secrets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if cfg.MISP.BaseURL == "" {
		return nil, fmt.Errorf("misp.base_url is required")
	}
	if cfg.MISP.APIKey == "" {
		return nil, fmt.Errorf("misp.api_key is required (config or MISP_KEY env)")
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "misp-postgres-ingester"
	}
	if c.MISP.TimeoutSeconds == 0 {
		c.MISP.TimeoutSeconds = 120
	}
	if c.MISP.PageSize == 0 {
		c.MISP.PageSize = 100000
	}
	if c.MISP.EventWorkers == 0 {
		c.MISP.EventWorkers = 20
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Load.FullChunkSize == 0 {
		c.Load.FullChunkSize = 100000
	}
	if c.Load.DeltaChunkSize == 0 {
		c.Load.DeltaChunkSize = 10000
	}
	if c.Load.UpsertBatch == 0 {
		c.Load.UpsertBatch = 500
	}
	if c.Sync.DefaultWindowHours == 0 {
		c.Sync.DefaultWindowHours = 4
	}
	if c.Geo.Workers == 0 {
		c.Geo.Workers = 50
	}
	if c.Geo.BatchSize == 0 {
		c.Geo.BatchSize = 1000
	}
}

func (c *Config) applyEnvOverrides() {
	if v := getEnv("MISP_BASEURL", ""); v != "" {
		c.MISP.BaseURL = v
	}
	if v := getEnv("MISP_KEY", ""); v != "" {
		c.MISP.APIKey = v
	}
	if v := getEnv("VERIFY_CERT", ""); v != "" {
		c.MISP.VerifyCert = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	if v := getEnv("DB_HOST", ""); v != "" {
		c.Postgres.Host = v
	}
	if v := getEnv("DB_NAME", ""); v != "" {
		c.Postgres.Database = v
	}
	if v := getEnv("DB_USER", ""); v != "" {
		c.Postgres.User = v
	}
	if v := getEnv("DB_PASS", ""); v != "" {
		c.Postgres.Password = v
	}
	if v := getEnv("GEOLITE2_PATH", ""); v != "" {
		c.Geo.MMDBPath = v
	}
}

// HTTPTimeout returns the platform request timeout as a duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.MISP.TimeoutSeconds) * time.Second
}

// DefaultWindow returns the delta window used when no checkpoint exists.
func (c *Config) DefaultWindow() time.Duration {
	return time.Duration(c.Sync.DefaultWindowHours) * time.Hour
}

// PostgresConnectionString returns a connection string for PostgreSQL.
func (c *Config) PostgresConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Database,
		c.Postgres.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
