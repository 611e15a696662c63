package warehouse

import (
	"database/sql"
	"fmt"
)

// InitSchema creates the warehouse tables if they do not exist and seeds the
// sync_state singleton. The pipeline exclusively owns writes to these tables;
// the downstream query service reads them.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events_minimal (
			id BIGINT PRIMARY KEY,
			org_id BIGINT,
			info TEXT,
			uuid TEXT,
			date TEXT,
			attribute_count INTEGER,
			last_modified TIMESTAMPTZ,
			threat_level_id INTEGER,
			publish_timestamp TIMESTAMPTZ,
			feed_name TEXT,
			orgc_name TEXT
		);

		CREATE TABLE IF NOT EXISTS attributes_minimal (
			id BIGINT,
			event_id BIGINT,
			category TEXT,
			type TEXT,
			value TEXT,
			to_ids BOOLEAN,
			uuid TEXT,
			created_ts TIMESTAMPTZ,
			comment TEXT,
			first_seen TIMESTAMPTZ,
			last_seen TIMESTAMPTZ,
			country_name TEXT,
			country_code TEXT,
			region_name TEXT,
			city TEXT,
			related_event_info TEXT,
			event_info TEXT,
			event_galaxy_names TEXT
		);

		CREATE TABLE IF NOT EXISTS attribute_correlations (
			attr_id BIGINT,
			related_attr_id BIGINT,
			related_event_id BIGINT,
			relationship_type TEXT,
			first_seen TIMESTAMPTZ,
			last_seen TIMESTAMPTZ,
			comment TEXT,
			PRIMARY KEY (attr_id, related_attr_id)
		);

		CREATE TABLE IF NOT EXISTS sync_state (
			id INTEGER PRIMARY KEY,
			last_run TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_attributes_event ON attributes_minimal(event_id);
		CREATE INDEX IF NOT EXISTS idx_attributes_type ON attributes_minimal(type);
		CREATE INDEX IF NOT EXISTS idx_attributes_geo_pending
			ON attributes_minimal(type) WHERE country_name IS NULL;
	`)
	if err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	// Seed the singleton watermark row; a NULL last_run means no run yet.
	if _, err := db.Exec(
		`INSERT INTO sync_state (id, last_run) VALUES (1, NULL) ON CONFLICT (id) DO NOTHING`,
	); err != nil {
		return fmt.Errorf("failed to seed sync_state: %w", err)
	}

	return nil
}
