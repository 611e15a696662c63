package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ctisec/misp-postgres-ingester/logging"
)

// CheckpointManager persists the sync watermark governing the next delta
// window. Single-writer, single-run; no locking.
type CheckpointManager struct {
	db            *sql.DB
	logger        *logging.ComponentLogger
	defaultWindow time.Duration
}

// NewCheckpointManager creates a checkpoint manager. defaultWindow bounds the
// first delta run when no watermark has been stored yet.
func NewCheckpointManager(db *sql.DB, logger *logging.ComponentLogger, defaultWindow time.Duration) *CheckpointManager {
	if defaultWindow <= 0 {
		defaultWindow = 4 * time.Hour
	}
	return &CheckpointManager{db: db, logger: logger, defaultWindow: defaultWindow}
}

// Load retrieves the stored last_run watermark. A nil result means no
// completed run has been recorded.
func (cm *CheckpointManager) Load(ctx context.Context) (*time.Time, error) {
	var lastRun sql.NullTime
	err := cm.db.QueryRowContext(ctx,
		`SELECT last_run FROM sync_state WHERE id = 1`,
	).Scan(&lastRun)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !lastRun.Valid {
		return nil, nil
	}
	t := lastRun.Time.UTC()
	return &t, nil
}

// WindowStart computes the delta window lower bound: the stored watermark, or
// now minus the configured interval when none exists.
func (cm *CheckpointManager) WindowStart(last *time.Time, now time.Time) time.Time {
	if last != nil {
		return *last
	}
	return now.Add(-cm.defaultWindow)
}

// Save advances the watermark to t. Called only after a successful load
// phase; the watermark is the wall-clock commit time, not the maximum record
// timestamp observed.
func (cm *CheckpointManager) Save(ctx context.Context, t time.Time) error {
	result, err := cm.db.ExecContext(ctx,
		`UPDATE sync_state SET last_run = $1 WHERE id = 1`, t)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Seed row missing; insert it rather than fail the completed run.
		if _, err := cm.db.ExecContext(ctx,
			`INSERT INTO sync_state (id, last_run) VALUES (1, $1)
			 ON CONFLICT (id) DO UPDATE SET last_run = EXCLUDED.last_run`, t); err != nil {
			return fmt.Errorf("failed to insert checkpoint row: %w", err)
		}
	}

	cm.logger.Info().Time("last_run", t).Msg("Checkpoint advanced")
	return nil
}
