package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ctisec/misp-postgres-ingester/logging"
	"github.com/ctisec/misp-postgres-ingester/metrics"
)

// attributeColumns is the fixed bulk-load column order for attributes_minimal.
var attributeColumns = []string{
	"id", "event_id", "category", "type", "value", "to_ids", "uuid", "created_ts",
	"comment", "first_seen", "last_seen",
	"country_name", "country_code", "region_name", "city",
	"related_event_info", "event_info", "event_galaxy_names",
}

const eventColumnCount = 11
const correlationColumnCount = 7

// Loader writes normalized rows to the warehouse. One Loader serves one run
// over a single connection pool; no concurrent writers are assumed.
type Loader struct {
	db          *sql.DB
	logger      *logging.ComponentLogger
	collector   *metrics.Collector
	upsertBatch int
}

// NewLoader creates a loader. batchSize bounds the rows per insert-or-ignore
// statement; zero selects 500.
func NewLoader(db *sql.DB, logger *logging.ComponentLogger, collector *metrics.Collector, batchSize int) *Loader {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Loader{db: db, logger: logger, collector: collector, upsertBatch: batchSize}
}

// UpsertRun writes event and correlation rows through the insert-or-ignore
// path in one transaction, committed once both upserts complete. Conflict
// hits are absorbed, not errors.
func (l *Loader) UpsertRun(ctx context.Context, events []EventRow, correlations []CorrelationRow) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := l.upsertEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := l.upsertCorrelations(ctx, tx, correlations); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upserts: %w", err)
	}

	if l.collector != nil {
		l.collector.AddEventsUpserted(len(events))
		l.collector.AddCorrelationsUpserted(len(correlations))
	}
	l.logger.Info().
		Int("events", len(events)).
		Int("correlations", len(correlations)).
		Msg("Upserted events and correlations")
	return nil
}

func (l *Loader) upsertEvents(ctx context.Context, tx *sql.Tx, rows []EventRow) error {
	for start := 0; start < len(rows); start += l.upsertBatch {
		end := start + l.upsertBatch
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		query := fmt.Sprintf(`
			INSERT INTO events_minimal (
				id, org_id, info, uuid, date,
				attribute_count, last_modified,
				threat_level_id, publish_timestamp,
				feed_name, orgc_name
			) VALUES %s
			ON CONFLICT (id) DO NOTHING`,
			valuePlaceholders(len(batch), eventColumnCount))

		args := make([]interface{}, 0, len(batch)*eventColumnCount)
		for _, r := range batch {
			args = append(args,
				r.ID, r.OrgID, r.Info, r.UUID, r.Date,
				r.AttributeCount, r.LastModified,
				r.ThreatLevelID, r.PublishTimestamp,
				r.FeedName, r.OrgcName,
			)
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert events: %w", err)
		}
	}
	return nil
}

func (l *Loader) upsertCorrelations(ctx context.Context, tx *sql.Tx, rows []CorrelationRow) error {
	for start := 0; start < len(rows); start += l.upsertBatch {
		end := start + l.upsertBatch
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		query := fmt.Sprintf(`
			INSERT INTO attribute_correlations (
				attr_id, related_attr_id, related_event_id,
				relationship_type, first_seen, last_seen, comment
			) VALUES %s
			ON CONFLICT (attr_id, related_attr_id) DO NOTHING`,
			valuePlaceholders(len(batch), correlationColumnCount))

		args := make([]interface{}, 0, len(batch)*correlationColumnCount)
		for _, r := range batch {
			args = append(args,
				r.AttrID, r.RelatedAttrID, r.RelatedEventID,
				r.RelationshipType, r.FirstSeen, r.LastSeen, r.Comment,
			)
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert correlations: %w", err)
		}
	}
	return nil
}

// LoadAttributes bulk-loads attribute rows in fixed-size chunks, one COPY and
// one commit per chunk. A mid-chunk failure aborts the run; chunks already
// committed persist.
func (l *Loader) LoadAttributes(ctx context.Context, rows []AttributeRow, chunkSize int) error {
	for _, r := range chunkRanges(len(rows), chunkSize) {
		if err := l.loadChunk(ctx, rows[r[0]:r[1]], r[0]); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) loadChunk(ctx context.Context, chunk []AttributeRow, offset int) error {
	batchID := uuid.New()
	start := time.Now()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("attributes_minimal", attributeColumns...))
	if err != nil {
		return fmt.Errorf("failed to prepare copy statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range chunk {
		_, err = stmt.ExecContext(ctx,
			row.ID, row.EventID, row.Category, row.Type, row.Value,
			row.ToIDs, row.UUID, row.CreatedTS,
			row.Comment, row.FirstSeen, row.LastSeen,
			row.CountryName, row.CountryCode, row.RegionName, row.City,
			row.RelatedEventInfo, row.EventInfo, row.EventGalaxyNames,
		)
		if err != nil {
			return fmt.Errorf("failed to add row %d to copy: %w", row.ID, err)
		}
	}

	// Flush the COPY stream.
	if _, err = stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to execute copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close copy statement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk: %w", err)
	}

	if l.collector != nil {
		l.collector.AddRowsLoaded(len(chunk))
		l.collector.IncChunksCommitted()
		l.collector.ObserveChunkLoad(time.Since(start))
	}
	l.logger.LogChunkLoad(batchID.String(), len(chunk), offset+1, offset+len(chunk), time.Since(start))

	return nil
}

// chunkRanges partitions total rows into [start, end) ranges of at most size.
func chunkRanges(total, size int) [][2]int {
	if size <= 0 {
		size = total
	}
	var ranges [][2]int
	for start := 0; start < total; start += size {
		end := start + size
		if end > total {
			end = total
		}
		ranges = append(ranges, [2]int{start, end})
	}
	return ranges
}

// valuePlaceholders builds "($1,...,$n),($n+1,...)" for a multi-row insert.
func valuePlaceholders(rows, cols int) string {
	var b strings.Builder
	arg := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "$%d", arg)
			arg++
		}
		b.WriteByte(')')
	}
	return b.String()
}
