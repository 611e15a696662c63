// Package pipeline sequences one ingestion run: fetch, resolve events,
// upsert, bulk-load, advance checkpoint. Any failure before the checkpoint
// phase leaves the watermark untouched and the whole run safe to retry;
// attribute chunks already committed are not rolled back.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ctisec/misp-postgres-ingester/logging"
	"github.com/ctisec/misp-postgres-ingester/metrics"
	"github.com/ctisec/misp-postgres-ingester/misp"
	"github.com/ctisec/misp-postgres-ingester/warehouse"
)

// Options carries the per-run tunables.
type Options struct {
	PageSize       int // attributes per restSearch page (full backfill)
	FullChunkSize  int // rows per COPY chunk on backfill
	DeltaChunkSize int // rows per COPY chunk on delta sync
}

// Fetcher is the platform surface a run consumes. Satisfied by misp.Client.
type Fetcher interface {
	FetchAttributesFull(ctx context.Context, pageSize int) ([]misp.Attribute, error)
	FetchAttributesDelta(ctx context.Context, since time.Time) ([]misp.Attribute, error)
	FetchEvents(ctx context.Context, ids []int64) (map[int64]misp.Event, error)
}

// Loader is the warehouse write surface. Satisfied by warehouse.Loader.
type Loader interface {
	UpsertRun(ctx context.Context, events []warehouse.EventRow, correlations []warehouse.CorrelationRow) error
	LoadAttributes(ctx context.Context, rows []warehouse.AttributeRow, chunkSize int) error
}

// Checkpoint is the sync watermark surface. Satisfied by
// warehouse.CheckpointManager.
type Checkpoint interface {
	Load(ctx context.Context) (*time.Time, error)
	WindowStart(last *time.Time, now time.Time) time.Time
	Save(ctx context.Context, t time.Time) error
}

// Runner owns one pipeline run. All collaborators are explicitly constructed
// and passed in; the runner holds no ambient state.
type Runner struct {
	client     Fetcher
	loader     Loader
	checkpoint Checkpoint
	logger     *logging.ComponentLogger
	collector  *metrics.Collector
	opts       Options
}

// NewRunner wires a run.
func NewRunner(client Fetcher, loader Loader, checkpoint Checkpoint, logger *logging.ComponentLogger, collector *metrics.Collector, opts Options) *Runner {
	if opts.PageSize <= 0 {
		opts.PageSize = 100000
	}
	if opts.FullChunkSize <= 0 {
		opts.FullChunkSize = 100000
	}
	if opts.DeltaChunkSize <= 0 {
		opts.DeltaChunkSize = 10000
	}
	return &Runner{
		client:     client,
		loader:     loader,
		checkpoint: checkpoint,
		logger:     logger,
		collector:  collector,
		opts:       opts,
	}
}

// RunFull executes a full historical backfill.
func (r *Runner) RunFull(ctx context.Context) error {
	r.logger.LogRunPhase("FETCH", map[string]interface{}{"mode": "full", "page_size": r.opts.PageSize})

	attrs, err := r.client.FetchAttributesFull(ctx, r.opts.PageSize)
	if err != nil {
		return r.fail(err)
	}
	if r.collector != nil {
		r.collector.AddAttributesFetched(len(attrs))
	}

	return r.loadAndAdvance(ctx, attrs, r.opts.FullChunkSize)
}

// RunDelta executes an incremental run bounded by the stored checkpoint. A
// delta fetch returning no attributes ends the run cleanly without advancing
// the checkpoint.
func (r *Runner) RunDelta(ctx context.Context) error {
	last, err := r.checkpoint.Load(ctx)
	if err != nil {
		return r.fail(err)
	}
	since := r.checkpoint.WindowStart(last, time.Now().UTC())

	r.logger.LogRunPhase("FETCH", map[string]interface{}{"mode": "delta", "since": since.Format(time.RFC3339)})

	attrs, err := r.client.FetchAttributesDelta(ctx, since)
	if err != nil {
		return r.fail(err)
	}
	if r.collector != nil {
		r.collector.AddAttributesFetched(len(attrs))
	}
	if len(attrs) == 0 {
		r.logger.Info().Msg("No updates in delta window")
		return nil
	}

	return r.loadAndAdvance(ctx, attrs, r.opts.DeltaChunkSize)
}

// loadAndAdvance runs the shared RESOLVE_EVENTS through ADVANCE_CHECKPOINT
// phases for an already-fetched attribute set.
func (r *Runner) loadAndAdvance(ctx context.Context, attrs []misp.Attribute, chunkSize int) error {
	idToValue := warehouse.BuildIDValueIndex(attrs)
	eventIDs := uniqueEventIDs(attrs)

	r.logger.LogRunPhase("RESOLVE_EVENTS", map[string]interface{}{"events": len(eventIDs)})
	resolveStart := time.Now()
	events, err := r.client.FetchEvents(ctx, eventIDs)
	if err != nil {
		return r.fail(err)
	}
	if r.collector != nil {
		r.collector.AddEventsFetched(len(events))
		r.collector.ObserveResolveEvents(time.Since(resolveStart))
	}

	eventRows := make([]warehouse.EventRow, 0, len(events))
	for _, ev := range events {
		eventRows = append(eventRows, warehouse.BuildEventRow(ev))
	}
	correlations := warehouse.ExtractCorrelations(attrs)

	r.logger.LogRunPhase("UPSERT_EVENTS", map[string]interface{}{"rows": len(eventRows)})
	r.logger.LogRunPhase("UPSERT_CORRELATIONS", map[string]interface{}{"rows": len(correlations)})
	if err := r.loader.UpsertRun(ctx, eventRows, correlations); err != nil {
		return r.fail(err)
	}

	rows := warehouse.BuildAttributeRows(attrs, events, idToValue)
	r.logger.LogRunPhase("LOAD_ATTRIBUTES", map[string]interface{}{"rows": len(rows), "chunk_size": chunkSize})
	if err := r.loader.LoadAttributes(ctx, rows, chunkSize); err != nil {
		return r.fail(err)
	}

	now := time.Now().UTC()
	r.logger.LogRunPhase("ADVANCE_CHECKPOINT", map[string]interface{}{"last_run": now.Format(time.RFC3339)})
	if err := r.checkpoint.Save(ctx, now); err != nil {
		// All chunks are committed at this point; only the watermark write
		// failed, so the next delta window will re-cover loaded rows.
		if r.collector != nil {
			r.collector.IncErrors()
		}
		return fmt.Errorf("load committed but checkpoint not advanced: %w", err)
	}
	if r.collector != nil {
		r.collector.SetLastRun(now)
	}

	r.logger.LogRunPhase("DONE", map[string]interface{}{"attributes": len(rows)})
	return nil
}

func (r *Runner) fail(err error) error {
	if r.collector != nil {
		r.collector.IncErrors()
	}
	return fmt.Errorf("run aborted, checkpoint unchanged: %w", err)
}

// uniqueEventIDs returns the sorted distinct owning-event ids of attrs.
func uniqueEventIDs(attrs []misp.Attribute) []int64 {
	seen := make(map[int64]struct{}, len(attrs))
	for _, a := range attrs {
		seen[a.EventID.Int64()] = struct{}{}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
