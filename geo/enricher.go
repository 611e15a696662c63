package geo

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/oschwald/geoip2-golang"

	"github.com/ctisec/misp-postgres-ingester/logging"
	"github.com/ctisec/misp-postgres-ingester/metrics"
)

// Result carries the geography fields for one address. Empty fields map to
// NULL in the warehouse.
type Result struct {
	CountryName string
	CountryCode string
	RegionName  string
	City        string
}

// LookupFunc maps an address to geography.
type LookupFunc func(addr string) (*Result, error)

// OpenGeoDatabase opens a read-only GeoIP2/GeoLite2 city database and returns
// a lookup function plus its closer.
func OpenGeoDatabase(path string) (LookupFunc, func() error, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open geo database: %w", err)
	}

	lookup := func(addr string) (*Result, error) {
		ip := net.ParseIP(addr)
		if ip == nil {
			return nil, fmt.Errorf("not an IP address: %s", addr)
		}
		record, err := reader.City(ip)
		if err != nil {
			return nil, err
		}

		res := &Result{
			CountryName: record.Country.Names["en"],
			CountryCode: record.Country.IsoCode,
			City:        record.City.Names["en"],
		}
		if len(record.Subdivisions) > 0 {
			// Most specific subdivision is last.
			res.RegionName = record.Subdivisions[len(record.Subdivisions)-1].Names["en"]
		}
		return res, nil
	}

	return lookup, reader.Close, nil
}

// pendingRow is one attribute row selected for enrichment.
type pendingRow struct {
	ID    int64
	Value string
	Type  string
}

// Update is one completed enrichment result, keyed by attribute row id.
type Update struct {
	ID          int64
	CountryName *string
	CountryCode *string
	RegionName  *string
	City        *string
}

// geoAttributeTypes are the address-like and domain-like indicator types
// eligible for enrichment.
var geoAttributeTypes = []string{"ip-src", "ip-dst", "ip", "cidr", "domain"}

// Enricher performs the geolocation pass: select unenriched rows, resolve and
// look up concurrently, write updates in committed batches. Each run is
// resumable because the selection predicate re-checks "geography still unset".
type Enricher struct {
	db        *sql.DB
	resolver  *MemoResolver
	lookup    LookupFunc
	logger    *logging.ComponentLogger
	collector *metrics.Collector
	workers   int
	batchSize int
}

// NewEnricher creates an enrichment pass. Zero workers selects 50, zero
// batchSize selects 1000.
func NewEnricher(db *sql.DB, lookup LookupFunc, resolve ResolveFunc, logger *logging.ComponentLogger, collector *metrics.Collector, workers, batchSize int) *Enricher {
	if workers <= 0 {
		workers = 50
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Enricher{
		db:        db,
		resolver:  NewMemoResolver(resolve),
		lookup:    lookup,
		logger:    logger,
		collector: collector,
		workers:   workers,
		batchSize: batchSize,
	}
}

// Run executes one enrichment pass over all eligible rows.
func (e *Enricher) Run(ctx context.Context) error {
	rows, err := e.selectPending(ctx)
	if err != nil {
		return err
	}
	e.logger.Info().Int("rows", len(rows)).Msg("Attributes selected for geo enrichment")
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()
	updates := e.enrichAll(ctx, rows)

	e.logger.Info().
		Int("processed", len(rows)).
		Int("enriched", len(updates)).
		Int("domains_cached", e.resolver.CacheSize()).
		Dur("duration", time.Since(start)).
		Msg("Lookup phase done")

	for _, r := range chunkUpdates(updates, e.batchSize) {
		if err := e.applyBatch(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// selectPending returns rows whose geography is unset and whose type is
// address-like or domain-like.
func (e *Enricher) selectPending(ctx context.Context) ([]pendingRow, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, value, type
		  FROM attributes_minimal
		 WHERE country_name IS NULL
		   AND type = ANY($1)`,
		pq.Array(geoAttributeTypes))
	if err != nil {
		return nil, fmt.Errorf("failed to select rows for enrichment: %w", err)
	}
	defer rows.Close()

	var pending []pendingRow
	for rows.Next() {
		var r pendingRow
		if err := rows.Scan(&r.ID, &r.Value, &r.Type); err != nil {
			return nil, fmt.Errorf("failed to scan enrichment row: %w", err)
		}
		pending = append(pending, r)
	}
	return pending, rows.Err()
}

// enrichAll fans rows out over the worker pool and collects results as they
// complete, independent of submission order.
func (e *Enricher) enrichAll(ctx context.Context, pending []pendingRow) []Update {
	jobs := make(chan pendingRow)
	results := make(chan Update, len(pending))

	var wg sync.WaitGroup
	for w := 0; w < e.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range jobs {
				if u, ok := e.enrichRow(ctx, row); ok {
					results <- u
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, row := range pending {
			select {
			case jobs <- row:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(results)

	updates := make([]Update, 0, len(pending))
	for u := range results {
		updates = append(updates, u)
	}
	return updates
}

// enrichRow resolves and looks up one row. Any failure is a silent per-row
// skip; the row stays eligible for the next pass.
func (e *Enricher) enrichRow(ctx context.Context, row pendingRow) (Update, bool) {
	addr := row.Value
	if row.Type == "domain" {
		resolved, err := e.resolver.Resolve(ctx, row.Value)
		if err != nil {
			e.skip(row, "resolve", err)
			return Update{}, false
		}
		addr = resolved
	} else if row.Type == "cidr" {
		// Look up the network's base address.
		if i := strings.IndexByte(addr, '/'); i >= 0 {
			addr = addr[:i]
		}
	}

	res, err := e.lookup(addr)
	if err != nil {
		e.skip(row, "lookup", err)
		return Update{}, false
	}

	if e.collector != nil {
		e.collector.IncRowsEnriched()
	}
	return Update{
		ID:          row.ID,
		CountryName: nullable(res.CountryName),
		CountryCode: nullable(res.CountryCode),
		RegionName:  nullable(res.RegionName),
		City:        nullable(res.City),
	}, true
}

func (e *Enricher) skip(row pendingRow, stage string, err error) {
	if e.collector != nil {
		e.collector.IncRowsSkipped()
	}
	e.logger.Debug().
		Int64("attr_id", row.ID).
		Str("type", row.Type).
		Str("value", row.Value).
		Str("stage", stage).
		Err(err).
		Msg("Enrichment row skipped")
}

// applyBatch writes one batch of updates, committed in its own transaction.
func (e *Enricher) applyBatch(ctx context.Context, batch []Update) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE attributes_minimal
		   SET country_name = $1,
		       country_code = $2,
		       region_name  = $3,
		       city         = $4
		 WHERE id = $5`)
	if err != nil {
		return fmt.Errorf("failed to prepare update: %w", err)
	}
	defer stmt.Close()

	for _, u := range batch {
		if _, err := stmt.ExecContext(ctx, u.CountryName, u.CountryCode, u.RegionName, u.City, u.ID); err != nil {
			return fmt.Errorf("failed to update row %d: %w", u.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enrichment batch: %w", err)
	}

	e.logger.Info().Int("rows", len(batch)).Msg("Committed enrichment batch")
	return nil
}

// chunkUpdates partitions updates into batches of at most size.
func chunkUpdates(updates []Update, size int) [][]Update {
	var batches [][]Update
	for start := 0; start < len(updates); start += size {
		end := start + size
		if end > len(updates) {
			end = len(updates)
		}
		batches = append(batches, updates[start:end])
	}
	return batches
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
