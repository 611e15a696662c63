package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ctisec/misp-postgres-ingester/logging"
)

// Collector manages metrics for an ingestion run.
type Collector struct {
	logger *logging.ComponentLogger

	// Counters
	attributesFetched    prometheus.Counter
	eventsFetched        prometheus.Counter
	rowsLoaded           prometheus.Counter
	chunksCommitted      prometheus.Counter
	eventsUpserted       prometheus.Counter
	correlationsUpserted prometheus.Counter
	rowsEnriched         prometheus.Counter
	rowsSkipped          prometheus.Counter
	errorsTotal          prometheus.Counter

	// Gauges
	lastRunTimestamp prometheus.Gauge

	// Histograms
	chunkLoadDuration     prometheus.Histogram
	resolveEventsDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewCollector creates a metrics collector on a private registry.
func NewCollector(logger *logging.ComponentLogger) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		logger:   logger,
		registry: registry,

		attributesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "misp_ingest_attributes_fetched_total",
			Help: "Total number of attributes fetched from the platform",
		}),
		eventsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "misp_ingest_events_fetched_total",
			Help: "Total number of event details fetched",
		}),
		rowsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "misp_ingest_attribute_rows_loaded_total",
			Help: "Total attribute rows bulk-loaded into the warehouse",
		}),
		chunksCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "misp_ingest_chunks_committed_total",
			Help: "Total bulk-load chunks committed",
		}),
		eventsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "misp_ingest_events_upserted_total",
			Help: "Total event rows passed through the insert-or-ignore path",
		}),
		correlationsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "misp_ingest_correlations_upserted_total",
			Help: "Total correlation edges passed through the insert-or-ignore path",
		}),
		rowsEnriched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "misp_geo_rows_enriched_total",
			Help: "Total attribute rows enriched with geography",
		}),
		rowsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "misp_geo_rows_skipped_total",
			Help: "Total rows skipped by enrichment (resolution or lookup failure)",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "misp_ingest_errors_total",
			Help: "Total errors across all pipeline phases",
		}),

		lastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "misp_ingest_last_run_timestamp_seconds",
			Help: "Unix time of the last successfully advanced checkpoint",
		}),

		chunkLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "misp_ingest_chunk_load_duration_seconds",
			Help:    "Duration of individual bulk-load chunk commits",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		resolveEventsDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "misp_ingest_resolve_events_duration_seconds",
			Help:    "Duration of the parallel event resolution phase",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}

	registry.MustRegister(
		c.attributesFetched,
		c.eventsFetched,
		c.rowsLoaded,
		c.chunksCommitted,
		c.eventsUpserted,
		c.correlationsUpserted,
		c.rowsEnriched,
		c.rowsSkipped,
		c.errorsTotal,
		c.lastRunTimestamp,
		c.chunkLoadDuration,
		c.resolveEventsDuration,
	)

	return c
}

func (c *Collector) AddAttributesFetched(n int)    { c.attributesFetched.Add(float64(n)) }
func (c *Collector) AddEventsFetched(n int)        { c.eventsFetched.Add(float64(n)) }
func (c *Collector) AddRowsLoaded(n int)           { c.rowsLoaded.Add(float64(n)) }
func (c *Collector) IncChunksCommitted()           { c.chunksCommitted.Inc() }
func (c *Collector) AddEventsUpserted(n int)       { c.eventsUpserted.Add(float64(n)) }
func (c *Collector) AddCorrelationsUpserted(n int) { c.correlationsUpserted.Add(float64(n)) }
func (c *Collector) IncRowsEnriched()              { c.rowsEnriched.Inc() }
func (c *Collector) IncRowsSkipped()               { c.rowsSkipped.Inc() }
func (c *Collector) IncErrors()                    { c.errorsTotal.Inc() }

func (c *Collector) SetLastRun(t time.Time) { c.lastRunTimestamp.Set(float64(t.Unix())) }

func (c *Collector) ObserveChunkLoad(d time.Duration)     { c.chunkLoadDuration.Observe(d.Seconds()) }
func (c *Collector) ObserveResolveEvents(d time.Duration) { c.resolveEventsDuration.Observe(d.Seconds()) }

// Serve exposes /metrics and /healthz on the given port. It blocks, so run it
// in a goroutine; batch binaries pass port 0 to disable it entirely.
func (c *Collector) Serve(port int) error {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	c.logger.Info().Str("addr", addr).Msg("Metrics endpoint listening")
	return http.ListenAndServe(addr, mux)
}
