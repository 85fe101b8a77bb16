// Package telemetry provides OpenTelemetry metrics for the bridge.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/codex-bridge"
)

// CacheResult represents the outcome of a response cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	remoteRequestsTotal   metric.Int64Counter
	remoteRequestDuration metric.Float64Histogram
	cacheLookupsTotal     metric.Int64Counter

	exportsTotal       metric.Int64Counter
	exportEntriesTotal metric.Int64Counter
	exportBytesTotal   metric.Int64Counter

	importBatchesTotal metric.Int64Counter
	importItemsTotal   metric.Int64Counter

	syncRunsTotal metric.Int64Counter
	queueDepth    metric.Int64Gauge
	cacheEntries  metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "codex-bridge"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	remoteRequestsTotal, err := meter.Int64Counter(
		"codex_bridge_remote_requests_total",
		metric.WithDescription("Total number of requests to the remote store"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	remoteRequestDuration, err := meter.Float64Histogram(
		"codex_bridge_remote_request_duration_seconds",
		metric.WithDescription("Remote store request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"codex_bridge_response_cache_lookups_total",
		metric.WithDescription("Total response cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	exportsTotal, err := meter.Int64Counter(
		"codex_bridge_exports_total",
		metric.WithDescription("Total export operations by kind"),
		metric.WithUnit("{export}"),
	)
	if err != nil {
		return err
	}

	exportEntriesTotal, err := meter.Int64Counter(
		"codex_bridge_export_entries_total",
		metric.WithDescription("Total entries included in export bundles"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	exportBytesTotal, err := meter.Int64Counter(
		"codex_bridge_export_bytes_total",
		metric.WithDescription("Total source bytes covered by export bundles"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	importBatchesTotal, err := meter.Int64Counter(
		"codex_bridge_import_batches_total",
		metric.WithDescription("Total import batches processed"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return err
	}

	importItemsTotal, err := meter.Int64Counter(
		"codex_bridge_import_items_total",
		metric.WithDescription("Total import items by result"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return err
	}

	syncRunsTotal, err := meter.Int64Counter(
		"codex_bridge_sync_runs_total",
		metric.WithDescription("Total sync state advances by trigger"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	queueDepth, err := meter.Int64Gauge(
		"codex_bridge_queue_depth",
		metric.WithDescription("Current message queue depth"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	cacheEntries, err := meter.Int64Gauge(
		"codex_bridge_cache_entries",
		metric.WithDescription("Current local export cache entry count"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		remoteRequestsTotal:   remoteRequestsTotal,
		remoteRequestDuration: remoteRequestDuration,
		cacheLookupsTotal:     cacheLookupsTotal,
		exportsTotal:          exportsTotal,
		exportEntriesTotal:    exportEntriesTotal,
		exportBytesTotal:      exportBytesTotal,
		importBatchesTotal:    importBatchesTotal,
		importItemsTotal:      importItemsTotal,
		syncRunsTotal:         syncRunsTotal,
		queueDepth:            queueDepth,
		cacheEntries:          cacheEntries,
		meterProvider:         mp,
		promHandler:           promHandler,
	}

	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordRemoteRequest records one completed request to the remote store,
// after retries resolved. All Record functions are no-ops until
// InitMetrics has run.
func RecordRemoteRequest(ctx context.Context, method, statusClass, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("status_class", statusClass),
		attribute.String("outcome", outcome),
	}
	globalMetrics.remoteRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.remoteRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCacheLookup records a response cache lookup outcome.
func RecordCacheLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.cacheLookupsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", string(result))))
}

// RecordExport records a completed export bundle.
// kind is "collection" or "analysis".
func RecordExport(ctx context.Context, kind string, entries int, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("kind", kind))
	globalMetrics.exportsTotal.Add(ctx, 1, attrs)
	globalMetrics.exportEntriesTotal.Add(ctx, int64(entries), attrs)
	if bytes > 0 {
		globalMetrics.exportBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordImportBatch records a completed import batch with its per-item
// outcomes.
func RecordImportBatch(ctx context.Context, created, skipped, failed int) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.importBatchesTotal.Add(ctx, 1)
	globalMetrics.importItemsTotal.Add(ctx, int64(created),
		metric.WithAttributes(attribute.String("result", "created")))
	globalMetrics.importItemsTotal.Add(ctx, int64(skipped),
		metric.WithAttributes(attribute.String("result", "skipped")))
	globalMetrics.importItemsTotal.Add(ctx, int64(failed),
		metric.WithAttributes(attribute.String("result", "failed")))
}

// RecordSyncRun records a sync state advance.
// trigger is "poll" or "forced".
func RecordSyncRun(ctx context.Context, trigger string) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.syncRunsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("trigger", trigger)))
}

// UpdateBridgeState updates the queue depth and cache size gauges.
// Called synchronously from the background loop.
func UpdateBridgeState(ctx context.Context, queueDepth, cacheEntries int) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.queueDepth.Record(ctx, int64(queueDepth))
	globalMetrics.cacheEntries.Record(ctx, int64(cacheEntries))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
