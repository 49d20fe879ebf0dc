// Package telemetry sets up OpenTelemetry metrics, exported over Prometheus,
// for the buffer pool layer. Unlike the engine this package was lifted from,
// there is no recovery log and no distributed tracing surface here, so this
// is deliberately metrics-only.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config holds all the configuration for the telemetry system.
type Config struct {
	// Enabled toggles metrics collection on or off.
	Enabled bool `yaml:"enabled"`
	// ServiceName identifies the process in exported metrics.
	ServiceName string `yaml:"service_name"`
	// PrometheusPort is the port on which to expose the /metrics endpoint.
	PrometheusPort int `yaml:"prometheus_port"`
}

// ShutdownFunc gracefully shuts down the telemetry provider.
type ShutdownFunc func(ctx context.Context) error

// Metrics holds the counters and gauges the buffer pool layer records.
// All instruments are safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	PagesFetched    metric.Int64Counter
	CacheHits       metric.Int64Counter
	CacheMisses     metric.Int64Counter
	Evictions       metric.Int64Counter
	DirtyWriteBacks metric.Int64Counter
	PinsOutstanding metric.Int64UpDownCounter
}

// New initializes the OpenTelemetry metrics SDK with a Prometheus exporter
// and returns the buffer pool instrument set plus a shutdown function. When
// disabled, every instrument is a no-op, so callers never need to branch on
// Config.Enabled themselves.
func New(config Config) (*Metrics, ShutdownFunc, error) {
	if !config.Enabled {
		m, err := newInstruments(noop.NewMeterProvider().Meter(""))
		if err != nil {
			return nil, nil, err
		}
		return m, func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	go func() {
		addr := fmt.Sprintf(":%d", config.PrometheusPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(addr, mux)
	}()

	m, err := newInstruments(meterProvider.Meter(config.ServiceName))
	if err != nil {
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
		return nil
	}

	return m, shutdown, nil
}

func newInstruments(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	if m.PagesFetched, err = meter.Int64Counter("bufferpool_pages_fetched_total"); err != nil {
		return nil, err
	}
	if m.CacheHits, err = meter.Int64Counter("bufferpool_cache_hits_total"); err != nil {
		return nil, err
	}
	if m.CacheMisses, err = meter.Int64Counter("bufferpool_cache_misses_total"); err != nil {
		return nil, err
	}
	if m.Evictions, err = meter.Int64Counter("bufferpool_evictions_total"); err != nil {
		return nil, err
	}
	if m.DirtyWriteBacks, err = meter.Int64Counter("bufferpool_dirty_writebacks_total"); err != nil {
		return nil, err
	}
	if m.PinsOutstanding, err = meter.Int64UpDownCounter("bufferpool_pins_outstanding"); err != nil {
		return nil, err
	}
	return m, nil
}
