// Package telemetry configures OpenTelemetry metric export for streamcore.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/lumetrade/streamcore/config"
	"github.com/lumetrade/streamcore/internal/observability"
)

// Init configures the OTLP metric exporter. An empty endpoint yields a noop
// provider so local runs carry no export dependency.
func Init(ctx context.Context, cfg config.TelemetrySettings) (apimetric.MeterProvider, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "streamcore"
	}

	if endpoint == "" {
		mp := noop.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return mp, func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	return mp, mp.Shutdown, nil
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}

// Metrics implements observability.Metrics on OpenTelemetry instruments.
// Instruments are created lazily and cached by name.
type Metrics struct {
	meter apimetric.Meter

	mu         sync.Mutex
	counters   map[string]apimetric.Float64Counter
	histograms map[string]apimetric.Float64Histogram
	gauges     map[string]apimetric.Float64Gauge
}

// NewMetrics builds a Metrics sink on the provider's default meter.
func NewMetrics(provider apimetric.MeterProvider) *Metrics {
	m := new(Metrics)
	m.meter = provider.Meter("github.com/lumetrade/streamcore")
	m.counters = make(map[string]apimetric.Float64Counter)
	m.histograms = make(map[string]apimetric.Float64Histogram)
	m.gauges = make(map[string]apimetric.Float64Gauge)
	return m
}

func (m *Metrics) IncCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		created, err := m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		counter = created
		m.counters[name] = counter
	}
	m.mu.Unlock()
	counter.Add(context.Background(), value, apimetric.WithAttributes(attrs(labels)...))
}

func (m *Metrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	hist, ok := m.histograms[name]
	if !ok {
		created, err := m.meter.Float64Histogram(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		hist = created
		m.histograms[name] = hist
	}
	m.mu.Unlock()
	hist.Record(context.Background(), value, apimetric.WithAttributes(attrs(labels)...))
}

func (m *Metrics) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok {
		created, err := m.meter.Float64Gauge(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		gauge = created
		m.gauges[name] = gauge
	}
	m.mu.Unlock()
	gauge.Record(context.Background(), value, apimetric.WithAttributes(attrs(labels)...))
}

func attrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		out = append(out, attribute.String(k, v))
	}
	return out
}

var _ observability.Metrics = (*Metrics)(nil)
