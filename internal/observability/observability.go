package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds observability configuration
type Config struct {
	// Enabled controls whether full observability is active
	Enabled bool
	// ServiceName for resource attribution
	ServiceName string
	// Environment (development, staging, production)
	Environment string
	// OTLPEndpoint for sending traces (optional)
	OTLPEndpoint string
	// OTLPHeaders for authentication (optional)
	OTLPHeaders map[string]string
	// OTLPInsecure disables TLS for local development
	OTLPInsecure bool
	// MetricsAddress for Prometheus metrics endpoint
	MetricsAddress string
}

// Providers holds the observability providers
type Providers struct {
	TracerProvider oteltrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	crawlTracer oteltrace.Tracer

	pageDuration   metric.Float64Histogram
	pageTotal      metric.Int64Counter
	linkCheckTotal metric.Int64Counter
)

// Init sets up OpenTelemetry tracing and metrics
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "linkrot"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if !cfg.Enabled {
		return disabledProviders(cfg), nil
	}

	// Trace provider with optional OTLP export
	var traceOpts []sdktrace.TracerProviderOption
	traceOpts = append(traceOpts, sdktrace.WithResource(res))

	if cfg.OTLPEndpoint != "" {
		exporter, err := newTraceExporter(ctx, cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create OTLP trace exporter, traces will not be exported")
		} else {
			traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
		}
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	// Metrics via Prometheus registry with OTel bridge
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	initOnce.Do(func() {
		crawlTracer = tracerProvider.Tracer("linkrot/crawl")
		initCrawlInstruments(meterProvider)
	})

	providers := &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown: func(shutdownCtx context.Context) error {
			var firstErr error
			if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
				firstErr = err
			}
			if err := meterProvider.Shutdown(shutdownCtx); err != nil && firstErr == nil {
				firstErr = err
			}
			return firstErr
		},
		Config: cfg,
	}

	log.Info().
		Str("service", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Bool("otlp_export", cfg.OTLPEndpoint != "").
		Msg("Observability initialised")

	return providers, nil
}

func disabledProviders(cfg Config) *Providers {
	tracerProvider := noop.NewTracerProvider()
	meterProvider := sdkmetric.NewMeterProvider()

	initOnce.Do(func() {
		crawlTracer = tracerProvider.Tracer("linkrot/crawl")
		initCrawlInstruments(meterProvider)
	})

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     propagation.NewCompositeTextMapPropagator(),
		MetricsHandler: promhttp.Handler(),
		Shutdown:       func(context.Context) error { return nil },
		Config:         cfg,
	}
}

func newTraceExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
	}
	if len(cfg.OTLPHeaders) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
	}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

func initCrawlInstruments(provider metric.MeterProvider) {
	meter := provider.Meter("linkrot/crawl")

	var err error
	pageDuration, err = meter.Float64Histogram(
		"linkrot.page.duration_ms",
		metric.WithDescription("Time spent fetching and processing a page"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create page duration histogram")
	}

	pageTotal, err = meter.Int64Counter(
		"linkrot.page.total",
		metric.WithDescription("Pages processed by outcome"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create page counter")
	}

	linkCheckTotal, err = meter.Int64Counter(
		"linkrot.link.check.total",
		metric.WithDescription("Link probes by verdict"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create link check counter")
	}
}

// PageSpanInfo carries identifying attributes for a page processing span.
type PageSpanInfo struct {
	RunID  string
	URL    string
	Worker int
}

// StartPageSpan begins a span covering the fetch and extraction of one page.
// Safe to call before Init; it falls back to the global tracer.
func StartPageSpan(ctx context.Context, info PageSpanInfo) (context.Context, oteltrace.Span) {
	tracer := crawlTracer
	if tracer == nil {
		tracer = otel.Tracer("linkrot/crawl")
	}
	return tracer.Start(ctx, "crawl.page",
		oteltrace.WithAttributes(
			attribute.String("run.id", info.RunID),
			attribute.String("page.url", info.URL),
			attribute.Int("worker.id", info.Worker),
		),
	)
}

// RecordPage records the outcome of a processed page.
func RecordPage(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if pageDuration != nil {
		pageDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
	if pageTotal != nil {
		pageTotal.Add(ctx, 1, attrs)
	}
}

// RecordLinkCheck records a single link probe verdict.
func RecordLinkCheck(ctx context.Context, broken, cached bool) {
	if linkCheckTotal == nil {
		return
	}
	verdict := "ok"
	if broken {
		verdict = "broken"
	}
	linkCheckTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", verdict),
		attribute.Bool("cached", cached),
	))
}

// WrapTransport instruments an HTTP transport with distributed tracing
// for outbound requests. A nil base uses http.DefaultTransport.
func WrapTransport(base http.RoundTripper, providers *Providers) http.RoundTripper {
	if providers == nil {
		return base
	}
	return otelhttp.NewTransport(base,
		otelhttp.WithTracerProvider(providers.TracerProvider),
		otelhttp.WithMeterProvider(providers.MeterProvider),
		otelhttp.WithPropagators(providers.Propagator),
	)
}
