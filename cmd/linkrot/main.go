package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/hazelfield/linkrot/internal/cache"
	"github.com/hazelfield/linkrot/internal/check"
	"github.com/hazelfield/linkrot/internal/config"
	"github.com/hazelfield/linkrot/internal/crawl"
	"github.com/hazelfield/linkrot/internal/db"
	"github.com/hazelfield/linkrot/internal/extract"
	"github.com/hazelfield/linkrot/internal/fetcher"
	"github.com/hazelfield/linkrot/internal/notify"
	"github.com/hazelfield/linkrot/internal/observability"
	"github.com/hazelfield/linkrot/internal/report"
	"github.com/hazelfield/linkrot/internal/robots"
	"github.com/hazelfield/linkrot/internal/sitemap"
	"github.com/hazelfield/linkrot/internal/techdetect"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := applyFlags(cfg); err != nil {
		log.Fatal().Err(err).Msg("Invalid command-line overrides")
	}

	setupLogging(cfg)

	// Initialise Sentry for error tracking
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
			TracesSampleRate: func() float64 {
				if cfg.Env == "production" {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
			Debug:            cfg.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", cfg.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	}

	var (
		obsProviders *observability.Providers
		metricsSrv   *http.Server
	)

	if cfg.ObservabilityEnabled {
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    "linkrot",
			Environment:    cfg.Env,
			OTLPEndpoint:   strings.TrimSpace(cfg.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(cfg.OTLPHeaders),
			OTLPInsecure:   cfg.OTLPInsecure,
			MetricsAddress: cfg.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()

			if obsProviders.MetricsHandler != nil && cfg.MetricsAddr != "" {
				metricsSrv = &http.Server{
					Addr:              cfg.MetricsAddr,
					Handler:           obsProviders.MetricsHandler,
					ReadHeaderTimeout: 5 * time.Second,
				}

				go func() {
					log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						sentry.CaptureException(err)
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()

				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
					}
				}()
			}
		}
	}

	transport := observability.WrapTransport(http.DefaultTransport, obsProviders)
	httpClient := &http.Client{Timeout: cfg.Timeout, Transport: transport}

	extractor := extract.New(extract.Config{
		Domains:         cfg.Domains,
		MaxLinksPerPage: cfg.MaxLinksPerPage,
		MainContentOnly: cfg.MainContentOnly,
	})

	reports, err := report.NewWriter(report.Config{
		OutputDir: cfg.OutputDir,
		Delimiter: cfg.CSVDelimiter,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create report writer")
	}

	// Mode is decided once, by choosing the sitemap source and fetcher.
	// Nothing downstream branches on it.
	var (
		source      sitemap.Source
		pageFetcher fetcher.Fetcher
	)
	if cfg.MockMode {
		source = sitemap.FileSource{Path: cfg.SitemapPath}
		pageFetcher = fetcher.NewFixture(map[string]string{
			cfg.SamplePageURL: cfg.SamplePagePath,
		})
	} else {
		source = sitemap.HTTPSource{URL: cfg.SitemapURL, Client: httpClient, UserAgent: cfg.UserAgent}
		pageFetcher = fetcher.NewLive(&fetcher.Config{
			Timeout:      cfg.Timeout,
			MaxRedirects: 5,
			Delay:        cfg.Delay,
			Parallelism:  cfg.Workers,
			UserAgent:    cfg.UserAgent,
			Transport:    transport,
		})
	}

	reader := sitemap.NewReader(httpClient, cfg.UserAgent)

	orch := crawl.NewOrchestrator(crawl.Config{
		Domains:       cfg.Domains,
		SamplePageURL: cfg.SamplePageURL,
		IncludePaths:  cfg.IncludePaths,
		ExcludePaths:  cfg.ExcludePaths,
		Mode:          cfg.Mode(),
		CacheMode:     cfg.CacheMode,
		CacheSize:     cfg.CacheSize,
	}, reader, source, pageFetcher, extractor, reports)

	// A full crawl needs the engine; mock mode and live sample runs walk the
	// one-page pipeline without it.
	fullCrawl := !cfg.MockMode && cfg.CrawlAll

	var linkCache *cache.LRU
	if fullCrawl {
		if cfg.CacheMode != "none" && cfg.CacheSize > 0 {
			linkCache = cache.NewLRU(cfg.CacheSize)
		}

		checker := check.New(check.Config{
			Timeout:        cfg.Timeout,
			UserAgent:      cfg.UserAgent,
			Transport:      transport,
			Cache:          linkCache,
			RedirectBroken: !cfg.RedirectOK,
		})
		robotsManager := robots.NewManager(httpClient, "linkrot")

		detector, derr := techdetect.New()
		if derr != nil {
			log.Warn().Err(derr).Msg("Technology fingerprinting disabled")
		}

		engine := crawl.NewEngine(crawl.EngineConfig{
			RunID:         uuid.New().String(),
			Workers:       cfg.Workers,
			Delay:         cfg.Delay,
			Scheduler:     cfg.Scheduler,
			MaxURLs:       cfg.MaxURLs,
			CheckExternal: cfg.CheckExternal,
			LoginPatterns: cfg.LoginPatterns,
		}, pageFetcher, extractor, checker, robotsManager, detector)

		orch.AttachEngine(engine, linkCache)
	}

	log.Info().
		Str("mode", cfg.Mode()).
		Strs("domains", cfg.Domains).
		Str("output_dir", cfg.OutputDir).
		Msg("linkrot starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		metrics *crawl.Metrics
		outcome *crawl.Outcome
	)
	if fullCrawl {
		metrics, outcome, err = orch.RunFull(ctx)
	} else {
		metrics, err = orch.Run(ctx)
	}
	if err != nil {
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		log.Fatal().Err(err).Msg("Run failed")
	}

	// Persistence and notification run on fresh contexts: after an
	// interrupted crawl the signal context is already cancelled, and the
	// partial results are exactly what we want recorded.
	if cfg.DatabaseEnabled && outcome != nil {
		persistRun(cfg, metrics, outcome)
	}

	if notifier := notify.NewNotifier(cfg.SlackToken, cfg.SlackChannel); notifier != nil {
		domain := ""
		if len(cfg.Domains) > 0 {
			domain = cfg.Domains[0]
		}
		notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := notifier.RunComplete(notifyCtx, domain, metrics); err != nil {
			log.Warn().Err(err).Msg("Failed to post run summary to Slack")
		}
		cancel()
	}

	log.Info().
		Str("run_id", metrics.RunID).
		Str("state", string(metrics.State)).
		Bool("degraded", metrics.Degraded).
		Msg("linkrot finished")
}

// applyFlags layers command-line overrides on top of the environment
// configuration. Flag defaults come from the loaded config, so only flags
// actually given on the command line change anything; the result is validated
// again because a flag can flip the mode or rewrite the domain list.
func applyFlags(cfg *config.Config) error {
	mock := flag.Bool("mock", cfg.MockMode, "Run against local fixtures instead of the live site")
	crawlAll := flag.Bool("crawl-all", cfg.CrawlAll, "Crawl every sitemap URL; false samples one page")
	sitemapURL := flag.String("sitemap", cfg.SitemapURL, "Sitemap URL for live runs")
	domains := flag.String("domains", strings.Join(cfg.Domains, ","), "Comma-separated domains the site considers its own")
	workers := flag.Int("workers", cfg.Workers, "Number of crawl workers")
	delay := flag.Duration("delay", cfg.Delay, "Politeness delay between requests to a host (e.g. 500ms)")
	timeout := flag.Duration("timeout", cfg.Timeout, "HTTP timeout per request (e.g. 10s)")
	maxURLs := flag.Int("max-urls", cfg.MaxURLs, "Cap on crawled pages, 0 means the whole sitemap")
	scheduler := flag.String("scheduler", cfg.Scheduler, "Worklist order: fifo or priority")
	outputDir := flag.String("out", cfg.OutputDir, "Directory for the CSV reports")
	flag.Parse()

	cfg.MockMode = *mock
	cfg.CrawlAll = *crawlAll
	cfg.SitemapURL = *sitemapURL
	cfg.Domains = splitList(*domains)
	cfg.Workers = *workers
	cfg.Delay = *delay
	cfg.Timeout = *timeout
	cfg.MaxURLs = *maxURLs
	cfg.Scheduler = *scheduler
	cfg.OutputDir = *outputDir

	return cfg.Validate()
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// persistRun stores the run and its violations. Failures are logged and
// swallowed: the CSV reports on disk are the primary output.
func persistRun(cfg *config.Config, metrics *crawl.Metrics, outcome *crawl.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := db.InitFromEnvWithRetry()
	if err != nil {
		log.Warn().Err(err).Msg("Skipping run persistence, database unavailable")
		return
	}
	defer database.Close()

	record := &db.RunRecord{
		ID:                  metrics.RunID,
		StartedAt:           metrics.StartedAt,
		FinishedAt:          metrics.FinishedAt,
		Mode:                cfg.Mode(),
		Scheduler:           cfg.Scheduler,
		Workers:             cfg.Workers,
		Delay:               cfg.Delay,
		Domains:             cfg.Domains,
		URLsTotal:           metrics.URLCount,
		PagesCrawled:        metrics.PagesCrawled,
		LinksFound:          outcome.LinksFound,
		LinksChecked:        metrics.LinksChecked,
		BrokenLinks:         metrics.BrokenLinks,
		LoginLeaks:          metrics.LoginLeaks,
		PagesWithViolations: metrics.PagesWithViolations,
		AvgFetchMS:          outcome.AvgFetchMS(),
		CacheHitRatio:       metrics.CacheStats.HitRatio(),
		Degraded:            metrics.Degraded,
	}
	if err := database.InsertRun(ctx, record); err != nil {
		log.Warn().Err(err).Msg("Failed to store run record")
		return
	}

	violations := make([]db.ViolationRecord, 0, len(outcome.Violations))
	for _, v := range outcome.Violations {
		violations = append(violations, db.ViolationRecord{
			RunID:      metrics.RunID,
			PageURL:    v.PageURL,
			LinkURL:    v.LinkURL,
			Type:       v.Type,
			StatusCode: v.Status,
			FinalURL:   v.FinalURL,
			Note:       v.Note,
		})
	}
	if err := database.InsertViolations(ctx, metrics.RunID, violations); err != nil {
		log.Warn().Err(err).Msg("Failed to store violation records")
		return
	}

	log.Info().
		Str("run_id", metrics.RunID).
		Int("violations", len(violations)).
		Msg("Run persisted to PostgreSQL")
}

// setupLogging configures the logging system
func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "linkrot").
			Logger()
	}
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}
