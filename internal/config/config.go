// Package config loads runtime settings from the environment. Every
// setting reads LINKROT_<NAME> first and falls back to the bare name,
// so shared variables like DATABASE_URL keep working unprefixed.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hazelfield/linkrot/internal/util"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	// Environment and telemetry.
	Env                  string `envconfig:"APP_ENV" default:"development"`
	LogLevel             string `envconfig:"LOG_LEVEL" default:"info"`
	SentryDSN            string `envconfig:"SENTRY_DSN"`
	ObservabilityEnabled bool   `envconfig:"OBSERVABILITY_ENABLED" default:"false"`
	MetricsAddr          string `envconfig:"METRICS_ADDR" default:":9464"`
	OTLPEndpoint         string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPHeaders          string `envconfig:"OTEL_EXPORTER_OTLP_HEADERS"`
	OTLPInsecure         bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"false"`

	// MockMode runs the offline sample pipeline against local fixture
	// files. Live mode ingests the sitemap over HTTP and crawls.
	MockMode       bool   `envconfig:"MOCK_MODE" default:"true"`
	SitemapPath    string `envconfig:"SITEMAP_PATH" default:"fixtures/sitemap.xml"`
	SamplePagePath string `envconfig:"SAMPLE_PAGE_PATH" default:"fixtures/sample_page.html"`
	SamplePageURL  string `envconfig:"SAMPLE_PAGE_URL" default:"https://www.example.edu/"`
	SitemapURL     string `envconfig:"SITEMAP_URL"`

	// Site identity and politeness.
	Domains   []string      `envconfig:"DOMAINS" default:"www.example.edu"`
	UserAgent string        `envconfig:"USER_AGENT" default:"linkrot/1.0 (+https://github.com/hazelfield/linkrot)"`
	Timeout   time.Duration `envconfig:"TIMEOUT" default:"10s"`
	Workers   int           `envconfig:"WORKERS" default:"12"`
	Delay     time.Duration `envconfig:"DELAY" default:"0s"`

	// Crawl shape. CrawlAll false keeps a live run on the one-page sample
	// pipeline, useful as a production smoke test.
	CrawlAll        bool     `envconfig:"CRAWL_ALL" default:"true"`
	Scheduler       string   `envconfig:"SCHEDULER" default:"fifo"`
	MaxURLs         int      `envconfig:"MAX_URLS" default:"0"`
	CheckExternal   bool     `envconfig:"CHECK_EXTERNAL" default:"false"`
	RedirectOK      bool     `envconfig:"REDIRECT_OK" default:"true"`
	LoginPatterns   []string `envconfig:"LOGIN_PATTERNS"`
	IncludePaths    []string `envconfig:"INCLUDE_PATHS"`
	ExcludePaths    []string `envconfig:"EXCLUDE_PATHS"`
	MaxLinksPerPage int      `envconfig:"MAX_LINKS_PER_PAGE" default:"300"`
	MainContentOnly bool     `envconfig:"MAIN_CONTENT_ONLY" default:"false"`

	// Link-verdict cache.
	CacheMode string `envconfig:"CACHE_MODE" default:"lru"`
	CacheSize int    `envconfig:"CACHE_SIZE" default:"10000"`

	// Reports.
	OutputDir    string `envconfig:"OUTPUT_DIR" default:"reports"`
	CSVDelimiter string `envconfig:"CSV_DELIMITER" default:","`

	// Optional run persistence and notifications.
	DatabaseEnabled bool   `envconfig:"DB_ENABLED" default:"false"`
	SlackToken      string `envconfig:"SLACK_TOKEN"`
	SlackChannel    string `envconfig:"SLACK_CHANNEL"`
}

// Load reads .env files, processes environment variables and validates
// the result.
func Load() (*Config, error) {
	// .env.local takes priority for development; neither file is
	// required in deployed environments.
	if err := godotenv.Load(".env.local", ".env"); err != nil {
		if _, statErr := os.Stat(".env"); statErr == nil {
			log.Warn().Err(err).Msg(".env file found but could not be loaded")
		}
	}

	var cfg Config
	if err := envconfig.Process("linkrot", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that depend on each other. Mock mode works
// out of the box; live mode needs to know where the sitemap lives.
func (c *Config) Validate() error {
	if !c.MockMode {
		if c.SitemapURL == "" {
			return fmt.Errorf("live mode requires a sitemap URL (LINKROT_SITEMAP_URL)")
		}
		if len(c.Domains) == 0 {
			return fmt.Errorf("live mode requires at least one domain (LINKROT_DOMAINS)")
		}
		for _, domain := range c.Domains {
			if err := util.ValidateDomain(domain); err != nil {
				return fmt.Errorf("invalid domain %q: %w", domain, err)
			}
		}
	}

	switch c.Scheduler {
	case "fifo", "priority":
	default:
		log.Warn().Str("scheduler", c.Scheduler).Msg("Unknown scheduler, falling back to fifo")
		c.Scheduler = "fifo"
	}

	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.CacheSize < 0 {
		c.CacheSize = 0
	}
	return nil
}

// Mode labels the run for reports and logs.
func (c *Config) Mode() string {
	if c.MockMode {
		return "mock"
	}
	return "live"
}
