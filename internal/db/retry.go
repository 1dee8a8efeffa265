package db

import (
	"database/sql"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// RetryConfig controls connection retry behaviour.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool
}

// DefaultRetryConfig returns settings suited to a database that is
// starting up alongside the crawler.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// InitFromEnvWithRetry initialises the database from environment
// variables, retrying with exponential backoff while the database
// comes up.
func InitFromEnvWithRetry() (*DB, error) {
	return InitFromEnvWithRetryConfig(DefaultRetryConfig())
}

// InitFromEnvWithRetryConfig is InitFromEnvWithRetry with caller-supplied
// retry settings.
func InitFromEnvWithRetryConfig(config *RetryConfig) (*DB, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var database *DB
	var err error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		database, err = InitFromEnv()
		if err == nil {
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Msg("Database connection established after retry")
			}
			return database, nil
		}

		if !isRetryableError(err) {
			return nil, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		wait := backoff
		if config.Jitter {
			wait += time.Duration(rand.Int63n(int64(backoff) / 2))
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Database connection failed, retrying")
		time.Sleep(wait)

		backoff = time.Duration(float64(backoff) * config.BackoffFactor)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return nil, err
}

// isRetryableError reports whether a database error is transient.
// Constraint and data errors never resolve on retry; connection and
// resource errors usually do.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "58":
			// Connection exceptions, insufficient resources, operator
			// intervention, system errors.
			return true
		case "23", "22":
			// Integrity constraint and data exceptions.
			return false
		}
		return true
	}

	if errors.Is(err, sql.ErrConnDone) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"timeout",
		"temporarily unavailable",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}
