// Package testutil holds helpers for integration tests that need a real
// PostgreSQL instance.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

// LoadTestEnv points DATABASE_URL at the test database. A DATABASE_URL
// already present in the environment (CI) wins; otherwise the value of
// TEST_DATABASE_URL from the nearest .env.test file is used. Tests call
// this and then skip themselves when DATABASE_URL is still empty.
func LoadTestEnv(t *testing.T) {
	t.Helper()

	if os.Getenv("DATABASE_URL") != "" {
		return
	}

	envPath := findUp(".env.test", 5)
	if envPath == "" {
		return
	}

	envMap, err := godotenv.Read(envPath)
	if err != nil {
		t.Logf("found %s but could not read it: %v", envPath, err)
		return
	}

	if testURL := envMap["TEST_DATABASE_URL"]; testURL != "" {
		os.Setenv("DATABASE_URL", testURL)
		t.Logf("DATABASE_URL set from %s", envPath)
	}
}

// findUp walks from the working directory towards the root looking for
// name, giving up after maxLevels parents. Test binaries run from their
// package directory, so the repo root is usually a few levels up.
func findUp(name string, maxLevels int) string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for i := 0; i < maxLevels; i++ {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
