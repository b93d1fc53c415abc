// Package config resolves runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every runtime setting the daemon and CLI need.
type Config struct {
	// DatabasePath is the SQLite ledger file.
	DatabasePath string

	// ListenAddr is the HTTP read API bind address.
	ListenAddr string

	// ProviderBaseURL is the upstream HR provider root, e.g.
	// https://api.provider.example. ProviderAPIKey is sent as a bearer
	// token when non-empty.
	ProviderBaseURL string
	ProviderAPIKey  string

	// Workers is the sync worker pool size.
	Workers int

	// PollInterval is how long an idle worker sleeps between queue polls.
	PollInterval time.Duration

	// PolicyPath points at a directory of CUE policy files overriding
	// the built-in defaults. Empty means defaults only.
	PolicyPath string

	// Verbose enables debug logging.
	Verbose bool
}

// Load reads settings from the environment, consulting a .env file in the
// working directory when present. Unset variables fall back to defaults
// suitable for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath:    getEnv("HRLEDGER_DB", "hrledger.db"),
		ListenAddr:      getEnv("HRLEDGER_LISTEN", ":8080"),
		ProviderBaseURL: getEnv("HRLEDGER_PROVIDER_URL", ""),
		ProviderAPIKey:  getEnv("HRLEDGER_PROVIDER_KEY", ""),
		PolicyPath:      getEnv("HRLEDGER_POLICY", ""),
		Workers:         4,
		PollInterval:    time.Second,
	}

	if raw := os.Getenv("HRLEDGER_WORKERS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("config: HRLEDGER_WORKERS must be a positive integer, got %q", raw)
		}
		cfg.Workers = n
	}

	if raw := os.Getenv("HRLEDGER_POLL_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("config: HRLEDGER_POLL_INTERVAL must be a positive duration, got %q", raw)
		}
		cfg.PollInterval = d
	}

	if raw := os.Getenv("HRLEDGER_VERBOSE"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("config: HRLEDGER_VERBOSE must be a boolean, got %q", raw)
		}
		cfg.Verbose = v
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
