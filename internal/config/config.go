// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all configuration values for the API server.
// Values are populated by Load from environment variables.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Defaults to "8080".
	Port string

	// StoreDriver selects persistence: "postgres" (default) or "memory".
	StoreDriver string

	// DatabaseURL is the Postgres connection string. Required when
	// StoreDriver is "postgres".
	DatabaseURL string

	// AutoMigrate applies pending migrations at startup. Defaults to true.
	AutoMigrate bool

	// LogLevel controls the minimum log level. Defaults to "info".
	// Valid values: debug, info, warn, error.
	LogLevel string

	// CORSOrigins is the list of allowed cross-origin request origins.
	// Defaults to ["http://localhost:5173"] (Vite dev server).
	// Set CORS_ORIGINS to a comma-separated list to override.
	CORSOrigins []string

	// AnchorURL is the base URL of the ownership anchor gateway. Empty means
	// transfers are anchored by the in-process simulator.
	AnchorURL string

	// AnchorTimeout bounds one anchor call. Defaults to 10s.
	AnchorTimeout time.Duration

	// VerifyTimeout bounds one attestation snapshot read. Defaults to 5s.
	VerifyTimeout time.Duration

	// NotifyTimeout bounds one status-change notification. Defaults to 5s.
	NotifyTimeout time.Duration

	// MaxVerificationAttempts caps recorded verification runs per request.
	// Defaults to 3.
	MaxVerificationAttempts int

	// MaxBodyBytes limits request bodies. Defaults to 1 MiB.
	MaxBodyBytes int64

	// AttestationSeedFile is a JSON file of vehicle attestations loaded into
	// the in-memory source when StoreDriver is "memory". Without it every
	// vehicle is unattested and verification fails.
	AttestationSeedFile string
}

// Load reads configuration from environment variables and returns a Config.
// Returns an error listing any required variables that are not set, and any
// that are set but cannot be parsed.
func Load() (Config, error) {
	cfg := Config{
		Port:        getEnv("PORT", "8080"),
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StorePostgres)),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		CORSOrigins: splitCSV(getEnv("CORS_ORIGINS", "http://localhost:5173")),
		AnchorURL:   strings.TrimRight(os.Getenv("ANCHOR_URL"), "/"),

		AttestationSeedFile: os.Getenv("ATTESTATION_SEED_FILE"),
	}

	var missing, invalid []string
	p := parser{invalid: &invalid}

	cfg.AutoMigrate = p.bool("AUTO_MIGRATE", true)
	cfg.AnchorTimeout = p.duration("ANCHOR_TIMEOUT", 10*time.Second)
	cfg.VerifyTimeout = p.duration("VERIFY_TIMEOUT", 5*time.Second)
	cfg.NotifyTimeout = p.duration("NOTIFY_TIMEOUT", 5*time.Second)
	cfg.MaxVerificationAttempts = int(p.positiveInt("MAX_VERIFICATION_ATTEMPTS", 3))
	cfg.MaxBodyBytes = p.positiveInt("MAX_BODY_BYTES", 1<<20)

	switch cfg.StoreDriver {
	case StorePostgres:
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StoreMemory:
	default:
		invalid = append(invalid, "STORE_DRIVER")
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid environment variables: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}

// getEnv returns the value of the environment variable named by key,
// or fallback if the variable is not set or is empty.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parser collects the names of variables that fail to parse so Load can
// report all of them at once.
type parser struct {
	invalid *[]string
}

func (p parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*p.invalid = append(*p.invalid, key)
		return fallback
	}
	return b
}

func (p parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*p.invalid = append(*p.invalid, key)
		return fallback
	}
	return d
}

func (p parser) positiveInt(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		*p.invalid = append(*p.invalid, key)
		return fallback
	}
	return n
}

// splitCSV splits a comma-separated string into a trimmed slice, ignoring empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}
