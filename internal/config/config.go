// Package config loads daemon settings from an INI file with environment
// variable overrides. Every key can also be set through a CREDITD_* variable,
// which wins over the file.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultSettingsFile = "config/creditd.ini"

// Config describes runtime options for the credit daemon.
type Config struct {
	// Storage backend: "sqlite" or "postgres".
	StorageBackend string
	// LedgerPath is the sqlite database location (sqlite backend).
	LedgerPath string
	// PostgresDSN and pool options (postgres backend).
	PostgresDSN             string
	PostgresMaxOpen         int
	PostgresMaxIdle         int
	PostgresLifetimeMinutes int

	// ListenAddr is the admin API bind address.
	ListenAddr string

	// ResetCheckInterval is how often the scheduler checks for a due
	// monthly reset.
	ResetCheckInterval time.Duration
	ResetEnabled       bool

	// UpstreamDBPath is the Open WebUI sqlite database to sync from; empty
	// disables the sync endpoints.
	UpstreamDBPath string
	// DefaultGroupCredits is the allocation given to groups first seen
	// during a sync.
	DefaultGroupCredits decimal.Decimal

	// PricingSeedPath is an optional YAML file of model prices applied on
	// startup for models not yet in the catalog.
	PricingSeedPath string

	// Log destination and rotation.
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	// Admin API rate limiting, per client address. A non-positive burst
	// disables limiting.
	RateLimitBurst     int
	RateLimitPerSecond int
}

// Load reads the settings file at path (or the default location when empty)
// and applies CREDITD_* environment overrides. A missing file is not an
// error; the daemon then runs on defaults and environment alone.
func Load(path string) (Config, error) {
	if path == "" {
		path = defaultSettingsFile
	}
	values, err := parseINI(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
		values = map[string]string{}
	}

	cfg := Config{
		StorageBackend:          strings.ToLower(firstNonEmpty(os.Getenv("CREDITD_STORAGE_BACKEND"), values["storage_backend"], "sqlite")),
		LedgerPath:              firstNonEmpty(os.Getenv("CREDITD_LEDGER_PATH"), values["ledger_path"], DefaultLedgerPath()),
		PostgresDSN:             firstNonEmpty(os.Getenv("CREDITD_POSTGRES_DSN"), values["postgres_dsn"]),
		PostgresMaxOpen:         parseOptionalInt(firstNonEmpty(os.Getenv("CREDITD_POSTGRES_MAX_OPEN"), values["postgres_max_open"]), 10),
		PostgresMaxIdle:         parseOptionalInt(firstNonEmpty(os.Getenv("CREDITD_POSTGRES_MAX_IDLE"), values["postgres_max_idle"]), 5),
		PostgresLifetimeMinutes: parseOptionalInt(firstNonEmpty(os.Getenv("CREDITD_POSTGRES_LIFETIME_MINUTES"), values["postgres_lifetime_minutes"]), 60),
		ListenAddr:              firstNonEmpty(os.Getenv("CREDITD_LISTEN_ADDR"), values["listen_addr"], ":8084"),
		ResetEnabled:            parseOptionalBool(firstNonEmpty(os.Getenv("CREDITD_RESET_ENABLED"), values["reset_enabled"]), true),
		UpstreamDBPath:          firstNonEmpty(os.Getenv("CREDITD_UPSTREAM_DB"), values["upstream_db"]),
		PricingSeedPath:         firstNonEmpty(os.Getenv("CREDITD_PRICING_SEED"), values["pricing_seed"]),
		LogFile:                 firstNonEmpty(os.Getenv("CREDITD_LOG_FILE"), values["log_file"]),
		LogMaxSizeMB:            parseOptionalInt(firstNonEmpty(os.Getenv("CREDITD_LOG_MAX_SIZE_MB"), values["log_max_size_mb"]), 50),
		LogMaxBackups:           parseOptionalInt(firstNonEmpty(os.Getenv("CREDITD_LOG_MAX_BACKUPS"), values["log_max_backups"]), 7),
		RateLimitBurst:          parseOptionalInt(firstNonEmpty(os.Getenv("CREDITD_RATE_LIMIT_BURST"), values["rate_limit_burst"]), 60),
		RateLimitPerSecond:      parseOptionalInt(firstNonEmpty(os.Getenv("CREDITD_RATE_LIMIT_PER_SECOND"), values["rate_limit_per_second"]), 20),
	}

	switch cfg.StorageBackend {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("invalid storage_backend %q", cfg.StorageBackend)
	}
	if cfg.StorageBackend == "postgres" && cfg.PostgresDSN == "" {
		return Config{}, errors.New("postgres backend requires postgres_dsn")
	}

	interval := firstNonEmpty(os.Getenv("CREDITD_RESET_CHECK_INTERVAL"), values["reset_check_interval"], "1h")
	cfg.ResetCheckInterval, err = time.ParseDuration(interval)
	if err != nil {
		return Config{}, fmt.Errorf("invalid reset_check_interval %q: %w", interval, err)
	}

	credits := firstNonEmpty(os.Getenv("CREDITD_DEFAULT_GROUP_CREDITS"), values["default_group_credits"], "0")
	cfg.DefaultGroupCredits, err = decimal.NewFromString(credits)
	if err != nil {
		return Config{}, fmt.Errorf("invalid default_group_credits %q: %w", credits, err)
	}

	return cfg, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the fallback credit database location under the
// user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credits.db"
	}
	return filepath.Join(home, ".creditd", "credits.db")
}
