package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend selects where matches, stats and idempotency records live.
type Backend string

const (
	BackendRedis Backend = "redis"
	BackendSQL   Backend = "sql"
)

type AppConfig struct {
	ListenAddr     string
	RequestTimeout time.Duration

	Backend        Backend
	RedisURL       string
	DatabaseDriver string // postgres|sqlite
	DatabaseURL    string

	JWTSecret string
	JWTIssuer string
	TokenTTL  time.Duration

	HookSecret string

	NotifyBaseURL string
	NotifyDryRun  bool
	MessagesDir   string

	// DiagnosticTransitions lets client sessions built by tools accept
	// out-of-table transitions for inspection.
	DiagnosticTransitions bool
}

// Load reads the environment. REDIS_URL or DATABASE_URL must be present,
// and JWT_SECRET always.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:     ":8080",
		RequestTimeout: 10 * time.Second,
		DatabaseDriver: "postgres",
		JWTIssuer:      "fleetbattle",
		TokenTTL:       time.Hour,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("REQUEST_TIMEOUT_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RequestTimeout = time.Duration(n) * time.Second
		}
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("DATABASE_DRIVER"))); v != "" {
		cfg.DatabaseDriver = v
	}

	switch v := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND"))); v {
	case "":
		if cfg.DatabaseURL != "" {
			cfg.Backend = BackendSQL
		} else {
			cfg.Backend = BackendRedis
		}
	case string(BackendRedis), string(BackendSQL):
		cfg.Backend = Backend(v)
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be redis or sql, got %q", v)
	}

	cfg.JWTSecret = strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if v := strings.TrimSpace(os.Getenv("JWT_ISSUER")); v != "" {
		cfg.JWTIssuer = v
	}
	if v := strings.TrimSpace(os.Getenv("TOKEN_TTL_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TokenTTL = time.Duration(n) * time.Second
		}
	}

	cfg.HookSecret = strings.TrimSpace(os.Getenv("HOOK_SECRET"))
	cfg.NotifyBaseURL = strings.TrimSpace(os.Getenv("NOTIFY_BASE_URL"))
	if v := strings.TrimSpace(os.Getenv("NOTIFY_DRY_RUN")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.NotifyDryRun = b
		}
	}
	if cfg.NotifyBaseURL == "" {
		cfg.NotifyDryRun = true
	}
	cfg.MessagesDir = strings.TrimSpace(os.Getenv("MESSAGES_DIR"))

	if v := strings.TrimSpace(os.Getenv("DIAGNOSTIC_TRANSITIONS")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DiagnosticTransitions = b
		}
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	switch cfg.Backend {
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required for the redis backend")
		}
	case BackendSQL:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the sql backend")
		}
		if cfg.DatabaseDriver != "postgres" && cfg.DatabaseDriver != "sqlite" {
			return nil, fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", cfg.DatabaseDriver)
		}
	}
	return cfg, nil
}
