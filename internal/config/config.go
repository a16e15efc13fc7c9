package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tryliate/Tryliate-sub001/pkg/service"
	"github.com/Tryliate/Tryliate-sub001/pkg/storage"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const DefaultTenant = "default"

// TenantDB is one tenant's queue database.
type TenantDB struct {
	Name string
	DSN  string
}

type Config struct {
	DatabaseURL   string
	Tenants       []TenantDB
	PollInterval  time.Duration
	Concurrency   int
	MaxAttempts   int
	RetryDelay    time.Duration
	StaleJobAfter time.Duration
	StepTimeout   time.Duration
	ClaimRate     float64
	RedisURL      string
	CacheTTL      time.Duration
	HTTPPort      string
}

// Load reads a .env file when present, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		DatabaseURL: getenv("DATABASE_URL"),
		RedisURL:    getenv("REDIS_URL"),
		HTTPPort:    getenv("HTTP_PORT"),
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = dsnFromParts(getenv)
	}
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = "8080"
	}

	var err error
	if cfg.PollInterval, err = duration(getenv, "POLL_INTERVAL", service.DefaultPollInterval); err != nil {
		return Config{}, err
	}
	if cfg.RetryDelay, err = duration(getenv, "JOB_RETRY_DELAY", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.StaleJobAfter, err = duration(getenv, "STALE_JOB_AFTER", 0); err != nil {
		return Config{}, err
	}
	if cfg.StepTimeout, err = duration(getenv, "STEP_TIMEOUT", 0); err != nil {
		return Config{}, err
	}
	if v := strings.TrimSpace(getenv("CLAIM_RATE")); v != "" {
		if cfg.ClaimRate, err = strconv.ParseFloat(v, 64); err != nil {
			return Config{}, errors.Wrap(err, "CLAIM_RATE")
		}
		if cfg.ClaimRate < 0 {
			return Config{}, errors.New("CLAIM_RATE must not be negative")
		}
	}
	if cfg.CacheTTL, err = duration(getenv, "DEFINITION_CACHE_TTL", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.Concurrency, err = integer(getenv, "WORKER_CONCURRENCY", service.DefaultConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.MaxAttempts, err = integer(getenv, "JOB_MAX_ATTEMPTS", 3); err != nil {
		return Config{}, err
	}

	if cfg.Tenants, err = parseTenants(getenv("TENANT_DATABASES")); err != nil {
		return Config{}, err
	}
	if len(cfg.Tenants) == 0 && cfg.DatabaseURL != "" {
		cfg.Tenants = []TenantDB{{Name: DefaultTenant, DSN: cfg.DatabaseURL}}
	}
	return cfg, nil
}

// WithDatabase overrides the primary DSN, e.g. from a --db flag. A single
// implicit tenant follows it.
func (c Config) WithDatabase(dsn string) Config {
	if dsn == "" {
		return c
	}
	if len(c.Tenants) == 0 || (len(c.Tenants) == 1 && c.Tenants[0].Name == DefaultTenant && c.Tenants[0].DSN == c.DatabaseURL) {
		c.Tenants = []TenantDB{{Name: DefaultTenant, DSN: dsn}}
	}
	c.DatabaseURL = dsn
	return c
}

func (c Config) StoreOptions() []storage.Option {
	return []storage.Option{
		storage.WithMaxAttempts(c.MaxAttempts),
		storage.WithRetryDelay(c.RetryDelay),
	}
}

func (c Config) PollerConfig() service.PollerConfig {
	return service.PollerConfig{
		PollInterval: c.PollInterval,
		Concurrency:  c.Concurrency,
		StaleAfter:   c.StaleJobAfter,
		StepTimeout:  c.StepTimeout,
		ClaimRate:    c.ClaimRate,
	}
}

func dsnFromParts(getenv func(string) string) string {
	user, pass := getenv("DB_USERNAME"), getenv("DB_PASSWORD")
	host, port, name := getenv("DB_HOST"), getenv("DB_PORT"), getenv("DB_NAME")
	if user == "" || host == "" || name == "" {
		return ""
	}
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name)
}

// parseTenants reads "name=dsn,name=dsn".
func parseTenants(raw string) ([]TenantDB, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []TenantDB
	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, dsn, ok := strings.Cut(part, "=")
		name, dsn = strings.TrimSpace(name), strings.TrimSpace(dsn)
		if !ok || name == "" || dsn == "" {
			return nil, errors.Errorf("TENANT_DATABASES: malformed entry %q, want name=dsn", part)
		}
		if _, dup := seen[name]; dup {
			return nil, errors.Errorf("TENANT_DATABASES: duplicate tenant %q", name)
		}
		seen[name] = struct{}{}
		out = append(out, TenantDB{Name: name, DSN: dsn})
	}
	return out, nil
}

func duration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", key)
	}
	if d < 0 {
		return 0, errors.Errorf("%s must not be negative", key)
	}
	return d, nil
}

func integer(getenv func(string) string, key string, def int) (int, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", key)
	}
	if n <= 0 {
		return 0, errors.Errorf("%s must be positive", key)
	}
	return n, nil
}
