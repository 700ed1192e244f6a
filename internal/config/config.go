package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Scrape   ScrapeConfig
	Cache    CacheConfig
	Health   HealthConfig
	Log      LogConfig
}

type AppConfig struct {
	Environment        string
	SourcesFile        string
	Schedule           string
	MaxWorkerProcesses int
	ShardSources       bool
	StatusAddr         string
}

type DatabaseConfig struct {
	URL            string
	Password       string
	MaxConnections int
	ConnectTimeout time.Duration
}

type ScrapeConfig struct {
	MaxConcurrent     int
	BatchSize         int
	PersistBatchSize  int
	RateLimitDelay    time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	NavigationTimeout time.Duration
	ElementTimeout    time.Duration
	ChromePath        string
	StaticUserAgent   string
	StaticTimeout     time.Duration
}

type CacheConfig struct {
	TTL           time.Duration
	Backend       string
	RedisAddr     string
	RedisPassword string
}

type HealthConfig struct {
	Interval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

var (
	ErrMissingRequiredEnv = errors.New("missing required environment variables")
	ErrInvalidEnv         = errors.New("invalid environment variables")

	// ErrMissingCredential is returned when neither DATABASE_PASSWORD nor the
	// DATABASE_URL userinfo carries a password.
	ErrMissingCredential = errors.New("missing data-store credential")
)

func Load() (Config, error) {
	cfg := Config{}

	var missing []string
	var invalid []string
	req := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}
	opt := func(key, def string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return def
		}
		return v
	}
	atLeast := func(key string, def, floor int) int {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return def
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < floor {
			invalid = append(invalid, key)
			return def
		}
		return v
	}
	// counts and sizes have no meaningful zero
	count := func(key string, def int) int { return atLeast(key, def, 1) }
	ms := func(key string, def int) time.Duration {
		return time.Duration(atLeast(key, def, 0)) * time.Millisecond
	}
	flag := func(key string) bool {
		v, err := strconv.ParseBool(opt(key, "false"))
		if err != nil {
			invalid = append(invalid, key)
			return false
		}
		return v
	}

	cfg.App = AppConfig{
		Environment:        opt("APP_ENV", "production"),
		SourcesFile:        opt("SOURCES_FILE", "sources.yaml"),
		Schedule:           opt("SCRAPE_SCHEDULE", ""),
		MaxWorkerProcesses: count("MAX_WORKER_PROCESSES", 4),
		ShardSources:       flag("SHARD_SOURCES"),
		StatusAddr:         opt("STATUS_ADDR", ""),
	}

	cfg.Database = DatabaseConfig{
		URL:            req("DATABASE_URL"),
		Password:       opt("DATABASE_PASSWORD", ""),
		MaxConnections: count("MAX_DATABASE_CONNECTIONS", 10),
		ConnectTimeout: ms("DATABASE_CONNECT_TIMEOUT_MS", 10000),
	}

	cfg.Scrape = ScrapeConfig{
		MaxConcurrent:     count("MAX_CONCURRENT_SCRAPERS", 3),
		BatchSize:         count("SCRAPE_BATCH_SIZE", 2),
		PersistBatchSize:  count("PERSIST_BATCH_SIZE", 50),
		RateLimitDelay:    ms("RATE_LIMIT_DELAY_MS", 5000),
		MaxRetries:        count("MAX_RETRIES", 3),
		RetryBaseDelay:    ms("RETRY_BASE_DELAY_MS", 1000),
		RetryMaxDelay:     ms("RETRY_MAX_DELAY_MS", 30000),
		NavigationTimeout: ms("NAVIGATION_TIMEOUT_MS", 30000),
		ElementTimeout:    ms("ELEMENT_TIMEOUT_MS", 15000),
		ChromePath:        opt("CHROME_PATH", ""),
		StaticUserAgent:   opt("STATIC_USER_AGENT", ""),
		StaticTimeout:     ms("STATIC_REQUEST_TIMEOUT_MS", 20000),
	}

	cfg.Cache = CacheConfig{
		TTL:           ms("CACHE_TTL_MS", 300000),
		Backend:       strings.ToLower(opt("CACHE_BACKEND", "memory")),
		RedisAddr:     opt("REDIS_ADDR", "localhost:6379"),
		RedisPassword: opt("REDIS_PASSWORD", ""),
	}

	cfg.Health = HealthConfig{
		Interval: ms("HEALTH_CHECK_INTERVAL_MS", 30000),
	}

	cfg.Log = LogConfig{
		Level:  strings.ToLower(opt("LOG_LEVEL", "info")),
		Format: strings.ToLower(opt("LOG_FORMAT", "json")),
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingRequiredEnv, strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("%w: %s", ErrInvalidEnv, strings.Join(invalid, ", "))
	}
	if !hasCredential(cfg.Database) {
		return Config{}, ErrMissingCredential
	}
	if cfg.Cache.Backend != "memory" && cfg.Cache.Backend != "redis" {
		return Config{}, fmt.Errorf("%w: CACHE_BACKEND=%s", ErrInvalidEnv, cfg.Cache.Backend)
	}

	return cfg, nil
}

func hasCredential(db DatabaseConfig) bool {
	if strings.TrimSpace(db.Password) != "" {
		return true
	}
	u, err := url.Parse(db.URL)
	if err == nil && u.User != nil {
		if p, ok := u.User.Password(); ok && p != "" {
			return true
		}
	}
	// keyword/value DSN
	return strings.Contains(db.URL, "password=")
}
