package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// FileEnvKey names the environment variable pointing at an optional TOML
// file. Keys in the file are the lower-cased environment variable names and
// act as defaults that the environment overrides.
const FileEnvKey = "TIERD_CONFIG"

// Config captures all runtime configuration derived from environment variables.
type Config struct {
	Port             string
	ReadTimeoutSecs  int
	WriteTimeoutSecs int
	IdleTimeoutSecs  int

	// DBURL may be empty, in which case only the fallback file store is used.
	DBURL             string
	DBMaxConns        int
	DBMinConns        int
	DBMaxIdleSecs     int
	DBMaxLifeSecs     int
	DBConnTimeoutSecs int
	DBStatementCache  int
	DBAutoMigrate     bool

	PrimaryMaxRetries int
	PrimaryTimeout    time.Duration

	FallbackPath string

	RateLimitMax    int
	RateLimitWindow time.Duration
	RateLimitSweep  time.Duration

	HeartbeatInterval time.Duration
	RequireIdentity   bool
	MaintenanceToken  string

	ReconcileConcurrency int

	RedisAddr     string
	RedisChannel  string
	RedisPassword string

	LogLevel       string
	LogDevelopment bool
}

// Load reads configuration from environment variables, applying defaults and validation.
func Load() (Config, error) {
	src, err := newSource(os.Getenv(FileEnvKey))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:                 src.getString("PORT", "8080"),
		ReadTimeoutSecs:      src.getInt("SERVER_READ_TIMEOUT", 15),
		WriteTimeoutSecs:     src.getInt("SERVER_WRITE_TIMEOUT", 15),
		IdleTimeoutSecs:      src.getInt("SERVER_IDLE_TIMEOUT", 60),
		DBURL:                src.getString("DB_URL", ""),
		DBMaxConns:           src.getInt("DB_MAX_CONNS", 20),
		DBMinConns:           src.getInt("DB_MIN_CONNS", 2),
		DBMaxIdleSecs:        src.getInt("DB_MAX_CONN_IDLE_SECS", 300),
		DBMaxLifeSecs:        src.getInt("DB_MAX_CONN_LIFETIME_SECS", 3600),
		DBConnTimeoutSecs:    src.getInt("DB_CONN_TIMEOUT_SECS", 10),
		DBStatementCache:     src.getInt("DB_STATEMENT_CACHE_CAPACITY", 256),
		DBAutoMigrate:        src.getBool("DB_AUTO_MIGRATE", true),
		PrimaryMaxRetries:    src.getInt("PRIMARY_MAX_RETRIES", 2),
		PrimaryTimeout:       src.getDuration("PRIMARY_TIMEOUT", 3*time.Second),
		FallbackPath:         src.getString("FALLBACK_PATH", "data/votes.json"),
		RateLimitMax:         src.getInt("RATE_LIMIT_MAX", 5),
		RateLimitWindow:      src.getDuration("RATE_LIMIT_WINDOW", 10*time.Second),
		RateLimitSweep:       src.getDuration("RATE_LIMIT_SWEEP", time.Minute),
		HeartbeatInterval:    src.getDuration("SSE_HEARTBEAT", 30*time.Second),
		RequireIdentity:      src.getBool("REQUIRE_IDENTITY", false),
		MaintenanceToken:     src.getString("MAINTENANCE_TOKEN", ""),
		ReconcileConcurrency: src.getInt("RECONCILE_CONCURRENCY", 4),
		RedisAddr:            src.getString("REDIS_ADDR", ""),
		RedisChannel:         src.getString("REDIS_CHANNEL", "tierd:vote-updates"),
		RedisPassword:        src.getString("REDIS_PASSWORD", ""),
		LogLevel:             src.getString("LOG_LEVEL", "info"),
		LogDevelopment:       src.getBool("LOG_DEVELOPMENT", false),
	}

	if strings.TrimSpace(cfg.FallbackPath) == "" {
		return Config{}, fmt.Errorf("FALLBACK_PATH is required")
	}
	if cfg.DBMaxConns <= 0 {
		return Config{}, fmt.Errorf("DB_MAX_CONNS must be positive")
	}
	if cfg.DBMinConns < 0 {
		return Config{}, fmt.Errorf("DB_MIN_CONNS must be non-negative")
	}
	if cfg.DBMaxConns > 0 && cfg.DBMinConns > cfg.DBMaxConns {
		return Config{}, fmt.Errorf("DB_MIN_CONNS cannot exceed DB_MAX_CONNS")
	}
	if cfg.DBStatementCache < 0 {
		return Config{}, fmt.Errorf("DB_STATEMENT_CACHE_CAPACITY must be non-negative")
	}
	if cfg.PrimaryMaxRetries < 0 {
		return Config{}, fmt.Errorf("PRIMARY_MAX_RETRIES must be non-negative")
	}
	if cfg.PrimaryTimeout <= 0 {
		return Config{}, fmt.Errorf("PRIMARY_TIMEOUT must be positive")
	}
	if cfg.RateLimitMax <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_MAX must be positive")
	}
	if cfg.RateLimitWindow <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	if cfg.RateLimitSweep <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_SWEEP must be positive")
	}
	if cfg.HeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("SSE_HEARTBEAT must be positive")
	}
	if cfg.ReconcileConcurrency <= 0 {
		return Config{}, fmt.Errorf("RECONCILE_CONCURRENCY must be positive")
	}

	return cfg, nil
}

// source resolves a key from the environment first and the optional file second.
type source struct {
	file *koanf.Koanf
}

func newSource(path string) (source, error) {
	if path == "" {
		return source{}, nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return source{}, fmt.Errorf("load %s %q: %w", FileEnvKey, path, err)
	}
	return source{file: k}, nil
}

func (s source) lookup(key string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	if s.file != nil {
		return s.file.String(strings.ToLower(key))
	}
	return ""
}

func (s source) getString(key, fallback string) string {
	if val := s.lookup(key); val != "" {
		return val
	}
	return fallback
}

func (s source) getInt(key string, fallback int) int {
	if val := s.lookup(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func (s source) getBool(key string, fallback bool) bool {
	if val := s.lookup(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// getDuration accepts Go duration strings ("10s") or bare integers as seconds.
func (s source) getDuration(key string, fallback time.Duration) time.Duration {
	val := s.lookup(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
