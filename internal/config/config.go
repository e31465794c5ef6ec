package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MaxSignedURLTTL is the longest lifetime an S3 SigV4 presigned URL accepts.
const MaxSignedURLTTL = 7 * 24 * time.Hour

// Config holds all configuration for the jobrelay binaries.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Dynamo    DynamoConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Upstream  UpstreamConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// APIKeyHash is a bcrypt hash; when set, /api routes require a matching bearer key.
	APIKeyHash string
	LogLevel   string
}

// IsProduction reports whether error details should be hidden from clients.
func (s ServerConfig) IsProduction() bool {
	return s.Env == "production"
}

type StoreConfig struct {
	Backend       string
	MigrationsDir string
	SQLitePath    string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type DynamoConfig struct {
	Table    string
	Region   string
	Endpoint string
}

type RedisConfig struct {
	URL              string
	UpstreamCacheTTL time.Duration
}

type StorageConfig struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	Region       string
	Bucket       string
	SignedURLTTL time.Duration
}

type UpstreamConfig struct {
	BaseURL       string
	LegacyBaseURL string
	Timeout       time.Duration
	FileTimeout   time.Duration
}

type RateLimitConfig struct {
	PerMinute int
}

const (
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

var validBackends = map[string]bool{
	BackendPostgres: true,
	BackendDynamoDB: true,
	BackendSQLite:   true,
	BackendMemory:   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:       envInt("JOBRELAY_PORT", 8080),
			Env:        envString("JOBRELAY_ENV", "development"),
			APIKeyHash: os.Getenv("API_KEY_HASH"),
			LogLevel:   strings.ToLower(envString("LOG_LEVEL", "info")),
		},
		Store: StoreConfig{
			Backend:       strings.ToLower(envString("DOCUMENT_STORE", BackendPostgres)),
			MigrationsDir: envString("MIGRATIONS_DIR", "migrations"),
			SQLitePath:    envString("SQLITE_PATH", "jobrelay.db"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Dynamo: DynamoConfig{
			Table:    envString("DYNAMODB_TABLE", "jobs"),
			Region:   envString("AWS_REGION", "us-east-1"),
			Endpoint: os.Getenv("AWS_ENDPOINT_URL"),
		},
		Redis: RedisConfig{
			URL:              os.Getenv("REDIS_URL"),
			UpstreamCacheTTL: envDuration("UPSTREAM_CACHE_TTL", 5*time.Second),
		},
		Storage: StorageConfig{
			Endpoint:     os.Getenv("STORAGE_ENDPOINT"),
			AccessKey:    os.Getenv("STORAGE_ACCESS_KEY"),
			SecretKey:    os.Getenv("STORAGE_SECRET_KEY"),
			UseSSL:       envBool("STORAGE_USE_SSL", true),
			Region:       envString("STORAGE_REGION", "us-east-1"),
			Bucket:       envString("STORAGE_BUCKET_NAME", "bikerc-storage"),
			SignedURLTTL: envDuration("SIGNED_URL_TTL", MaxSignedURLTTL),
		},
		Upstream: UpstreamConfig{
			BaseURL:       strings.TrimRight(envString("UPSTREAM_BASE_URL", "https://api-mo2s.netrix.com.pl"), "/"),
			LegacyBaseURL: strings.TrimRight(envString("UPSTREAM_LEGACY_BASE_URL", "http://localhost:8000"), "/"),
			Timeout:       envDuration("UPSTREAM_TIMEOUT", 30*time.Second),
			FileTimeout:   envDuration("UPSTREAM_FILE_TIMEOUT", 60*time.Second),
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validLogLevels[c.Server.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}

	if !validBackends[c.Store.Backend] {
		return fmt.Errorf("DOCUMENT_STORE must be one of postgres, dynamodb, sqlite, memory; got %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendPostgres && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when DOCUMENT_STORE is postgres")
	}
	if c.Store.Backend == BackendDynamoDB && c.Dynamo.Table == "" {
		return fmt.Errorf("DYNAMODB_TABLE is required when DOCUMENT_STORE is dynamodb")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Storage.Endpoint == "" {
		return fmt.Errorf("STORAGE_ENDPOINT is required")
	}
	if strings.Contains(c.Storage.Endpoint, "://") {
		return fmt.Errorf("STORAGE_ENDPOINT must be host[:port] without a scheme, got %q", c.Storage.Endpoint)
	}
	if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
		return fmt.Errorf("STORAGE_ACCESS_KEY and STORAGE_SECRET_KEY are required")
	}
	if c.Storage.SignedURLTTL <= 0 || c.Storage.SignedURLTTL > MaxSignedURLTTL {
		return fmt.Errorf("SIGNED_URL_TTL must be between 1s and %s, got %s", MaxSignedURLTTL, c.Storage.SignedURLTTL)
	}

	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("UPSTREAM_BASE_URL must start with http:// or https://, got %q", c.Upstream.BaseURL)
	}

	if c.RateLimit.PerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative, got %d", c.RateLimit.PerMinute)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
