/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Event bus driver selection.
type EventBusDriver string

const (
	EventBusMemory EventBusDriver = "memory"
	EventBusRedis  EventBusDriver = "redis"
	EventBusNATS   EventBusDriver = "nats"
)

// Asset storage backend selection.
type AssetBackend string

const (
	AssetFilesystem AssetBackend = "filesystem"
	AssetS3         AssetBackend = "s3"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment   string
	HTTPBind      string
	HTTPPort      int
	BaseURL       string // Public base URL (e.g., http://feeds.example.com:8080)
	DBBackend     DatabaseBackend
	DBDSN         string
	JWTSigningKey string
	WebEnabled    bool

	// Refresh pacing and snapshot resolution
	MinRefreshSeconds      int // floor between consecutive refresh fires per channel
	CoordinatorTickSeconds int // safety-net re-resolve cadence
	SnapshotHorizonHours   int // how far ahead recurring entries are expanded

	// Bootstrap admin account (created on first start if no users exist)
	BootstrapAdminEmail    string
	BootstrapAdminPassword string

	// Event bus
	EventBus EventBusDriver
	NATSUrl  string

	// Cache / multi-instance configuration
	CacheEnabled          bool
	LeaderElectionEnabled bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	InstanceID            string

	// Asset storage
	AssetBackend    AssetBackend
	AssetRoot       string
	MaxAssetSizeMB  int // Optional global asset upload limit override (MB)
	S3AccessKeyID   string
	S3SecretKey     string
	S3Region        string
	S3Bucket        string
	S3Endpoint      string // For S3-compatible services (MinIO, Spaces, etc.)
	S3PublicBaseURL string // Optional CDN/CloudFront URL
	S3UsePathStyle  bool   // Required for MinIO

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:   getEnvAny([]string{"TILEFEED_ENV", "TF_ENV"}, "development"),
		HTTPBind:      getEnvAny([]string{"TILEFEED_HTTP_BIND", "TF_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:      getEnvIntAny([]string{"TILEFEED_HTTP_PORT", "TF_HTTP_PORT"}, 8080),
		BaseURL:       getEnvAny([]string{"TILEFEED_BASE_URL", "TF_BASE_URL"}, ""),
		DBBackend:     DatabaseBackend(getEnvAny([]string{"TILEFEED_DB_BACKEND", "TF_DB_BACKEND"}, string(DatabaseSQLite))),
		DBDSN:         getEnvAny([]string{"TILEFEED_DB_DSN", "TF_DB_DSN"}, ""),
		JWTSigningKey: getEnvAny([]string{"TILEFEED_JWT_SIGNING_KEY", "TF_JWT_SIGNING_KEY"}, ""),
		WebEnabled:    getEnvBoolAny([]string{"TILEFEED_WEB_ENABLED", "TF_WEB_ENABLED"}, true),

		MinRefreshSeconds:      getEnvIntAny([]string{"TILEFEED_MIN_REFRESH_SECONDS", "TF_MIN_REFRESH_SECONDS"}, 20),
		CoordinatorTickSeconds: getEnvIntAny([]string{"TILEFEED_COORDINATOR_TICK_SECONDS", "TF_COORDINATOR_TICK_SECONDS"}, 30),
		SnapshotHorizonHours:   getEnvIntAny([]string{"TILEFEED_SNAPSHOT_HORIZON_HOURS", "TF_SNAPSHOT_HORIZON_HOURS"}, 48),

		BootstrapAdminEmail:    getEnvAny([]string{"TILEFEED_BOOTSTRAP_ADMIN_EMAIL", "TF_BOOTSTRAP_ADMIN_EMAIL"}, ""),
		BootstrapAdminPassword: getEnvAny([]string{"TILEFEED_BOOTSTRAP_ADMIN_PASSWORD", "TF_BOOTSTRAP_ADMIN_PASSWORD"}, ""),

		EventBus: EventBusDriver(getEnvAny([]string{"TILEFEED_EVENTBUS_DRIVER", "TF_EVENTBUS_DRIVER"}, string(EventBusMemory))),
		NATSUrl:  getEnvAny([]string{"TILEFEED_NATS_URL", "TF_NATS_URL"}, "nats://localhost:4222"),

		CacheEnabled:          getEnvBoolAny([]string{"TILEFEED_CACHE_ENABLED", "TF_CACHE_ENABLED"}, false),
		LeaderElectionEnabled: getEnvBoolAny([]string{"TILEFEED_LEADER_ELECTION_ENABLED", "TF_LEADER_ELECTION_ENABLED"}, false),
		RedisAddr:             getEnvAny([]string{"TILEFEED_REDIS_ADDR", "TF_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword:         getEnvAny([]string{"TILEFEED_REDIS_PASSWORD", "TF_REDIS_PASSWORD"}, ""),
		RedisDB:               getEnvIntAny([]string{"TILEFEED_REDIS_DB", "TF_REDIS_DB"}, 0),
		InstanceID:            getEnvAny([]string{"TILEFEED_INSTANCE_ID", "TF_INSTANCE_ID"}, ""),

		AssetBackend:    AssetBackend(getEnvAny([]string{"TILEFEED_ASSET_BACKEND", "TF_ASSET_BACKEND"}, string(AssetFilesystem))),
		AssetRoot:       getEnvAny([]string{"TILEFEED_ASSET_ROOT", "TF_ASSET_ROOT"}, "./assets"),
		MaxAssetSizeMB:  getEnvIntAny([]string{"TILEFEED_MAX_ASSET_SIZE_MB", "TF_MAX_ASSET_SIZE_MB"}, 0),
		S3AccessKeyID:   getEnvAny([]string{"TILEFEED_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretKey:     getEnvAny([]string{"TILEFEED_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:        getEnvAny([]string{"TILEFEED_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:        getEnvAny([]string{"TILEFEED_S3_BUCKET", "S3_BUCKET"}, ""),
		S3Endpoint:      getEnvAny([]string{"TILEFEED_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3PublicBaseURL: getEnvAny([]string{"TILEFEED_S3_PUBLIC_BASE_URL", "S3_PUBLIC_BASE_URL"}, ""),
		S3UsePathStyle:  getEnvBoolAny([]string{"TILEFEED_S3_USE_PATH_STYLE", "S3_USE_PATH_STYLE"}, false),

		TracingEnabled:    getEnvBoolAny([]string{"TILEFEED_TRACING_ENABLED", "TF_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"TILEFEED_OTLP_ENDPOINT", "TF_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"TILEFEED_TRACING_SAMPLE_RATE", "TF_TRACING_SAMPLE_RATE"}, 1.0),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("TILEFEED_DB_DSN or TF_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("TILEFEED_JWT_SIGNING_KEY or TF_JWT_SIGNING_KEY must be provided")
	}

	if cfg.EventBus != EventBusMemory && cfg.EventBus != EventBusRedis && cfg.EventBus != EventBusNATS {
		return nil, fmt.Errorf("unsupported event bus driver %q", cfg.EventBus)
	}

	if cfg.AssetBackend != AssetFilesystem && cfg.AssetBackend != AssetS3 {
		return nil, fmt.Errorf("unsupported asset backend %q", cfg.AssetBackend)
	}

	if cfg.AssetBackend == AssetS3 && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("TILEFEED_S3_BUCKET or S3_BUCKET must be provided when the s3 asset backend is selected")
	}

	if cfg.MinRefreshSeconds < 1 {
		return nil, fmt.Errorf("TILEFEED_MIN_REFRESH_SECONDS must be at least 1, got %d", cfg.MinRefreshSeconds)
	}

	if strings.EqualFold(cfg.Environment, "production") {
		if cfg.BootstrapAdminPassword != "" && len(cfg.BootstrapAdminPassword) < 12 {
			return nil, fmt.Errorf("TILEFEED_BOOTSTRAP_ADMIN_PASSWORD must be at least 12 characters in production")
		}
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"ENVIRONMENT":             "use TILEFEED_ENV (or TF_ENV)",
		"LEADER_ELECTION_ENABLED": "use TILEFEED_LEADER_ELECTION_ENABLED",
		"JWT_SIGNING_KEY":         "use TILEFEED_JWT_SIGNING_KEY (or TF_JWT_SIGNING_KEY)",
		"TRACING_ENABLED":         "use TILEFEED_TRACING_ENABLED (or TF_TRACING_ENABLED)",
		"OTLP_ENDPOINT":           "use TILEFEED_OTLP_ENDPOINT (or TF_OTLP_ENDPOINT)",
		"TRACING_SAMPLE_RATE":     "use TILEFEED_TRACING_SAMPLE_RATE (or TF_TRACING_SAMPLE_RATE)",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// MinRefreshInterval returns the refresh floor as a duration.
func (c *Config) MinRefreshInterval() time.Duration {
	if c == nil || c.MinRefreshSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.MinRefreshSeconds) * time.Second
}

// CoordinatorTick returns the safety-net resolve cadence as a duration.
func (c *Config) CoordinatorTick() time.Duration {
	if c == nil || c.CoordinatorTickSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.CoordinatorTickSeconds) * time.Second
}

// SnapshotHorizon returns how far ahead recurring entries are expanded.
func (c *Config) SnapshotHorizon() time.Duration {
	if c == nil || c.SnapshotHorizonHours <= 0 {
		return 48 * time.Hour
	}
	return time.Duration(c.SnapshotHorizonHours) * time.Hour
}

// MaxAssetSizeBytes returns the configured asset upload limit in bytes.
// A value of 0 means "not configured" and callers should use endpoint defaults.
func (c *Config) MaxAssetSizeBytes() int64 {
	if c == nil || c.MaxAssetSizeMB <= 0 {
		return 0
	}
	return int64(c.MaxAssetSizeMB) * 1024 * 1024
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
