package config

import "time"

const (
	// DefaultMaxUploadBytes is the largest accepted upload (15 MiB).
	DefaultMaxUploadBytes = 15 * 1024 * 1024

	// LimiterBackendMemory keeps limiter state in process memory.
	LimiterBackendMemory = "memory"

	// LimiterBackendRedis shares limiter state across instances via redis.
	LimiterBackendRedis = "redis"

	// TracingExporterStdout writes spans to standard output.
	TracingExporterStdout = "stdout"

	// TracingExporterOTLP sends spans to an OTLP/HTTP collector.
	TracingExporterOTLP = "otlp"
)

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string   `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"sslmode" mapstructure:"sslmode"`
}

// StorageConfig configures where uploads go and where outputs are served
// from. Only one backend (S3 or local) may be enabled at a time.
type StorageConfig struct {
	MaxUploadBytes int64              `yaml:"max_upload_bytes" mapstructure:"max_upload_bytes"`
	S3             S3Config           `yaml:"s3" mapstructure:"s3"`
	Local          LocalStorageConfig `yaml:"local" mapstructure:"local"`
}

// S3Config contains S3 settings for presigned upload and download URLs.
type S3Config struct {
	Enabled         bool                 `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string               `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string               `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string               `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string               `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string               `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool                 `yaml:"force_path_style" mapstructure:"force_path_style"`
	InputPrefix     string               `yaml:"input_prefix" mapstructure:"input_prefix"`
	OutputPrefix    string               `yaml:"output_prefix" mapstructure:"output_prefix"`
	PresignedURLs   S3PresignedURLConfig `yaml:"presigned_urls" mapstructure:"presigned_urls"`
}

// S3PresignedURLConfig contains presigned URL generation settings.
type S3PresignedURLConfig struct {
	Expiry time.Duration `yaml:"expiry" mapstructure:"expiry"`
}

// LocalStorageConfig serves output assets from a local directory.
type LocalStorageConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Root    string `yaml:"root,omitempty" mapstructure:"root"`
}

// RateLimitConfig configures the upload window limiter and per-IP limits.
type RateLimitConfig struct {
	Upload UploadLimitConfig `yaml:"upload" mapstructure:"upload"`
	IP     IPRateLimitConfig `yaml:"ip" mapstructure:"ip"`
}

// UploadLimitConfig configures the short per-identity window applied to
// upload slot requests.
type UploadLimitConfig struct {
	Backend         string        `yaml:"backend" mapstructure:"backend"`
	Window          time.Duration `yaml:"window" mapstructure:"window"`
	Capacity        int           `yaml:"capacity" mapstructure:"capacity"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
	Redis           RedisConfig   `yaml:"redis,omitempty" mapstructure:"redis"`
}

// RedisConfig contains redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password,omitempty" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// IPRateLimitConfig configures per-IP token bucket limiting.
type IPRateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// TracingConfig configures OpenTelemetry trace export.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled" mapstructure:"enabled"`
	Exporter    string            `yaml:"exporter" mapstructure:"exporter"`
	Endpoint    string            `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	Insecure    bool              `yaml:"insecure" mapstructure:"insecure"`
	Headers     map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`
	SampleRatio float64           `yaml:"sample_ratio" mapstructure:"sample_ratio"`
	ServiceName string            `yaml:"service_name" mapstructure:"service_name"`
}
