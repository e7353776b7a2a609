package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides,
	// e.g. FITRUN_CALLBACK_SECRET overrides callback.secret.
	EnvPrefix = "FITRUN"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "fitrun.db"

	redactedValue = "REDACTED"
)

// Config is the root configuration for fitrun.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Proxy     ProxyConfig     `yaml:"proxy" mapstructure:"proxy"`
	Callback  CallbackConfig  `yaml:"callback" mapstructure:"callback"`
	Webhooks  WebhookConfig   `yaml:"webhooks" mapstructure:"webhooks"`
	Admin     AdminConfig     `yaml:"admin" mapstructure:"admin"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" mapstructure:"lifecycle"`
	Worker    WorkerConfig    `yaml:"worker" mapstructure:"worker"`
	Platform  PlatformConfig  `yaml:"platform" mapstructure:"platform"`
	Tracing   TracingConfig   `yaml:"tracing" mapstructure:"tracing"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// Load reads the configuration file at path (optional) and applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyFallbacks()

	return &cfg, nil
}

// setDefaults registers every known key so that env overrides apply even
// when the key is absent from the config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "fitrun")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("storage.max_upload_bytes", DefaultMaxUploadBytes)
	v.SetDefault("storage.s3.enabled", false)
	v.SetDefault("storage.s3.endpoint_url", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.force_path_style", false)
	v.SetDefault("storage.s3.input_prefix", "inputs")
	v.SetDefault("storage.s3.output_prefix", "outputs")
	v.SetDefault("storage.s3.presigned_urls.expiry", "15m")
	v.SetDefault("storage.local.enabled", false)
	v.SetDefault("storage.local.root", "")

	v.SetDefault("rate_limit.upload.backend", LimiterBackendMemory)
	v.SetDefault("rate_limit.upload.window", "10s")
	v.SetDefault("rate_limit.upload.capacity", 10000)
	v.SetDefault("rate_limit.upload.cleanup_interval", "60s")
	v.SetDefault("rate_limit.upload.redis.addr", "")
	v.SetDefault("rate_limit.upload.redis.password", "")
	v.SetDefault("rate_limit.upload.redis.db", 0)
	v.SetDefault("rate_limit.upload.redis.key_prefix", "fitrun:upload:")
	v.SetDefault("rate_limit.ip.enabled", true)
	v.SetDefault("rate_limit.ip.requests_per_minute", 120)

	v.SetDefault("proxy.secret", "")
	v.SetDefault("proxy.max_skew", "0s")
	v.SetDefault("proxy.session_salt", "")
	v.SetDefault("proxy.guest_cookie.name", "fitrun_session")
	v.SetDefault("proxy.guest_cookie.path", "/apps/fit")
	v.SetDefault("proxy.guest_cookie.ttl", "720h")
	v.SetDefault("proxy.guest_cookie.secure", true)

	v.SetDefault("callback.secret", "")
	v.SetDefault("webhooks.secret", "")

	v.SetDefault("admin.session_secret", "")
	v.SetDefault("admin.api_key", "")
	v.SetDefault("admin.operator_key_hash", "")

	v.SetDefault("lifecycle.create_window", "120s")
	v.SetDefault("lifecycle.model_version", 1)
	v.SetDefault("lifecycle.sweep_policy", SweepPolicyLog)
	v.SetDefault("lifecycle.sweep_retries", 3)
	v.SetDefault("lifecycle.sweep_retry_delay", "1s")
	v.SetDefault("lifecycle.asset_url_prefix", "/apps/fit/assets/")

	v.SetDefault("worker.base_url", "")
	v.SetDefault("worker.api_key", "")
	v.SetDefault("worker.timeout", "10s")
	v.SetDefault("worker.breaker.max_failures", 5)
	v.SetDefault("worker.breaker.interval", "60s")
	v.SetDefault("worker.breaker.open_timeout", "30s")

	v.SetDefault("platform.enabled", false)
	v.SetDefault("platform.api_version", "2024-10")
	v.SetDefault("platform.namespace", "fitrun")
	v.SetDefault("platform.key", "profile")
	v.SetDefault("platform.timeout", "10s")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", TracingExporterOTLP)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "fitrun")
}

// applyFallbacks fills secrets that default to the app proxy secret. The
// commerce platform signs proxy requests, webhooks and session tokens with
// the same app secret unless configured otherwise.
func (c *Config) applyFallbacks() {
	if c.Webhooks.Secret == "" {
		c.Webhooks.Secret = c.Proxy.Secret
	}

	if c.Admin.SessionSecret == "" {
		c.Admin.SessionSecret = c.Proxy.Secret
	}

	if c.Proxy.SessionSalt == "" {
		c.Proxy.SessionSalt = c.Proxy.Secret
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Proxy.Secret == "" {
		return fmt.Errorf("proxy.secret is required")
	}

	if c.Callback.Secret == "" {
		return fmt.Errorf("callback.secret is required")
	}

	if c.Proxy.GuestCookie.Name == "" {
		return fmt.Errorf("proxy.guest_cookie.name is required")
	}

	if c.Proxy.GuestCookie.TTL <= 0 {
		return fmt.Errorf("proxy.guest_cookie.ttl must be positive")
	}

	if err := c.validateWorker(); err != nil {
		return err
	}

	if err := c.validateLifecycle(); err != nil {
		return err
	}

	if err := c.validateRateLimit(); err != nil {
		return err
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if c.Platform.Enabled && c.Platform.APIVersion == "" {
		return fmt.Errorf("platform.api_version is required when platform is enabled")
	}

	return c.validateTracing()
}

func (c *Config) validateWorker() error {
	if c.Worker.BaseURL == "" {
		return fmt.Errorf("worker.base_url is required")
	}

	u, err := url.Parse(c.Worker.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("worker.base_url %q is not an absolute URL", c.Worker.BaseURL)
	}

	if c.Worker.Timeout <= 0 {
		return fmt.Errorf("worker.timeout must be positive")
	}

	return nil
}

func (c *Config) validateLifecycle() error {
	if c.Lifecycle.CreateWindow <= 0 {
		return fmt.Errorf("lifecycle.create_window must be positive")
	}

	if c.Lifecycle.ModelVersion < 1 {
		return fmt.Errorf("lifecycle.model_version must be at least 1")
	}

	switch c.Lifecycle.SweepPolicy {
	case SweepPolicyLog, SweepPolicyStrict:
	case SweepPolicyRetry:
		if c.Lifecycle.SweepRetries < 1 {
			return fmt.Errorf("lifecycle.sweep_retries must be at least 1 with the retry policy")
		}
	default:
		return fmt.Errorf("unknown lifecycle.sweep_policy %q", c.Lifecycle.SweepPolicy)
	}

	return nil
}

func (c *Config) validateRateLimit() error {
	up := c.RateLimit.Upload

	if up.Window <= 0 {
		return fmt.Errorf("rate_limit.upload.window must be positive")
	}

	switch up.Backend {
	case LimiterBackendMemory:
		if up.Capacity < 1 {
			return fmt.Errorf("rate_limit.upload.capacity must be at least 1")
		}
	case LimiterBackendRedis:
		if up.Redis.Addr == "" {
			return fmt.Errorf("rate_limit.upload.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown rate_limit.upload.backend %q", up.Backend)
	}

	if c.RateLimit.IP.Enabled && c.RateLimit.IP.RequestsPerMinute < 1 {
		return fmt.Errorf("rate_limit.ip.requests_per_minute must be at least 1")
	}

	return nil
}

func (c *Config) validateTracing() error {
	t := c.Tracing
	if !t.Enabled {
		return nil
	}

	switch t.Exporter {
	case TracingExporterStdout:
	case TracingExporterOTLP:
		if t.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("unknown tracing.exporter %q", t.Exporter)
	}

	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}

	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.S3.Enabled && c.Storage.Local.Enabled {
		return fmt.Errorf("only one of storage.s3 and storage.local may be enabled")
	}

	if c.Storage.S3.Enabled {
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}

		if c.Storage.S3.PresignedURLs.Expiry <= 0 {
			return fmt.Errorf("storage.s3.presigned_urls.expiry must be positive")
		}
	}

	if c.Storage.Local.Enabled && c.Storage.Local.Root == "" {
		return fmt.Errorf("storage.local.root is required")
	}

	if c.Storage.MaxUploadBytes < 1 {
		return fmt.Errorf("storage.max_upload_bytes must be positive")
	}

	return nil
}

// Redacted returns a copy of the configuration with secrets masked.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = redactedValue
		}
	}

	mask(&c.Database.Postgres.Password)
	mask(&c.Storage.S3.SecretAccessKey)
	mask(&c.RateLimit.Upload.Redis.Password)
	mask(&c.Proxy.Secret)
	mask(&c.Proxy.SessionSalt)
	mask(&c.Callback.Secret)
	mask(&c.Webhooks.Secret)
	mask(&c.Admin.SessionSecret)
	mask(&c.Admin.OperatorKeyHash)
	mask(&c.Worker.APIKey)

	if len(c.Tracing.Headers) > 0 {
		headers := make(map[string]string, len(c.Tracing.Headers))
		for k := range c.Tracing.Headers {
			headers[k] = redactedValue
		}

		c.Tracing.Headers = headers
	}

	if len(c.Platform.AccessTokens) > 0 {
		tokens := make([]ShopToken, 0, len(c.Platform.AccessTokens))
		for _, t := range c.Platform.AccessTokens {
			tokens = append(tokens, ShopToken{Shop: t.Shop, Token: redactedValue})
		}

		c.Platform.AccessTokens = tokens
	}

	return c
}
