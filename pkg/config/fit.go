package config

import "time"

const (
	// SweepPolicyLog logs supersession sweep failures and keeps the new run.
	SweepPolicyLog = "log"

	// SweepPolicyStrict inserts the run and sweeps in one transaction.
	SweepPolicyStrict = "strict"

	// SweepPolicyRetry logs the failure and retries the sweep in the
	// background.
	SweepPolicyRetry = "retry"
)

// ProxyConfig configures verification of storefront requests forwarded by
// the platform's app proxy and the guest session cookie.
type ProxyConfig struct {
	Secret      string            `yaml:"secret" mapstructure:"secret"`
	MaxSkew     time.Duration     `yaml:"max_skew" mapstructure:"max_skew"`
	SessionSalt string            `yaml:"session_salt" mapstructure:"session_salt"`
	GuestCookie GuestCookieConfig `yaml:"guest_cookie" mapstructure:"guest_cookie"`
}

// GuestCookieConfig configures the guest session token cookie.
type GuestCookieConfig struct {
	Name   string        `yaml:"name" mapstructure:"name"`
	Path   string        `yaml:"path" mapstructure:"path"`
	TTL    time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Secure bool          `yaml:"secure" mapstructure:"secure"`
}

// CallbackConfig configures the worker completion callback.
type CallbackConfig struct {
	Secret string `yaml:"secret" mapstructure:"secret"`
}

// WebhookConfig configures platform webhook verification.
type WebhookConfig struct {
	Secret string `yaml:"secret" mapstructure:"secret"`
}

// AdminConfig configures authentication of the admin JSON endpoints.
type AdminConfig struct {
	SessionSecret   string `yaml:"session_secret" mapstructure:"session_secret"`
	APIKey          string `yaml:"api_key,omitempty" mapstructure:"api_key"`
	OperatorKeyHash string `yaml:"operator_key_hash,omitempty" mapstructure:"operator_key_hash"`
}

// LifecycleConfig configures run creation and completion.
type LifecycleConfig struct {
	CreateWindow    time.Duration `yaml:"create_window" mapstructure:"create_window"`
	ModelVersion    int           `yaml:"model_version" mapstructure:"model_version"`
	SweepPolicy     string        `yaml:"sweep_policy" mapstructure:"sweep_policy"`
	SweepRetries    int           `yaml:"sweep_retries" mapstructure:"sweep_retries"`
	SweepRetryDelay time.Duration `yaml:"sweep_retry_delay" mapstructure:"sweep_retry_delay"`
	AssetURLPrefix  string        `yaml:"asset_url_prefix" mapstructure:"asset_url_prefix"`
}

// WorkerConfig configures the reconstruction worker backend.
type WorkerConfig struct {
	BaseURL string              `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string              `yaml:"api_key,omitempty" mapstructure:"api_key"`
	Timeout time.Duration       `yaml:"timeout" mapstructure:"timeout"`
	Breaker WorkerBreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// WorkerBreakerConfig configures the circuit breaker in front of the worker.
type WorkerBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures" mapstructure:"max_failures"`
	Interval    time.Duration `yaml:"interval" mapstructure:"interval"`
	OpenTimeout time.Duration `yaml:"open_timeout" mapstructure:"open_timeout"`
}

// PlatformConfig configures pushes to the platform customer record.
type PlatformConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	APIVersion   string        `yaml:"api_version" mapstructure:"api_version"`
	Namespace    string        `yaml:"namespace" mapstructure:"namespace"`
	Key          string        `yaml:"key" mapstructure:"key"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	AccessTokens []ShopToken   `yaml:"access_tokens,omitempty" mapstructure:"access_tokens"`
}

// ShopToken is an offline admin API token for one shop. Tokens are a list
// rather than a map because shop domains contain the key delimiter.
type ShopToken struct {
	Shop  string `yaml:"shop" mapstructure:"shop"`
	Token string `yaml:"token" mapstructure:"token"`
}

// TokenFor returns the access token configured for shop.
func (c *PlatformConfig) TokenFor(shop string) (string, bool) {
	for _, t := range c.AccessTokens {
		if t.Shop == shop {
			return t.Token, true
		}
	}

	return "", false
}
