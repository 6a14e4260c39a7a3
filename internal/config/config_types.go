package config

// ProviderConfig describes one entry of the fallback chain. Order in the
// config file is the failover order: cheap or free providers first.
type ProviderConfig struct {
	Name   string `yaml:"name" json:"name"`
	Kind   string `yaml:"kind" json:"kind"`     // "http" or "process"
	Family string `yaml:"family" json:"family"` // credential family served

	// HTTP adapters.
	Endpoint       string  `yaml:"endpoint" json:"endpoint"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst" json:"rate_limit_burst"`

	// Process adapters.
	Command     string   `yaml:"command" json:"command"`
	Args        []string `yaml:"args" json:"args"`
	SandboxArgs []string `yaml:"sandbox_args" json:"sandbox_args"`
	SecretEnv   string   `yaml:"secret_env" json:"secret_env"`

	TimeoutCeilingSec int `yaml:"timeout_ceiling_sec" json:"timeout_ceiling_sec"`

	// Pricing per million tokens, used for cost estimates only.
	CostPerMInputTokens  float64 `yaml:"cost_per_m_input_tokens" json:"cost_per_m_input_tokens"`
	CostPerMOutputTokens float64 `yaml:"cost_per_m_output_tokens" json:"cost_per_m_output_tokens"`
}

// CredentialConfig declares one credential by opaque secret reference.
// The reference names where the secret lives ("env:KEY", "file:/path",
// "oauth:name"); the secret itself never appears in configuration.
type CredentialConfig struct {
	ID        string `yaml:"id" json:"id"`
	Family    string `yaml:"family" json:"family"`
	SecretRef string `yaml:"secret_ref" json:"secret_ref"`
}

// FileConfig represents the configuration loaded from file.
type FileConfig struct {
	Debug   bool   `yaml:"debug" json:"debug"`
	LogFile string `yaml:"log_file" json:"log_file"`

	Providers   []ProviderConfig   `yaml:"providers" json:"providers"`
	Credentials []CredentialConfig `yaml:"credentials" json:"credentials"`

	// Retry and backoff tunables.
	RetryMax            int     `yaml:"retry_max" json:"retry_max"`
	BackoffBaseMS       int     `yaml:"backoff_base_ms" json:"backoff_base_ms"`
	BackoffMaxMS        int     `yaml:"backoff_max_ms" json:"backoff_max_ms"`
	BackoffJitter       float64 `yaml:"backoff_jitter" json:"backoff_jitter"`
	OverloadCooldownSec int     `yaml:"overload_cooldown_sec" json:"overload_cooldown_sec"`

	// Credential pool tunables.
	QuarantineDefaultSec int `yaml:"quarantine_default_sec" json:"quarantine_default_sec"`
	FailureThreshold     int `yaml:"failure_threshold" json:"failure_threshold"`

	// Truncation guard.
	TruncationThresholdLines int `yaml:"truncation_threshold_lines" json:"truncation_threshold_lines"`

	// Credential state persistence.
	StateBackend  string `yaml:"state_backend" json:"state_backend"` // "", "file" or "redis"
	StateDir      string `yaml:"state_dir" json:"state_dir"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix" json:"redis_prefix"`
}
