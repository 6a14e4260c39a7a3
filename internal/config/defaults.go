package config

import "time"

// Documented defaults. Every tunable here can be overridden per key in the
// config file or through LLMGATE_* environment variables.
const (
	DefaultRetryMax            = 3
	DefaultBackoffBaseMS       = 1000
	DefaultBackoffMaxMS        = 30000
	DefaultBackoffJitter       = 0.2
	DefaultOverloadCooldownSec = 15

	DefaultQuarantineSec    = 60
	DefaultFailureThreshold = 3

	DefaultTruncationThresholdLines = 500

	DefaultStateDir    = "state"
	DefaultRedisPrefix = "llmgate"
)

func (cm *Manager) defaultConfig() *FileConfig {
	return &FileConfig{
		RetryMax:                 DefaultRetryMax,
		BackoffBaseMS:            DefaultBackoffBaseMS,
		BackoffMaxMS:             DefaultBackoffMaxMS,
		BackoffJitter:            DefaultBackoffJitter,
		OverloadCooldownSec:      DefaultOverloadCooldownSec,
		QuarantineDefaultSec:     DefaultQuarantineSec,
		FailureThreshold:         DefaultFailureThreshold,
		TruncationThresholdLines: DefaultTruncationThresholdLines,
		StateDir:                 DefaultStateDir,
		RedisPrefix:              DefaultRedisPrefix,
	}
}

// applyDefaults fills zero values after a file load so partial configs keep
// the documented defaults.
func applyDefaults(c *FileConfig) {
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.BackoffBaseMS <= 0 {
		c.BackoffBaseMS = DefaultBackoffBaseMS
	}
	if c.BackoffMaxMS <= 0 {
		c.BackoffMaxMS = DefaultBackoffMaxMS
	}
	if c.BackoffJitter <= 0 {
		c.BackoffJitter = DefaultBackoffJitter
	}
	if c.OverloadCooldownSec <= 0 {
		c.OverloadCooldownSec = DefaultOverloadCooldownSec
	}
	if c.QuarantineDefaultSec <= 0 {
		c.QuarantineDefaultSec = DefaultQuarantineSec
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.TruncationThresholdLines <= 0 {
		c.TruncationThresholdLines = DefaultTruncationThresholdLines
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = DefaultRedisPrefix
	}
}

// Duration accessors so callers do not repeat unit conversion.

func (c *FileConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

func (c *FileConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMS) * time.Millisecond
}

func (c *FileConfig) OverloadCooldown() time.Duration {
	return time.Duration(c.OverloadCooldownSec) * time.Second
}

func (c *FileConfig) QuarantineDefault() time.Duration {
	return time.Duration(c.QuarantineDefaultSec) * time.Second
}
