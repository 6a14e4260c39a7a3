package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment overrides win over file values. Every key carries the
// LLMGATE_ prefix so the process environment stays unambiguous.
func (cm *Manager) mergeEnvVars() {
	if cm.config == nil {
		cm.config = cm.defaultConfig()
	}

	if v := os.Getenv("LLMGATE_DEBUG"); v != "" {
		cm.config.Debug = !(v == "false" || v == "0")
	}
	if v := os.Getenv("LLMGATE_LOG_FILE"); v != "" {
		cm.config.LogFile = v
	}
	if v := os.Getenv("LLMGATE_RETRY_MAX"); v != "" {
		if n, err := parseInt(v); err == nil {
			cm.config.RetryMax = n
		}
	}
	if v := os.Getenv("LLMGATE_BACKOFF_BASE_MS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cm.config.BackoffBaseMS = n
		}
	}
	if v := os.Getenv("LLMGATE_BACKOFF_MAX_MS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cm.config.BackoffMaxMS = n
		}
	}
	if v := os.Getenv("LLMGATE_BACKOFF_JITTER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cm.config.BackoffJitter = f
		}
	}
	if v := os.Getenv("LLMGATE_OVERLOAD_COOLDOWN_SEC"); v != "" {
		if n, err := parseInt(v); err == nil {
			cm.config.OverloadCooldownSec = n
		}
	}
	if v := os.Getenv("LLMGATE_QUARANTINE_DEFAULT_SEC"); v != "" {
		if n, err := parseInt(v); err == nil {
			cm.config.QuarantineDefaultSec = n
		}
	}
	if v := os.Getenv("LLMGATE_FAILURE_THRESHOLD"); v != "" {
		if n, err := parseInt(v); err == nil {
			cm.config.FailureThreshold = n
		}
	}
	if v := os.Getenv("LLMGATE_TRUNCATION_THRESHOLD_LINES"); v != "" {
		if n, err := parseInt(v); err == nil {
			cm.config.TruncationThresholdLines = n
		}
	}
	if v := os.Getenv("LLMGATE_STATE_BACKEND"); v != "" {
		cm.config.StateBackend = strings.ToLower(v)
	}
	if v := os.Getenv("LLMGATE_STATE_DIR"); v != "" {
		cm.config.StateDir = v
	}
	if v := os.Getenv("LLMGATE_REDIS_ADDR"); v != "" {
		cm.config.RedisAddr = v
	}
	if v := os.Getenv("LLMGATE_REDIS_PASSWORD"); v != "" {
		cm.config.RedisPassword = v
	}
	if v := os.Getenv("LLMGATE_REDIS_DB"); v != "" {
		if n, err := parseInt(v); err == nil {
			cm.config.RedisDB = n
		}
	}
	if v := os.Getenv("LLMGATE_REDIS_PREFIX"); v != "" {
		cm.config.RedisPrefix = v
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
