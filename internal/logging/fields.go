package logging

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// WithInvocation builds a log entry enriched with common invocation fields.
// Credential secrets must never be passed here; use the credential id only.
// Any extras passed in will be merged (extras take precedence on key conflicts).
func WithInvocation(provider, model, credID string, attempt int, extras log.Fields) *log.Entry {
	fields := log.Fields{
		"provider": provider,
		"model":    model,
		"attempt":  attempt,
	}
	if credID != "" {
		fields["credential_id"] = credID
	}
	for k, v := range extras {
		fields[k] = v
	}
	return log.WithFields(fields)
}

// DurationMS converts a duration to integer milliseconds for logging.
func DurationMS(d time.Duration) int64 { return d.Milliseconds() }
