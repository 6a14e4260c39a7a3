package classify

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Kind buckets raw provider failures into the retry taxonomy.
type Kind string

const (
	KindRateLimited Kind = "rate_limited"
	KindOverloaded  Kind = "overloaded"
	KindAuthFailure Kind = "auth_failure"
	KindTimeout     Kind = "timeout"
	KindMalformed   Kind = "malformed"
	KindUnknown     Kind = "unknown"
)

// ClassifiedError is the normalized failure shape consumed by the backoff
// policy and the credential pool. RetryAfter is zero when the provider gave
// no hint.
type ClassifiedError struct {
	Kind       Kind
	Status     int
	RetryAfter time.Duration
	Message    string
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Transient reports whether the error class is worth retrying at all.
func (e *ClassifiedError) Transient() bool {
	if e == nil {
		return false
	}
	return e.Kind != KindAuthFailure
}

// FromHTTP maps an upstream HTTP status and payload into the taxonomy.
// It never fails; unrecognized statuses come back as KindUnknown.
func FromHTTP(status int, header http.Header, body []byte) *ClassifiedError {
	msg := extractUpstreamMessage(body)

	ce := &ClassifiedError{Status: status, Message: msg}
	switch {
	case status == http.StatusTooManyRequests:
		ce.Kind = KindRateLimited
		if header != nil {
			if d, ok := ParseRetryAfter(header.Get("Retry-After")); ok {
				ce.RetryAfter = d
			}
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		ce.Kind = KindAuthFailure
	case status == http.StatusGatewayTimeout:
		ce.Kind = KindTimeout
	case status >= 500 && status <= 599:
		ce.Kind = KindOverloaded
		if header != nil {
			if d, ok := ParseRetryAfter(header.Get("Retry-After")); ok {
				ce.RetryAfter = d
			}
		}
	default:
		ce.Kind = KindUnknown
	}
	if ce.Message == "" {
		ce.Message = fmt.Sprintf("HTTP %d", status)
	}
	return ce
}

// FromNetwork maps a transport-level error into the taxonomy.
func FromNetwork(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	ce := &ClassifiedError{Message: msg}
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "context canceled"):
		ce.Kind = KindTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "EOF"),
		strings.Contains(msg, "no such host"):
		ce.Kind = KindOverloaded
	default:
		ce.Kind = KindUnknown
	}
	return ce
}

// Subprocess exit codes emitted by sandboxed CLI backends. Codes above the
// shell-reserved range signal resource pressure rather than bad input.
const (
	exitRateLimited = 75 // EX_TEMPFAIL
	exitAuthFailure = 77 // EX_NOPERM
)

// FromExit maps a subprocess exit code and stderr tail into the taxonomy.
func FromExit(code int, stderr string) *ClassifiedError {
	ce := &ClassifiedError{Message: firstNonEmpty(truncateMessage(stderr), fmt.Sprintf("exit code %d", code))}
	lower := strings.ToLower(stderr)
	switch {
	case code == exitRateLimited || strings.Contains(lower, "rate limit") || strings.Contains(lower, "quota exceeded"):
		ce.Kind = KindRateLimited
	case code == exitAuthFailure || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key") || strings.Contains(lower, "authentication"):
		ce.Kind = KindAuthFailure
	case strings.Contains(lower, "overloaded") || strings.Contains(lower, "capacity"):
		ce.Kind = KindOverloaded
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		ce.Kind = KindTimeout
	default:
		ce.Kind = KindUnknown
	}
	return ce
}

// Malformed flags a response whose payload could not be parsed into text.
func Malformed(detail string) *ClassifiedError {
	return &ClassifiedError{Kind: KindMalformed, Message: firstNonEmpty(detail, "unparseable response")}
}

// Timeout flags a locally enforced budget expiry.
func Timeout(detail string) *ClassifiedError {
	return &ClassifiedError{Kind: KindTimeout, Message: firstNonEmpty(detail, "invocation budget exhausted")}
}

func extractUpstreamMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
		return truncateMessage(msg)
	}
	return truncateMessage(string(body))
}

func truncateMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) > 200 {
		return msg[:200] + "..."
	}
	return msg
}

func firstNonEmpty(strs ...string) string {
	for _, s := range strs {
		if s != "" {
			return s
		}
	}
	return ""
}
