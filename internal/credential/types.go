package credential

import "time"

// State is the lifecycle state of a credential inside the pool.
type State string

const (
	// StateActive credentials are selectable.
	StateActive State = "active"
	// StateQuarantined credentials are parked until QuarantineUntil and then
	// lazily promoted back to Active on the next Acquire.
	StateQuarantined State = "quarantined"
	// StateExhausted is terminal until external reconfiguration (auth churn:
	// revoked keys, expired refresh tokens).
	StateExhausted State = "exhausted"
)

// Credential is one usable identity against a provider family. The pool owns
// every instance exclusively; runtime fields are mutated only under the pool
// lock via Acquire/Release. SecretRef is an opaque reference resolved by the
// adapter at call time and must never be logged or serialized.
type Credential struct {
	ID        string
	Family    string
	SecretRef string `json:"-"`

	State               State
	QuarantineUntil     time.Time
	ConsecutiveFailures int
	LastFailureReason   string
	LastUsed            time.Time
	TotalRequests       int64
	SuccessCount        int64

	// inFlight marks a credential checked out by Acquire and not yet
	// returned by Release.
	inFlight bool
}

// View is a read-only copy of a credential's runtime state for diagnostics.
// It intentionally omits SecretRef.
type View struct {
	ID                  string    `json:"id"`
	Family              string    `json:"family"`
	State               State     `json:"state"`
	QuarantineUntil     time.Time `json:"quarantine_until,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureReason   string    `json:"last_failure_reason,omitempty"`
	TotalRequests       int64     `json:"total_requests"`
	SuccessCount        int64     `json:"success_count"`
	InFlight            bool      `json:"in_flight"`
}

func (c *Credential) view() View {
	return View{
		ID:                  c.ID,
		Family:              c.Family,
		State:               c.State,
		QuarantineUntil:     c.QuarantineUntil,
		ConsecutiveFailures: c.ConsecutiveFailures,
		LastFailureReason:   c.LastFailureReason,
		TotalRequests:       c.TotalRequests,
		SuccessCount:        c.SuccessCount,
		InFlight:            c.inFlight,
	}
}

// OutcomeKind enumerates how an invocation on a credential ended.
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeRateLimited OutcomeKind = "rate_limited"
	OutcomeOverloaded  OutcomeKind = "overloaded"
	OutcomeAuthFailure OutcomeKind = "auth_failure"
	OutcomeTransient   OutcomeKind = "transient"
)

// Outcome is handed to Release and drives the credential's state transition.
type Outcome struct {
	Kind    OutcomeKind
	Backoff time.Duration // quarantine duration for OutcomeRateLimited; 0 means pool default
	Reason  string
}

// Success resets the failure counters and returns the credential to Active.
func Success() Outcome { return Outcome{Kind: OutcomeSuccess} }

// RateLimited quarantines the credential for the given backoff.
func RateLimited(backoff time.Duration) Outcome {
	return Outcome{Kind: OutcomeRateLimited, Backoff: backoff, Reason: "rate_limited"}
}

// Overloaded records the attempt without penalizing the credential; backend
// overload is a provider-wide condition, not a credential-specific one.
func Overloaded() Outcome { return Outcome{Kind: OutcomeOverloaded, Reason: "overloaded"} }

// AuthFailure permanently exhausts the credential.
func AuthFailure(reason string) Outcome {
	return Outcome{Kind: OutcomeAuthFailure, Reason: reason}
}

// Transient increments the consecutive-failure counter; crossing the pool
// threshold converts into a protective quarantine.
func Transient(reason string) Outcome {
	return Outcome{Kind: OutcomeTransient, Reason: reason}
}
