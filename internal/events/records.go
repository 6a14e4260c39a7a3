package events

import "time"

// InvocationRecord is the audit payload published on TopicInvocationCompleted
// for every terminal invocation result. Credential secrets never appear here,
// only the credential id.
type InvocationRecord struct {
	RecordID     string        `json:"record_id"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Role         string        `json:"role"`
	CredentialID string        `json:"credential_id,omitempty"`
	Attempt      int           `json:"attempt"`
	Success      bool          `json:"success"`
	FinishReason string        `json:"finish_reason"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	Duration     time.Duration `json:"duration_ms"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	CostEstimate float64       `json:"cost_estimate"`
	RateLimited  bool          `json:"rate_limited"`
}

// CredentialStateRecord is the audit payload published on TopicCredentialState
// whenever a credential changes lifecycle state.
type CredentialStateRecord struct {
	RecordID        string     `json:"record_id"`
	CredentialID    string     `json:"credential_id"`
	Family          string     `json:"family"`
	From            string     `json:"from"`
	To              string     `json:"to"`
	Reason          string     `json:"reason,omitempty"`
	QuarantineUntil *time.Time `json:"quarantine_until,omitempty"`
}
