package provider

import (
	"context"
	"net/http"
	"time"

	"llmgate/internal/classify"
	"llmgate/internal/credential"
)

// Request is the adapter-level slice of an invocation: what to send, nothing
// about retries or budgets.
type Request struct {
	Prompt          string
	Model           string
	Role            string
	MaxOutputTokens int
}

// Finish reasons normalized across adapters.
const (
	FinishComplete  = "complete"
	FinishTruncated = "truncated"
)

// RawResponse is a successful adapter result with provider-specific framing
// already stripped.
type RawResponse struct {
	Text         string
	FinishReason string
	InputTokens  int64
	OutputTokens int64
}

// RawFailure carries the transport facts of a failed call. Adapters never
// return Go errors for upstream failures; everything funnels through this
// value so no exception-style control flow crosses into the invoker.
type RawFailure struct {
	Status   int
	Header   http.Header
	Body     []byte
	Err      error
	ExitCode int
	Stderr   string
	// Malformed is set when the transport succeeded but the payload could
	// not be parsed into text.
	Malformed string
}

// Classify maps the failure into the retry taxonomy.
func (f *RawFailure) Classify() *classify.ClassifiedError {
	switch {
	case f == nil:
		return nil
	case f.Malformed != "":
		return classify.Malformed(f.Malformed)
	case f.Err != nil:
		return classify.FromNetwork(f.Err)
	case f.Status > 0:
		return classify.FromHTTP(f.Status, f.Header, f.Body)
	default:
		return classify.FromExit(f.ExitCode, f.Stderr)
	}
}

// Adapter is the capability interface every transport implements. The set is
// closed: an HTTP adapter and a sandboxed interactive-process adapter,
// selected via the configured fallback chain.
type Adapter interface {
	// Name identifies the provider in the fallback chain and in audit records.
	Name() string
	// Family names the credential family this adapter draws from.
	Family() string
	// TimeoutCeiling is the per-call upper bound this adapter will honor.
	TimeoutCeiling() time.Duration
	// InvokeRaw performs one call with the given credential. Exactly one of
	// the return values is non-nil.
	InvokeRaw(ctx context.Context, cred *credential.Credential, req Request) (*RawResponse, *RawFailure)
}
