package invoker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llmgate/internal/backoff"
	"llmgate/internal/classify"
	"llmgate/internal/credential"
	"llmgate/internal/events"
	"llmgate/internal/provider"
	"llmgate/internal/usage"
)

// stubAdapter replays a scripted sequence of responses/failures.
type stubAdapter struct {
	name    string
	family  string
	ceiling time.Duration

	calls     int
	credsSeen []string
	script    []stubCall
}

type stubCall struct {
	resp    *provider.RawResponse
	failure *provider.RawFailure
}

func (s *stubAdapter) Name() string   { return s.name }
func (s *stubAdapter) Family() string { return s.family }
func (s *stubAdapter) TimeoutCeiling() time.Duration {
	if s.ceiling > 0 {
		return s.ceiling
	}
	return time.Minute
}

func (s *stubAdapter) InvokeRaw(_ context.Context, cred *credential.Credential, _ provider.Request) (*provider.RawResponse, *provider.RawFailure) {
	s.credsSeen = append(s.credsSeen, cred.ID)
	idx := s.calls
	s.calls++
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	call := s.script[idx]
	return call.resp, call.failure
}

func ok(text string) stubCall {
	return stubCall{resp: &provider.RawResponse{Text: text, FinishReason: provider.FinishComplete, InputTokens: 10, OutputTokens: 20}}
}

func truncated(text string) stubCall {
	return stubCall{resp: &provider.RawResponse{Text: text, FinishReason: provider.FinishTruncated, OutputTokens: 5}}
}

func httpFailure(status int) stubCall {
	return stubCall{failure: &provider.RawFailure{Status: status}}
}

func newTestInvoker(pool *credential.Pool, chain ...ChainEntry) *Invoker {
	return New(Options{
		Chain:  chain,
		Pool:   pool,
		Policy: backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, Jitter: 0},
		Sleep:  func(context.Context, time.Duration) error { return nil },
	})
}

func newTestPool(creds ...*credential.Credential) *credential.Pool {
	p := credential.NewPool(credential.Options{})
	for _, c := range creds {
		p.Add(c)
	}
	return p
}

func TestInvokeSuccessFirstTry(t *testing.T) {
	adapter := &stubAdapter{name: "free", family: "free", script: []stubCall{ok("answer")}}
	pool := newTestPool(&credential.Credential{ID: "cred-1", Family: "free"})
	iv := newTestInvoker(pool, ChainEntry{Adapter: adapter, CostPerMInputTokens: 1, CostPerMOutputTokens: 2})

	res := iv.Invoke(context.Background(), Request{Prompt: "q", ModelID: "m", Role: "draft"})
	require.True(t, res.Success)
	require.Equal(t, FinishComplete, res.FinishReason)
	require.Equal(t, "answer", res.Text)
	require.Equal(t, "free", res.ProviderUsed)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, int64(10), res.InputTokens)
	require.Equal(t, int64(20), res.OutputTokens)
	require.InDelta(t, 10.0/1e6*1+20.0/1e6*2, res.CostEstimate, 1e-12)
}

func TestInvokeRetriesTransientThenSucceeds(t *testing.T) {
	adapter := &stubAdapter{name: "free", family: "free", script: []stubCall{
		httpFailure(500),
		ok("eventually"),
	}}
	pool := newTestPool(&credential.Credential{ID: "cred-1", Family: "free"})
	iv := newTestInvoker(pool, ChainEntry{Adapter: adapter})

	res := iv.Invoke(context.Background(), Request{Prompt: "q", ModelID: "m", MaxAttempts: 3})
	require.True(t, res.Success)
	require.Equal(t, 2, res.Attempts)
}

func TestInvokeAtMostMaxAttemptsThenFailover(t *testing.T) {
	primary := &stubAdapter{name: "free", family: "free", script: []stubCall{httpFailure(504)}}
	fallback := &stubAdapter{name: "metered", family: "metered", script: []stubCall{ok("from fallback")}}
	pool := newTestPool(
		&credential.Credential{ID: "cred-free", Family: "free"},
		&credential.Credential{ID: "cred-paid", Family: "metered"},
	)
	iv := newTestInvoker(pool, ChainEntry{Adapter: primary}, ChainEntry{Adapter: fallback})

	res := iv.Invoke(context.Background(), Request{Prompt: "q", ModelID: "m", MaxAttempts: 3})
	require.True(t, res.Success)
	require.Equal(t, "metered", res.ProviderUsed)
	require.Equal(t, 3, primary.calls, "persistently failing provider gets exactly MaxAttempts")
	require.Equal(t, 1, fallback.calls)
}

func TestInvokeAuthFailureFailsOverImmediately(t *testing.T) {
	primary := &stubAdapter{name: "free", family: "free", script: []stubCall{httpFailure(401)}}
	fallback := &stubAdapter{name: "metered", family: "metered", script: []stubCall{ok("fallback")}}
	pool := newTestPool(
		&credential.Credential{ID: "cred-free", Family: "free"},
		&credential.Credential{ID: "cred-paid", Family: "metered"},
	)
	iv := newTestInvoker(pool, ChainEntry{Adapter: primary}, ChainEntry{Adapter: fallback})

	res := iv.Invoke(context.Background(), Request{Prompt: "q", ModelID: "m", MaxAttempts: 5})
	require.True(t, res.Success)
	require.Equal(t, 1, primary.calls, "auth failures are never retried on the same credential")

	// The credential behind the 401 is permanently out.
	_, err := pool.Acquire("free")
	var exhausted *credential.PoolExhaustedError
	require.ErrorAs(t, err, &exhausted)
}

func TestInvokeRateLimitRotatesCredentials(t *testing.T) {
	adapter := &stubAdapter{name: "free", family: "free", script: []stubCall{
		httpFailure(429),
		ok("second credential wins"),
	}}
	pool := newTestPool(
		&credential.Credential{ID: "cred-1", Family: "free"},
		&credential.Credential{ID: "cred-2", Family: "free"},
	)
	iv := newTestInvoker(pool, ChainEntry{Adapter: adapter})

	res := iv.Invoke(context.Background(), Request{Prompt: "q", ModelID: "m", MaxAttempts: 3})
	require.True(t, res.Success)
	require.True(t, res.RateLimited)
	require.Len(t, adapter.credsSeen, 2)
	require.NotEqual(t, adapter.credsSeen[0], adapter.credsSeen[1])
	require.Equal(t, adapter.credsSeen[1], res.CredentialUsed)
}

func TestInvokeAllPoolsExhaustedCarriesEarliestReset(t *testing.T) {
	adapter := &stubAdapter{name: "free", family: "free", script: []stubCall{ok("unreachable")}}
	pool := newTestPool(&credential.Credential{ID: "cred-1", Family: "free"})

	// Drain the only credential into quarantine first.
	c, err := pool.Acquire("free")
	require.NoError(t, err)
	pool.Release(c, credential.RateLimited(30*time.Second))

	iv := newTestInvoker(pool, ChainEntry{Adapter: adapter})
	res := iv.Invoke(context.Background(), Request{Prompt: "q", ModelID: "m"})
	require.False(t, res.Success)
	require.Equal(t, FinishError, res.FinishReason)
	require.NotNil(t, res.Err)
	require.False(t, res.EarliestReset.IsZero())
	require.Zero(t, adapter.calls)
}

func TestInvokeTruncatedIsNotSuccess(t *testing.T) {
	adapter := &stubAdapter{name: "free", family: "free", script: []stubCall{truncated("partial out")}}
	pool := newTestPool(&credential.Credential{ID: "cred-1", Family: "free"})
	iv := newTestInvoker(pool, ChainEntry{Adapter: adapter})

	res := iv.Invoke(context.Background(), Request{Prompt: "q", ModelID: "m"})
	require.False(t, res.Success)
	require.Equal(t, FinishTruncated, res.FinishReason)
	require.Equal(t, "partial out", res.Text)
}

func TestInvokeBudgetAbortsAsTimeout(t *testing.T) {
	adapter := &stubAdapter{name: "free", family: "free", script: []stubCall{httpFailure(500)}}
	pool := newTestPool(&credential.Credential{ID: "cred-1", Family: "free"})
	iv := New(Options{
		Chain:  []ChainEntry{{Adapter: adapter}},
		Pool:   pool,
		Policy: backoff.Policy{Base: time.Hour, Max: time.Hour, Jitter: 0},
	})

	res := iv.Invoke(context.Background(), Request{Prompt: "q", ModelID: "m", TimeoutBudget: 50 * time.Millisecond, MaxAttempts: 5})
	require.False(t, res.Success)
	require.NotNil(t, res.Err)
	require.Equal(t, classify.KindTimeout, res.Err.Kind)
}

func TestInvokeOverloadedDoesNotPenalizeCredential(t *testing.T) {
	primary := &stubAdapter{name: "free", family: "free", script: []stubCall{
		httpFailure(503), httpFailure(503), httpFailure(503),
	}}
	fallback := &stubAdapter{name: "metered", family: "metered", script: []stubCall{ok("done")}}
	pool := newTestPool(
		&credential.Credential{ID: "cred-free", Family: "free"},
		&credential.Credential{ID: "cred-paid", Family: "metered"},
	)
	iv := newTestInvoker(pool, ChainEntry{Adapter: primary}, ChainEntry{Adapter: fallback})

	res := iv.Invoke(context.Background(), Request{Prompt: "q", ModelID: "m", MaxAttempts: 3})
	require.True(t, res.Success)

	// The overloaded provider's credential stays Active.
	c, err := pool.Acquire("free")
	require.NoError(t, err)
	require.Equal(t, credential.StateActive, c.State)
	require.Zero(t, c.ConsecutiveFailures)
}

func TestInvokeCooldownSkipsProviderWhileAlternativesRemain(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	primary := &stubAdapter{name: "free", family: "free", script: []stubCall{httpFailure(503), ok("late")}}
	fallback := &stubAdapter{name: "metered", family: "metered", script: []stubCall{ok("covered")}}
	pool := newTestPool(
		&credential.Credential{ID: "cred-free", Family: "free"},
		&credential.Credential{ID: "cred-paid", Family: "metered"},
	)
	iv := New(Options{
		Chain:  []ChainEntry{{Adapter: primary}, {Adapter: fallback}},
		Pool:   pool,
		Policy: backoff.Policy{Base: time.Millisecond, Jitter: 0},
		Sleep:  func(context.Context, time.Duration) error { return nil },
		Now:    func() time.Time { return now },
	})

	// First call overloads the primary once, then fails over.
	res := iv.Invoke(context.Background(), Request{Prompt: "q", ModelID: "m", MaxAttempts: 1})
	require.True(t, res.Success)
	require.Equal(t, "metered", res.ProviderUsed)

	// Second call skips the cooled-down primary entirely.
	res = iv.Invoke(context.Background(), Request{Prompt: "q", ModelID: "m", MaxAttempts: 1})
	require.True(t, res.Success)
	require.Equal(t, "metered", res.ProviderUsed)
	require.Equal(t, 1, primary.calls)

	// After the cooldown elapses the primary is back in rotation.
	now = now.Add(time.Minute)
	res = iv.Invoke(context.Background(), Request{Prompt: "q", ModelID: "m", MaxAttempts: 1})
	require.True(t, res.Success)
	require.Equal(t, "free", res.ProviderUsed)
}

func TestInvokePublishesAuditRecord(t *testing.T) {
	hub := events.NewHub()
	var records []events.InvocationRecord
	hub.Subscribe(events.TopicInvocationCompleted, func(_ context.Context, e events.Event) {
		records = append(records, e.Payload.(events.InvocationRecord))
	})

	adapter := &stubAdapter{name: "free", family: "free", script: []stubCall{ok("answer")}}
	pool := newTestPool(&credential.Credential{ID: "cred-1", Family: "free"})
	tracker := usage.NewTracker()
	iv := New(Options{
		Chain:     []ChainEntry{{Adapter: adapter}},
		Pool:      pool,
		Policy:    backoff.Default(),
		Publisher: hub,
		Usage:     tracker,
	})

	res := iv.Invoke(context.Background(), Request{Prompt: "q", ModelID: "m", Role: "review"})
	require.True(t, res.Success)
	require.Len(t, records, 1)
	require.NotEmpty(t, records[0].RecordID)
	require.Equal(t, "free", records[0].Provider)
	require.Equal(t, "review", records[0].Role)
	require.Equal(t, "cred-1", records[0].CredentialID)
	require.Equal(t, "complete", records[0].FinishReason)
	require.Equal(t, "cred-1", res.CredentialUsed)

	snap := tracker.Snapshot()
	require.Equal(t, int64(1), snap.Providers["free"].Requests)
	require.Equal(t, int64(1), snap.Credentials["cred-1"].Requests)
	require.Equal(t, int64(20), snap.Credentials["cred-1"].OutputTokens)
}

func TestInvokeNeverPanicsOnEmptyChain(t *testing.T) {
	iv := newTestInvoker(newTestPool())
	res := iv.Invoke(context.Background(), Request{Prompt: "q", ModelID: "m"})
	require.False(t, res.Success)
	require.NotNil(t, res.Err)
}
