package invoker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"llmgate/internal/backoff"
	"llmgate/internal/classify"
	"llmgate/internal/credential"
	"llmgate/internal/events"
	"llmgate/internal/logging"
	"llmgate/internal/monitoring"
	"llmgate/internal/provider"
	"llmgate/internal/usage"
)

// Request is one caller-facing invocation. Immutable; consumed and discarded.
type Request struct {
	Prompt          string
	ModelID         string
	Role            string
	TimeoutBudget   time.Duration
	MaxAttempts     int
	MaxOutputTokens int
}

// FinishReason mirrors the normalized adapter finish reasons plus "error".
type FinishReason string

const (
	FinishComplete  FinishReason = "complete"
	FinishTruncated FinishReason = "truncated"
	FinishError     FinishReason = "error"
)

// Result is the sole channel leaving the core. Failure never propagates as a
// panic or a bare error; terminal states always produce one of these.
type Result struct {
	Success      bool
	Text         string
	ProviderUsed string
	// CredentialUsed is the id of the last credential tried, carried into
	// the audit record and usage counters. Never the secret.
	CredentialUsed string
	ModelUsed      string
	DurationMS     int64
	InputTokens    int64
	OutputTokens   int64
	CostEstimate   float64
	RateLimited    bool
	FinishReason   FinishReason
	Attempts       int

	// Err carries the last classified error for failed results.
	Err *classify.ClassifiedError
	// EarliestReset is populated when the failure involved exhausted
	// credential pools and a reset time was derivable, letting callers
	// pause/resume instead of busy-waiting.
	EarliestReset time.Time
}

// ChainEntry pairs an adapter with its cost rates. Chain order is the
// failover order: cheap or free providers first, metered last.
type ChainEntry struct {
	Adapter provider.Adapter
	// Cost per million tokens, matching how providers publish pricing.
	CostPerMInputTokens  float64
	CostPerMOutputTokens float64
}

// Options wire the invoker's collaborators.
type Options struct {
	Chain  []ChainEntry
	Pool   *credential.Pool
	Policy backoff.Policy
	// MaxAttempts is the per-provider default when the request leaves it zero.
	MaxAttempts int
	// OverloadCooldown parks a provider after a backend-overload signal so
	// subsequent invocations prefer the rest of the chain. Provider-wide,
	// never credential-specific.
	OverloadCooldown time.Duration
	Publisher        events.Publisher
	Usage            *usage.Tracker
	Now              func() time.Time
	Sleep            func(ctx context.Context, d time.Duration) error
}

const (
	defaultMaxAttempts      = 3
	defaultOverloadCooldown = 15 * time.Second
)

// Invoker composes the pool, the adapters, the classifier and the backoff
// policy into the public Invoke entry point.
type Invoker struct {
	chain            []ChainEntry
	pool             *credential.Pool
	policy           backoff.Policy
	maxAttempts      int
	overloadCooldown time.Duration
	publisher        events.Publisher
	usage            *usage.Tracker
	now              func() time.Time
	sleep            func(ctx context.Context, d time.Duration) error

	cooldownMu sync.Mutex
	cooldown   map[string]time.Time
}

// New builds an invoker. The chain must not be empty.
func New(opts Options) *Invoker {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	cooldown := opts.OverloadCooldown
	if cooldown <= 0 {
		cooldown = defaultOverloadCooldown
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Invoker{
		chain:            opts.Chain,
		pool:             opts.Pool,
		policy:           opts.Policy,
		maxAttempts:      maxAttempts,
		overloadCooldown: cooldown,
		publisher:        opts.Publisher,
		usage:            opts.Usage,
		now:              now,
		sleep:            sleep,
		cooldown:         make(map[string]time.Time),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Invoke runs the Selecting→Invoking→Evaluating machine across the fallback
// chain until a terminal state. Retries and failovers are strictly
// sequential; a single request never holds two credentials at once.
func (iv *Invoker) Invoke(ctx context.Context, req Request) Result {
	start := iv.now()
	if req.TimeoutBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.TimeoutBudget)
		defer cancel()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = iv.maxAttempts
	}

	res := Result{ModelUsed: req.ModelID, FinishReason: FinishError}
	var lastErr *classify.ClassifiedError
	var earliestReset time.Time

	for i, entry := range iv.chain {
		name := entry.Adapter.Name()
		if iv.isCooledDown(name) && i+1 < len(iv.chain) {
			log.WithField("provider", name).Debug("provider cooled down, failing over")
			monitoring.FailoversTotal.WithLabelValues(name, iv.chain[i+1].Adapter.Name()).Inc()
			continue
		}

		outcome := iv.tryProvider(ctx, entry, req, maxAttempts, &res)
		switch outcome.kind {
		case providerSucceeded:
			res.ProviderUsed = name
			return iv.finish(ctx, start, req, res)
		case providerTimedOut:
			res.ProviderUsed = name
			res.Err = outcome.err
			return iv.finish(ctx, start, req, res)
		case providerExhausted:
			if outcome.err != nil {
				lastErr = outcome.err
			}
			if !outcome.earliestReset.IsZero() &&
				(earliestReset.IsZero() || outcome.earliestReset.Before(earliestReset)) {
				earliestReset = outcome.earliestReset
			}
			if i+1 < len(iv.chain) {
				monitoring.FailoversTotal.WithLabelValues(name, iv.chain[i+1].Adapter.Name()).Inc()
			}
		}
	}

	if lastErr == nil {
		lastErr = &classify.ClassifiedError{
			Kind:    classify.KindRateLimited,
			Message: "all credential pools exhausted",
		}
		res.RateLimited = true
	}
	res.Err = lastErr
	res.EarliestReset = earliestReset
	return iv.finish(ctx, start, req, res)
}

type providerOutcomeKind int

const (
	providerSucceeded providerOutcomeKind = iota
	providerExhausted
	providerTimedOut
)

type providerOutcome struct {
	kind          providerOutcomeKind
	err           *classify.ClassifiedError
	earliestReset time.Time
}

// tryProvider drives Selecting→Invoking→Evaluating→Retrying for one provider
// until success, exhaustion of attempts/credentials, or budget expiry.
func (iv *Invoker) tryProvider(ctx context.Context, entry ChainEntry, req Request, maxAttempts int, res *Result) providerOutcome {
	adapter := entry.Adapter
	var lastErr *classify.ClassifiedError

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return providerOutcome{kind: providerTimedOut, err: classify.Timeout("")}
		}

		// Selecting: one credential, atomically checked out.
		cred, err := iv.pool.Acquire(adapter.Family())
		if err != nil {
			if pe, ok := err.(*credential.PoolExhaustedError); ok {
				return providerOutcome{kind: providerExhausted, err: lastErr, earliestReset: pe.EarliestReset}
			}
			return providerOutcome{kind: providerExhausted, err: lastErr}
		}

		// Invoking: the adapter enforces min(ceiling, remaining budget)
		// through the deadline already attached to ctx.
		res.Attempts++
		res.CredentialUsed = cred.ID
		resp, failure := adapter.InvokeRaw(ctx, cred, provider.Request{
			Prompt:          req.Prompt,
			Model:           req.ModelID,
			Role:            req.Role,
			MaxOutputTokens: req.MaxOutputTokens,
		})

		// Evaluating.
		if failure == nil {
			iv.pool.Release(cred, credential.Success())
			res.Text = resp.Text
			res.InputTokens += resp.InputTokens
			res.OutputTokens += resp.OutputTokens
			res.CostEstimate += costFor(entry, resp.InputTokens, resp.OutputTokens)
			if resp.FinishReason == provider.FinishTruncated {
				res.FinishReason = FinishTruncated
			} else {
				res.FinishReason = FinishComplete
				res.Success = true
			}
			return providerOutcome{kind: providerSucceeded}
		}

		ce := failure.Classify()
		lastErr = ce
		iv.releaseFor(adapter, cred, ce)
		logging.WithInvocation(adapter.Name(), req.ModelID, cred.ID, attempt, log.Fields{
			"kind": string(ce.Kind),
		}).Warn("invocation attempt failed")

		if ce.Kind == classify.KindAuthFailure {
			// Never retried on this credential; fail over immediately so the
			// pipeline is not blocked behind a dead identity.
			return providerOutcome{kind: providerExhausted, err: ce}
		}
		if ce.Kind == classify.KindRateLimited {
			res.RateLimited = true
		}

		retry, delay := iv.policy.Decide(attempt, maxAttempts, ce)
		if !retry {
			return providerOutcome{kind: providerExhausted, err: ce}
		}
		monitoring.RetriesTotal.WithLabelValues(adapter.Name(), string(ce.Kind)).Inc()
		if err := iv.sleep(ctx, delay); err != nil {
			return providerOutcome{kind: providerTimedOut, err: classify.Timeout("")}
		}
	}
	return providerOutcome{kind: providerExhausted, err: lastErr}
}

// releaseFor maps the classified error onto the credential's release outcome.
func (iv *Invoker) releaseFor(adapter provider.Adapter, cred *credential.Credential, ce *classify.ClassifiedError) {
	switch ce.Kind {
	case classify.KindRateLimited:
		iv.pool.Release(cred, credential.RateLimited(ce.RetryAfter))
	case classify.KindOverloaded:
		// Backend-wide: cool the provider down, leave the credential alone.
		iv.pool.Release(cred, credential.Overloaded())
		iv.setCooldown(adapter.Name(), ce.RetryAfter)
	case classify.KindAuthFailure:
		iv.pool.Release(cred, credential.AuthFailure(ce.Message))
	default:
		iv.pool.Release(cred, credential.Transient(string(ce.Kind)))
	}
}

func (iv *Invoker) setCooldown(name string, hint time.Duration) {
	d := iv.overloadCooldown
	if hint > 0 {
		d = hint
	}
	iv.cooldownMu.Lock()
	iv.cooldown[name] = iv.now().Add(d)
	iv.cooldownMu.Unlock()
}

func (iv *Invoker) isCooledDown(name string) bool {
	iv.cooldownMu.Lock()
	defer iv.cooldownMu.Unlock()
	until, ok := iv.cooldown[name]
	if !ok {
		return false
	}
	if iv.now().Before(until) {
		return true
	}
	delete(iv.cooldown, name)
	return false
}

// finish stamps duration, emits the audit record, and updates counters.
// Every terminal path funnels through here.
func (iv *Invoker) finish(ctx context.Context, start time.Time, req Request, res Result) Result {
	res.DurationMS = logging.DurationMS(iv.now().Sub(start))

	outcome := "failed"
	if res.Success {
		outcome = "succeeded"
	} else if res.FinishReason == FinishTruncated {
		outcome = "truncated"
	}
	monitoring.InvocationsTotal.WithLabelValues(res.ProviderUsed, outcome).Inc()
	if res.ProviderUsed != "" {
		monitoring.InvocationDuration.WithLabelValues(res.ProviderUsed).
			Observe(float64(res.DurationMS) / 1000)
		monitoring.TokensTotal.WithLabelValues(res.ProviderUsed, "input").Add(float64(res.InputTokens))
		monitoring.TokensTotal.WithLabelValues(res.ProviderUsed, "output").Add(float64(res.OutputTokens))
	}

	if iv.usage != nil {
		iv.usage.Record(usage.Record{
			Provider:     res.ProviderUsed,
			CredentialID: res.CredentialUsed,
			Model:        res.ModelUsed,
			Success:      res.Success,
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			Cost:         res.CostEstimate,
			Duration:     time.Duration(res.DurationMS) * time.Millisecond,
			Timestamp:    iv.now(),
		})
	}

	if iv.publisher != nil {
		rec := events.InvocationRecord{
			RecordID:     uuid.NewString(),
			Provider:     res.ProviderUsed,
			Model:        res.ModelUsed,
			Role:         req.Role,
			CredentialID: res.CredentialUsed,
			Attempt:      res.Attempts,
			Success:      res.Success,
			FinishReason: string(res.FinishReason),
			Duration:     time.Duration(res.DurationMS) * time.Millisecond,
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			CostEstimate: res.CostEstimate,
			RateLimited:  res.RateLimited,
		}
		if res.Err != nil {
			rec.ErrorKind = string(res.Err.Kind)
		}
		iv.publisher.Publish(ctx, events.TopicInvocationCompleted, rec, nil)
	}
	return res
}

func costFor(entry ChainEntry, inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1e6*entry.CostPerMInputTokens +
		float64(outputTokens)/1e6*entry.CostPerMOutputTokens
}
