package backoff

import (
	"math"
	"math/rand"
	"time"

	"llmgate/internal/classify"
)

// Policy is a pure retry decision function. It holds tunables only; all
// state (attempt counters) lives with the caller.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay, e.g. 0.2 for ±20%

	// Rand overrides the jitter source in tests. Nil means math/rand.
	Rand func() float64
}

// Default mirrors the tuning we run in production: 1s base doubling to 30s
// with ±20% jitter.
func Default() Policy {
	return Policy{
		Base:   time.Second,
		Max:    30 * time.Second,
		Jitter: 0.2,
	}
}

// Decide returns whether attempt+1 should happen on the same provider and
// how long to wait first. attempt is 1-based (the attempt that just failed).
func (p Policy) Decide(attempt, maxAttempts int, ce *classify.ClassifiedError) (bool, time.Duration) {
	if ce == nil || !ce.Transient() {
		return false, 0
	}
	if maxAttempts > 0 && attempt >= maxAttempts {
		return false, 0
	}
	if ce.RetryAfter > 0 {
		return true, ce.RetryAfter
	}
	return true, p.delay(attempt)
}

func (p Policy) delay(attempt int) time.Duration {
	base := float64(p.Base)
	if base <= 0 {
		base = float64(time.Second)
	}
	max := float64(p.Max)
	if max <= 0 {
		max = float64(30 * time.Second)
	}
	dur := base * math.Pow(2, float64(attempt-1))
	if dur > max {
		dur = max
	}

	jitter := p.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 0 {
		rnd := rand.Float64
		if p.Rand != nil {
			rnd = p.Rand
		}
		// Spread across [1-jitter, 1+jitter] so concurrent callers desynchronize.
		dur *= 1 - jitter + 2*jitter*rnd()
	}
	return time.Duration(dur)
}
