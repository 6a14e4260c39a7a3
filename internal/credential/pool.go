package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"llmgate/internal/events"
	"llmgate/internal/monitoring"
)

// PoolExhaustedError is the ordinary (non-panicking) result of Acquire when
// no credential in the family is usable. EarliestReset is the minimum
// quarantine expiry across quarantined entries, zero when every credential is
// permanently exhausted or checked out.
type PoolExhaustedError struct {
	Family        string
	EarliestReset time.Time
}

func (e *PoolExhaustedError) Error() string {
	if e.EarliestReset.IsZero() {
		return fmt.Sprintf("credential pool exhausted for family %q", e.Family)
	}
	return fmt.Sprintf("credential pool exhausted for family %q until %s", e.Family, e.EarliestReset.Format(time.RFC3339))
}

// Options configure pool behavior.
type Options struct {
	// FailureThreshold is the number of consecutive transient failures after
	// which a credential is quarantined protectively. <=0 uses the default.
	FailureThreshold int
	// DefaultQuarantine applies when a rate-limit signal carries no
	// retry-after hint and for threshold-crossed transient failures.
	DefaultQuarantine time.Duration
	// StateStore persists state transitions across restarts. Optional.
	StateStore StateStore
	// Publisher receives credential.state audit records. Optional.
	Publisher events.Publisher
	// Now overrides the clock in tests.
	Now func() time.Time
}

const (
	defaultFailureThreshold = 3
	defaultQuarantinePeriod = 60 * time.Second
)

// Pool owns all credentials, keyed by provider family. Acquire and Release
// are atomic with respect to each other; the lock is held only across the
// state transition, never across a provider call.
type Pool struct {
	mu       sync.Mutex
	families map[string][]*Credential

	failureThreshold  int
	defaultQuarantine time.Duration
	store             StateStore
	publisher         events.Publisher
	now               func() time.Time
}

// NewPool creates an empty pool.
func NewPool(opts Options) *Pool {
	threshold := opts.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	quarantine := opts.DefaultQuarantine
	if quarantine <= 0 {
		quarantine = defaultQuarantinePeriod
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pool{
		families:          make(map[string][]*Credential),
		failureThreshold:  threshold,
		defaultQuarantine: quarantine,
		store:             opts.StateStore,
		publisher:         opts.Publisher,
		now:               now,
	}
}

// Add registers a credential at startup. Credentials are never removed during
// the process lifetime; Exhausted is terminal until reconfiguration.
func (p *Pool) Add(cred *Credential) {
	if cred == nil || cred.ID == "" || cred.Family == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.families[cred.Family] {
		if existing.ID == cred.ID {
			log.Warnf("duplicate credential id %s in family %s, skipping", cred.ID, cred.Family)
			return
		}
	}
	if cred.State == "" {
		cred.State = StateActive
	}
	p.families[cred.Family] = append(p.families[cred.Family], cred)
	p.updateActiveGaugeLocked(cred.Family)
}

// RestoreStates loads persisted quarantine/exhaustion state for every
// registered credential. Missing state is not an error.
func (p *Pool) RestoreStates(ctx context.Context) {
	if p.store == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for family, creds := range p.families {
		for _, cred := range creds {
			st, err := p.store.Restore(ctx, cred.ID)
			if err != nil || st == nil {
				continue
			}
			cred.State = st.State
			cred.QuarantineUntil = st.QuarantineUntil
			cred.ConsecutiveFailures = st.ConsecutiveFailures
			cred.LastFailureReason = st.LastFailureReason
			cred.TotalRequests = st.TotalRequests
			cred.SuccessCount = st.SuccessCount
		}
		p.updateActiveGaugeLocked(family)
	}
}

// transition is a state change collected under the pool lock and flushed
// after it is released. Event delivery is synchronous and persistence may be
// a network call; neither may run while the mutex is held.
type transition struct {
	record *events.CredentialStateRecord
	credID string
	state  *PersistedState
}

// Acquire returns a credential for the family, atomically removing it from
// the selectable set until Release. Quarantined credentials whose expiry has
// elapsed are promoted first; there is no background timer.
func (p *Pool) Acquire(family string) (*Credential, error) {
	cred, pending, err := p.acquireLocked(family)
	p.flush(pending)
	return cred, err
}

func (p *Pool) acquireLocked(family string) (*Credential, []transition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	creds := p.families[family]
	if len(creds) == 0 {
		monitoring.PoolExhaustedTotal.WithLabelValues(family).Inc()
		return nil, nil, &PoolExhaustedError{Family: family}
	}

	pending := p.promoteExpiredLocked(family, creds, now)

	var best *Credential
	for _, cred := range creds {
		if cred.State != StateActive || cred.inFlight {
			continue
		}
		if best == nil || lessRecentlyUsed(cred, best) {
			best = cred
		}
	}
	if best != nil {
		best.inFlight = true
		best.LastUsed = now
		return best, pending, nil
	}

	earliest := time.Time{}
	for _, cred := range creds {
		if cred.State != StateQuarantined {
			continue
		}
		if earliest.IsZero() || cred.QuarantineUntil.Before(earliest) {
			earliest = cred.QuarantineUntil
		}
	}
	monitoring.PoolExhaustedTotal.WithLabelValues(family).Inc()
	return nil, pending, &PoolExhaustedError{Family: family, EarliestReset: earliest}
}

// lessRecentlyUsed orders Active candidates: least recently used first,
// ties broken by the lower consecutive-failure count, then by id for
// determinism.
func lessRecentlyUsed(a, b *Credential) bool {
	if !a.LastUsed.Equal(b.LastUsed) {
		return a.LastUsed.Before(b.LastUsed)
	}
	if a.ConsecutiveFailures != b.ConsecutiveFailures {
		return a.ConsecutiveFailures < b.ConsecutiveFailures
	}
	return a.ID < b.ID
}

func (p *Pool) promoteExpiredLocked(family string, creds []*Credential, now time.Time) []transition {
	var pending []transition
	for _, cred := range creds {
		if cred.State != StateQuarantined || cred.QuarantineUntil.After(now) {
			continue
		}
		cred.State = StateActive
		cred.QuarantineUntil = time.Time{}
		log.WithFields(log.Fields{"credential_id": cred.ID, "family": family}).
			Info("credential promoted from quarantine")
		pending = append(pending, transition{
			record: p.stateRecordLocked(cred, StateQuarantined, StateActive, "quarantine_elapsed"),
			credID: cred.ID,
			state:  p.stateSnapshotLocked(cred),
		})
	}
	if len(pending) > 0 {
		p.updateActiveGaugeLocked(family)
	}
	return pending
}

// Release returns a checked-out credential and applies its outcome. The lock
// covers the state transition only; the audit event and the state store write
// happen after it is released.
func (p *Pool) Release(cred *Credential, outcome Outcome) {
	if cred == nil {
		return
	}
	p.mu.Lock()

	cred.inFlight = false
	cred.TotalRequests++
	prev := cred.State

	switch outcome.Kind {
	case OutcomeSuccess:
		cred.SuccessCount++
		cred.ConsecutiveFailures = 0
		cred.LastFailureReason = ""
		if cred.State == StateQuarantined {
			cred.State = StateActive
			cred.QuarantineUntil = time.Time{}
		}

	case OutcomeRateLimited:
		backoff := outcome.Backoff
		if backoff <= 0 {
			backoff = p.defaultQuarantine
		}
		p.quarantineLocked(cred, backoff, outcome.Reason)

	case OutcomeOverloaded:
		// Backend-wide condition: the provider gets cooled down at the
		// invoker level, the credential stays Active with counters untouched.
		cred.LastFailureReason = outcome.Reason

	case OutcomeAuthFailure:
		cred.State = StateExhausted
		cred.QuarantineUntil = time.Time{}
		cred.LastFailureReason = outcome.Reason
		monitoring.CredentialExhaustionsTotal.WithLabelValues(cred.Family).Inc()
		log.WithFields(log.Fields{"credential_id": cred.ID, "family": cred.Family, "reason": outcome.Reason}).
			Warn("credential exhausted after auth failure")

	case OutcomeTransient:
		cred.ConsecutiveFailures++
		cred.LastFailureReason = outcome.Reason
		if cred.ConsecutiveFailures >= p.failureThreshold {
			p.quarantineLocked(cred, p.defaultQuarantine, "failure_threshold")
		}
	}

	tr := transition{credID: cred.ID, state: p.stateSnapshotLocked(cred)}
	if cred.State != prev {
		tr.record = p.stateRecordLocked(cred, prev, cred.State, outcome.Reason)
		p.updateActiveGaugeLocked(cred.Family)
	}
	p.mu.Unlock()

	p.flush([]transition{tr})
}

// quarantineLocked moves the credential into quarantine with an expiry
// strictly in the future.
func (p *Pool) quarantineLocked(cred *Credential, backoff time.Duration, reason string) {
	if backoff <= 0 {
		backoff = p.defaultQuarantine
	}
	cred.State = StateQuarantined
	cred.QuarantineUntil = p.now().Add(backoff)
	cred.LastFailureReason = reason
	monitoring.CredentialQuarantinesTotal.WithLabelValues(cred.Family, reason).Inc()
	log.WithFields(log.Fields{
		"credential_id": cred.ID,
		"family":        cred.Family,
		"until":         cred.QuarantineUntil.Format(time.RFC3339),
		"reason":        reason,
	}).Info("credential quarantined")
}

// Snapshot returns a secrets-free copy of every credential's runtime state.
func (p *Pool) Snapshot() []View {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]View, 0)
	for _, creds := range p.families {
		for _, cred := range creds {
			out = append(out, cred.view())
		}
	}
	return out
}

// Families returns the registered family names.
func (p *Pool) Families() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.families))
	for f := range p.families {
		out = append(out, f)
	}
	return out
}

func (p *Pool) stateRecordLocked(cred *Credential, from, to State, reason string) *events.CredentialStateRecord {
	if p.publisher == nil {
		return nil
	}
	rec := &events.CredentialStateRecord{
		RecordID:     uuid.NewString(),
		CredentialID: cred.ID,
		Family:       cred.Family,
		From:         string(from),
		To:           string(to),
		Reason:       reason,
	}
	if to == StateQuarantined {
		until := cred.QuarantineUntil
		rec.QuarantineUntil = &until
	}
	return rec
}

func (p *Pool) stateSnapshotLocked(cred *Credential) *PersistedState {
	if p.store == nil {
		return nil
	}
	return &PersistedState{
		State:               cred.State,
		QuarantineUntil:     cred.QuarantineUntil,
		ConsecutiveFailures: cred.ConsecutiveFailures,
		LastFailureReason:   cred.LastFailureReason,
		TotalRequests:       cred.TotalRequests,
		SuccessCount:        cred.SuccessCount,
	}
}

// flush delivers collected transitions once the mutex is free. Subscribers
// may call back into the pool, and the state store may be remote.
func (p *Pool) flush(transitions []transition) {
	for _, tr := range transitions {
		if tr.record != nil {
			p.publisher.Publish(context.Background(), events.TopicCredentialState, *tr.record, nil)
		}
		if tr.state != nil {
			if err := p.store.Persist(context.Background(), tr.credID, tr.state); err != nil {
				log.WithError(err).WithField("credential_id", tr.credID).Warn("persist credential state failed")
			}
		}
	}
}

func (p *Pool) updateActiveGaugeLocked(family string) {
	active := 0
	for _, cred := range p.families[family] {
		if cred.State == StateActive {
			active++
		}
	}
	monitoring.PoolActiveCredentials.WithLabelValues(family).Set(float64(active))
}
