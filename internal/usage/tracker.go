package usage

import (
	"sync"
	"time"
)

// Record is one terminal invocation's resource footprint.
type Record struct {
	Provider     string
	CredentialID string
	Model        string
	Success      bool
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	Duration     time.Duration
	Timestamp    time.Time
}

// Counters aggregates raw per-call counters.
type Counters struct {
	Requests     int64   `json:"requests"`
	Success      int64   `json:"success"`
	Failure      int64   `json:"failure"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

func (c *Counters) apply(rec Record) {
	c.Requests++
	if rec.Success {
		c.Success++
	} else {
		c.Failure++
	}
	c.InputTokens += rec.InputTokens
	c.OutputTokens += rec.OutputTokens
	c.Cost += rec.Cost
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Total       Counters            `json:"total"`
	Providers   map[string]Counters `json:"providers"`
	Credentials map[string]Counters `json:"credentials"`
}

// Tracker aggregates token/cost counters per provider and credential. It
// deliberately keeps only raw counters; long-term cost analytics live with
// the consuming pipeline.
type Tracker struct {
	mu          sync.Mutex
	total       Counters
	providers   map[string]*Counters
	credentials map[string]*Counters
}

func NewTracker() *Tracker {
	return &Tracker{
		providers:   make(map[string]*Counters),
		credentials: make(map[string]*Counters),
	}
}

// Record folds one invocation into the aggregates.
func (t *Tracker) Record(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.apply(rec)
	if rec.Provider != "" {
		c, ok := t.providers[rec.Provider]
		if !ok {
			c = &Counters{}
			t.providers[rec.Provider] = c
		}
		c.apply(rec)
	}
	if rec.CredentialID != "" {
		c, ok := t.credentials[rec.CredentialID]
		if !ok {
			c = &Counters{}
			t.credentials[rec.CredentialID] = c
		}
		c.apply(rec)
	}
}

// Snapshot returns a deep copy safe for serialization.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Snapshot{
		Total:       t.total,
		Providers:   make(map[string]Counters, len(t.providers)),
		Credentials: make(map[string]Counters, len(t.credentials)),
	}
	for k, v := range t.providers {
		out.Providers[k] = *v
	}
	for k, v := range t.credentials {
		out.Credentials[k] = *v
	}
	return out
}
