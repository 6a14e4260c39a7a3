package credential

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// PersistedState captures the mutable fields worth surviving a restart.
// The secret reference is deliberately absent.
type PersistedState struct {
	State               State     `json:"state"`
	QuarantineUntil     time.Time `json:"quarantine_until,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureReason   string    `json:"last_failure_reason,omitempty"`
	TotalRequests       int64     `json:"total_requests"`
	SuccessCount        int64     `json:"success_count"`
}

// StateStore abstracts persistence of per-credential state across restarts.
type StateStore interface {
	Persist(ctx context.Context, credID string, state *PersistedState) error
	Restore(ctx context.Context, credID string) (*PersistedState, error)
	Delete(ctx context.Context, credID string) error
}

const stateFileSuffix = ".state.json"

// FileStateStore stores one JSON file per credential under Dir, written
// atomically via tmp+rename.
type FileStateStore struct{ Dir string }

func (f *FileStateStore) path(id string) string {
	if f == nil || f.Dir == "" || id == "" {
		return ""
	}
	return filepath.Join(f.Dir, id+stateFileSuffix)
}

func (f *FileStateStore) Persist(_ context.Context, credID string, state *PersistedState) error {
	if state == nil {
		return nil
	}
	p := f.path(credID)
	if p == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (f *FileStateStore) Restore(_ context.Context, credID string) (*PersistedState, error) {
	p := f.path(credID)
	if p == "" {
		return nil, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var st PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (f *FileStateStore) Delete(_ context.Context, credID string) error {
	p := f.path(credID)
	if p == "" {
		return nil
	}
	_ = os.Remove(p)
	return nil
}
