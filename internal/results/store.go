package results

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/driftlab/driftwatch/internal/api"
)

// Store persists drift reports so verdicts survive restarts and repeated
// submissions of the same epoch are answered idempotently.
type Store interface {
	// Get retrieves a stored report by report_id. Returns nil if not found.
	Get(ctx context.Context, reportID string) (*api.DriftReport, error)

	// Set stores a report with TTL. First write wins.
	Set(ctx context.Context, reportID string, report *api.DriftReport, ttl time.Duration) error

	// List returns the ids of all live reports.
	List(ctx context.Context) ([]string, error)

	// Close releases resources.
	Close() error
}

// MemoryStore is an in-memory report store with optional file snapshot.
type MemoryStore struct {
	mu       sync.RWMutex
	store    map[string]*entry
	snapshot string // optional file path for persistence
}

type entry struct {
	Report    *api.DriftReport
	ExpiresAt time.Time
}

// NewMemoryStore creates an in-memory report store. If snapshotPath is
// non-empty, existing entries are loaded from it and the store persists
// back on writes and Close.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	ms := &MemoryStore{
		store:    make(map[string]*entry),
		snapshot: snapshotPath,
	}
	if snapshotPath != "" {
		ms.loadSnapshot()
	}
	return ms
}

func (m *MemoryStore) Get(ctx context.Context, reportID string) (*api.DriftReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.store[reportID]
	if !ok {
		return nil, nil
	}
	if time.Now().After(e.ExpiresAt) {
		return nil, nil // expired
	}
	return e.Report, nil
}

func (m *MemoryStore) Set(ctx context.Context, reportID string, report *api.DriftReport, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// First write wins
	if e, exists := m.store[reportID]; exists {
		if time.Now().Before(e.ExpiresAt) {
			return nil
		}
	}

	m.store[reportID] = &entry{
		Report:    report,
		ExpiresAt: time.Now().Add(ttl),
	}

	if m.snapshot != "" {
		go m.saveSnapshot() // async to avoid blocking
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	ids := make([]string, 0, len(m.store))
	for id, e := range m.store {
		if now.Before(e.ExpiresAt) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var snapshot map[string]*entry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	// Only load non-expired entries
	now := time.Now()
	for k, v := range snapshot {
		if now.Before(v.ExpiresAt) {
			m.store[k] = v
		}
	}
	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Only persist non-expired entries
	now := time.Now()
	toSave := make(map[string]*entry)
	for k, v := range m.store {
		if now.Before(v.ExpiresAt) {
			toSave[k] = v
		}
	}

	data, err := json.MarshalIndent(toSave, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.snapshot, data, 0600)
}
