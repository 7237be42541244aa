package statesaga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Store persists the journal of saga runs.
type Store interface {
	// Save persists the current record of a run
	Save(ctx context.Context, record RunRecord) error

	// Load retrieves a run record by execution ID
	Load(ctx context.Context, executionID string) (*RunRecord, error)

	// Delete removes a run record
	Delete(ctx context.Context, executionID string) error
}

// RunRecord is the journaled state of one saga run.
type RunRecord struct {
	ExecutionID    string          `json:"execution_id"`
	SagaName       string          `json:"saga_name"`
	Status         string          `json:"status"`
	RequestContext RequestContext  `json:"request_context,omitempty"`
	Events         []Event         `json:"events"`
	Results        json.RawMessage `json:"results,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Run status constants
const (
	RunStatusRunning     = "running"
	RunStatusRollingBack = "rolling_back"
	RunStatusCommitted   = "committed"
	RunStatusRolledBack  = "rolled_back"
	RunStatusFailed      = "failed"
)

// MemoryStore provides an in-memory implementation of Store for testing
// or scenarios where persistence is not required.
type MemoryStore struct {
	records map[string]*RunRecord
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*RunRecord),
	}
}

// Save stores the run record in memory.
func (m *MemoryStore) Save(ctx context.Context, record RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recordCopy := record
	recordCopy.Events = append([]Event(nil), record.Events...)
	recordCopy.UpdatedAt = time.Now()

	m.records[record.ExecutionID] = &recordCopy
	return nil
}

// Load retrieves the run record from memory.
func (m *MemoryStore) Load(ctx context.Context, executionID string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, exists := m.records[executionID]
	if !exists {
		return nil, fmt.Errorf("saga run %s not found", executionID)
	}

	recordCopy := *record
	recordCopy.Events = append([]Event(nil), record.Events...)
	return &recordCopy, nil
}

// Delete removes the run record from memory.
func (m *MemoryStore) Delete(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, executionID)
	return nil
}
