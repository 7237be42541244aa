package statesaga

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore is a Store writing one JSON file per run.
type FileStore struct {
	basePath string
	mu       sync.Mutex // Protects file operations
}

// NewFileStore creates a FileStore rooted at basePath, creating the
// directory if needed.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	return &FileStore{
		basePath: basePath,
	}, nil
}

// Save persists the run record to a JSON file.
func (f *FileStore) Save(ctx context.Context, record RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	record.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	// Write through a temp file so a reader never sees a partial record.
	filename := f.filename(record.ExecutionID)
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}

	return nil
}

// Load retrieves the run record from its JSON file.
func (f *FileStore) Load(ctx context.Context, executionID string) (*RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.filename(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("saga run %s not found", executionID)
		}
		return nil, fmt.Errorf("failed to read run record: %w", err)
	}

	var record RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run record: %w", err)
	}

	return &record, nil
}

// Delete removes the run record file.
func (f *FileStore) Delete(ctx context.Context, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.filename(executionID)); err != nil {
		if os.IsNotExist(err) {
			// Already deleted, not an error
			return nil
		}
		return fmt.Errorf("failed to delete run record: %w", err)
	}

	return nil
}

func (f *FileStore) filename(executionID string) string {
	return filepath.Join(f.basePath, executionID+".json")
}
