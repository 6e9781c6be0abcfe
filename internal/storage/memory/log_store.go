// Package memory provides in-memory storage implementations for
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jobswipe/applyd/internal/autoapply"
	"github.com/jobswipe/applyd/internal/storage"
)

// LogStore keeps automation logs and aggregate stats in process memory.
type LogStore struct {
	mu    sync.RWMutex
	logs  map[string]autoapply.AutomationLog
	stats autoapply.Stats
}

// NewLogStore constructs an empty LogStore.
func NewLogStore() *LogStore {
	return &LogStore{logs: make(map[string]autoapply.AutomationLog)}
}

// SaveLog stores or replaces the log for a job.
func (s *LogStore) SaveLog(_ context.Context, log autoapply.AutomationLog) error {
	if log.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[log.JobID] = log
	return nil
}

// GetLog fetches the log for a job.
func (s *LogStore) GetLog(_ context.Context, jobID string) (autoapply.AutomationLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.logs[jobID]
	if !ok {
		return autoapply.AutomationLog{}, fmt.Errorf("log for job %s: %w", jobID, storage.ErrNotFound)
	}
	return log, nil
}

// SaveStats replaces the aggregate counters.
func (s *LogStore) SaveStats(_ context.Context, stats autoapply.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
	return nil
}

// LoadStats returns the aggregate counters; zero-valued when never saved.
func (s *LogStore) LoadStats(context.Context) (autoapply.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats, nil
}
