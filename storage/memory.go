package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same uniqueness semantics
// as the NATS-backed store. Used by tests and `--store memory` dry runs.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	responses map[string]*Response
	verdicts  map[string]*Verdict
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Run),
		responses: make(map[string]*Response),
		verdicts:  make(map[string]*Verdict),
	}
}

// CreateRun persists a new run.
func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.RunID]; exists {
		return fmt.Errorf("run %s: %w", run.RunID, ErrAlreadyExists)
	}
	cp := *run
	s.runs[run.RunID] = &cp
	return nil
}

// GetRun loads a run by ID.
func (s *MemoryStore) GetRun(_ context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	cp := *run
	return &cp, nil
}

// UpdateRunStatus moves a run to a new status with forward-only
// transition enforcement.
func (s *MemoryStore) UpdateRunStatus(_ context.Context, runID string, status RunStatus, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if !ValidTransition(run.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, run.Status, status)
	}

	run.Status = status
	run.Summary = summary
	if status == RunStatusCompleted || status == RunStatusFailed {
		now := time.Now().UTC()
		run.EndedAt = &now
	}
	return nil
}

// PutResponse persists a response artifact exactly once per task key.
func (s *MemoryStore) PutResponse(_ context.Context, resp *Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := resp.Key.kvKey()
	if _, exists := s.responses[key]; exists {
		return fmt.Errorf("response %s: %w", resp.Key, ErrAlreadyExists)
	}
	cp := *resp
	s.responses[key] = &cp
	return nil
}

// GetResponses returns the responses of one triple ordered by prompt index.
func (s *MemoryStore) GetResponses(_ context.Context, runID, modelID, sequenceName string, runIndex int) ([]*Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := kvPrefix(runID, modelID, sequenceName, runIndex)
	var responses []*Response
	for key, resp := range s.responses {
		if strings.HasPrefix(key, prefix) {
			cp := *resp
			responses = append(responses, &cp)
		}
	}

	sort.Slice(responses, func(i, j int) bool {
		return responses[i].Key.PromptIndex < responses[j].Key.PromptIndex
	})
	return responses, nil
}

// IterResponses lazily streams every response of a run to fn.
func (s *MemoryStore) IterResponses(_ context.Context, runID string, fn func(*Response) error) error {
	s.mu.RLock()
	prefix := sanitizeKeyPart(runID) + "."
	keys := make([]string, 0, len(s.responses))
	for key := range s.responses {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	snapshot := make([]*Response, 0, len(keys))
	for _, key := range keys {
		cp := *s.responses[key]
		snapshot = append(snapshot, &cp)
	}
	s.mu.RUnlock()

	for _, resp := range snapshot {
		if err := fn(resp); err != nil {
			return err
		}
	}
	return nil
}

// PutVerdict persists a verdict artifact exactly once per
// (task key, judge model, criteria version).
func (s *MemoryStore) PutVerdict(_ context.Context, verdict *Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := verdict.kvKey()
	if _, exists := s.verdicts[key]; exists {
		return fmt.Errorf("verdict %s: %w", verdict.Key, ErrAlreadyExists)
	}
	cp := *verdict
	s.verdicts[key] = &cp
	return nil
}

// HasVerdict reports whether a verdict exists.
func (s *MemoryStore) HasVerdict(_ context.Context, key TaskKey, judgeModelID, criteriaVersionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := &Verdict{Key: key, JudgeModelID: judgeModelID, CriteriaVersionID: criteriaVersionID}
	_, exists := s.verdicts[v.kvKey()]
	return exists, nil
}

// IterVerdicts lazily streams every verdict of a run to fn.
func (s *MemoryStore) IterVerdicts(_ context.Context, runID string, fn func(*Verdict) error) error {
	s.mu.RLock()
	prefix := sanitizeKeyPart(runID) + "."
	keys := make([]string, 0, len(s.verdicts))
	for key := range s.verdicts {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	snapshot := make([]*Verdict, 0, len(keys))
	for _, key := range keys {
		cp := *s.verdicts[key]
		snapshot = append(snapshot, &cp)
	}
	s.mu.RUnlock()

	for _, verdict := range snapshot {
		if err := fn(verdict); err != nil {
			return err
		}
	}
	return nil
}
