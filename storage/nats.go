package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each artifact type.
const (
	BucketRuns      = "STORYBENCH_RUNS"
	BucketResponses = "STORYBENCH_RESPONSES"
	BucketVerdicts  = "STORYBENCH_VERDICTS"
)

// NATSStore is the artifact store backed by NATS JetStream KV. The KV
// Create operation rejects existing keys, which provides the unique-key
// guarantee that makes resume idempotent.
type NATSStore struct {
	runs      jetstream.KeyValue
	responses jetstream.KeyValue
	verdicts  jetstream.KeyValue
}

// NewNATSStore creates the store, creating the KV buckets if needed.
func NewNATSStore(ctx context.Context, js jetstream.JetStream) (*NATSStore, error) {
	runs, err := getOrCreateBucket(ctx, js, BucketRuns)
	if err != nil {
		return nil, fmt.Errorf("create runs bucket: %w", err)
	}

	responses, err := getOrCreateBucket(ctx, js, BucketResponses)
	if err != nil {
		return nil, fmt.Errorf("create responses bucket: %w", err)
	}

	verdicts, err := getOrCreateBucket(ctx, js, BucketVerdicts)
	if err != nil {
		return nil, fmt.Errorf("create verdicts bucket: %w", err)
	}

	return &NATSStore{
		runs:      runs,
		responses: responses,
		verdicts:  verdicts,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("StoryBench %s storage", strings.ToLower(name)),
		History:     1,
	})
}

// CreateRun persists a new run.
func (s *NATSStore) CreateRun(ctx context.Context, run *Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	if _, err := s.runs.Create(ctx, sanitizeKeyPart(run.RunID), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("run %s: %w", run.RunID, ErrAlreadyExists)
		}
		return fmt.Errorf("store run: %w", err)
	}
	return nil
}

// GetRun loads a run by ID.
func (s *NATSStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	entry, err := s.runs.Get(ctx, sanitizeKeyPart(runID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	var run Run
	if err := json.Unmarshal(entry.Value(), &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// UpdateRunStatus moves a run to a new status with forward-only
// transition enforcement.
func (s *NATSStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, summary string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
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

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if _, err := s.runs.Put(ctx, sanitizeKeyPart(runID), data); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// PutResponse persists a response artifact exactly once per task key.
func (s *NATSStore) PutResponse(ctx context.Context, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	if _, err := s.responses.Create(ctx, resp.Key.kvKey(), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("response %s: %w", resp.Key, ErrAlreadyExists)
		}
		return fmt.Errorf("store response: %w", err)
	}
	return nil
}

// GetResponses returns the responses of one triple ordered by prompt index.
func (s *NATSStore) GetResponses(ctx context.Context, runID, modelID, sequenceName string, runIndex int) ([]*Response, error) {
	prefix := kvPrefix(runID, modelID, sequenceName, runIndex)

	keys, err := s.responses.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list response keys: %w", err)
	}

	var responses []*Response
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		resp, err := s.getResponse(ctx, key)
		if err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}

	sort.Slice(responses, func(i, j int) bool {
		return responses[i].Key.PromptIndex < responses[j].Key.PromptIndex
	})
	return responses, nil
}

// IterResponses lazily streams every response of a run to fn.
func (s *NATSStore) IterResponses(ctx context.Context, runID string, fn func(*Response) error) error {
	keys, err := s.responses.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return fmt.Errorf("list response keys: %w", err)
	}

	prefix := sanitizeKeyPart(runID) + "."
	sort.Strings(keys)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		resp, err := s.getResponse(ctx, key)
		if err != nil {
			return err
		}
		if err := fn(resp); err != nil {
			return err
		}
	}
	return nil
}

func (s *NATSStore) getResponse(ctx context.Context, key string) (*Response, error) {
	entry, err := s.responses.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get response %s: %w", key, err)
	}
	var resp Response
	if err := json.Unmarshal(entry.Value(), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response %s: %w", key, err)
	}
	return &resp, nil
}

// PutVerdict persists a verdict artifact exactly once per
// (task key, judge model, criteria version).
func (s *NATSStore) PutVerdict(ctx context.Context, verdict *Verdict) error {
	data, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}

	if _, err := s.verdicts.Create(ctx, verdict.kvKey(), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("verdict %s: %w", verdict.Key, ErrAlreadyExists)
		}
		return fmt.Errorf("store verdict: %w", err)
	}
	return nil
}

// HasVerdict reports whether a verdict exists.
func (s *NATSStore) HasVerdict(ctx context.Context, key TaskKey, judgeModelID, criteriaVersionID string) (bool, error) {
	v := &Verdict{Key: key, JudgeModelID: judgeModelID, CriteriaVersionID: criteriaVersionID}
	_, err := s.verdicts.Get(ctx, v.kvKey())
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get verdict: %w", err)
	}
	return true, nil
}

// IterVerdicts lazily streams every verdict of a run to fn.
func (s *NATSStore) IterVerdicts(ctx context.Context, runID string, fn func(*Verdict) error) error {
	keys, err := s.verdicts.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return fmt.Errorf("list verdict keys: %w", err)
	}

	prefix := sanitizeKeyPart(runID) + "."
	sort.Strings(keys)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.verdicts.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("get verdict %s: %w", key, err)
		}
		var verdict Verdict
		if err := json.Unmarshal(entry.Value(), &verdict); err != nil {
			return fmt.Errorf("unmarshal verdict %s: %w", key, err)
		}
		if err := fn(&verdict); err != nil {
			return err
		}
	}
	return nil
}
