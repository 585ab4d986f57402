package storage

import (
	"context"
	"errors"
)

// Common storage errors.
var (
	// ErrNotFound is returned when an artifact is not found.
	ErrNotFound = errors.New("artifact not found")

	// ErrAlreadyExists is returned on duplicate insert. Workers treat a
	// duplicate response as "already done", not as a failure.
	ErrAlreadyExists = errors.New("artifact already exists")

	// ErrInvalidTransition is returned when a run status update would
	// move backwards.
	ErrInvalidTransition = errors.New("invalid run status transition")
)

// Store is the durable artifact store contract. Single-document writes
// are atomic; the orchestrator relies only on per-key uniqueness, not on
// cross-document consistency.
type Store interface {
	// CreateRun persists a new run. ErrAlreadyExists on duplicate run ID.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun loads a run by ID. ErrNotFound when absent.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// UpdateRunStatus moves a run to a new status, enforcing
	// forward-only transitions, and records the summary.
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, summary string) error

	// PutResponse persists a response artifact. ErrAlreadyExists when a
	// response for the task key is already stored.
	PutResponse(ctx context.Context, resp *Response) error

	// GetResponses returns the stored responses for one
	// (model, sequence, run index) triple, ordered by prompt index.
	GetResponses(ctx context.Context, runID, modelID, sequenceName string, runIndex int) ([]*Response, error)

	// IterResponses lazily streams every response of a run to fn,
	// stopping early if fn returns an error.
	IterResponses(ctx context.Context, runID string, fn func(*Response) error) error

	// PutVerdict persists a verdict artifact. ErrAlreadyExists when a
	// verdict for (task key, judge model, criteria version) is stored.
	PutVerdict(ctx context.Context, verdict *Verdict) error

	// HasVerdict reports whether a verdict exists for the given
	// (task key, judge model, criteria version).
	HasVerdict(ctx context.Context, key TaskKey, judgeModelID, criteriaVersionID string) (bool, error)

	// IterVerdicts lazily streams every verdict of a run to fn.
	IterVerdicts(ctx context.Context, runID string, fn func(*Verdict) error) error
}
