// Package storage provides the durable artifact store for runs,
// responses, and verdicts, backed by NATS JetStream KV.
package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/storybench/battery"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ValidTransition reports whether a run may move from one status to
// another. Transitions are forward-only.
func ValidTransition(from, to RunStatus) bool {
	switch from {
	case RunStatusPending:
		return to == RunStatusRunning
	case RunStatusRunning:
		return to == RunStatusCompleted || to == RunStatusFailed
	default:
		return false
	}
}

// Run is one evaluation run across many models. The battery and criteria
// are snapshotted at creation and never re-read.
type Run struct {
	RunID             string               `json:"run_id"`
	BatteryVersionID  string               `json:"battery_version_id"`
	CriteriaVersionID string               `json:"criteria_version_id"`
	StartedAt         time.Time            `json:"started_at"`
	EndedAt           *time.Time           `json:"ended_at,omitempty"`
	Status            RunStatus            `json:"status"`
	Summary           string               `json:"summary,omitempty"`
	ModelIDs          []string             `json:"model_ids"`
	RunsPerSequence   int                  `json:"runs_per_sequence"`
	Battery           *battery.Battery     `json:"battery"`
	Criteria          *battery.CriteriaSet `json:"criteria"`
}

// TaskKey uniquely identifies one expected generation.
type TaskKey struct {
	RunID        string `json:"run_id"`
	ModelID      string `json:"model_id"`
	SequenceName string `json:"sequence_name"`
	RunIndex     int    `json:"run_index"`
	PromptIndex  int    `json:"prompt_index"`
}

// String renders the key for logs and error messages.
func (k TaskKey) String() string {
	return fmt.Sprintf("%s/%s/%s/r%d/p%d", k.RunID, k.ModelID, k.SequenceName, k.RunIndex, k.PromptIndex)
}

// kvKey renders the key in NATS KV form. Model and sequence names are
// sanitized; prompt index is zero-padded so lexical key order matches
// prompt order.
func (k TaskKey) kvKey() string {
	return fmt.Sprintf("%s.%s.%s.%03d.%03d",
		sanitizeKeyPart(k.RunID), sanitizeKeyPart(k.ModelID), sanitizeKeyPart(k.SequenceName),
		k.RunIndex, k.PromptIndex)
}

// kvPrefix renders the key prefix shared by all prompts of one
// (model, sequence, run index) triple.
func kvPrefix(runID, modelID, sequenceName string, runIndex int) string {
	return fmt.Sprintf("%s.%s.%s.%03d.",
		sanitizeKeyPart(runID), sanitizeKeyPart(modelID), sanitizeKeyPart(sequenceName), runIndex)
}

// sanitizeKeyPart maps arbitrary identifiers onto the NATS KV key
// alphabet. Model IDs commonly contain '/' and ':'. The mapping is
// injective: every '_' in the output starts a two-digit hex escape of
// one original byte, so distinct identifiers ("a/b", "a:b", "a_b")
// never produce the same key.
func sanitizeKeyPart(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '=':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}

// TokenUsage records token consumption for one generation.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the durable artifact for one successful generation.
// Persisted exactly once per task key.
type Response struct {
	Key              TaskKey    `json:"task_key"`
	PromptText       string     `json:"prompt_text"`
	AssembledContext string     `json:"assembled_context"`
	OutputText       string     `json:"output_text"`
	GenerationMs     int64      `json:"generation_ms"`
	Usage            TokenUsage `json:"token_usage"`
	CreatedAt        time.Time  `json:"created_at"`
	AttemptCount     int        `json:"attempt_count"`
}

// Verdict is the durable artifact for one judge evaluation of one
// response. Unique per (task key, judge model, criteria version).
type Verdict struct {
	Key               TaskKey            `json:"task_key"`
	JudgeModelID      string             `json:"judge_model_id"`
	CriteriaVersionID string             `json:"criteria_version_id"`
	TemplateVersion   string             `json:"template_version"`
	RawText           string             `json:"raw_verdict_text"`
	Scores            map[string]float64 `json:"parsed_scores"`
	ParseIncomplete   bool               `json:"parse_incomplete"`
	CreatedAt         time.Time          `json:"created_at"`
}

// kvKey renders the verdict KV key, which extends the response key with
// the judge model and criteria version.
func (v *Verdict) kvKey() string {
	return fmt.Sprintf("%s.%s.%s",
		v.Key.kvKey(), sanitizeKeyPart(v.JudgeModelID), sanitizeKeyPart(v.CriteriaVersionID))
}
