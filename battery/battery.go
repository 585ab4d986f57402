// Package battery defines the versioned prompt battery and criteria set
// that drive a run, and the content source adapters that supply them.
package battery

import "fmt"

// Prompt is a single named prompt within a sequence.
type Prompt struct {
	Name string `json:"name" yaml:"name"`
	Text string `json:"text" yaml:"text"`
}

// Sequence is an ordered list of prompts sharing accumulated context.
type Sequence struct {
	Name    string   `json:"name" yaml:"name"`
	Prompts []Prompt `json:"prompts" yaml:"prompts"`
}

// Battery is a versioned, immutable set of sequences. It is snapshotted
// into the run at creation and never re-read mid-run.
type Battery struct {
	VersionID string     `json:"version_id" yaml:"version_id"`
	Sequences []Sequence `json:"sequences" yaml:"sequences"`
}

// Criterion is one scored dimension with a numeric scale.
type Criterion struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description" yaml:"description"`
	ScaleMin    float64 `json:"scale_min" yaml:"scale_min"`
	ScaleMax    float64 `json:"scale_max" yaml:"scale_max"`
}

// CriteriaSet is a versioned set of judging criteria.
type CriteriaSet struct {
	VersionID string      `json:"version_id" yaml:"version_id"`
	Criteria  []Criterion `json:"criteria" yaml:"criteria"`
}

// Validate checks that the battery is usable for a run.
func (b *Battery) Validate() error {
	if b.VersionID == "" {
		return fmt.Errorf("battery version_id is required")
	}
	if len(b.Sequences) == 0 {
		return fmt.Errorf("battery %s has no sequences", b.VersionID)
	}
	names := make(map[string]bool, len(b.Sequences))
	for _, seq := range b.Sequences {
		if seq.Name == "" {
			return fmt.Errorf("battery %s: sequence name is required", b.VersionID)
		}
		if names[seq.Name] {
			return fmt.Errorf("battery %s: duplicate sequence name %q", b.VersionID, seq.Name)
		}
		names[seq.Name] = true
		if len(seq.Prompts) == 0 {
			return fmt.Errorf("battery %s: sequence %q has no prompts", b.VersionID, seq.Name)
		}
		for i, p := range seq.Prompts {
			if p.Text == "" {
				return fmt.Errorf("battery %s: sequence %q prompt %d has empty text", b.VersionID, seq.Name, i)
			}
		}
	}
	return nil
}

// Validate checks that the criteria set is usable for judging.
func (c *CriteriaSet) Validate() error {
	if c.VersionID == "" {
		return fmt.Errorf("criteria version_id is required")
	}
	if len(c.Criteria) == 0 {
		return fmt.Errorf("criteria set %s has no criteria", c.VersionID)
	}
	for _, crit := range c.Criteria {
		if crit.Name == "" {
			return fmt.Errorf("criteria set %s: criterion name is required", c.VersionID)
		}
		if crit.ScaleMin >= crit.ScaleMax {
			return fmt.Errorf("criteria set %s: criterion %q has invalid scale [%v, %v]",
				c.VersionID, crit.Name, crit.ScaleMin, crit.ScaleMax)
		}
	}
	return nil
}

// TaskCount returns the number of expected generations for this battery
// under the given runs-per-sequence setting, for one model.
func (b *Battery) TaskCount(runsPerSequence int) int {
	total := 0
	for _, seq := range b.Sequences {
		total += len(seq.Prompts) * runsPerSequence
	}
	return total
}
