package model

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Registry holds the configured model specs and resolves operator
// selectors to concrete models.
type Registry struct {
	specs []Spec
	byID  map[string]*Spec
}

// NewRegistry builds a registry from the configured specs. Spec order is
// preserved; duplicate model IDs are rejected.
func NewRegistry(specs []Spec) (*Registry, error) {
	r := &Registry{
		specs: make([]Spec, len(specs)),
		byID:  make(map[string]*Spec, len(specs)),
	}
	copy(r.specs, specs)

	for i := range r.specs {
		spec := &r.specs[i]
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.byID[spec.ModelID]; exists {
			return nil, fmt.Errorf("duplicate model_id: %s", spec.ModelID)
		}
		r.byID[spec.ModelID] = spec
	}

	return r, nil
}

// Get returns the spec for a model ID.
func (r *Registry) Get(modelID string) (*Spec, bool) {
	spec, ok := r.byID[modelID]
	return spec, ok
}

// Enabled returns all enabled specs in configuration order.
func (r *Registry) Enabled() []Spec {
	enabled := make([]Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		if spec.Enabled {
			enabled = append(enabled, spec)
		}
	}
	return enabled
}

// Select resolves operator selectors to enabled specs. A selector matches
// on model ID or name, and may be a glob pattern ("claude-*"). An empty
// selector list selects all enabled models. A selector that matches
// nothing is a configuration error.
func (r *Registry) Select(selectors []string) ([]Spec, error) {
	if len(selectors) == 0 {
		return r.Enabled(), nil
	}

	seen := make(map[string]bool)
	var selected []Spec

	for _, sel := range selectors {
		matched := false
		for _, spec := range r.specs {
			if !spec.Enabled {
				continue
			}
			ok, err := matchesSelector(sel, spec)
			if err != nil {
				return nil, fmt.Errorf("invalid model selector %q: %w", sel, err)
			}
			if !ok {
				continue
			}
			matched = true
			if !seen[spec.ModelID] {
				seen[spec.ModelID] = true
				selected = append(selected, spec)
			}
		}
		if !matched {
			return nil, fmt.Errorf("model selector %q matches no enabled model", sel)
		}
	}

	// Keep configuration order regardless of selector order.
	sort.SliceStable(selected, func(i, j int) bool {
		return r.indexOf(selected[i].ModelID) < r.indexOf(selected[j].ModelID)
	})

	return selected, nil
}

func matchesSelector(sel string, spec Spec) (bool, error) {
	if sel == spec.ModelID || sel == spec.Name {
		return true, nil
	}
	if ok, err := doublestar.Match(sel, spec.ModelID); err != nil || ok {
		return ok, err
	}
	return doublestar.Match(sel, spec.Name)
}

func (r *Registry) indexOf(modelID string) int {
	for i, spec := range r.specs {
		if spec.ModelID == modelID {
			return i
		}
	}
	return len(r.specs)
}

// ProviderTagsInUse returns the distinct provider tags across the given
// specs, in first-seen order.
func ProviderTagsInUse(specs []Spec) []ProviderTag {
	seen := make(map[ProviderTag]bool)
	var tags []ProviderTag
	for _, spec := range specs {
		if !seen[spec.Provider] {
			seen[spec.Provider] = true
			tags = append(tags, spec.Provider)
		}
	}
	return tags
}
