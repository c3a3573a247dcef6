// Package roster fetches the authoritative student roster from the external
// CRM (or, for offline runs, from a YAML file).
//
// The roster is owned by the CRM: this package only reads it, and callers
// must tolerate it changing between runs. Matches are re-derived against a
// fresh snapshot every batch run rather than cached.
package roster

import (
	"context"
	"slices"
	"strings"
)

// Entry is one roster record as fetched from the CRM.
type Entry struct {
	// ExternalID is the CRM's identifier for the student.
	ExternalID string `json:"external_id" yaml:"id"`

	// Name is the student's display name as stored in the CRM.
	Name string `json:"name" yaml:"name"`

	// StatusLabel is the CRM's free-text enrolment status (e.g. "Active",
	// "Paused", "Former").
	StatusLabel string `json:"status_label" yaml:"status"`

	// IsActive is derived from StatusLabel against the configured active
	// labels.
	IsActive bool `json:"is_active" yaml:"-"`
}

// Source fetches the complete roster.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Fetch returns every roster entry. A partial roster is never returned:
	// any failure yields a nil slice and a non-nil error.
	Fetch(ctx context.Context) ([]Entry, error)
}

// DefaultActiveStatuses is used when no active status labels are configured.
var DefaultActiveStatuses = []string{"active"}

// activeSet reports whether a status label counts as currently enrolled.
// Labels are compared case-insensitively after trimming.
type activeSet []string

func newActiveSet(labels []string) activeSet {
	if len(labels) == 0 {
		labels = DefaultActiveStatuses
	}
	set := make(activeSet, 0, len(labels))
	for _, l := range labels {
		set = append(set, strings.ToLower(strings.TrimSpace(l)))
	}
	return set
}

func (a activeSet) contains(label string) bool {
	return slices.Contains(a, strings.ToLower(strings.TrimSpace(label)))
}
