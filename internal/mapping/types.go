// Package mapping is the durable resolution store: one [NameMapping] per
// distinct raw name observed in transcripts, plus an append-only
// [MappingHistory] that makes every human or automated decision undoable.
//
// The package owns the mapping state machine. Every write goes through
// [Store.Apply], a single transactional read-modify-write keyed by the
// original name, which enforces:
//
//   - exactly one mapping per original name (case-sensitive, as observed);
//   - automated actors never change the resolved name or status of approved
//     or rejected mappings;
//   - the resolved name is set if and only if the status is approved or
//     auto_matched;
//   - any change to the resolved name or status of an existing mapping first
//     records the previous values as a history row, in the same transaction.
//
// Mappings are never deleted; "removing" a student designation is modelled as
// the rejected status. Two implementations exist: [MemStore] for tests and
// development, and [PostgresStore] for production.
package mapping

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a [NameMapping].
type Status string

const (
	// StatusPending awaits a decision. It may carry a suggestion in CRMMatch.
	StatusPending Status = "pending"

	// StatusAutoMatched was resolved automatically above the high threshold.
	StatusAutoMatched Status = "auto_matched"

	// StatusApproved was confirmed or edited by a human.
	StatusApproved Status = "approved"

	// StatusRejected is not a student (device names, noise, teacher aliases
	// that slipped through).
	StatusRejected Status = "rejected"
)

// Statuses lists every valid status.
var Statuses = []Status{StatusPending, StatusAutoMatched, StatusApproved, StatusRejected}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAutoMatched, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Protected reports whether automated writers must leave the resolved name
// and status untouched.
func (s Status) Protected() bool {
	return s == StatusApproved || s == StatusRejected
}

// Resolved reports whether a mapping in this status carries a resolved name.
func (s Status) Resolved() bool {
	return s == StatusApproved || s == StatusAutoMatched
}

// ParseStatus converts a string into a [Status].
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// NameMapping is the resolution state of one raw name.
type NameMapping struct {
	// ID is a surrogate key (UUID) referenced by history rows.
	ID string `json:"id"`

	// OriginalName is the raw name exactly as first observed. It is the
	// natural key: repeated runs upsert rather than duplicate.
	OriginalName string `json:"original_name"`

	// ResolvedName is the canonical name used downstream, or nil until
	// resolved.
	ResolvedName *string `json:"resolved_name"`

	// CRMMatch is the roster name the matcher currently suggests. It may be
	// set while ResolvedName is nil.
	CRMMatch *string `json:"crm_match"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// TranscriptCount is the number of transcripts the name was extracted
	// from in the latest run.
	TranscriptCount int `json:"transcript_count"`

	// LastSeenAt is the most recent lesson date the name was observed on.
	LastSeenAt *time.Time `json:"last_seen_at"`

	// Notes is free-text rationale ("auto-match 85%, rule=first-exact").
	Notes *string `json:"notes"`

	// UpdatedBy identifies the actor of the last write.
	UpdatedBy *string `json:"updated_by"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// clone returns a deep copy of m.
func (m NameMapping) clone() NameMapping {
	m.ResolvedName = cloneString(m.ResolvedName)
	m.CRMMatch = cloneString(m.CRMMatch)
	m.Notes = cloneString(m.Notes)
	m.UpdatedBy = cloneString(m.UpdatedBy)
	if m.LastSeenAt != nil {
		t := *m.LastSeenAt
		m.LastSeenAt = &t
	}
	return m
}

// MappingHistory is an append-only record of the values a mapping had before
// a change to its resolved name or status. Undo consumes the newest row.
type MappingHistory struct {
	ID                   int64     `json:"id"`
	MappingID            string    `json:"mapping_id"`
	OriginalName         string    `json:"original_name"`
	PreviousResolvedName *string   `json:"previous_resolved_name"`
	PreviousStatus       Status    `json:"previous_status"`
	ChangedBy            string    `json:"changed_by"`
	ChangedAt            time.Time `json:"changed_at"`
}

// Actor identifies who performs a write.
type Actor struct {
	// ID is recorded in updated_by and changed_by.
	ID string

	// Automated marks the batch resolver. Automated actors are restricted by
	// the protection rules.
	Automated bool
}

// SystemActor is the actor of batch resolver writes.
var SystemActor = Actor{ID: "batch-resolver", Automated: true}

// Human returns a human actor with the given identity.
func Human(id string) Actor {
	return Actor{ID: id}
}

// ListOptions narrows the result set of [Store.List].
type ListOptions struct {
	// Status restricts results to one status. Empty matches all.
	Status Status

	// Limit caps the number of results. Zero means no limit.
	Limit int

	// Offset skips that many results.
	Offset int
}

// Change reports what [Store.Apply] did.
type Change int

const (
	// ChangeNone means the mutation left the mapping as it was; nothing was
	// written.
	ChangeNone Change = iota

	// ChangeCreated means a new mapping was inserted.
	ChangeCreated

	// ChangeUpdated means an existing mapping was rewritten.
	ChangeUpdated
)

// String returns the change label.
func (c Change) String() string {
	switch c {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	default:
		return "none"
	}
}

// Ptr returns a pointer to s. It is a convenience for building mappings.
func Ptr(s string) *string {
	return &s
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	s := *p
	return &s
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
