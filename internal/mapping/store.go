package mapping

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no mapping exists for an original name.
	ErrNotFound = errors.New("mapping: not found")

	// ErrActorRequired is returned when a write has no actor identity.
	ErrActorRequired = errors.New("mapping: actor is required")

	// ErrEmptyName is returned when a write targets an empty original name.
	ErrEmptyName = errors.New("mapping: original name is empty")

	// ErrInvalidStatus is returned for unknown status values.
	ErrInvalidStatus = errors.New("mapping: invalid status")

	// ErrProtected is returned when an automated actor tries to change the
	// resolved name or status of an approved or rejected mapping.
	ErrProtected = errors.New("mapping: mapping is protected from automated changes")

	// ErrTransitionNotAllowed is returned for state changes the actor may not
	// make.
	ErrTransitionNotAllowed = errors.New("mapping: transition not allowed")

	// ErrInvariant is returned when a mutation would leave the resolved name
	// inconsistent with the status.
	ErrInvariant = errors.New("mapping: resolved name must be set exactly when status is approved or auto_matched")

	// ErrNothingToUndo is returned by Undo when the mapping has no history.
	ErrNothingToUndo = errors.New("mapping: nothing to undo")
)

// MutateFunc edits m in place. existed is false when m is a fresh pending
// mapping that has not been stored yet. Returning an error aborts the write
// and rolls back the transaction; the error is returned from [Store.Apply]
// unchanged.
//
// ID, OriginalName, CreatedAt, UpdatedAt and UpdatedBy are owned by the store
// and any edits to them are ignored.
type MutateFunc func(m *NameMapping, existed bool) error

// Store persists name mappings and their history.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// Apply runs fn against the current mapping for originalName (or a new
	// pending one) and persists the result atomically. It validates the
	// transition for actor, writes a history row first when an existing
	// mapping's resolved name or status changes, and skips the write
	// entirely when nothing changed.
	Apply(ctx context.Context, originalName string, actor Actor, fn MutateFunc) (NameMapping, Change, error)

	// Undo restores the resolved name and status from the newest history row
	// of the mapping and deletes that row, atomically. Returns
	// [ErrNothingToUndo] when there is no history, [ErrNotFound] when there
	// is no mapping.
	Undo(ctx context.Context, originalName string, actor Actor) (NameMapping, error)

	// Get returns the mapping for originalName or [ErrNotFound].
	Get(ctx context.Context, originalName string) (NameMapping, error)

	// List returns mappings ordered by transcript count descending, then
	// original name ascending.
	List(ctx context.Context, opts ListOptions) ([]NameMapping, error)

	// Lookup returns original name → resolved name for approved and
	// auto-matched mappings. Absence means "not yet resolved".
	Lookup(ctx context.Context) (map[string]string, error)

	// History returns the history of one mapping, newest first. An unknown
	// name yields an empty slice.
	History(ctx context.Context, originalName string) ([]MappingHistory, error)

	// RecentHistory returns the newest limit history rows across all
	// mappings, newest first.
	RecentHistory(ctx context.Context, limit int) ([]MappingHistory, error)
}
