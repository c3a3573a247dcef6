package mapping

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// pending returns the mapping a first observation of name starts from.
func pending(name string) NameMapping {
	return NameMapping{OriginalName: name, Status: StatusPending}
}

// mutation is the outcome of running a [MutateFunc] against the current row.
type mutation struct {
	next    NameMapping
	history *MappingHistory
	change  Change
}

func checkWrite(name string, actor Actor) error {
	if name == "" {
		return ErrEmptyName
	}
	if strings.TrimSpace(actor.ID) == "" {
		return ErrActorRequired
	}
	return nil
}

// mutate applies fn to a copy of cur and validates the result against the
// state machine. cur must be [pending] when existed is false.
func mutate(cur NameMapping, existed bool, actor Actor, fn MutateFunc, now time.Time) (mutation, error) {
	next := cur.clone()
	if err := fn(&next, existed); err != nil {
		return mutation{}, err
	}

	// Store-owned fields.
	next.ID = cur.ID
	next.OriginalName = cur.OriginalName
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = cur.UpdatedAt
	next.UpdatedBy = cloneString(cur.UpdatedBy)

	next.ResolvedName = nilIfEmpty(next.ResolvedName)
	next.CRMMatch = nilIfEmpty(next.CRMMatch)
	next.Notes = nilIfEmpty(next.Notes)
	if next.TranscriptCount < 0 {
		next.TranscriptCount = 0
	}

	if !next.Status.Valid() {
		return mutation{}, fmt.Errorf("%w: %q", ErrInvalidStatus, next.Status)
	}

	decisionChanged := next.Status != cur.Status || !equalString(next.ResolvedName, cur.ResolvedName)
	if actor.Automated && decisionChanged {
		if existed && cur.Status.Protected() {
			return mutation{}, fmt.Errorf("%w: %q is %s", ErrProtected, cur.OriginalName, cur.Status)
		}
		if next.Status == StatusApproved {
			return mutation{}, fmt.Errorf("%w: automated actor cannot approve %q", ErrTransitionNotAllowed, cur.OriginalName)
		}
	}

	if next.Status.Resolved() != (next.ResolvedName != nil) {
		return mutation{}, fmt.Errorf("%w (status %s)", ErrInvariant, next.Status)
	}

	if existed && sameContent(cur, next) {
		return mutation{next: cur, change: ChangeNone}, nil
	}

	m := mutation{next: next, change: ChangeUpdated}
	if existed && decisionChanged {
		m.history = &MappingHistory{
			MappingID:            cur.ID,
			OriginalName:         cur.OriginalName,
			PreviousResolvedName: cloneString(cur.ResolvedName),
			PreviousStatus:       cur.Status,
			ChangedBy:            actor.ID,
			ChangedAt:            now,
		}
	}
	if !existed {
		m.change = ChangeCreated
		m.next.ID = uuid.NewString()
		m.next.CreatedAt = now
	}
	m.next.UpdatedAt = now
	m.next.UpdatedBy = Ptr(actor.ID)
	return m, nil
}

// restore rewinds cur to the values recorded in h.
func restore(cur NameMapping, h MappingHistory, actor Actor, now time.Time) NameMapping {
	next := cur.clone()
	next.ResolvedName = cloneString(h.PreviousResolvedName)
	next.Status = h.PreviousStatus
	next.Notes = Ptr("undo: restored " + string(h.PreviousStatus))
	next.UpdatedBy = Ptr(actor.ID)
	next.UpdatedAt = now
	return next
}

func checkUndo(name string, actor Actor) error {
	if err := checkWrite(name, actor); err != nil {
		return err
	}
	if actor.Automated {
		return fmt.Errorf("%w: automated actor cannot undo", ErrTransitionNotAllowed)
	}
	return nil
}

func sameContent(a, b NameMapping) bool {
	return a.Status == b.Status &&
		a.TranscriptCount == b.TranscriptCount &&
		equalString(a.ResolvedName, b.ResolvedName) &&
		equalString(a.CRMMatch, b.CRMMatch) &&
		equalString(a.Notes, b.Notes) &&
		equalTime(a.LastSeenAt, b.LastSeenAt)
}

func nilIfEmpty(p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	return p
}
