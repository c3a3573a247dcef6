package matcher

import (
	"github.com/MrWong99/rollcall/internal/names"
	"github.com/MrWong99/rollcall/internal/roster"
)

// entry is a roster entry with its matching keys precomputed.
type entry struct {
	roster.Entry
	order      int
	norm       string
	first      string
	firstRunes int
	latinFirst bool
	codes      []string
}

// Snapshot is an immutable, pre-normalised view of the roster taken once per
// batch run. A *Snapshot is safe for concurrent use by any number of
// matchers.
type Snapshot struct {
	entries []entry
}

// NewSnapshot copies entries and precomputes their normalised names, first
// tokens and phonetic codes. Entries whose names normalise to nothing are
// dropped.
func NewSnapshot(entries []roster.Entry) *Snapshot {
	s := &Snapshot{entries: make([]entry, 0, len(entries))}
	for i, re := range entries {
		norm := names.Normalize(re.Name)
		if norm == "" {
			continue
		}
		first := names.FirstToken(norm)
		e := entry{
			Entry:      re,
			order:      i,
			norm:       norm,
			first:      first,
			firstRunes: names.RuneLen(first),
			latinFirst: names.IsLatin(first),
		}
		if e.latinFirst {
			e.codes = phoneticCodes(first)
		}
		s.entries = append(s.entries, e)
	}
	return s
}

// Len returns the number of matchable entries.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}
