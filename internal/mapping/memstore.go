package mapping

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store]. A single
// mutex serialises writes, which gives Apply and Undo the same all-or-nothing
// behaviour as the Postgres transactions.
type MemStore struct {
	mu       sync.RWMutex
	mappings map[string]NameMapping
	history  []MappingHistory
	nextID   int64
	now      func() time.Time
}

// MemStoreOption configures a [MemStore].
type MemStoreOption func(*MemStore)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) MemStoreOption {
	return func(s *MemStore) { s.now = now }
}

// NewMemStore returns an empty [MemStore].
func NewMemStore(opts ...MemStoreOption) *MemStore {
	s := &MemStore{
		mappings: make(map[string]NameMapping),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply implements [Store.Apply].
func (s *MemStore) Apply(ctx context.Context, originalName string, actor Actor, fn MutateFunc) (NameMapping, Change, error) {
	if err := checkWrite(originalName, actor); err != nil {
		return NameMapping{}, ChangeNone, err
	}
	if err := ctx.Err(); err != nil {
		return NameMapping{}, ChangeNone, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, existed := s.mappings[originalName]
	if !existed {
		cur = pending(originalName)
	}
	m, err := mutate(cur, existed, actor, fn, s.now().UTC())
	if err != nil {
		return NameMapping{}, ChangeNone, err
	}
	if m.change == ChangeNone {
		return cur.clone(), ChangeNone, nil
	}
	if m.history != nil {
		s.nextID++
		h := *m.history
		h.ID = s.nextID
		s.history = append(s.history, h)
	}
	s.mappings[originalName] = m.next
	return m.next.clone(), m.change, nil
}

// Undo implements [Store.Undo].
func (s *MemStore) Undo(ctx context.Context, originalName string, actor Actor) (NameMapping, error) {
	if err := checkUndo(originalName, actor); err != nil {
		return NameMapping{}, err
	}
	if err := ctx.Err(); err != nil {
		return NameMapping{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.mappings[originalName]
	if !ok {
		return NameMapping{}, ErrNotFound
	}
	idx := -1
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].MappingID == cur.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return NameMapping{}, ErrNothingToUndo
	}

	next := restore(cur, s.history[idx], actor, s.now().UTC())
	s.history = slices.Delete(s.history, idx, idx+1)
	s.mappings[originalName] = next
	return next.clone(), nil
}

// Get implements [Store.Get].
func (s *MemStore) Get(_ context.Context, originalName string) (NameMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[originalName]
	if !ok {
		return NameMapping{}, ErrNotFound
	}
	return m.clone(), nil
}

// List implements [Store.List].
func (s *MemStore) List(_ context.Context, opts ListOptions) ([]NameMapping, error) {
	s.mu.RLock()
	result := make([]NameMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		if opts.Status != "" && m.Status != opts.Status {
			continue
		}
		result = append(result, m.clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(result, func(a, b NameMapping) int {
		if c := cmp.Compare(b.TranscriptCount, a.TranscriptCount); c != 0 {
			return c
		}
		return cmp.Compare(a.OriginalName, b.OriginalName)
	})
	return page(result, opts.Offset, opts.Limit), nil
}

// Lookup implements [Store.Lookup].
func (s *MemStore) Lookup(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string)
	for name, m := range s.mappings {
		if m.Status.Resolved() && m.ResolvedName != nil {
			out[name] = *m.ResolvedName
		}
	}
	return out, nil
}

// History implements [Store.History].
func (s *MemStore) History(_ context.Context, originalName string) ([]MappingHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[originalName]
	if !ok {
		return []MappingHistory{}, nil
	}
	out := []MappingHistory{}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].MappingID == m.ID {
			out = append(out, cloneHistory(s.history[i]))
		}
	}
	return out, nil
}

// RecentHistory implements [Store.RecentHistory].
func (s *MemStore) RecentHistory(_ context.Context, limit int) ([]MappingHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []MappingHistory{}
	for i := len(s.history) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, cloneHistory(s.history[i]))
	}
	return out, nil
}

func cloneHistory(h MappingHistory) MappingHistory {
	h.PreviousResolvedName = cloneString(h.PreviousResolvedName)
	return h
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
