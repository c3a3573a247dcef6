// Package review implements the human review workflow on top of the mapping
// store: approving a suggestion, rejecting a name, editing the resolved name
// and undoing the last decision.
//
// Every operation requires a non-empty actor, acts only on mappings the batch
// resolver has already created, and is a single atomic store write.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/rollcall/internal/mapping"
	"github.com/MrWong99/rollcall/internal/observe"
)

// ErrNoResolvedName is returned by Approve when no name was given and the
// mapping carries no suggestion, and by Edit when the name is empty.
var ErrNoResolvedName = errors.New("review: no resolved name given and no suggestion to approve")

// Review note texts.
const (
	NoteApproved = "approved"
	NoteEdited   = "manual edit"
	NoteRejected = "rejected"
)

// Action names used in logs and metrics.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionEdit    = "edit"
	ActionUndo    = "undo"
)

// Option is a functional option for [New].
type Option func(*Service)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service performs review operations. It is safe for concurrent use.
type Service struct {
	store   mapping.Store
	metrics *observe.Metrics
}

// New creates a review [Service] backed by store.
func New(store mapping.Store, opts ...Option) *Service {
	s := &Service{store: store}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Approve marks the mapping approved. When resolved is empty the current
// suggestion is approved; with neither, [ErrNoResolvedName] is returned.
func (s *Service) Approve(ctx context.Context, originalName, resolved, actor string) (mapping.NameMapping, error) {
	resolved = strings.TrimSpace(resolved)
	return s.apply(ctx, ActionApprove, originalName, actor, func(m *mapping.NameMapping) error {
		name := resolved
		if name == "" && m.CRMMatch != nil {
			name = *m.CRMMatch
		}
		if name == "" {
			return ErrNoResolvedName
		}
		m.Status = mapping.StatusApproved
		m.ResolvedName = mapping.Ptr(name)
		m.Notes = mapping.Ptr(NoteApproved)
		return nil
	})
}

// Reject marks the mapping as not a student. The suggestion is kept so a
// later undo or approve can still use it.
func (s *Service) Reject(ctx context.Context, originalName, reason, actor string) (mapping.NameMapping, error) {
	note := NoteRejected
	if r := strings.TrimSpace(reason); r != "" {
		note += ": " + r
	}
	return s.apply(ctx, ActionReject, originalName, actor, func(m *mapping.NameMapping) error {
		m.Status = mapping.StatusRejected
		m.ResolvedName = nil
		m.Notes = mapping.Ptr(note)
		return nil
	})
}

// Edit approves the mapping with an arbitrary resolved name, which need not
// exist in the roster.
func (s *Service) Edit(ctx context.Context, originalName, resolved, actor string) (mapping.NameMapping, error) {
	resolved = strings.TrimSpace(resolved)
	return s.apply(ctx, ActionEdit, originalName, actor, func(m *mapping.NameMapping) error {
		if resolved == "" {
			return ErrNoResolvedName
		}
		m.Status = mapping.StatusApproved
		m.ResolvedName = mapping.Ptr(resolved)
		m.Notes = mapping.Ptr(NoteEdited)
		return nil
	})
}

// Undo restores the mapping to its state before the most recent change.
func (s *Service) Undo(ctx context.Context, originalName, actor string) (mapping.NameMapping, error) {
	ctx, span := s.start(ctx, ActionUndo, originalName)
	defer span.End()

	m, err := s.store.Undo(ctx, originalName, mapping.Human(strings.TrimSpace(actor)))
	s.finish(ctx, span, ActionUndo, originalName, actor, err)
	if err != nil {
		return mapping.NameMapping{}, fmt.Errorf("review: undo %q: %w", originalName, err)
	}
	return m, nil
}

func (s *Service) apply(ctx context.Context, action, originalName, actor string, edit func(m *mapping.NameMapping) error) (mapping.NameMapping, error) {
	ctx, span := s.start(ctx, action, originalName)
	defer span.End()

	m, _, err := s.store.Apply(ctx, originalName, mapping.Human(strings.TrimSpace(actor)),
		func(m *mapping.NameMapping, existed bool) error {
			if !existed {
				return mapping.ErrNotFound
			}
			return edit(m)
		})
	s.finish(ctx, span, action, originalName, actor, err)
	if err != nil {
		return mapping.NameMapping{}, fmt.Errorf("review: %s %q: %w", action, originalName, err)
	}
	return m, nil
}

func (s *Service) start(ctx context.Context, action, originalName string) (context.Context, trace.Span) {
	return observe.StartSpan(ctx, "review."+action,
		trace.WithAttributes(attribute.String("mapping.original_name", originalName)))
}

func (s *Service) finish(ctx context.Context, span trace.Span, action, originalName, actor string, err error) {
	status := statusOf(err)
	s.metrics.RecordReviewAction(ctx, action, status)
	log := observe.Logger(ctx)
	if err != nil {
		observe.Fail(span, err)
		log.Warn("review action failed", "action", action, "name", originalName, "actor", actor, "status", status, "err", err)
		return
	}
	log.Info("review action applied", "action", action, "name", originalName, "actor", actor)
}

// statusOf maps an error to a short metric label.
func statusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, mapping.ErrNotFound):
		return "not_found"
	case errors.Is(err, mapping.ErrNothingToUndo), errors.Is(err, mapping.ErrProtected),
		errors.Is(err, mapping.ErrTransitionNotAllowed):
		return "conflict"
	case errors.Is(err, mapping.ErrActorRequired), errors.Is(err, ErrNoResolvedName),
		errors.Is(err, mapping.ErrEmptyName), errors.Is(err, mapping.ErrInvariant):
		return "invalid"
	default:
		return "error"
	}
}
