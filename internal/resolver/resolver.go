// Package resolver implements the batch resolver: one run fetches the roster
// and every transcript, extracts the student name of each transcript,
// aggregates observations per raw name and writes the resulting decisions to
// the mapping store.
//
// A run is all-or-nothing with respect to its inputs: if either fetch fails,
// nothing is written. Once inputs are in hand, each raw name is processed
// independently; a failure or panic while processing one name is recorded in
// the [Report] and leaves that mapping untouched.
//
// Runs are idempotent. Feeding the same roster and transcripts twice leaves
// every row as it was after the first run, and the second run performs no
// writes at all.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/rollcall/internal/mapping"
	"github.com/MrWong99/rollcall/internal/matcher"
	"github.com/MrWong99/rollcall/internal/observe"
	"github.com/MrWong99/rollcall/internal/roster"
	"github.com/MrWong99/rollcall/internal/transcript"
)

var (
	// ErrFetchFailed wraps any roster or transcript fetch error. The run was
	// aborted before any write.
	ErrFetchFailed = errors.New("resolver: fetch failed")

	// ErrRunInProgress is returned when a run is requested while another one
	// is still going.
	ErrRunInProgress = errors.New("resolver: run already in progress")

	// ErrNoRules is returned when the rules lack an extractor or matcher.
	ErrNoRules = errors.New("resolver: extractor and matcher are required")
)

// BlacklistNote is stored on mappings rejected by the blacklist.
const BlacklistNote = "rejected: blacklisted token"

// NoMatchNote is stored on pending mappings without a roster suggestion.
const NoMatchNote = "no roster match"

// Matcher scores a raw name against a roster snapshot.
// *[matcher.Matcher] satisfies this interface.
type Matcher interface {
	Match(raw string, snap *matcher.Snapshot) matcher.Result
	Classify(r matcher.Result) matcher.Outcome
}

// Extractor derives the student name from a transcript.
// *[transcript.Extractor] satisfies this interface.
type Extractor interface {
	Extract(t transcript.Transcript) (transcript.Extraction, bool)
}

// Rules is the matching data a run uses. It can be swapped between runs with
// [Resolver.SetRules]; a run in progress keeps the rules it started with.
type Rules struct {
	Extractor Extractor
	Matcher   Matcher
	Blacklist *Blacklist
}

func (r Rules) validate() error {
	if r.Extractor == nil || r.Matcher == nil {
		return ErrNoRules
	}
	return nil
}

// RunStatus describes the most recent finished run.
type RunStatus struct {
	At     time.Time
	Report *Report
	Err    error
}

// Option is a functional option for [New].
type Option func(*Resolver)

// WithWorkers sets how many raw names are processed concurrently. Values
// below one are treated as one.
func WithWorkers(n int) Option {
	return func(r *Resolver) {
		r.workers = max(n, 1)
	}
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithClock overrides the time source for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// Resolver runs batch resolutions. It is safe for concurrent use; runs are
// serialised.
type Resolver struct {
	roster      roster.Source
	transcripts transcript.Source
	store       mapping.Store
	workers     int
	metrics     *observe.Metrics
	now         func() time.Time

	rules   atomic.Pointer[Rules]
	running sync.Mutex
	last    atomic.Pointer[RunStatus]
}

// New creates a [Resolver].
func New(rosterSrc roster.Source, transcripts transcript.Source, store mapping.Store, rules Rules, opts ...Option) (*Resolver, error) {
	if rosterSrc == nil || transcripts == nil || store == nil {
		return nil, errors.New("resolver: roster source, transcript source and store are required")
	}
	if err := rules.validate(); err != nil {
		return nil, err
	}
	r := &Resolver{
		roster:      rosterSrc,
		transcripts: transcripts,
		store:       store,
		workers:     1,
		now:         time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	r.rules.Store(&rules)
	return r, nil
}

// SetRules replaces the matching data for subsequent runs.
func (r *Resolver) SetRules(rules Rules) error {
	if err := rules.validate(); err != nil {
		return err
	}
	r.rules.Store(&rules)
	return nil
}

// LastRun returns the status of the most recent finished run.
func (r *Resolver) LastRun() (RunStatus, bool) {
	s := r.last.Load()
	if s == nil {
		return RunStatus{}, false
	}
	return *s, true
}

// Run performs one batch resolution. On a fetch failure it returns an error
// wrapping [ErrFetchFailed] and a nil report. Per-item failures do not fail
// the run; they are listed in the report.
func (r *Resolver) Run(ctx context.Context) (*Report, error) {
	if !r.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.running.Unlock()

	started := r.now()
	runID := uuid.NewString()
	ctx, span := observe.StartSpan(observe.WithRunID(ctx, runID), "resolver.run",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()
	log := observe.Logger(ctx)
	rules := r.rules.Load()

	report, err := r.run(ctx, rules, newReport(runID, started))
	elapsed := r.now().Sub(started)

	status := "ok"
	switch {
	case errors.Is(err, ErrFetchFailed):
		status = "fetch_failed"
	case err != nil:
		status = "error"
	}
	r.metrics.RecordRun(ctx, status, elapsed)
	r.last.Store(&RunStatus{At: r.now(), Report: report, Err: err})

	if err != nil {
		observe.Fail(span, err)
		log.Error("resolver run failed", "status", status, "err", err, "duration", elapsed)
		if report == nil {
			return nil, err
		}
	}

	report.Duration = elapsed
	for _, o := range Outcomes {
		r.metrics.RecordOutcome(ctx, string(o), report.Outcomes[o])
	}
	span.SetAttributes(
		attribute.Int("resolver.names", report.Names),
		attribute.Int("resolver.failures", len(report.Failures)),
	)
	log.Info("resolver run finished",
		"names", report.Names,
		"unobserved", report.Unobserved,
		"transcripts", report.Transcripts,
		"auto_matched", report.Outcomes[OutcomeAutoMatched],
		"suggested", report.Outcomes[OutcomeSuggested],
		"unmatched", report.Outcomes[OutcomeUnmatched],
		"blacklisted", report.Outcomes[OutcomeBlacklisted],
		"failures", len(report.Failures),
		"duration", elapsed,
	)
	return report, err
}

func (r *Resolver) run(ctx context.Context, rules *Rules, report *Report) (*Report, error) {
	entries, transcripts, err := r.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	report.RosterEntries = len(entries)
	report.Transcripts = len(transcripts)

	snap := matcher.NewSnapshot(entries)
	obs, misses := r.aggregate(ctx, rules.Extractor, transcripts)
	report.ExtractionMisses = misses
	if misses > 0 {
		r.metrics.ExtractionMisses.Add(ctx, int64(misses))
	}

	unobserved, err := r.unobserved(ctx, obs)
	if err != nil {
		return nil, err
	}
	report.Unobserved = unobserved

	keys := make([]string, 0, len(obs))
	for name := range obs {
		keys = append(keys, name)
	}
	slices.Sort(keys)
	report.Names = len(keys)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.workers)
	for _, name := range keys {
		if ctx.Err() != nil {
			break
		}
		o := obs[name]
		g.Go(func() error {
			outcome, change, err := r.resolveSafe(ctx, rules, snap, name, o)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Outcomes[OutcomeFailed]++
				report.Failures = append(report.Failures, ItemFailure{Name: name, Error: err.Error()})
				r.metrics.ItemFailures.Add(ctx, 1)
				observe.Logger(ctx).Warn("resolver: item failed", "name", name, "err", err)
				return nil
			}
			report.Outcomes[outcome]++
			report.Writes[change.String()]++
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(report.Failures, func(a, b ItemFailure) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("resolver: run interrupted: %w", err)
	}
	return report, nil
}

// unobserved adds a zero observation to obs for every pending or
// auto-matched mapping that no transcript mentions any more, so its count is
// reset and its match is re-derived against the current roster. It returns
// how many names were added.
func (r *Resolver) unobserved(ctx context.Context, obs map[string]*observation) (int, error) {
	added := 0
	for _, st := range []mapping.Status{mapping.StatusPending, mapping.StatusAutoMatched} {
		rows, err := r.store.List(ctx, mapping.ListOptions{Status: st})
		if err != nil {
			return 0, fmt.Errorf("resolver: list %s mappings: %w", st, err)
		}
		for _, m := range rows {
			if _, seen := obs[m.OriginalName]; seen {
				continue
			}
			obs[m.OriginalName] = &observation{}
			added++
		}
	}
	return added, nil
}

// fetch loads the roster and the transcripts in parallel.
func (r *Resolver) fetch(ctx context.Context) ([]roster.Entry, []transcript.Transcript, error) {
	var (
		entries     []roster.Entry
		transcripts []transcript.Transcript
	)
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		start := time.Now()
		e, err := r.roster.Fetch(egCtx)
		r.metrics.RecordFetch(ctx, "roster", fetchStatus(err), time.Since(start))
		if err != nil {
			return fmt.Errorf("roster: %w", err)
		}
		entries = e
		return nil
	})

	eg.Go(func() error {
		start := time.Now()
		t, err := r.transcripts.List(egCtx)
		r.metrics.RecordFetch(ctx, "transcripts", fetchStatus(err), time.Since(start))
		if err != nil {
			return fmt.Errorf("transcripts: %w", err)
		}
		transcripts = t
		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	return entries, transcripts, nil
}

func fetchStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// observation aggregates what a run saw of one raw name. The zero value
// stands for a stored name that no transcript mentions any more.
type observation struct {
	count    int
	lastSeen *time.Time
}

func (r *Resolver) aggregate(ctx context.Context, ex Extractor, transcripts []transcript.Transcript) (map[string]*observation, int) {
	obs := make(map[string]*observation)
	misses := 0
	for _, t := range transcripts {
		e, ok := ex.Extract(t)
		if !ok {
			misses++
			observe.Logger(ctx).Debug("no student name in transcript", "transcript_id", t.ID)
			continue
		}
		o := obs[e.Name]
		if o == nil {
			o = &observation{}
			obs[e.Name] = o
		}
		o.count++
		if t.LessonDate != nil {
			d := dateOf(*t.LessonDate)
			if o.lastSeen == nil || d.After(*o.lastSeen) {
				o.lastSeen = &d
			}
		}
	}
	return obs, misses
}

// dateOf truncates t to its UTC calendar date.
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (r *Resolver) resolveSafe(ctx context.Context, rules *Rules, snap *matcher.Snapshot, name string, o *observation) (outcome Outcome, change mapping.Change, err error) {
	defer func() {
		if p := recover(); p != nil {
			observe.Logger(ctx).Error("resolver: panic while resolving name",
				"name", name, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.resolveOne(ctx, rules, snap, name, o)
}

// resolveOne writes the decision for one raw name. Names that already carry
// a human decision only get their counters refreshed and are never matched.
func (r *Resolver) resolveOne(ctx context.Context, rules *Rules, snap *matcher.Snapshot, name string, o *observation) (Outcome, mapping.Change, error) {
	cur, err := r.store.Get(ctx, name)
	if err != nil && !errors.Is(err, mapping.ErrNotFound) {
		return "", mapping.ChangeNone, err
	}

	var d *decision
	if err != nil || !cur.Status.Protected() {
		d = decide(rules, snap, name)
	}

	var outcome Outcome
	_, change, err := r.store.Apply(ctx, name, mapping.SystemActor, func(m *mapping.NameMapping, existed bool) error {
		m.TranscriptCount = o.count
		if o.lastSeen != nil {
			t := *o.lastSeen
			m.LastSeenAt = &t
		}
		if existed && m.Status.Protected() {
			outcome = OutcomeProtected
			return nil
		}
		if d == nil {
			d = decide(rules, snap, name)
		}
		outcome = d.outcome
		m.Status = d.status
		m.ResolvedName = d.resolved
		m.CRMMatch = d.crmMatch
		m.Notes = d.notes
		return nil
	})
	if err != nil {
		return "", mapping.ChangeNone, err
	}
	return outcome, change, nil
}

// decision is what the rules say about a raw name, independent of its
// stored state.
type decision struct {
	outcome  Outcome
	status   mapping.Status
	resolved *string
	crmMatch *string
	notes    *string
}

func decide(rules *Rules, snap *matcher.Snapshot, name string) *decision {
	if rules.Blacklist.Contains(name) {
		return &decision{
			outcome: OutcomeBlacklisted,
			status:  mapping.StatusRejected,
			notes:   mapping.Ptr(BlacklistNote),
		}
	}

	res := rules.Matcher.Match(name, snap)
	switch rules.Matcher.Classify(res) {
	case matcher.OutcomeStrong:
		return &decision{
			outcome:  OutcomeAutoMatched,
			status:   mapping.StatusAutoMatched,
			resolved: mapping.Ptr(res.Best.Name),
			crmMatch: mapping.Ptr(res.Best.Name),
			notes:    mapping.Ptr(fmt.Sprintf("auto-match %d%%, rule=%s", res.Score, res.Rule)),
		}
	case matcher.OutcomeWeak:
		return &decision{
			outcome:  OutcomeSuggested,
			status:   mapping.StatusPending,
			crmMatch: mapping.Ptr(res.Best.Name),
			notes:    mapping.Ptr(fmt.Sprintf("suggestion %d%%, rule=%s", res.Score, res.Rule)),
		}
	default:
		return &decision{
			outcome: OutcomeUnmatched,
			status:  mapping.StatusPending,
			notes:   mapping.Ptr(NoMatchNote),
		}
	}
}

// RunEvery runs the resolver at the given interval until ctx is cancelled.
// Failed runs are logged and retried at the next tick.
func (r *Resolver) RunEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
				observe.Logger(ctx).Warn("scheduled resolver run failed", "err", err)
			}
		}
	}
}
