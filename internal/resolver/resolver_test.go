package resolver_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/rollcall/internal/mapping"
	"github.com/MrWong99/rollcall/internal/matcher"
	"github.com/MrWong99/rollcall/internal/observe"
	"github.com/MrWong99/rollcall/internal/resolver"
	"github.com/MrWong99/rollcall/internal/roster"
	"github.com/MrWong99/rollcall/internal/translit"
	"github.com/MrWong99/rollcall/internal/transcript"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeRoster struct {
	entries []roster.Entry
	err     error

	// When block is set, Fetch closes entered and waits for block.
	block   chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (f *fakeRoster) Fetch(ctx context.Context) ([]roster.Entry, error) {
	if f.block != nil {
		f.once.Do(func() { close(f.entered) })
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.entries, f.err
}

type fakeTranscripts struct {
	list []transcript.Transcript
	err  error
}

func (f *fakeTranscripts) List(context.Context) ([]transcript.Transcript, error) {
	return f.list, f.err
}

// spyMatcher delegates to next and records every name it was asked about.
// Names in panicOn make it panic.
type spyMatcher struct {
	next    resolver.Matcher
	panicOn map[string]bool

	mu    sync.Mutex
	calls map[string]int
}

func (s *spyMatcher) Match(raw string, snap *matcher.Snapshot) matcher.Result {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[raw]++
	s.mu.Unlock()
	if s.panicOn[raw] {
		panic("matcher exploded on " + raw)
	}
	return s.next.Match(raw, snap)
}

func (s *spyMatcher) Classify(r matcher.Result) matcher.Outcome { return s.next.Classify(r) }

func (s *spyMatcher) called(raw string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[raw]
}

// fixedMatcher returns canned results keyed by raw name and classifies with
// thresholds 80/55.
type fixedMatcher map[string]matcher.Result

func (f fixedMatcher) Match(raw string, _ *matcher.Snapshot) matcher.Result {
	if r, ok := f[raw]; ok {
		return r
	}
	return matcher.Result{Rule: matcher.RuleNone}
}

func (fixedMatcher) Classify(r matcher.Result) matcher.Outcome {
	switch {
	case r.Best != nil && r.Score >= 80:
		return matcher.OutcomeStrong
	case r.Best != nil && r.Score >= 55:
		return matcher.OutcomeWeak
	}
	return matcher.OutcomeNone
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func date(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func lesson(id, speaker string, when *time.Time) transcript.Transcript {
	return transcript.Transcript{
		ID:         id,
		Text:       fmt.Sprintf("Moran (00:00:01): שלום\n%s (00:00:04): hi\n", speaker),
		LessonDate: when,
	}
}

var testRoster = []roster.Entry{
	{ExternalID: "1", Name: "דניאל כהן", StatusLabel: "active", IsActive: true},
	{ExternalID: "2", Name: "עופר לוי", StatusLabel: "active", IsActive: true},
	{ExternalID: "3", Name: "שירה אברהם", StatusLabel: "inactive"},
}

func realMatcher(t *testing.T) *matcher.Matcher {
	t.Helper()
	table, err := translit.Default()
	if err != nil {
		t.Fatal(err)
	}
	m, err := matcher.New(matcher.WithTable(table))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}
	return m, reader
}

func counterSum(t *testing.T, reader *sdkmetric.ManualReader, name, attrKey, attrVal string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(attrKey)); attrKey == "" || (ok && v.AsString() == attrVal) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

type harness struct {
	store       *mapping.MemStore
	roster      *fakeRoster
	transcripts *fakeTranscripts
	spy         *spyMatcher
	resolver    *resolver.Resolver
	reader      *sdkmetric.ManualReader
}

func newHarness(t *testing.T, m resolver.Matcher, transcripts []transcript.Transcript, opts ...resolver.Option) *harness {
	t.Helper()
	metrics, reader := testMetrics(t)
	h := &harness{
		store:       mapping.NewMemStore(),
		roster:      &fakeRoster{entries: testRoster},
		transcripts: &fakeTranscripts{list: transcripts},
		spy:         &spyMatcher{next: m},
		reader:      reader,
	}
	rules := resolver.Rules{
		Extractor: transcript.NewExtractor(transcript.WithAliases("Moran")),
		Matcher:   h.spy,
		Blacklist: resolver.NewBlacklist(resolver.DefaultBlacklist, resolver.DefaultMinNameLength),
	}
	r, err := resolver.New(h.roster, h.transcripts, h.store, rules, append([]resolver.Option{resolver.WithMetrics(metrics)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	h.resolver = r
	return h
}

func mustGet(t *testing.T, s mapping.Store, name string) mapping.NameMapping {
	t.Helper()
	m, err := s.Get(context.Background(), name)
	if err != nil {
		t.Fatalf("Get(%q): %v", name, err)
	}
	return m
}

func deref(p *string) string {
	if p == nil {
		return "<nil>"
	}
	return *p
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRun_Scenarios(t *testing.T) {
	t.Parallel()
	h := newHarness(t, realMatcher(t), []transcript.Transcript{
		lesson("t1", "דניאל כהן", date("2026-09-01T10:00:00Z")),
		lesson("t2", "Ofir Levi", date("2026-09-01T10:00:00Z")),
		lesson("t3", "Ofir Levi", date("2026-09-08T22:30:00-03:00")),
		lesson("t4", "iPhone", nil),
		lesson("t5", "Xyzzy", nil),
		{ID: "t6", Text: "no speaker lines here"},
	})

	report, err := h.resolver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Transcripts != 6 || report.ExtractionMisses != 1 || report.Names != 4 || report.RosterEntries != 3 {
		t.Errorf("report counts = %+v", report)
	}
	if report.RunID == "" {
		t.Error("missing run id")
	}

	exact := mustGet(t, h.store, "דניאל כהן")
	if exact.Status != mapping.StatusAutoMatched || deref(exact.ResolvedName) != "דניאל כהן" {
		t.Errorf("exact = %s/%s", exact.Status, deref(exact.ResolvedName))
	}
	if deref(exact.Notes) != "auto-match 100%, rule=exact" {
		t.Errorf("exact notes = %s", deref(exact.Notes))
	}

	tr := mustGet(t, h.store, "Ofir Levi")
	if tr.Status != mapping.StatusAutoMatched || deref(tr.ResolvedName) != "עופר לוי" || deref(tr.CRMMatch) != "עופר לוי" {
		t.Errorf("transliteration = %s/%s", tr.Status, deref(tr.ResolvedName))
	}
	if tr.TranscriptCount != 2 {
		t.Errorf("transcript count = %d, want 2", tr.TranscriptCount)
	}
	if want := time.Date(2026, 9, 9, 0, 0, 0, 0, time.UTC); tr.LastSeenAt == nil || !tr.LastSeenAt.Equal(want) {
		t.Errorf("last seen = %v, want %v", tr.LastSeenAt, want)
	}

	bl := mustGet(t, h.store, "Iphone")
	if bl.Status != mapping.StatusRejected || deref(bl.Notes) != resolver.BlacklistNote || bl.CRMMatch != nil {
		t.Errorf("blacklisted = %s/%s", bl.Status, deref(bl.Notes))
	}
	if n := h.spy.called("Iphone"); n != 0 {
		t.Errorf("matcher called %d times for a blacklisted name", n)
	}

	none := mustGet(t, h.store, "Xyzzy")
	if none.Status != mapping.StatusPending || none.CRMMatch != nil || deref(none.Notes) != resolver.NoMatchNote {
		t.Errorf("no match = %s/%s/%s", none.Status, deref(none.CRMMatch), deref(none.Notes))
	}

	want := map[resolver.Outcome]int{
		resolver.OutcomeAutoMatched: 2,
		resolver.OutcomeBlacklisted: 1,
		resolver.OutcomeUnmatched:   1,
	}
	for _, o := range resolver.Outcomes {
		if report.Outcomes[o] != want[o] {
			t.Errorf("outcome %s = %d, want %d", o, report.Outcomes[o], want[o])
		}
	}
	if report.Writes["created"] != 4 {
		t.Errorf("writes = %v", report.Writes)
	}
	if got := counterSum(t, h.reader, "rollcall.resolver.runs", "status", "ok"); got != 1 {
		t.Errorf("runs{ok} = %d, want 1", got)
	}
	if got := counterSum(t, h.reader, "rollcall.extraction.misses", "", ""); got != 1 {
		t.Errorf("extraction misses = %d, want 1", got)
	}
}

func TestRun_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, realMatcher(t), []transcript.Transcript{
		lesson("t1", "Ofir Levi", date("2026-09-01T10:00:00Z")),
		lesson("t2", "Xyzzy", date("2026-09-02T10:00:00Z")),
		lesson("t3", "iPhone", nil),
	})
	ctx := context.Background()

	if _, err := h.resolver.Run(ctx); err != nil {
		t.Fatal(err)
	}
	before, _ := h.store.List(ctx, mapping.ListOptions{})

	report, err := h.resolver.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Writes["none"] != 3 || report.Writes["created"] != 0 || report.Writes["updated"] != 0 {
		t.Errorf("second run writes = %v, want all none", report.Writes)
	}
	after, _ := h.store.List(ctx, mapping.ListOptions{})
	if len(after) != len(before) {
		t.Fatalf("row count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		b, a := before[i], after[i]
		if b.OriginalName != a.OriginalName || b.Status != a.Status || deref(b.ResolvedName) != deref(a.ResolvedName) || !b.UpdatedAt.Equal(a.UpdatedAt) {
			t.Errorf("row %s changed: %+v -> %+v", b.OriginalName, b, a)
		}
	}
	if hist, _ := h.store.RecentHistory(ctx, 0); len(hist) != 0 {
		t.Errorf("idempotent rerun wrote %d history rows", len(hist))
	}
}

func TestRun_ProtectedRowsOnlyRefreshCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, realMatcher(t), []transcript.Transcript{
		lesson("t1", "Xyzzy", date("2026-09-03T10:00:00Z")),
		lesson("t2", "Xyzzy", nil),
		lesson("t3", "Iphone", nil),
	})

	reviewer := mapping.Human("dana")
	if _, _, err := h.store.Apply(ctx, "Xyzzy", reviewer, func(m *mapping.NameMapping, _ bool) error {
		m.Status = mapping.StatusApproved
		m.ResolvedName = mapping.Ptr("שירה אברהם")
		m.Notes = mapping.Ptr("manual edit")
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	// A human rescued a device-like label; the blacklist must not override it.
	if _, _, err := h.store.Apply(ctx, "Iphone", reviewer, func(m *mapping.NameMapping, _ bool) error {
		m.Status = mapping.StatusApproved
		m.ResolvedName = mapping.Ptr("אייפון")
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	report, err := h.resolver.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcomes[resolver.OutcomeProtected] != 2 {
		t.Errorf("protected = %d, want 2", report.Outcomes[resolver.OutcomeProtected])
	}
	if n := h.spy.called("Xyzzy"); n != 0 {
		t.Errorf("matcher called %d times for a protected name", n)
	}

	m := mustGet(t, h.store, "Xyzzy")
	if m.Status != mapping.StatusApproved || deref(m.ResolvedName) != "שירה אברהם" || deref(m.Notes) != "manual edit" {
		t.Errorf("protected row decision changed: %+v", m)
	}
	if m.TranscriptCount != 2 || m.LastSeenAt == nil {
		t.Errorf("counters not refreshed: count=%d last=%v", m.TranscriptCount, m.LastSeenAt)
	}
	if m.UpdatedBy == nil || *m.UpdatedBy != mapping.SystemActor.ID {
		t.Errorf("updated_by = %s", deref(m.UpdatedBy))
	}
	if ip := mustGet(t, h.store, "Iphone"); ip.Status != mapping.StatusApproved {
		t.Errorf("blacklist overrode a human decision: %s", ip.Status)
	}
}

func TestRun_ThresholdBoundary(t *testing.T) {
	t.Parallel()
	best := &roster.Entry{ExternalID: "9", Name: "נועה ברק", IsActive: true}
	m := fixedMatcher{
		"Noa High": {Best: best, Score: 80, Rule: matcher.RuleFirstExact},
		"Noa Low":  {Best: best, Score: 79, Rule: matcher.RuleFirstExact},
	}
	h := newHarness(t, m, []transcript.Transcript{
		lesson("t1", "Noa High", nil),
		lesson("t2", "Noa Low", nil),
	})
	report, err := h.resolver.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	high := mustGet(t, h.store, "Noa High")
	if high.Status != mapping.StatusAutoMatched || deref(high.ResolvedName) != "נועה ברק" {
		t.Errorf("score 80 = %s/%s, want auto_matched", high.Status, deref(high.ResolvedName))
	}
	low := mustGet(t, h.store, "Noa Low")
	if low.Status != mapping.StatusPending || low.ResolvedName != nil || deref(low.CRMMatch) != "נועה ברק" {
		t.Errorf("score 79 = %s/%s/%s, want pending with suggestion", low.Status, deref(low.ResolvedName), deref(low.CRMMatch))
	}
	if deref(low.Notes) != "suggestion 79%, rule=first-exact" {
		t.Errorf("notes = %s", deref(low.Notes))
	}
	if report.Outcomes[resolver.OutcomeSuggested] != 1 || report.Outcomes[resolver.OutcomeAutoMatched] != 1 {
		t.Errorf("outcomes = %v", report.Outcomes)
	}
}

func TestRun_DowngradeWritesHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	best := &roster.Entry{ExternalID: "9", Name: "נועה ברק", IsActive: true}
	m := fixedMatcher{"Noa": {Best: best, Score: 90, Rule: matcher.RuleFirstExact}}
	h := newHarness(t, m, []transcript.Transcript{lesson("t1", "Noa", nil)})
	if _, err := h.resolver.Run(ctx); err != nil {
		t.Fatal(err)
	}

	// The roster entry disappeared; the name drops back to pending.
	delete(m, "Noa")
	report, err := h.resolver.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Writes["updated"] != 1 {
		t.Errorf("writes = %v", report.Writes)
	}
	got := mustGet(t, h.store, "Noa")
	if got.Status != mapping.StatusPending || got.ResolvedName != nil {
		t.Errorf("after downgrade = %+v", got)
	}
	hist, _ := h.store.History(ctx, "Noa")
	if len(hist) != 1 || hist[0].PreviousStatus != mapping.StatusAutoMatched || hist[0].ChangedBy != mapping.SystemActor.ID {
		t.Errorf("history = %+v", hist)
	}
}

func TestRun_FetchFailureWritesNothing(t *testing.T) {
	t.Parallel()
	boom := errors.New("crm unavailable")

	tests := []struct {
		name   string
		setup  func(h *harness)
		source string
	}{
		{"roster", func(h *harness) { h.roster.err = boom }, "roster"},
		{"transcripts", func(h *harness) { h.transcripts.err = boom }, "transcripts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, realMatcher(t), []transcript.Transcript{lesson("t1", "Ofir Levi", nil)})
			tt.setup(h)

			report, err := h.resolver.Run(context.Background())
			if !errors.Is(err, resolver.ErrFetchFailed) || !errors.Is(err, boom) {
				t.Fatalf("err = %v, want ErrFetchFailed wrapping cause", err)
			}
			if report != nil {
				t.Errorf("report = %+v, want nil", report)
			}
			if list, _ := h.store.List(context.Background(), mapping.ListOptions{}); len(list) != 0 {
				t.Errorf("fetch failure wrote %d rows", len(list))
			}
			if got := counterSum(t, h.reader, "rollcall.resolver.runs", "status", "fetch_failed"); got != 1 {
				t.Errorf("runs{fetch_failed} = %d", got)
			}
			last, ok := h.resolver.LastRun()
			if !ok || !errors.Is(last.Err, resolver.ErrFetchFailed) {
				t.Errorf("LastRun = %+v, %v", last, ok)
			}
		})
	}
}

func TestRun_ItemPanicIsContained(t *testing.T) {
	t.Parallel()
	h := newHarness(t, realMatcher(t), []transcript.Transcript{
		lesson("t1", "Xyzzy", nil),
		lesson("t2", "Ofir Levi", nil),
	}, resolver.WithWorkers(2))
	h.spy.panicOn = map[string]bool{"Xyzzy": true}

	report, err := h.resolver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Failures) != 1 || report.Failures[0].Name != "Xyzzy" {
		t.Fatalf("failures = %+v", report.Failures)
	}
	if report.Outcomes[resolver.OutcomeFailed] != 1 {
		t.Errorf("failed outcome = %d", report.Outcomes[resolver.OutcomeFailed])
	}
	if _, err := h.store.Get(context.Background(), "Xyzzy"); !errors.Is(err, mapping.ErrNotFound) {
		t.Errorf("failed item was written: %v", err)
	}
	if m := mustGet(t, h.store, "Ofir Levi"); m.Status != mapping.StatusAutoMatched {
		t.Errorf("sibling item status = %s", m.Status)
	}
	if got := counterSum(t, h.reader, "rollcall.resolver.item_failures", "", ""); got != 1 {
		t.Errorf("item failures metric = %d", got)
	}
}

func TestRun_ManyWorkers(t *testing.T) {
	t.Parallel()
	var ts []transcript.Transcript
	for i := range 60 {
		ts = append(ts, lesson(fmt.Sprint(i), fmt.Sprintf("Student %c%c", 'A'+rune(i%26), 'a'+rune(i/26)), nil))
	}
	h := newHarness(t, realMatcher(t), ts, resolver.WithWorkers(8))

	report, err := h.resolver.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Names != 60 || report.Writes["created"] != 60 {
		t.Errorf("names=%d writes=%v", report.Names, report.Writes)
	}
	list, _ := h.store.List(context.Background(), mapping.ListOptions{})
	if len(list) != 60 {
		t.Errorf("stored %d rows, want 60", len(list))
	}
}

func TestRun_RejectsOverlappingRuns(t *testing.T) {
	t.Parallel()
	h := newHarness(t, realMatcher(t), nil)
	h.roster.block = make(chan struct{})
	h.roster.entered = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.resolver.Run(context.Background())
		done <- err
	}()
	<-h.roster.entered

	if _, err := h.resolver.Run(context.Background()); !errors.Is(err, resolver.ErrRunInProgress) {
		t.Errorf("overlapping run err = %v, want ErrRunInProgress", err)
	}
	close(h.roster.block)
	if err := <-done; err != nil {
		t.Errorf("first run: %v", err)
	}
}

func TestRun_SetRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, realMatcher(t), []transcript.Transcript{lesson("t1", "Xyzzy", nil)})

	err := h.resolver.SetRules(resolver.Rules{
		Extractor: transcript.NewExtractor(),
		Matcher:   h.spy,
		Blacklist: resolver.NewBlacklist([]string{"xyzzy"}, 2),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.resolver.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if m := mustGet(t, h.store, "Xyzzy"); m.Status != mapping.StatusRejected {
		t.Errorf("status = %s, want rejected by new blacklist", m.Status)
	}
	if err := h.resolver.SetRules(resolver.Rules{}); !errors.Is(err, resolver.ErrNoRules) {
		t.Errorf("SetRules(empty) err = %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	store := mapping.NewMemStore()
	rules := resolver.Rules{Extractor: transcript.NewExtractor(), Matcher: fixedMatcher{}}
	if _, err := resolver.New(nil, &fakeTranscripts{}, store, rules); err == nil {
		t.Error("expected error for nil roster source")
	}
	if _, err := resolver.New(&fakeRoster{}, &fakeTranscripts{}, store, resolver.Rules{}); !errors.Is(err, resolver.ErrNoRules) {
		t.Errorf("err = %v, want ErrNoRules", err)
	}
}

// listFailingStore fails List and passes everything else through.
type listFailingStore struct {
	*mapping.MemStore
	err error
}

func (s listFailingStore) List(context.Context, mapping.ListOptions) ([]mapping.NameMapping, error) {
	return nil, s.err
}

func TestRun_UnobservedNamesAreRescored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, realMatcher(t), []transcript.Transcript{
		lesson("t1", "Ofir Levi", date("2026-09-01T10:00:00Z")),
		lesson("t2", "Ofir Levi", date("2026-09-08T10:00:00Z")),
		lesson("t3", "Xyzzy", nil),
		lesson("t4", "Shira", nil),
	})
	if _, err := h.resolver.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if _, _, err := approve(h.store, "Shira", "שירה אברהם"); err != nil {
		t.Fatal(err)
	}

	// The transcripts are gone and so is the roster entry Ofir Levi matched.
	h.transcripts.list = nil
	h.roster.entries = []roster.Entry{testRoster[0], testRoster[2]}

	report, err := h.resolver.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Unobserved != 2 || report.Names != 2 {
		t.Errorf("unobserved=%d names=%d, want 2/2", report.Unobserved, report.Names)
	}

	ofir := mustGet(t, h.store, "Ofir Levi")
	if ofir.Status != mapping.StatusPending || ofir.ResolvedName != nil || ofir.CRMMatch != nil {
		t.Errorf("stale auto-match kept: %s/%s/%s", ofir.Status, deref(ofir.ResolvedName), deref(ofir.CRMMatch))
	}
	if ofir.TranscriptCount != 0 {
		t.Errorf("transcript count = %d, want 0", ofir.TranscriptCount)
	}
	if want := time.Date(2026, 9, 8, 0, 0, 0, 0, time.UTC); ofir.LastSeenAt == nil || !ofir.LastSeenAt.Equal(want) {
		t.Errorf("last seen = %v, want kept at %v", ofir.LastSeenAt, want)
	}
	hist, _ := h.store.History(ctx, "Ofir Levi")
	if len(hist) != 1 || hist[0].PreviousStatus != mapping.StatusAutoMatched {
		t.Errorf("history = %+v", hist)
	}

	if x := mustGet(t, h.store, "Xyzzy"); x.Status != mapping.StatusPending || x.TranscriptCount != 0 {
		t.Errorf("xyzzy = %s count=%d", x.Status, x.TranscriptCount)
	}
	// Human decisions are not revisited when their name is no longer seen.
	if s := mustGet(t, h.store, "Shira"); s.Status != mapping.StatusApproved || s.TranscriptCount != 1 {
		t.Errorf("approved row touched: %s count=%d", s.Status, s.TranscriptCount)
	}
	if n := h.spy.called("Shira"); n != 1 {
		t.Errorf("matcher called %d times for Shira, want only the first run", n)
	}

	// Nothing changes on a repeat with the same inputs.
	report, err = h.resolver.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Writes["none"] != 2 || report.Writes["updated"] != 0 {
		t.Errorf("repeat writes = %v, want all none", report.Writes)
	}
}

func TestRun_PhoneLabelStillMatches(t *testing.T) {
	t.Parallel()
	h := newHarness(t, realMatcher(t), []transcript.Transcript{
		lesson("t1", "+972-50-123-4567 Ofir Levi", nil),
	})
	report, err := h.resolver.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcomes[resolver.OutcomeAutoMatched] != 1 {
		t.Errorf("outcomes = %v", report.Outcomes)
	}
	if m := mustGet(t, h.store, "Ofir Levi"); deref(m.ResolvedName) != "עופר לוי" {
		t.Errorf("resolved = %s", deref(m.ResolvedName))
	}
}

func TestRun_StoreListFailureWritesNothing(t *testing.T) {
	t.Parallel()
	boom := errors.New("database gone")
	metrics, _ := testMetrics(t)
	mem := mapping.NewMemStore()
	rules := resolver.Rules{
		Extractor: transcript.NewExtractor(transcript.WithAliases("Moran")),
		Matcher:   realMatcher(t),
	}
	r, err := resolver.New(
		&fakeRoster{entries: testRoster},
		&fakeTranscripts{list: []transcript.Transcript{lesson("t1", "Ofir Levi", nil)}},
		listFailingStore{MemStore: mem, err: boom},
		rules, resolver.WithMetrics(metrics),
	)
	if err != nil {
		t.Fatal(err)
	}

	report, err := r.Run(context.Background())
	if !errors.Is(err, boom) || report != nil {
		t.Fatalf("Run = %+v, %v; want nil report wrapping %v", report, err, boom)
	}
	if _, err := mem.Get(context.Background(), "Ofir Levi"); !errors.Is(err, mapping.ErrNotFound) {
		t.Errorf("row written despite failed listing: %v", err)
	}
}

// approve sets name to approved with the given resolved name, as a reviewer would.
func approve(s mapping.Store, name, resolved string) (mapping.NameMapping, mapping.Change, error) {
	return s.Apply(context.Background(), name, mapping.Human("dana"), func(m *mapping.NameMapping, _ bool) error {
		m.Status = mapping.StatusApproved
		m.ResolvedName = mapping.Ptr(resolved)
		return nil
	})
}
