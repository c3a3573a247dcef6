// Package matcher scores raw transcript names against a roster snapshot and
// picks the best candidate.
//
// Scoring is driven by a single rule table ([DefaultRules]) held as data:
// every rule is evaluated for every roster entry, the highest rule score per
// entry is kept, an active-enrolment bonus is added (clamped to 100), and the
// highest total wins. Ties on the total prefer the active entry, then the
// lexicographically smallest external ID, then roster order, so the outcome
// does not depend on the CRM's page order.
//
// Results below the low threshold are discarded. The remaining results are
// classified as strong (at or above the high threshold) or weak suggestions.
package matcher

import (
	"errors"
	"fmt"

	"github.com/MrWong99/rollcall/internal/names"
	"github.com/MrWong99/rollcall/internal/roster"
	"github.com/MrWong99/rollcall/internal/translit"
)

// Default thresholds and bonus.
const (
	DefaultHighThreshold = 80
	DefaultLowThreshold  = 55
	DefaultActiveBonus   = 5
	maxScore             = 100
)

var (
	// ErrUnknownRule is returned by [New] when a score override names a rule
	// that does not exist.
	ErrUnknownRule = errors.New("matcher: unknown rule")

	// ErrBadThresholds is returned by [New] when thresholds are outside
	// 0..100 or the low threshold exceeds the high one.
	ErrBadThresholds = errors.New("matcher: invalid thresholds")
)

// Outcome is the three-way classification of a [Result].
type Outcome int

const (
	// OutcomeNone means no roster entry reached the low threshold.
	OutcomeNone Outcome = iota

	// OutcomeWeak is a suggestion: low ≤ score < high.
	OutcomeWeak

	// OutcomeStrong is an automatic match: score ≥ high.
	OutcomeStrong
)

// String returns the outcome's label.
func (o Outcome) String() string {
	switch o {
	case OutcomeStrong:
		return "strong"
	case OutcomeWeak:
		return "weak"
	default:
		return "none"
	}
}

// Result is the outcome of [Matcher.Match].
type Result struct {
	// Best is the winning roster entry, or nil when nothing reached the low
	// threshold.
	Best *roster.Entry

	// Score is the winning total in 0..100, or 0 when Best is nil.
	Score int

	// Rule names the highest-scoring rule for Best, or [RuleNone].
	Rule string
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithThresholds sets the high and low thresholds.
func WithThresholds(high, low int) Option {
	return func(m *Matcher) {
		m.high = high
		m.low = low
	}
}

// WithActiveBonus sets the bonus added for active roster entries.
func WithActiveBonus(bonus int) Option {
	return func(m *Matcher) {
		m.bonus = bonus
	}
}

// WithRuleScores overrides the scores of named rules. Unnamed rules keep
// their defaults.
func WithRuleScores(scores map[string]int) Option {
	return func(m *Matcher) {
		m.overrides = scores
	}
}

// WithTable sets the transliteration table. Without a table the
// transliteration rule never fires.
func WithTable(t *translit.Table) Option {
	return func(m *Matcher) {
		m.table = t
	}
}

// Matcher scores raw names against a [Snapshot]. It is immutable after
// construction and safe for concurrent use.
type Matcher struct {
	rules     []Rule
	overrides map[string]int
	high      int
	low       int
	bonus     int
	table     *translit.Table
}

// New returns a Matcher configured with the supplied options.
func New(opts ...Option) (*Matcher, error) {
	m := &Matcher{
		rules: DefaultRules(),
		high:  DefaultHighThreshold,
		low:   DefaultLowThreshold,
		bonus: DefaultActiveBonus,
	}
	for _, o := range opts {
		o(m)
	}

	if m.low < 0 || m.high > maxScore || m.low > m.high {
		return nil, fmt.Errorf("%w: high=%d low=%d", ErrBadThresholds, m.high, m.low)
	}
	for name, score := range m.overrides {
		found := false
		for i := range m.rules {
			if m.rules[i].Name == name {
				m.rules[i].Score = score
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRule, name)
		}
	}
	return m, nil
}

// Rules returns a copy of the effective rule table.
func (m *Matcher) Rules() []Rule {
	return append([]Rule(nil), m.rules...)
}

// HighThreshold returns the score at or above which a match is strong.
func (m *Matcher) HighThreshold() int { return m.high }

// LowThreshold returns the score below which a match is discarded.
func (m *Matcher) LowThreshold() int { return m.low }

// query holds the precomputed keys of the raw name being matched.
type query struct {
	norm       string
	first      string
	firstRunes int
	latinFirst bool
	translit   []string
	codes      []string
}

func (m *Matcher) newQuery(raw string) *query {
	norm := names.Normalize(raw)
	first := names.FirstToken(norm)
	q := &query{
		norm:       norm,
		first:      first,
		firstRunes: names.RuneLen(first),
		latinFirst: names.IsLatin(first),
	}
	if q.latinFirst {
		q.translit = m.table.Lookup(first)
		q.codes = phoneticCodes(first)
	}
	return q
}

// candidate is an entry's best rule and total.
type candidate struct {
	e     *entry
	rule  string
	total int
}

// better reports whether c beats o under the tie-break order.
func (c candidate) better(o candidate) bool {
	if o.e == nil {
		return true
	}
	if c.total != o.total {
		return c.total > o.total
	}
	if c.e.IsActive != o.e.IsActive {
		return c.e.IsActive
	}
	if c.e.ExternalID != o.e.ExternalID {
		return c.e.ExternalID < o.e.ExternalID
	}
	return c.e.order < o.e.order
}

// Match returns the best roster entry for raw in snap.
func (m *Matcher) Match(raw string, snap *Snapshot) Result {
	none := Result{Rule: RuleNone}
	q := m.newQuery(raw)
	if q.norm == "" || snap.Len() == 0 {
		return none
	}

	var best candidate
	for i := range snap.entries {
		e := &snap.entries[i]
		c, ok := m.score(q, e)
		if ok && c.better(best) {
			best = c
		}
	}

	if best.e == nil || best.total < m.low {
		return none
	}
	winner := best.e.Entry
	return Result{Best: &winner, Score: best.total, Rule: best.rule}
}

// score evaluates every rule for e and returns its best rule plus bonus.
func (m *Matcher) score(q *query, e *entry) (candidate, bool) {
	c := candidate{e: e}
	matched := false
	for _, r := range m.rules {
		if r.holds(q, e) && (!matched || r.Score > c.total) {
			c.total = r.Score
			c.rule = r.Name
			matched = true
		}
	}
	if !matched {
		return candidate{}, false
	}
	if e.IsActive {
		c.total += m.bonus
	}
	c.total = min(max(c.total, 0), maxScore)
	return c, true
}

// Classify maps a result onto the three-way outcome.
func (m *Matcher) Classify(r Result) Outcome {
	switch {
	case r.Best == nil:
		return OutcomeNone
	case r.Score >= m.high:
		return OutcomeStrong
	default:
		return OutcomeWeak
	}
}
