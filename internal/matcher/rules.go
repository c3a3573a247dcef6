package matcher

import (
	"slices"
	"strings"
)

// Rule names. They appear in [Result.Rule], mapping notes and the
// matching.rule_scores configuration block.
const (
	RuleExact           = "exact"
	RuleFirstExact      = "first-exact"
	RuleIsFirst         = "is-first"
	RuleTransliteration = "transliteration"
	RulePrefix          = "prefix"
	RulePhonetic        = "phonetic"
	RuleSubstring       = "substring"

	// RuleNone is reported when no entry reaches the low threshold.
	RuleNone = "none"
)

// minTokenRunes is the minimum first-token length for the coarse rules
// (first-exact, prefix, phonetic, substring).
const minTokenRunes = 3

// Rule is one row of the scoring table. All rules are evaluated for every
// roster entry; the entry keeps the highest score among the rules that hold.
type Rule struct {
	Name  string
	Score int
	holds func(q *query, e *entry) bool
}

// DefaultRules returns the scoring table with its default scores, highest
// first.
func DefaultRules() []Rule {
	return []Rule{
		{Name: RuleExact, Score: 100, holds: exact},
		{Name: RuleFirstExact, Score: 90, holds: firstExact},
		{Name: RuleIsFirst, Score: 85, holds: isFirst},
		{Name: RuleTransliteration, Score: 75, holds: transliterated},
		{Name: RulePrefix, Score: 60, holds: prefix},
		{Name: RulePhonetic, Score: 58, holds: phonetic},
		{Name: RuleSubstring, Score: 50, holds: substring},
	}
}

// RuleNames returns the names of all known rules in table order.
func RuleNames() []string {
	rules := DefaultRules()
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.Name
	}
	return out
}

// IsRule reports whether name is a known rule.
func IsRule(name string) bool {
	return slices.Contains(RuleNames(), name)
}

func exact(q *query, e *entry) bool {
	return q.norm == e.norm
}

func firstExact(q *query, e *entry) bool {
	return q.firstRunes >= minTokenRunes && q.first == e.first
}

func isFirst(q *query, e *entry) bool {
	return q.norm == e.first
}

func transliterated(q *query, e *entry) bool {
	for _, h := range q.translit {
		if strings.HasPrefix(e.first, h) {
			return true
		}
	}
	return false
}

func prefix(q *query, e *entry) bool {
	return q.firstRunes >= minTokenRunes && strings.HasPrefix(e.first, q.first)
}

func phonetic(q *query, e *entry) bool {
	if !q.latinFirst || !e.latinFirst {
		return false
	}
	if q.firstRunes < minTokenRunes || e.firstRunes < minTokenRunes {
		return false
	}
	return soundsAlike(q.first, e.first, q.codes, e.codes)
}

func substring(q *query, e *entry) bool {
	if q.firstRunes < minTokenRunes || e.firstRunes < minTokenRunes {
		return false
	}
	return strings.Contains(e.first, q.first) || strings.Contains(q.first, e.first)
}
