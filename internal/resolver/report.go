package resolver

import (
	"time"

	"github.com/MrWong99/rollcall/internal/mapping"
)

// Outcome classifies what a run did with one raw name.
type Outcome string

const (
	// OutcomeAutoMatched means the name was resolved automatically.
	OutcomeAutoMatched Outcome = "auto_matched"

	// OutcomeSuggested means the name is pending with a roster suggestion.
	OutcomeSuggested Outcome = "suggested"

	// OutcomeUnmatched means the name is pending with no suggestion.
	OutcomeUnmatched Outcome = "unmatched"

	// OutcomeBlacklisted means the name was rejected by the blacklist.
	OutcomeBlacklisted Outcome = "blacklisted"

	// OutcomeProtected means a human decision exists; only the counters were
	// refreshed.
	OutcomeProtected Outcome = "protected"

	// OutcomeFailed means processing the name returned an error or panicked.
	OutcomeFailed Outcome = "failed"
)

// Outcomes lists every outcome in report order.
var Outcomes = []Outcome{
	OutcomeAutoMatched, OutcomeSuggested, OutcomeUnmatched,
	OutcomeBlacklisted, OutcomeProtected, OutcomeFailed,
}

// ItemFailure records a raw name whose processing failed. The mapping keeps
// its prior state.
type ItemFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// Report summarises one batch run.
type Report struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`

	// RosterEntries is the size of the fetched roster.
	RosterEntries int `json:"roster_entries"`

	// Transcripts is the number of transcripts read.
	Transcripts int `json:"transcripts"`

	// ExtractionMisses counts transcripts that yielded no raw name.
	ExtractionMisses int `json:"extraction_misses"`

	// Names is the number of distinct raw names processed, unobserved ones
	// included.
	Names int `json:"names"`

	// Unobserved counts pending or auto-matched names that no transcript of
	// this run mentioned; their counts were reset and their matches
	// re-derived.
	Unobserved int `json:"unobserved"`

	// Outcomes counts names per outcome.
	Outcomes map[Outcome]int `json:"outcomes"`

	// Writes counts store changes by kind (created, updated, none).
	Writes map[string]int `json:"writes"`

	Failures []ItemFailure `json:"failures"`
}

func newReport(runID string, started time.Time) *Report {
	r := &Report{
		RunID:     runID,
		StartedAt: started,
		Outcomes:  make(map[Outcome]int, len(Outcomes)),
		Writes:    make(map[string]int, 3),
		Failures:  []ItemFailure{},
	}
	for _, o := range Outcomes {
		r.Outcomes[o] = 0
	}
	for _, c := range []mapping.Change{mapping.ChangeCreated, mapping.ChangeUpdated, mapping.ChangeNone} {
		r.Writes[c.String()] = 0
	}
	return r
}
