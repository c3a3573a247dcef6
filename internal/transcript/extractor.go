package transcript

import (
	"regexp"
	"strings"
)

// DefaultMaxLines is the number of leading lines scanned for a speaker label.
// The student is expected to speak early; scanning the whole transcript risks
// matching a quoted aside.
const DefaultMaxLines = 30

// Path records which heuristic produced an extracted name.
type Path string

const (
	// PathSpeaker means the name came from a dialogue speaker label.
	PathSpeaker Path = "speaker"

	// PathTitle means the name came from the transcript title fallback.
	PathTitle Path = "title"
)

// Extraction is the result of a successful [Extractor.Extract] call.
type Extraction struct {
	// Name is the cleaned raw name, exactly as it will be stored as a mapping
	// key.
	Name string

	// Path is the heuristic that produced Name.
	Path Path
}

// lineRe matches "<speaker label> (<numeric timestamp>): <utterance>".
var lineRe = regexp.MustCompile(`^\s*(.+?)\s*\(\s*(\d[\d:.\s]*)\)\s*:\s*(.*)$`)

// titleRe captures the text after "with " or "עם " up to a separator.
var titleRe = regexp.MustCompile(`(?i)(?:^|[\s(\[])(?:with|עם)\s+([^-–|,(\[\n]+)`)

// ExtractorOption is a functional option for [NewExtractor].
type ExtractorOption func(*Extractor)

// WithMaxLines sets how many leading lines are scanned. Values below one are
// ignored.
func WithMaxLines(n int) ExtractorOption {
	return func(e *Extractor) {
		if n > 0 {
			e.maxLines = n
		}
	}
}

// WithAliases sets the non-student speaker aliases (the teacher's name and
// its known variants). Aliases are compared case-insensitively and match when
// either string contains the other.
func WithAliases(aliases ...string) ExtractorOption {
	return func(e *Extractor) {
		e.aliases = e.aliases[:0]
		for _, a := range aliases {
			a = strings.ToLower(strings.TrimSpace(stripControls(a)))
			if a != "" {
				e.aliases = append(e.aliases, a)
			}
		}
	}
}

// WithCleaner replaces the name cleaner used on extracted labels.
func WithCleaner(c *Cleaner) ExtractorOption {
	return func(e *Extractor) {
		if c != nil {
			e.cleaner = c
		}
	}
}

// Extractor derives a student's raw name from transcript text.
//
// An Extractor is immutable after construction and safe for concurrent use.
type Extractor struct {
	maxLines int
	aliases  []string
	cleaner  *Cleaner
}

// NewExtractor returns an Extractor configured by opts. By default it scans
// [DefaultMaxLines] lines, has no aliases and uses [NewCleaner] with the
// default device patterns.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		maxLines: DefaultMaxLines,
		cleaner:  NewCleaner(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract returns the student's raw name for t. The speaker scan runs first;
// when it finds no candidate the title fallback runs. ok is false when
// neither heuristic yields a name, which is not an error.
func (e *Extractor) Extract(t Transcript) (Extraction, bool) {
	if name, ok := e.FromText(t.Text); ok {
		return Extraction{Name: name, Path: PathSpeaker}, true
	}
	if name, ok := e.FromTitle(t.Title); ok {
		return Extraction{Name: name, Path: PathTitle}, true
	}
	return Extraction{}, false
}

// FromText scans the first lines of text for the first non-empty speaker
// label that is not an alias. The label is cleaned before being returned;
// labels that clean to nothing are skipped.
func (e *Extractor) FromText(text string) (string, bool) {
	scanned := 0
	for line := range strings.Lines(text) {
		if scanned >= e.maxLines {
			break
		}
		scanned++

		m := lineRe.FindStringSubmatch(stripControls(strings.TrimRight(line, "\r\n")))
		if m == nil {
			continue
		}
		speaker := strings.TrimSpace(m[1])
		if speaker == "" || e.isAlias(speaker) {
			continue
		}
		if name := e.cleaner.Clean(speaker); name != "" && !e.isAlias(name) {
			return name, true
		}
	}
	return "", false
}

// FromTitle extracts a name from a transcript title of the form
// "Lesson with <Name> - …" or "שיעור עם <Name> | …".
func (e *Extractor) FromTitle(title string) (string, bool) {
	m := titleRe.FindStringSubmatch(stripControls(title))
	if m == nil {
		return "", false
	}
	name := e.cleaner.Clean(m[1])
	if name == "" || e.isAlias(name) {
		return "", false
	}
	return name, true
}

// isAlias reports whether label equals, contains or is contained by any
// configured alias, ignoring case.
func (e *Extractor) isAlias(label string) bool {
	l := strings.ToLower(label)
	for _, a := range e.aliases {
		if l == a || strings.Contains(l, a) || strings.Contains(a, l) {
			return true
		}
	}
	return false
}

// stripControls removes byte-order marks and bidirectional control characters.
func stripControls(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\ufeff',
			r == '\u200e', r == '\u200f',
			r >= '\u202a' && r <= '\u202e',
			r >= '\u2066' && r <= '\u2069',
			r == '\u061c':
			return -1
		}
		return r
	}, s)
}
