package transcript

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultDeviceSuffixes are the device-ownership suffixes recording services
// append to a participant's label when they join from a named device.
var DefaultDeviceSuffixes = []string{
	"'s iPhone",
	"'s iPad",
	"'s MacBook Pro",
	"'s MacBook Air",
	"'s MacBook",
	"'s Galaxy",
	"'s Android",
	"'s Phone",
	"'s Laptop",
	"'s PC",
}

// DefaultDevicePrefixes are the Hebrew-locale equivalents of
// [DefaultDeviceSuffixes], where the device precedes the owner's name.
var DefaultDevicePrefixes = []string{
	"האייפון של",
	"האייפד של",
	"הטלפון של",
	"הגלקסי של",
	"המחשב של",
	"iPhone של",
	"iPad של",
	"Galaxy של",
}

// minPhoneDigits is the number of digits a leading number needs before it is
// treated as a phone-number artefact rather than part of the name.
const minPhoneDigits = 5

// leadingNumberRe matches a leading number that may contain the separators
// recording services use in phone labels ("+972-50-123-4567", "(050) 123").
var leadingNumberRe = regexp.MustCompile(`^\+?\(?\d[\d\s\-().]*\d`)

// Cleaner strips recording-device artefacts from speaker labels.
//
// A Cleaner is immutable after construction and safe for concurrent use.
type Cleaner struct {
	suffixes []string
	prefixes []string
}

// CleanerOption is a functional option for [NewCleaner].
type CleanerOption func(*Cleaner)

// WithDeviceSuffixes replaces the default device-ownership suffixes. An
// apostrophe in a suffix also matches the typographic apostrophe (’).
func WithDeviceSuffixes(suffixes ...string) CleanerOption {
	return func(c *Cleaner) {
		c.suffixes = append([]string(nil), suffixes...)
	}
}

// WithDevicePrefixes replaces the default locale-specific device prefixes.
func WithDevicePrefixes(prefixes ...string) CleanerOption {
	return func(c *Cleaner) {
		c.prefixes = append([]string(nil), prefixes...)
	}
}

// NewCleaner returns a Cleaner using the default device patterns unless
// overridden by opts.
func NewCleaner(opts ...CleanerOption) *Cleaner {
	c := &Cleaner{
		suffixes: DefaultDeviceSuffixes,
		prefixes: DefaultDevicePrefixes,
	}
	for _, o := range opts {
		o(c)
	}
	c.suffixes = plainApostrophes(c.suffixes)
	c.prefixes = plainApostrophes(c.prefixes)
	return c
}

// plainApostrophes returns patterns with typographic apostrophes replaced,
// matching the rewrite [Cleaner.Clean] applies to labels.
func plainApostrophes(patterns []string) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = strings.ReplaceAll(p, "’", "'")
	}
	return out
}

// stripPhonePrefix removes a leading number of at least [minPhoneDigits]
// digits, separators included, and the delimiters that follow it.
func stripPhonePrefix(s string) string {
	loc := leadingNumberRe.FindStringIndex(s)
	if loc == nil {
		return s
	}
	digits := 0
	for _, r := range s[:loc[1]] {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < minPhoneDigits {
		return s
	}
	return strings.TrimLeft(s[loc[1]:], " \t-_.")
}

// Clean returns label with device suffixes and prefixes, leading digit runs
// of five or more digits and surrounding punctuation removed. Results made up
// only of Latin letters and spaces are title-cased. Clean may return the empty
// string when nothing name-like remains.
func (c *Cleaner) Clean(label string) string {
	s := strings.TrimSpace(stripControls(label))
	s = strings.ReplaceAll(s, "’", "'")

	for _, suf := range c.suffixes {
		if hasSuffixFold(s, suf) {
			s = strings.TrimSpace(s[:len(s)-len(suf)])
			break
		}
	}
	for _, pre := range c.prefixes {
		if hasPrefixFold(s, pre) {
			s = strings.TrimSpace(s[len(pre):])
			break
		}
	}

	s = stripPhonePrefix(s)
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r)
	})
	s = strings.Join(strings.Fields(s), " ")

	if isLatinWords(s) {
		// A Caser is stateful, so one is created per call.
		s = cases.Title(language.Und).String(s)
	}
	return s
}

func hasSuffixFold(s, suffix string) bool {
	return len(s) >= len(suffix) && strings.EqualFold(s[len(s)-len(suffix):], suffix)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// isLatinWords reports whether s is non-empty and consists only of Latin
// letters and spaces.
func isLatinWords(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r == ' ' {
			continue
		}
		if !unicode.IsLetter(r) || !unicode.Is(unicode.Latin, r) {
			return false
		}
	}
	return true
}
