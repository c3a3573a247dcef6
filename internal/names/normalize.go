// Package names canonicalises raw student name strings into a comparable form.
//
// Normalisation is deliberately lossy: it is used only for matching, never as
// a storage key, so the original evidence observed in a transcript is always
// preserved by callers.
//
// Latin and Hebrew scripts are handled uniformly. Hebrew has no case, and its
// vowel points (niqqud) are non-spacing marks that are removed together with
// Latin diacritics.
package names

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the canonical comparable form of s:
//
//  1. lowercase
//  2. Unicode NFD decomposition with non-spacing marks removed
//  3. only Latin letters, Hebrew letters, ASCII digits and whitespace kept
//  4. whitespace runs collapsed to a single space, result trimmed
//
// Normalize is pure and idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	decomposed := norm.NFD.String(strings.ToLower(s))

	var b strings.Builder
	b.Grow(len(decomposed))
	pendingSpace := false
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		case keep(r):
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FirstToken returns the substring of s up to the first space. s is expected
// to already be normalised; an empty string yields an empty token.
func FirstToken(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

// IsLatin reports whether every letter in s is a Latin letter. Strings without
// letters report false.
func IsLatin(s string) bool {
	return onlyScript(s, unicode.Latin)
}

// IsHebrew reports whether every letter in s is a Hebrew letter. Strings
// without letters report false.
func IsHebrew(s string) bool {
	return onlyScript(s, unicode.Hebrew)
}

// RuneLen returns the number of runes in s. Length guards on name tokens are
// expressed in runes so that Hebrew and Latin tokens are treated alike.
func RuneLen(s string) int {
	return len([]rune(s))
}

func keep(r rune) bool {
	if r >= '0' && r <= '9' {
		return true
	}
	if !unicode.IsLetter(r) {
		return false
	}
	return unicode.Is(unicode.Latin, r) || unicode.Is(unicode.Hebrew, r)
}

func onlyScript(s string, table *unicode.RangeTable) bool {
	seen := false
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		if !unicode.Is(table, r) {
			return false
		}
		seen = true
	}
	return seen
}
