package matcher

import (
	"github.com/antzucaro/matchr"
)

// minPhoneticSimilarity is the Jaro-Winkler similarity two phonetically
// overlapping tokens must reach for the phonetic rule to fire.
const minPhoneticSimilarity = 0.85

// phoneticCodes returns the Double Metaphone codes for token. Empty codes
// (produced when the token is too short or has no consonants) are excluded.
func phoneticCodes(token string) []string {
	p, s := matchr.DoubleMetaphone(token)
	codes := make([]string, 0, 2)
	if p != "" {
		codes = append(codes, p)
	}
	if s != "" && s != p {
		codes = append(codes, s)
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// soundsAlike reports whether two Latin tokens share a Double Metaphone code
// and are close in Jaro-Winkler similarity.
func soundsAlike(a, b string, aCodes, bCodes []string) bool {
	if !codesOverlap(aCodes, bCodes) {
		return false
	}
	return matchr.JaroWinkler(a, b, false) >= minPhoneticSimilarity
}
