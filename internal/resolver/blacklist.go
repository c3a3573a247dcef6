package resolver

import (
	"github.com/MrWong99/rollcall/internal/names"
)

// DefaultMinNameLength is the shortest raw name, in runes after
// normalization, that is not rejected outright.
const DefaultMinNameLength = 2

// DefaultBlacklist holds labels that are never student names: device names
// left over after cleaning and generic conference-room placeholders.
var DefaultBlacklist = []string{
	"iphone", "ipad", "android", "galaxy", "samsung", "macbook", "laptop", "pc",
	"unknown", "guest", "user", "host", "admin", "zoom user",
	"אורח", "משתמש", "מנהל",
}

// Blacklist rejects raw names that match a configured token. Matching is
// done on normalized text, so it ignores case, diacritics and punctuation.
// The zero value rejects nothing.
type Blacklist struct {
	tokens map[string]struct{}
	minLen int
}

// NewBlacklist builds a [Blacklist] from tokens. Names shorter than minLen
// runes after normalization are also blacklisted; values below one disable
// the length check.
func NewBlacklist(tokens []string, minLen int) *Blacklist {
	b := &Blacklist{tokens: make(map[string]struct{}, len(tokens)), minLen: minLen}
	for _, t := range tokens {
		if n := names.Normalize(t); n != "" {
			b.tokens[n] = struct{}{}
		}
	}
	return b
}

// Contains reports whether name must be rejected without matching.
func (b *Blacklist) Contains(name string) bool {
	if b == nil {
		return false
	}
	n := names.Normalize(name)
	if b.minLen > 0 && names.RuneLen(n) < b.minLen {
		return true
	}
	_, ok := b.tokens[n]
	return ok
}

// Len returns the number of distinct tokens.
func (b *Blacklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.tokens)
}
