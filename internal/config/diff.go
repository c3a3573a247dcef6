package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs. Extraction,
// matching and log level changes can be applied to a running server; every
// other section is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ExtractionChanged is true when max_lines, aliases or device lists
	// changed.
	ExtractionChanged bool

	// MatchingChanged is true when thresholds, bonus, rule scores, the
	// transliteration file, blacklist or min_name_length changed.
	MatchingChanged bool

	// RestartRequired lists the config sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Reloadable reports whether the diff contains changes that can be applied
// without a restart.
func (d ConfigDiff) Reloadable() bool {
	return d.LogLevelChanged || d.ExtractionChanged || d.MatchingChanged
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.Reloadable() && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ExtractionChanged = !extractionEqual(old.Extraction, new.Extraction)
	d.MatchingChanged = !matchingEqual(old.Matching, new.Matching)

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Database != new.Database {
		d.RestartRequired = append(d.RestartRequired, "database")
	}
	if old.Transcripts != new.Transcripts {
		d.RestartRequired = append(d.RestartRequired, "transcripts")
	}
	if !rosterEqual(old.Roster, new.Roster) {
		d.RestartRequired = append(d.RestartRequired, "roster")
	}
	if old.Resolver != new.Resolver {
		d.RestartRequired = append(d.RestartRequired, "resolver")
	}
	return d
}

func extractionEqual(a, b ExtractionConfig) bool {
	return a.MaxLines == b.MaxLines &&
		slices.Equal(a.TeacherAliases, b.TeacherAliases) &&
		slices.Equal(a.DeviceSuffixes, b.DeviceSuffixes) &&
		slices.Equal(a.DevicePrefixes, b.DevicePrefixes)
}

func matchingEqual(a, b MatchingConfig) bool {
	return a.HighThreshold == b.HighThreshold &&
		a.LowThreshold == b.LowThreshold &&
		intPtrEqual(a.ActiveBonus, b.ActiveBonus) &&
		maps.Equal(a.RuleScores, b.RuleScores) &&
		a.TransliterationFile == b.TransliterationFile &&
		slices.Equal(a.Blacklist, b.Blacklist) &&
		intPtrEqual(a.MinNameLength, b.MinNameLength)
}

func rosterEqual(a, b RosterConfig) bool {
	return a.Source == b.Source &&
		a.File == b.File &&
		slices.Equal(a.ActiveStatuses, b.ActiveStatuses) &&
		a.CRM == b.CRM
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
