// Package config provides the configuration schema, loader, validation and
// hot-reload watcher for rollcall.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TranscriptSource selects where transcripts are read from.
type TranscriptSource string

const (
	// TranscriptsPostgres reads a Postgres table.
	TranscriptsPostgres TranscriptSource = "postgres"

	// TranscriptsJSONL reads a JSON-lines export file.
	TranscriptsJSONL TranscriptSource = "jsonl"
)

// IsValid reports whether s is a recognised transcript source.
func (s TranscriptSource) IsValid() bool {
	return s == TranscriptsPostgres || s == TranscriptsJSONL
}

// RosterSource selects where the student roster is read from.
type RosterSource string

const (
	// RosterCRM pages through the CRM HTTP API.
	RosterCRM RosterSource = "crm"

	// RosterFile reads a YAML roster file.
	RosterFile RosterSource = "file"
)

// IsValid reports whether s is a recognised roster source.
func (s RosterSource) IsValid() bool {
	return s == RosterCRM || s == RosterFile
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
	Roster      RosterConfig      `yaml:"roster"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
	Matching    MatchingConfig    `yaml:"matching"`
	Resolver    ResolverConfig    `yaml:"resolver"`
}

// ServerConfig holds network and logging settings for rollcall serve.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DatabaseConfig configures the mapping store.
type DatabaseConfig struct {
	// PostgresDSN is the connection string of the mapping database. When
	// empty, mappings are kept in memory and lost on exit.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TranscriptsConfig configures the transcript source.
type TranscriptsConfig struct {
	Source TranscriptSource `yaml:"source"`

	// Table is the transcript table for the postgres source. It may be
	// schema-qualified ("archive.transcripts").
	Table string `yaml:"table"`

	// PostgresDSN overrides database.postgres_dsn for the transcript
	// database.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Path is the export file for the jsonl source.
	Path string `yaml:"path"`
}

// TranscriptsDSN returns the transcript database connection string.
func (c *Config) TranscriptsDSN() string {
	if c.Transcripts.PostgresDSN != "" {
		return c.Transcripts.PostgresDSN
	}
	return c.Database.PostgresDSN
}

// RosterConfig configures the roster source.
type RosterConfig struct {
	Source RosterSource `yaml:"source"`

	// File is the YAML roster for the file source.
	File string `yaml:"file"`

	// ActiveStatuses lists the status labels that count as active. Applies
	// to both sources.
	ActiveStatuses []string `yaml:"active_statuses"`

	CRM CRMConfig `yaml:"crm"`
}

// CRMConfig configures the CRM HTTP client.
type CRMConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	PageSize   int           `yaml:"page_size"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// BreakerThreshold is the number of consecutive failed CRM requests that
	// open the circuit breaker. Zero uses the default.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerReset is how long the breaker stays open.
	BreakerReset time.Duration `yaml:"breaker_reset"`
}

// ExtractionConfig configures the name extractor. Hot-reloadable.
type ExtractionConfig struct {
	// MaxLines is how many leading transcript lines are scanned.
	MaxLines int `yaml:"max_lines"`

	// TeacherAliases are speaker labels that never denote a student.
	TeacherAliases []string `yaml:"teacher_aliases"`

	// DeviceSuffixes and DevicePrefixes replace the built-in device name
	// lists when set.
	DeviceSuffixes []string `yaml:"device_suffixes"`
	DevicePrefixes []string `yaml:"device_prefixes"`
}

// MatchingConfig configures the roster matcher and blacklist.
// Hot-reloadable.
type MatchingConfig struct {
	HighThreshold int `yaml:"high_threshold"`
	LowThreshold  int `yaml:"low_threshold"`

	// ActiveBonus is added to the score of active roster entries. Nil uses
	// the default; zero disables the bonus.
	ActiveBonus *int `yaml:"active_bonus"`

	// RuleScores overrides individual rule scores by rule name.
	RuleScores map[string]int `yaml:"rule_scores"`

	// TransliterationFile replaces the embedded transliteration table.
	TransliterationFile string `yaml:"transliteration_file"`

	// Blacklist lists raw names rejected without matching. Nil uses the
	// built-in list; an explicit empty list disables it.
	Blacklist []string `yaml:"blacklist"`

	// MinNameLength rejects raw names shorter than this many runes. Nil uses
	// the default.
	MinNameLength *int `yaml:"min_name_length"`
}

// ResolverConfig configures batch runs.
type ResolverConfig struct {
	// Workers is the number of raw names processed concurrently.
	Workers int `yaml:"workers"`

	// Interval schedules periodic runs in serve mode. Zero disables them.
	Interval time.Duration `yaml:"interval"`

	// StaleAfter fails the readiness probe when no run finished for this
	// long. Zero disables the check.
	StaleAfter time.Duration `yaml:"stale_after"`
}
