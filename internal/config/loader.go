package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/rollcall/internal/matcher"
	"github.com/MrWong99/rollcall/internal/resolver"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultTranscriptsTable = "transcripts"
	DefaultPageSize         = 100
	DefaultCRMTimeout       = 30 * time.Second
	DefaultMaxRetries       = 5
	DefaultBackoff          = time.Second
	DefaultMaxBackoff       = 30 * time.Second
	DefaultMaxLines         = 30
	DefaultWorkers          = 1
	maxPageSize             = 1000
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// to environment variables, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return "${" + name + "}"
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Transcripts.Source == "" {
		cfg.Transcripts.Source = TranscriptsPostgres
		if cfg.Transcripts.Path != "" {
			cfg.Transcripts.Source = TranscriptsJSONL
		}
	}
	if cfg.Transcripts.Table == "" {
		cfg.Transcripts.Table = DefaultTranscriptsTable
	}

	if cfg.Roster.Source == "" {
		cfg.Roster.Source = RosterCRM
		if cfg.Roster.File != "" {
			cfg.Roster.Source = RosterFile
		}
	}
	if len(cfg.Roster.ActiveStatuses) == 0 {
		cfg.Roster.ActiveStatuses = []string{"active"}
	}
	crm := &cfg.Roster.CRM
	if crm.PageSize == 0 {
		crm.PageSize = DefaultPageSize
	}
	if crm.Timeout == 0 {
		crm.Timeout = DefaultCRMTimeout
	}
	if crm.MaxRetries == 0 {
		crm.MaxRetries = DefaultMaxRetries
	}
	if crm.Backoff == 0 {
		crm.Backoff = DefaultBackoff
	}
	if crm.MaxBackoff == 0 {
		crm.MaxBackoff = DefaultMaxBackoff
	}

	if cfg.Extraction.MaxLines == 0 {
		cfg.Extraction.MaxLines = DefaultMaxLines
	}

	m := &cfg.Matching
	if m.HighThreshold == 0 {
		m.HighThreshold = matcher.DefaultHighThreshold
	}
	if m.LowThreshold == 0 {
		m.LowThreshold = matcher.DefaultLowThreshold
	}
	if m.ActiveBonus == nil {
		b := matcher.DefaultActiveBonus
		m.ActiveBonus = &b
	}
	if m.Blacklist == nil {
		m.Blacklist = append([]string(nil), resolver.DefaultBlacklist...)
	}
	if m.MinNameLength == nil {
		n := resolver.DefaultMinNameLength
		m.MinNameLength = &n
	}

	if cfg.Resolver.Workers == 0 {
		cfg.Resolver.Workers = DefaultWorkers
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found. Validate expects
// [ApplyDefaults] to have run.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; mappings will be kept in memory only")
	}

	// Transcripts
	switch cfg.Transcripts.Source {
	case TranscriptsPostgres:
		if cfg.TranscriptsDSN() == "" {
			errs = append(errs, errors.New("transcripts: source postgres requires transcripts.postgres_dsn or database.postgres_dsn"))
		}
	case TranscriptsJSONL:
		if cfg.Transcripts.Path == "" {
			errs = append(errs, errors.New("transcripts.path is required when source is jsonl"))
		}
	default:
		errs = append(errs, fmt.Errorf("transcripts.source %q is invalid; valid values: postgres, jsonl", cfg.Transcripts.Source))
	}

	// Roster
	switch cfg.Roster.Source {
	case RosterCRM:
		if cfg.Roster.CRM.BaseURL == "" {
			errs = append(errs, errors.New("roster.crm.base_url is required when source is crm"))
		}
		if cfg.Roster.CRM.APIKey == "" {
			slog.Warn("roster.crm.api_key is empty; CRM requests will be unauthenticated")
		}
	case RosterFile:
		if cfg.Roster.File == "" {
			errs = append(errs, errors.New("roster.file is required when source is file"))
		}
	default:
		errs = append(errs, fmt.Errorf("roster.source %q is invalid; valid values: crm, file", cfg.Roster.Source))
	}
	crm := cfg.Roster.CRM
	if crm.PageSize < 1 || crm.PageSize > maxPageSize {
		errs = append(errs, fmt.Errorf("roster.crm.page_size %d is out of range [1, %d]", crm.PageSize, maxPageSize))
	}
	if crm.Timeout < 0 || crm.Backoff < 0 || crm.MaxBackoff < 0 || crm.BreakerReset < 0 {
		errs = append(errs, errors.New("roster.crm durations must not be negative"))
	}
	if crm.Backoff > crm.MaxBackoff {
		errs = append(errs, fmt.Errorf("roster.crm.backoff %s exceeds max_backoff %s", crm.Backoff, crm.MaxBackoff))
	}
	if crm.BreakerThreshold < 0 {
		errs = append(errs, fmt.Errorf("roster.crm.breaker_threshold %d must not be negative", crm.BreakerThreshold))
	}

	// Extraction
	if cfg.Extraction.MaxLines < 1 {
		errs = append(errs, fmt.Errorf("extraction.max_lines %d must be positive", cfg.Extraction.MaxLines))
	}
	if len(cfg.Extraction.TeacherAliases) == 0 {
		slog.Warn("extraction.teacher_aliases is empty; the teacher may be extracted as a student")
	}

	// Matching
	m := cfg.Matching
	if m.LowThreshold < 1 || m.HighThreshold > 100 || m.LowThreshold > m.HighThreshold {
		errs = append(errs, fmt.Errorf("matching thresholds must satisfy 1 <= low_threshold (%d) <= high_threshold (%d) <= 100",
			m.LowThreshold, m.HighThreshold))
	}
	if m.ActiveBonus != nil && (*m.ActiveBonus < 0 || *m.ActiveBonus > 100) {
		errs = append(errs, fmt.Errorf("matching.active_bonus %d is out of range [0, 100]", *m.ActiveBonus))
	}
	for name, score := range m.RuleScores {
		if !matcher.IsRule(name) {
			errs = append(errs, fmt.Errorf("matching.rule_scores: unknown rule %q; valid rules: %v", name, matcher.RuleNames()))
			continue
		}
		if score < 0 || score > 100 {
			errs = append(errs, fmt.Errorf("matching.rule_scores.%s %d is out of range [0, 100]", name, score))
		}
	}
	if m.MinNameLength != nil && *m.MinNameLength < 0 {
		errs = append(errs, fmt.Errorf("matching.min_name_length %d must not be negative", *m.MinNameLength))
	}

	// Resolver
	if cfg.Resolver.Workers < 1 {
		errs = append(errs, fmt.Errorf("resolver.workers %d must be positive", cfg.Resolver.Workers))
	}
	if cfg.Resolver.Interval < 0 || cfg.Resolver.StaleAfter < 0 {
		errs = append(errs, errors.New("resolver durations must not be negative"))
	}

	return errors.Join(errs...)
}
