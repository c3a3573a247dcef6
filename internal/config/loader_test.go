package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/rollcall/internal/config"
)

// minimalYAML is valid on its own; validation cases append to it.
const minimalYAML = `
transcripts:
  path: /data/transcripts.jsonl
roster:
  file: /data/roster.yaml
`

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "minimal config is valid",
			yaml: minimalYAML,
		},
		{
			name:    "bad log level",
			yaml:    minimalYAML + "server:\n  log_level: verbose\n",
			wantErr: "server.log_level",
		},
		{
			name:    "tls without key",
			yaml:    minimalYAML + "server:\n  tls:\n    cert_file: cert.pem\n",
			wantErr: "server.tls",
		},
		{
			name:    "postgres transcripts without dsn",
			yaml:    "transcripts:\n  source: postgres\nroster:\n  file: r.yaml\n",
			wantErr: "transcripts: source postgres",
		},
		{
			name:    "jsonl transcripts without path",
			yaml:    "transcripts:\n  source: jsonl\nroster:\n  file: r.yaml\n",
			wantErr: "transcripts.path",
		},
		{
			name:    "unknown transcripts source",
			yaml:    "transcripts:\n  source: s3\n  path: x\nroster:\n  file: r.yaml\n",
			wantErr: "transcripts.source",
		},
		{
			name:    "crm without base url",
			yaml:    "transcripts:\n  path: t.jsonl\nroster:\n  source: crm\n",
			wantErr: "roster.crm.base_url",
		},
		{
			name:    "file roster without file",
			yaml:    "transcripts:\n  path: t.jsonl\nroster:\n  source: file\n",
			wantErr: "roster.file",
		},
		{
			name:    "page size too large",
			yaml:    minimalYAML + "  crm:\n    page_size: 5000\n",
			wantErr: "roster.crm.page_size",
		},
		{
			name:    "backoff above max",
			yaml:    minimalYAML + "  crm:\n    backoff: 1m\n    max_backoff: 10s\n",
			wantErr: "exceeds max_backoff",
		},
		{
			name:    "negative max lines",
			yaml:    minimalYAML + "extraction:\n  max_lines: -1\n",
			wantErr: "extraction.max_lines",
		},
		{
			name:    "low above high",
			yaml:    minimalYAML + "matching:\n  high_threshold: 50\n  low_threshold: 70\n",
			wantErr: "matching thresholds",
		},
		{
			name:    "high above 100",
			yaml:    minimalYAML + "matching:\n  high_threshold: 101\n",
			wantErr: "matching thresholds",
		},
		{
			name:    "bonus out of range",
			yaml:    minimalYAML + "matching:\n  active_bonus: 120\n",
			wantErr: "matching.active_bonus",
		},
		{
			name:    "unknown rule",
			yaml:    minimalYAML + "matching:\n  rule_scores:\n    vibes: 90\n",
			wantErr: `unknown rule "vibes"`,
		},
		{
			name:    "rule score out of range",
			yaml:    minimalYAML + "matching:\n  rule_scores:\n    first-exact: 150\n",
			wantErr: "matching.rule_scores.first-exact",
		},
		{
			name:    "negative min name length",
			yaml:    minimalYAML + "matching:\n  min_name_length: -2\n",
			wantErr: "matching.min_name_length",
		},
		{
			name:    "negative workers",
			yaml:    minimalYAML + "resolver:\n  workers: -3\n",
			wantErr: "resolver.workers",
		},
		{
			name:    "negative interval",
			yaml:    minimalYAML + "resolver:\n  interval: -1h\n",
			wantErr: "resolver durations",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should contain %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + `
server:
  log_level: loud
resolver:
  workers: -1
`))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "resolver.workers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should contain %q, got: %v", want, err)
		}
	}
}

func TestValidate_DirectCall(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Transcripts.Source = config.TranscriptsJSONL
	cfg.Transcripts.Path = "t.jsonl"
	cfg.Roster.Source = config.RosterFile
	cfg.Roster.File = "r.yaml"
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
