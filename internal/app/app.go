// Package app wires all rollcall subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Resolve and RunScheduled drive batch runs, Handler exposes the
// HTTP API, and Shutdown tears everything down in order.
//
// For testing, inject in-memory implementations via functional options
// (WithStore, WithRosterSource, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/rollcall/internal/api"
	"github.com/MrWong99/rollcall/internal/config"
	"github.com/MrWong99/rollcall/internal/health"
	"github.com/MrWong99/rollcall/internal/mapping"
	"github.com/MrWong99/rollcall/internal/matcher"
	"github.com/MrWong99/rollcall/internal/observe"
	"github.com/MrWong99/rollcall/internal/resilience"
	"github.com/MrWong99/rollcall/internal/resolver"
	"github.com/MrWong99/rollcall/internal/review"
	"github.com/MrWong99/rollcall/internal/roster"
	"github.com/MrWong99/rollcall/internal/transcript"
	"github.com/MrWong99/rollcall/internal/translit"
)

// ErrNoDatabase is returned by [App.Migrate] when no database is configured.
var ErrNoDatabase = errors.New("app: database.postgres_dsn is not configured")

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	// Subsystems: initialised in New, torn down in Shutdown.
	pool        *pgxpool.Pool
	store       mapping.Store
	transcripts transcript.Source
	roster      roster.Source
	httpClient  *http.Client
	resolver    *resolver.Resolver
	review      *review.Service
	health      *health.Handler

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a mapping store instead of creating one from config.
func WithStore(s mapping.Store) Option {
	return func(a *App) { a.store = s }
}

// WithTranscriptSource injects a transcript source instead of creating one
// from config.
func WithTranscriptSource(s transcript.Source) Option {
	return func(a *App) { a.transcripts = s }
}

// WithRosterSource injects a roster source instead of creating one from
// config.
func WithRosterSource(s roster.Source) Option {
	return func(a *App) { a.roster = s }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithHTTPClient sets the HTTP client used for CRM requests.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
//
// New connects to PostgreSQL when a DSN is configured and applies the
// mapping schema, but never contacts the CRM: the roster is fetched at the
// start of every run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Mapping store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Transcript source ─────────────────────────────────────────────
	if err := a.initTranscripts(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init transcripts: %w", err)
	}

	// ── 3. Roster source ─────────────────────────────────────────────────
	if err := a.initRoster(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init roster: %w", err)
	}

	// ── 4. Matching rules + resolver ─────────────────────────────────────
	rules, err := BuildRules(cfg)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: build rules: %w", err)
	}
	a.resolver, err = resolver.New(a.roster, a.transcripts, a.store, rules,
		resolver.WithWorkers(cfg.Resolver.Workers),
		resolver.WithMetrics(a.metrics),
	)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init resolver: %w", err)
	}

	// ── 5. Review workflow ───────────────────────────────────────────────
	a.review = review.New(a.store, review.WithMetrics(a.metrics))

	// ── 6. Health checks ─────────────────────────────────────────────────
	checkers := []health.Checker{health.ResolverRun(a.resolver, cfg.Resolver.StaleAfter, nil)}
	if p, ok := a.store.(health.Pinger); ok {
		checkers = append(checkers, health.Database(p))
	}
	a.health = health.New(checkers)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the PostgreSQL mapping store, or falls back to an
// in-memory store when no DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		slog.Warn("no database configured; mappings are kept in memory and lost on exit")
		a.store = mapping.NewMemStore()
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	store := mapping.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.store = store
	slog.Info("mapping store ready", "backend", "postgres")
	return nil
}

// initTranscripts sets up the configured transcript source. The mapping
// pool is reused when transcripts live in the same database.
func (a *App) initTranscripts(ctx context.Context) error {
	if a.transcripts != nil {
		return nil
	}

	switch tc := a.cfg.Transcripts; tc.Source {
	case config.TranscriptsJSONL:
		a.transcripts = transcript.NewJSONLSource(tc.Path)
	case config.TranscriptsPostgres:
		dsn := a.cfg.TranscriptsDSN()
		pool := a.pool
		if pool == nil || dsn != a.cfg.Database.PostgresDSN {
			p, err := pgxpool.New(ctx, dsn)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			a.closers = append(a.closers, func() error {
				p.Close()
				return nil
			})
			pool = p
		}
		a.transcripts = transcript.NewPostgresSource(pool, tc.Table)
	default:
		return fmt.Errorf("unknown transcript source %q", tc.Source)
	}
	slog.Info("transcript source ready", "source", a.cfg.Transcripts.Source)
	return nil
}

// initRoster sets up the configured roster source. The CRM client gets a
// circuit breaker shared across runs so a CRM outage fails fast.
func (a *App) initRoster() error {
	if a.roster != nil {
		return nil
	}

	rc := a.cfg.Roster
	switch rc.Source {
	case config.RosterFile:
		a.roster = roster.NewFileSource(rc.File, rc.ActiveStatuses)
	case config.RosterCRM:
		breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "crm",
			MaxFailures:  rc.CRM.BreakerThreshold,
			ResetTimeout: rc.CRM.BreakerReset,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
			},
		})
		crmOpts := []roster.CRMOption{
			roster.WithBreaker(breaker),
			roster.WithMetrics(a.metrics),
		}
		if a.httpClient != nil {
			crmOpts = append(crmOpts, roster.WithHTTPClient(a.httpClient))
		}
		client, err := roster.NewCRMClient(roster.CRMConfig{
			BaseURL:        rc.CRM.BaseURL,
			APIKey:         rc.CRM.APIKey,
			PageSize:       rc.CRM.PageSize,
			ActiveStatuses: rc.ActiveStatuses,
			Timeout:        rc.CRM.Timeout,
			Retry: resilience.RetryConfig{
				Name:       "crm page",
				MaxRetries: rc.CRM.MaxRetries,
				Backoff:    rc.CRM.Backoff,
				MaxBackoff: rc.CRM.MaxBackoff,
			},
		}, crmOpts...)
		if err != nil {
			return err
		}
		a.roster = client
	default:
		return fmt.Errorf("unknown roster source %q", rc.Source)
	}
	slog.Info("roster source ready", "source", rc.Source)
	return nil
}

// BuildRules constructs the extractor, matcher and blacklist described by
// the extraction and matching sections of cfg.
func BuildRules(cfg *config.Config) (resolver.Rules, error) {
	ex := cfg.Extraction
	var cleanOpts []transcript.CleanerOption
	if len(ex.DeviceSuffixes) > 0 {
		cleanOpts = append(cleanOpts, transcript.WithDeviceSuffixes(ex.DeviceSuffixes...))
	}
	if len(ex.DevicePrefixes) > 0 {
		cleanOpts = append(cleanOpts, transcript.WithDevicePrefixes(ex.DevicePrefixes...))
	}
	extractor := transcript.NewExtractor(
		transcript.WithMaxLines(ex.MaxLines),
		transcript.WithAliases(ex.TeacherAliases...),
		transcript.WithCleaner(transcript.NewCleaner(cleanOpts...)),
	)

	mc := cfg.Matching
	table, err := translit.Resolve(mc.TransliterationFile)
	if err != nil {
		return resolver.Rules{}, err
	}
	m, err := matcher.New(
		matcher.WithThresholds(orDefault(mc.HighThreshold, matcher.DefaultHighThreshold), orDefault(mc.LowThreshold, matcher.DefaultLowThreshold)),
		matcher.WithActiveBonus(deref(mc.ActiveBonus, matcher.DefaultActiveBonus)),
		matcher.WithRuleScores(mc.RuleScores),
		matcher.WithTable(table),
	)
	if err != nil {
		return resolver.Rules{}, err
	}

	blacklist := mc.Blacklist
	if blacklist == nil {
		blacklist = resolver.DefaultBlacklist
	}
	return resolver.Rules{
		Extractor: extractor,
		Matcher:   m,
		Blacklist: resolver.NewBlacklist(blacklist, deref(mc.MinNameLength, resolver.DefaultMinNameLength)),
	}, nil
}

// ─── Operations ──────────────────────────────────────────────────────────────

// Resolve performs one batch run.
func (a *App) Resolve(ctx context.Context) (*resolver.Report, error) {
	return a.resolver.Run(ctx)
}

// RunScheduled runs the resolver every resolver.interval until ctx is done.
// It returns immediately when no interval is configured.
func (a *App) RunScheduled(ctx context.Context) {
	if a.cfg.Resolver.Interval <= 0 {
		slog.Info("scheduled runs disabled")
		return
	}
	slog.Info("scheduled runs enabled", "interval", a.cfg.Resolver.Interval)
	a.resolver.RunEvery(ctx, a.cfg.Resolver.Interval)
}

// Reload swaps in the extraction and matching rules of cfg. Runs already in
// progress finish with the old rules. On error the old rules stay active.
func (a *App) Reload(cfg *config.Config) error {
	rules, err := BuildRules(cfg)
	if err != nil {
		return fmt.Errorf("app: reload rules: %w", err)
	}
	if err := a.resolver.SetRules(rules); err != nil {
		return fmt.Errorf("app: reload rules: %w", err)
	}
	slog.Info("matching rules reloaded",
		"high_threshold", cfg.Matching.HighThreshold,
		"low_threshold", cfg.Matching.LowThreshold,
		"aliases", len(cfg.Extraction.TeacherAliases),
		"blacklist", rules.Blacklist.Len(),
	)
	return nil
}

// Store returns the mapping store.
func (a *App) Store() mapping.Store {
	return a.store
}

// Migrate applies the mapping schema. It returns [ErrNoDatabase] when
// mappings are kept in memory.
func (a *App) Migrate(ctx context.Context) error {
	pg, ok := a.store.(*mapping.PostgresStore)
	if !ok {
		return ErrNoDatabase
	}
	return pg.Migrate(ctx)
}

// Handler registers the API and health routes on mux and returns it wrapped
// in the observability middleware.
func (a *App) Handler(mux *http.ServeMux) http.Handler {
	api.New(a.store, a.review, a.resolver).Register(mux)
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range slices.Backward(a.closers) {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New opened before failing.
func (a *App) closeAll() {
	for _, closer := range slices.Backward(a.closers) {
		_ = closer()
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func deref(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
