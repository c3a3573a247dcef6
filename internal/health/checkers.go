package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/rollcall/internal/resolver"
)

// Pinger reports whether a backing store is reachable.
// *[mapping.PostgresStore] satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a checker named "database" that pings p.
func Database(p Pinger) Checker {
	return Checker{Name: "database", Check: p.Ping}
}

// RunReporter exposes the last batch run. *[resolver.Resolver] satisfies it.
type RunReporter interface {
	LastRun() (resolver.RunStatus, bool)
}

// ResolverRun returns a checker named "resolver" that fails when the last run
// failed, or when no run finished within maxAge. A maxAge of zero disables
// the staleness check, and no run at all is healthy until then.
func ResolverRun(src RunReporter, maxAge time.Duration, now func() time.Time) Checker {
	if now == nil {
		now = time.Now
	}
	started := now()
	return Checker{Name: "resolver", Detail: lastRunDetail(src), Check: func(context.Context) error {
		last, ok := src.LastRun()
		if !ok {
			if maxAge > 0 && now().Sub(started) > maxAge {
				return errors.New("no resolver run has finished yet")
			}
			return nil
		}
		if last.Err != nil {
			return fmt.Errorf("last run failed: %w", last.Err)
		}
		if maxAge > 0 && now().Sub(last.At) > maxAge {
			return fmt.Errorf("last run finished %s ago", now().Sub(last.At).Round(time.Second))
		}
		return nil
	}}
}

// lastRunDetail summarises the most recent run for the readiness response.
func lastRunDetail(src RunReporter) func() map[string]any {
	return func() map[string]any {
		last, ok := src.LastRun()
		if !ok {
			return nil
		}
		d := map[string]any{"finished_at": last.At.UTC().Format(time.RFC3339)}
		if r := last.Report; r != nil {
			d["run_id"] = r.RunID
			d["names"] = r.Names
			d["failures"] = len(r.Failures)
		}
		return d
	}
}
