package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default retry parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that [Retry] gives up immediately and
// [CircuitBreaker] does not count it as a failure. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with [Permanent].
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryConfig configures [Retry].
type RetryConfig struct {
	// Name labels log messages.
	Name string

	// MaxRetries is the number of retries after the first attempt. Defaults
	// to 5 if zero; a negative value disables retries.
	MaxRetries int

	// Backoff is the wait before the first retry. Doubles each attempt up to
	// MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if
	// zero.
	MaxBackoff time.Duration

	// Sleep overrides the wait between attempts. It must return early with
	// ctx.Err() when ctx is done. Default: a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Retry calls fn until it succeeds, returns a [Permanent] error, ctx is done,
// or the retry budget is spent. The last error is returned wrapped with the
// number of attempts made.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	maxRetries := cfg.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = defaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || ctx.Err() != nil {
			return err
		}
		if attempt >= maxRetries {
			return fmt.Errorf("%s: giving up after %d attempts: %w", cfg.Name, attempt+1, err)
		}

		slog.Warn("retrying after error",
			"name", cfg.Name,
			"attempt", attempt+1,
			"max_retries", maxRetries,
			"backoff", backoff,
			"err", err,
		)
		if serr := sleep(ctx, backoff); serr != nil {
			return fmt.Errorf("%s: %w (last error: %v)", cfg.Name, serr, err)
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
