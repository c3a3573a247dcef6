package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/rollcall/internal/observe"
	"github.com/MrWong99/rollcall/internal/resilience"
)

// Default CRM client parameters.
const (
	DefaultPageSize = 100
	DefaultTimeout  = 30 * time.Second

	// maxPages bounds pagination so a CRM that keeps handing out cursors
	// cannot stall a run forever.
	maxPages = 10_000
)

var (
	// ErrCursorLoop is returned when the CRM hands out a cursor it already
	// returned earlier in the same fetch.
	ErrCursorLoop = errors.New("roster: crm returned a repeated cursor")

	// ErrTooManyPages is returned when pagination exceeds the page bound.
	ErrTooManyPages = errors.New("roster: crm pagination exceeded page limit")
)

// StatusError is returned for non-2xx CRM responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("roster: crm responded %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying: rate limiting and
// server-side failures are, other client errors are not.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// CRMConfig configures a [CRMClient].
type CRMConfig struct {
	// BaseURL is the CRM API root; pages are requested from BaseURL + "/query".
	BaseURL string

	// APIKey is sent as a bearer token.
	APIKey string

	// PageSize is the number of entries requested per page. Default: 100.
	PageSize int

	// ActiveStatuses lists the status labels that count as currently
	// enrolled. Default: ["active"].
	ActiveStatuses []string

	// Timeout bounds each page request. Default: 30s.
	Timeout time.Duration

	// Retry configures the per-page retry policy.
	Retry resilience.RetryConfig
}

// CRMOption is a functional option for [NewCRMClient].
type CRMOption func(*CRMClient)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) CRMOption {
	return func(cl *CRMClient) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithBreaker attaches a circuit breaker shared across fetches.
func WithBreaker(cb *resilience.CircuitBreaker) CRMOption {
	return func(cl *CRMClient) {
		cl.breaker = cb
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) CRMOption {
	return func(cl *CRMClient) {
		if m != nil {
			cl.metrics = m
		}
	}
}

// CRMClient is a [Source] that pages through the CRM's query endpoint.
//
// Each page is retried independently with exponential backoff; a transient
// failure resumes from the failing cursor without re-fetching earlier pages.
// The roster is returned only when every page has been fetched.
type CRMClient struct {
	endpoint string
	apiKey   string
	pageSize int
	timeout  time.Duration
	active   activeSet
	retry    resilience.RetryConfig
	http     *http.Client
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
}

// Compile-time interface check.
var _ Source = (*CRMClient)(nil)

// NewCRMClient returns a client for the CRM described by cfg.
func NewCRMClient(cfg CRMConfig, opts ...CRMOption) (*CRMClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("roster: crm base URL is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.Name == "" {
		cfg.Retry.Name = "crm page"
	}
	c := &CRMClient{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/query",
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
		timeout:  cfg.Timeout,
		active:   newActiveSet(cfg.ActiveStatuses),
		retry:    cfg.Retry,
		http:     &http.Client{},
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// queryRequest is the body of a page request.
type queryRequest struct {
	PageSize int    `json:"page_size"`
	Cursor   string `json:"cursor,omitempty"`
}

// queryResponse is one page of results.
type queryResponse struct {
	Results []struct {
		ID     json.RawMessage `json:"id"`
		Name   string          `json:"name"`
		Status string          `json:"status"`
	} `json:"results"`
	NextCursor string `json:"next_cursor"`
}

// Fetch pages through the CRM until no cursor is returned.
func (c *CRMClient) Fetch(ctx context.Context) ([]Entry, error) {
	ctx, span := observe.StartSpan(ctx, "roster.crm.fetch")
	defer span.End()

	var (
		entries []Entry
		cursor  string
		seen    = map[string]struct{}{}
	)
	for page := 1; ; page++ {
		if page > maxPages {
			return nil, ErrTooManyPages
		}

		var resp *queryResponse
		err := resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
			return c.guard(ctx, func(ctx context.Context) error {
				r, err := c.fetchPage(ctx, cursor)
				if err != nil {
					return err
				}
				resp = r
				return nil
			})
		})
		if err != nil {
			observe.Fail(span, err)
			return nil, fmt.Errorf("roster: fetch page %d: %w", page, err)
		}

		for _, r := range resp.Results {
			entries = append(entries, Entry{
				ExternalID:  rawID(r.ID),
				Name:        strings.TrimSpace(r.Name),
				StatusLabel: r.Status,
				IsActive:    c.active.contains(r.Status),
			})
		}

		observe.Logger(ctx).Debug("fetched crm roster page",
			"page", page,
			"results", len(resp.Results),
			"has_next", resp.NextCursor != "",
		)

		if resp.NextCursor == "" {
			break
		}
		if _, dup := seen[resp.NextCursor]; dup {
			return nil, fmt.Errorf("%w: %q", ErrCursorLoop, resp.NextCursor)
		}
		seen[resp.NextCursor] = struct{}{}
		cursor = resp.NextCursor
	}

	span.SetAttributes(attribute.Int("roster.entries", len(entries)))
	return entries, nil
}

// guard runs fn through the circuit breaker when one is configured. An open
// breaker is not worth retrying within the same fetch.
func (c *CRMClient) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	err := c.breaker.Execute(ctx, fn)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return resilience.Permanent(err)
	}
	return err
}

// fetchPage performs a single page request. Non-retryable failures are
// wrapped with [resilience.Permanent].
func (c *CRMClient) fetchPage(ctx context.Context, cursor string) (*queryResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(queryRequest{PageSize: c.pageSize, Cursor: cursor})
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("roster: encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("roster: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordCRMRequest(ctx, "transport_error")
		return nil, fmt.Errorf("roster: crm request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		serr := &StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(snippet))}
		if serr.Retryable() {
			c.metrics.RecordCRMRequest(ctx, "retryable")
			return nil, serr
		}
		c.metrics.RecordCRMRequest(ctx, "rejected")
		slog.Warn("crm rejected roster request", "status", res.StatusCode)
		return nil, resilience.Permanent(serr)
	}

	var page queryResponse
	if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
		c.metrics.RecordCRMRequest(ctx, "decode_error")
		return nil, fmt.Errorf("roster: decode page: %w", err)
	}
	c.metrics.RecordCRMRequest(ctx, "ok")
	return &page, nil
}

// rawID accepts both string and numeric CRM identifiers.
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
