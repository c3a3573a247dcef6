// Package api exposes the mapping store, the review workflow and the batch
// resolver over HTTP/JSON.
//
// Routes (registered on an [http.ServeMux] with Go 1.22 patterns):
//
//	GET  /api/lookup                       original → resolved name
//	GET  /api/mappings?status=&limit=&offset=
//	GET  /api/mappings/{name}
//	GET  /api/mappings/{name}/history
//	GET  /api/history?limit=N
//	POST /api/mappings/{name}/approve      {"resolved_name": "…"} (optional)
//	POST /api/mappings/{name}/reject       {"reason": "…"} (optional)
//	POST /api/mappings/{name}/edit         {"resolved_name": "…"}
//	POST /api/mappings/{name}/undo
//	POST /api/resolve
//
// Mutating review routes identify the reviewer with the X-Actor header.
// Errors are returned as {"error": "…"} with 400 for bad input, 404 for
// unknown mappings, 409 for state conflicts and 502 when the resolver could
// not fetch its inputs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/MrWong99/rollcall/internal/mapping"
	"github.com/MrWong99/rollcall/internal/observe"
	"github.com/MrWong99/rollcall/internal/resolver"
	"github.com/MrWong99/rollcall/internal/review"
)

// ActorHeader carries the reviewer identity on mutating requests.
const ActorHeader = observe.ActorHeader

const (
	defaultHistoryLimit = 50
	maxListLimit        = 1000
	maxBodyBytes        = 64 << 10
)

var errBadRequest = errors.New("bad request")

// Reviewer performs review operations. *[review.Service] satisfies it.
type Reviewer interface {
	Approve(ctx context.Context, originalName, resolved, actor string) (mapping.NameMapping, error)
	Reject(ctx context.Context, originalName, reason, actor string) (mapping.NameMapping, error)
	Edit(ctx context.Context, originalName, resolved, actor string) (mapping.NameMapping, error)
	Undo(ctx context.Context, originalName, actor string) (mapping.NameMapping, error)
}

// Runner triggers a batch run. *[resolver.Resolver] satisfies it.
type Runner interface {
	Run(ctx context.Context) (*resolver.Report, error)
}

// Server holds the handlers. It is safe for concurrent use.
type Server struct {
	store    mapping.Store
	reviewer Reviewer
	runner   Runner
}

// New creates a [Server]. runner may be nil, in which case /api/resolve
// answers 503.
func New(store mapping.Store, reviewer Reviewer, runner Runner) *Server {
	return &Server{store: store, reviewer: reviewer, runner: runner}
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/lookup", s.lookup)
	mux.HandleFunc("GET /api/mappings", s.listMappings)
	mux.HandleFunc("GET /api/mappings/{name}", s.getMapping)
	mux.HandleFunc("GET /api/mappings/{name}/history", s.mappingHistory)
	mux.HandleFunc("GET /api/history", s.recentHistory)
	mux.HandleFunc("POST /api/mappings/{name}/approve", s.approve)
	mux.HandleFunc("POST /api/mappings/{name}/reject", s.reject)
	mux.HandleFunc("POST /api/mappings/{name}/edit", s.edit)
	mux.HandleFunc("POST /api/mappings/{name}/undo", s.undo)
	mux.HandleFunc("POST /api/resolve", s.resolve)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.Lookup(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) listMappings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts mapping.ListOptions
	if st := q.Get("status"); st != "" {
		status, err := mapping.ParseStatus(st)
		if err != nil {
			writeError(w, r, err)
			return
		}
		opts.Status = status
	}
	var err error
	if opts.Limit, err = intParam(q.Get("limit"), 0, maxListLimit); err != nil {
		writeError(w, r, err)
		return
	}
	if opts.Offset, err = intParam(q.Get("offset"), 0, -1); err != nil {
		writeError(w, r, err)
		return
	}

	list, err := s.store.List(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getMapping(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) mappingHistory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.store.Get(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	h, err := s.store.History(r.Context(), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) recentHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), defaultHistoryLimit, maxListLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h, err := s.store.RecentHistory(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type approveRequest struct {
	ResolvedName string `json:"resolved_name"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.reviewer.Approve(r.Context(), r.PathValue("name"), req.ResolvedName, r.Header.Get(ActorHeader))
	respond(w, r, m, err)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.reviewer.Reject(r.Context(), r.PathValue("name"), req.Reason, r.Header.Get(ActorHeader))
	respond(w, r, m, err)
}

func (s *Server) edit(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.reviewer.Edit(r.Context(), r.PathValue("name"), req.ResolvedName, r.Header.Get(ActorHeader))
	respond(w, r, m, err)
}

func (s *Server) undo(w http.ResponseWriter, r *http.Request) {
	m, err := s.reviewer.Undo(r.Context(), r.PathValue("name"), r.Header.Get(ActorHeader))
	respond(w, r, m, err)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "resolver not configured"})
		return
	}
	report, err := s.runner.Run(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func respond(w http.ResponseWriter, r *http.Request, m mapping.NameMapping, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

// intParam parses a non-negative integer query parameter. An empty value
// yields def; upper < 0 means unbounded.
func intParam(raw string, def, upper int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Join(errBadRequest, errors.New("invalid integer parameter "+strconv.Quote(raw)))
	}
	if upper >= 0 && n > upper {
		n = upper
	}
	return n, nil
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, mapping.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, mapping.ErrNothingToUndo),
		errors.Is(err, mapping.ErrProtected),
		errors.Is(err, mapping.ErrTransitionNotAllowed),
		errors.Is(err, resolver.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, mapping.ErrActorRequired),
		errors.Is(err, mapping.ErrEmptyName),
		errors.Is(err, mapping.ErrInvalidStatus),
		errors.Is(err, mapping.ErrInvariant),
		errors.Is(err, review.ErrNoResolvedName):
		return http.StatusBadRequest
	case errors.Is(err, resolver.ErrFetchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("api: request failed", "pattern", r.Pattern, "status", status, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
