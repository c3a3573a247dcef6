package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the mapping tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS name_mappings (
    id               TEXT PRIMARY KEY,
    original_name    TEXT NOT NULL UNIQUE,
    resolved_name    TEXT,
    crm_match        TEXT,
    status           TEXT NOT NULL DEFAULT 'pending'
                     CHECK (status IN ('pending', 'auto_matched', 'approved', 'rejected')),
    transcript_count INTEGER NOT NULL DEFAULT 0,
    last_seen_at     TIMESTAMPTZ,
    notes            TEXT,
    updated_by       TEXT,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK ((status IN ('approved', 'auto_matched')) = (resolved_name IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS idx_name_mappings_status ON name_mappings(status);
CREATE INDEX IF NOT EXISTS idx_name_mappings_count ON name_mappings(transcript_count DESC, original_name);

CREATE TABLE IF NOT EXISTS name_mapping_history (
    id                     BIGSERIAL PRIMARY KEY,
    mapping_id             TEXT NOT NULL REFERENCES name_mappings(id),
    original_name          TEXT NOT NULL,
    previous_resolved_name TEXT,
    previous_status        TEXT NOT NULL,
    changed_by             TEXT NOT NULL,
    changed_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_name_mapping_history_mapping ON name_mapping_history(mapping_id, id DESC);
`

const mappingColumns = `id, original_name, resolved_name, crm_match, status,
	transcript_count, last_seen_at, notes, updated_by, created_at, updated_at`

const historyColumns = `id, mapping_id, original_name, previous_resolved_name,
	previous_status, changed_by, changed_at`

// DB is the database interface used by [PostgresStore]. *pgxpool.Pool
// satisfies it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. Writes run in a
// transaction that locks the mapping row with SELECT … FOR UPDATE.
type PostgresStore struct {
	db  DB
	now func() time.Time
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// PostgresOption configures a [PostgresStore].
type PostgresOption func(*PostgresStore)

// WithPostgresClock overrides the time source used for timestamps.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) { s.now = now }
}

// NewPostgresStore creates a [PostgresStore] on top of db. The caller is
// responsible for calling [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("mapping: migrate: %w", err)
	}
	return nil
}

// Ping reports whether the database answers a trivial query.
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("mapping: ping: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("mapping: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("mapping: commit: %w", err)
	}
	return nil
}

// errRaced signals that a concurrent writer inserted the same original name
// between our SELECT and INSERT.
var errRaced = errors.New("mapping: concurrent insert")

// Apply implements [Store.Apply]. A concurrent first insert of the same name
// is retried once, at which point the row exists and is locked normally.
func (s *PostgresStore) Apply(ctx context.Context, originalName string, actor Actor, fn MutateFunc) (NameMapping, Change, error) {
	if err := checkWrite(originalName, actor); err != nil {
		return NameMapping{}, ChangeNone, err
	}
	var (
		out    NameMapping
		change Change
		err    error
	)
	for attempt := 0; attempt < 2; attempt++ {
		err = s.withTx(ctx, func(tx pgx.Tx) error {
			var txErr error
			out, change, txErr = s.apply(ctx, tx, originalName, actor, fn)
			return txErr
		})
		if !errors.Is(err, errRaced) {
			break
		}
	}
	if err != nil {
		return NameMapping{}, ChangeNone, err
	}
	return out, change, nil
}

func (s *PostgresStore) apply(ctx context.Context, tx pgx.Tx, name string, actor Actor, fn MutateFunc) (NameMapping, Change, error) {
	cur, err := scanMapping(tx.QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM name_mappings WHERE original_name = $1 FOR UPDATE`, name))
	existed := true
	if errors.Is(err, pgx.ErrNoRows) {
		cur, existed = pending(name), false
	} else if err != nil {
		return NameMapping{}, ChangeNone, fmt.Errorf("mapping: select %q: %w", name, err)
	}

	m, err := mutate(cur, existed, actor, fn, s.now().UTC())
	if err != nil {
		return NameMapping{}, ChangeNone, err
	}
	if m.change == ChangeNone {
		return cur, ChangeNone, nil
	}

	if h := m.history; h != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO name_mapping_history
				(mapping_id, original_name, previous_resolved_name, previous_status, changed_by, changed_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			h.MappingID, h.OriginalName, h.PreviousResolvedName, string(h.PreviousStatus), h.ChangedBy, h.ChangedAt)
		if err != nil {
			return NameMapping{}, ChangeNone, fmt.Errorf("mapping: insert history %q: %w", name, err)
		}
	}

	n := m.next
	if m.change == ChangeCreated {
		_, err = tx.Exec(ctx,
			`INSERT INTO name_mappings (`+mappingColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			n.ID, n.OriginalName, n.ResolvedName, n.CRMMatch, string(n.Status),
			n.TranscriptCount, n.LastSeenAt, n.Notes, n.UpdatedBy, n.CreatedAt, n.UpdatedAt)
		if err != nil {
			if isDuplicateKeyError(err) {
				return NameMapping{}, ChangeNone, errRaced
			}
			return NameMapping{}, ChangeNone, fmt.Errorf("mapping: insert %q: %w", name, err)
		}
		return n, ChangeCreated, nil
	}

	if err := updateMapping(ctx, tx, n); err != nil {
		return NameMapping{}, ChangeNone, err
	}
	return n, ChangeUpdated, nil
}

// Undo implements [Store.Undo].
func (s *PostgresStore) Undo(ctx context.Context, originalName string, actor Actor) (NameMapping, error) {
	if err := checkUndo(originalName, actor); err != nil {
		return NameMapping{}, err
	}
	var out NameMapping
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cur, err := scanMapping(tx.QueryRow(ctx,
			`SELECT `+mappingColumns+` FROM name_mappings WHERE original_name = $1 FOR UPDATE`, originalName))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("mapping: select %q: %w", originalName, err)
		}

		h, err := scanHistory(tx.QueryRow(ctx,
			`SELECT `+historyColumns+` FROM name_mapping_history
			WHERE mapping_id = $1 ORDER BY id DESC LIMIT 1 FOR UPDATE`, cur.ID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNothingToUndo
		}
		if err != nil {
			return fmt.Errorf("mapping: select history %q: %w", originalName, err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM name_mapping_history WHERE id = $1`, h.ID); err != nil {
			return fmt.Errorf("mapping: delete history %d: %w", h.ID, err)
		}
		out = restore(cur, h, actor, s.now().UTC())
		return updateMapping(ctx, tx, out)
	})
	if err != nil {
		return NameMapping{}, err
	}
	return out, nil
}

func updateMapping(ctx context.Context, tx pgx.Tx, n NameMapping) error {
	tag, err := tx.Exec(ctx,
		`UPDATE name_mappings SET
			resolved_name = $2, crm_match = $3, status = $4, transcript_count = $5,
			last_seen_at = $6, notes = $7, updated_by = $8, updated_at = $9
		WHERE id = $1`,
		n.ID, n.ResolvedName, n.CRMMatch, string(n.Status), n.TranscriptCount,
		n.LastSeenAt, n.Notes, n.UpdatedBy, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("mapping: update %q: %w", n.OriginalName, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mapping: update %q: %w", n.OriginalName, ErrNotFound)
	}
	return nil
}

// Get implements [Store.Get].
func (s *PostgresStore) Get(ctx context.Context, originalName string) (NameMapping, error) {
	m, err := scanMapping(s.db.QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM name_mappings WHERE original_name = $1`, originalName))
	if errors.Is(err, pgx.ErrNoRows) {
		return NameMapping{}, ErrNotFound
	}
	if err != nil {
		return NameMapping{}, fmt.Errorf("mapping: get %q: %w", originalName, err)
	}
	return m, nil
}

// List implements [Store.List]. Names are compared bytewise (COLLATE "C") so
// the order matches [MemStore].
func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]NameMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM name_mappings`
	var args []any
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	query += ` ORDER BY transcript_count DESC, original_name COLLATE "C" ASC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mapping: list: %w", err)
	}
	defer rows.Close()

	result := []NameMapping{}
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("mapping: list scan: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mapping: list rows: %w", err)
	}
	return result, nil
}

// Lookup implements [Store.Lookup].
func (s *PostgresStore) Lookup(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT original_name, resolved_name FROM name_mappings
		WHERE status IN ('approved', 'auto_matched') AND resolved_name IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("mapping: lookup: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var original, resolved string
		if err := rows.Scan(&original, &resolved); err != nil {
			return nil, fmt.Errorf("mapping: lookup scan: %w", err)
		}
		out[original] = resolved
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mapping: lookup rows: %w", err)
	}
	return out, nil
}

// History implements [Store.History].
func (s *PostgresStore) History(ctx context.Context, originalName string) ([]MappingHistory, error) {
	rows, err := s.db.Query(ctx,
		`SELECT h.id, h.mapping_id, h.original_name, h.previous_resolved_name,
			h.previous_status, h.changed_by, h.changed_at
		FROM name_mapping_history h
		JOIN name_mappings m ON m.id = h.mapping_id
		WHERE m.original_name = $1
		ORDER BY h.id DESC`, originalName)
	if err != nil {
		return nil, fmt.Errorf("mapping: history %q: %w", originalName, err)
	}
	return collectHistory(rows)
}

// RecentHistory implements [Store.RecentHistory].
func (s *PostgresStore) RecentHistory(ctx context.Context, limit int) ([]MappingHistory, error) {
	query := `SELECT ` + historyColumns + ` FROM name_mapping_history ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mapping: recent history: %w", err)
	}
	return collectHistory(rows)
}

func collectHistory(rows pgx.Rows) ([]MappingHistory, error) {
	defer rows.Close()
	out := []MappingHistory{}
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("mapping: history scan: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mapping: history rows: %w", err)
	}
	return out, nil
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMapping(row scanner) (NameMapping, error) {
	var (
		m      NameMapping
		status string
	)
	err := row.Scan(
		&m.ID, &m.OriginalName, &m.ResolvedName, &m.CRMMatch, &status,
		&m.TranscriptCount, &m.LastSeenAt, &m.Notes, &m.UpdatedBy, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return NameMapping{}, err
	}
	m.Status = Status(status)
	return m, nil
}

func scanHistory(row scanner) (MappingHistory, error) {
	var (
		h      MappingHistory
		status string
	)
	err := row.Scan(&h.ID, &h.MappingID, &h.OriginalName, &h.PreviousResolvedName, &status, &h.ChangedBy, &h.ChangedAt)
	if err != nil {
		return MappingHistory{}, err
	}
	h.PreviousStatus = Status(status)
	return h, nil
}

// isDuplicateKeyError checks whether err is a PostgreSQL unique-violation
// error (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
