package transcript

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// DefaultTable is the transcript table read by [PostgresSource] when no table
// is configured.
const DefaultTable = "transcripts"

// Querier is the database interface used by [PostgresSource]. Both
// *pgxpool.Pool and *pgx.Conn satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSource is a [Source] that reads transcripts from a PostgreSQL table
// with the columns id, full_text, lesson_date and title. It only ever issues
// SELECT statements.
type PostgresSource struct {
	db    Querier
	query string
}

// Compile-time interface check.
var _ Source = (*PostgresSource)(nil)

// NewPostgresSource returns a source reading from table, which may be
// schema-qualified ("archive.transcripts"). An empty table selects
// [DefaultTable]. The name is quoted as an identifier.
func NewPostgresSource(db Querier, table string) *PostgresSource {
	if table == "" {
		table = DefaultTable
	}
	ident := pgx.Identifier(strings.Split(table, ".")).Sanitize()
	return &PostgresSource{
		db: db,
		query: `SELECT id::text, COALESCE(full_text, ''), lesson_date, COALESCE(title, '')
		        FROM ` + ident + ` ORDER BY lesson_date NULLS LAST, id`,
	}
}

// List returns every transcript in the table.
func (s *PostgresSource) List(ctx context.Context) ([]Transcript, error) {
	rows, err := s.db.Query(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("transcript: query: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var (
			t    Transcript
			date *time.Time
		)
		if err := rows.Scan(&t.ID, &t.Text, &date, &t.Title); err != nil {
			return nil, fmt.Errorf("transcript: scan: %w", err)
		}
		t.LessonDate = date
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript: rows: %w", err)
	}
	return out, nil
}
