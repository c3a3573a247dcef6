package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrBadLessonDate is returned when a JSON-lines record carries a lesson date
// that is neither a calendar date nor an RFC 3339 timestamp.
var ErrBadLessonDate = errors.New("transcript: unrecognised lesson_date")

// jsonlRecord is the shape of one line of a transcript export.
type jsonlRecord struct {
	ID         json.RawMessage `json:"id"`
	FullText   string          `json:"full_text"`
	LessonDate string          `json:"lesson_date"`
	Title      string          `json:"title"`
}

// JSONLSource is a [Source] that reads a JSON-lines export of the transcript
// store: one object per line with the fields id, full_text, lesson_date and
// title. The file is re-read on every [JSONLSource.List] call.
type JSONLSource struct {
	path string
}

// Compile-time interface check.
var _ Source = (*JSONLSource)(nil)

// NewJSONLSource returns a source reading the export at path.
func NewJSONLSource(path string) *JSONLSource {
	return &JSONLSource{path: path}
}

// List reads and decodes the export file. Blank lines are skipped; any
// malformed line fails the whole read with its line number.
func (s *JSONLSource) List(ctx context.Context) ([]Transcript, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("transcript: open %q: %w", s.path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var out []Transcript
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var rec jsonlRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("transcript: %s:%d: %w", s.path, lineNo, err)
		}
		date, err := parseLessonDate(rec.LessonDate)
		if err != nil {
			return nil, fmt.Errorf("transcript: %s:%d: %w", s.path, lineNo, err)
		}
		out = append(out, Transcript{
			ID:         recordID(rec.ID),
			Text:       rec.FullText,
			Title:      rec.Title,
			LessonDate: date,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("transcript: read %q: %w", s.path, err)
	}
	return out, nil
}

// recordID accepts both string and numeric identifiers.
func recordID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func parseLessonDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrBadLessonDate, s)
}
