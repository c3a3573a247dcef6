// Package transcript reads lesson transcripts and extracts the raw name of the
// student who speaks in them.
//
// Transcripts are free-text dialogue exported from a recording service. Each
// dialogue line is prefixed with a speaker label and a numeric timestamp:
//
//	Dana Cohen (00:01:12): hi, can you hear me?
//
// The [Extractor] scans the first lines of a transcript for the first speaker
// that is not a known non-student alias (the teacher and their variants) and
// falls back to the transcript title ("Lesson with Dana") when the dialogue
// yields nothing. Extracted labels are cleaned of recording-device artefacts
// before being returned.
//
// Transcripts come from a [Source]: a Postgres table ([PostgresSource]) or a
// JSON-lines export file ([JSONLSource]). The core never writes transcripts.
package transcript

import (
	"context"
	"time"
)

// Transcript is one lesson transcript as stored by the recording service.
type Transcript struct {
	// ID is the transcript's identifier in the source store.
	ID string

	// Text is the full dialogue text. It may start with a byte-order mark and
	// contain bidirectional control characters.
	Text string

	// Title is the recording title, used by the title fallback.
	Title string

	// LessonDate is the date the lesson took place, if known.
	LessonDate *time.Time
}

// Source lists transcripts from a backing store.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// List returns every transcript in the store. A failure to reach the store
	// is returned as an error; callers treat it as a run-level failure.
	List(ctx context.Context) ([]Transcript, error)
}
