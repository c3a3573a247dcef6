package roster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// fileFormat is the YAML roster document shape:
//
//	students:
//	  - id: "1001"
//	    name: דניאל כהן
//	    status: Active
type fileFormat struct {
	Students []Entry `yaml:"students"`
}

// FileSource is a [Source] reading a YAML roster export, for offline runs and
// development. The file is re-read on every [FileSource.Fetch] call.
type FileSource struct {
	path   string
	active activeSet
}

// Compile-time interface check.
var _ Source = (*FileSource)(nil)

// NewFileSource returns a source reading the roster file at path. Entries
// whose status is in activeStatuses are marked active.
func NewFileSource(path string, activeStatuses []string) *FileSource {
	return &FileSource{path: path, active: newActiveSet(activeStatuses)}
}

// Fetch reads and decodes the roster file.
func (s *FileSource) Fetch(ctx context.Context) ([]Entry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("roster: open %q: %w", s.path, err)
	}
	defer f.Close()

	entries, err := decodeFile(f)
	if err != nil {
		return nil, fmt.Errorf("roster: %q: %w", s.path, err)
	}
	for i := range entries {
		entries[i].IsActive = s.active.contains(entries[i].StatusLabel)
	}
	return entries, nil
}

func decodeFile(r io.Reader) ([]Entry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc fileFormat
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode: %w", err)
	}
	for i, e := range doc.Students {
		if e.ExternalID == "" {
			return nil, fmt.Errorf("student %d (%q): id is required", i, e.Name)
		}
	}
	return doc.Students, nil
}
