// Package translit provides the Latin→Hebrew given-name transliteration table
// consulted by the roster matcher.
//
// The table is versioned data, not logic. A default table is embedded in the
// binary; deployments may override it with a YAML file of the same shape:
//
//	version: "2026-10-01"
//	entries:
//	  ofir: [אופיר, עופר]
//	  daniel: [דניאל]
//
// Keys and values are normalised at load time with [names.Normalize]. Only the
// Latin→Hebrew direction is stored; Hebrew input is matched directly by the
// matcher without translation.
package translit

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/rollcall/internal/names"
)

//go:embed default.yaml
var defaultData []byte

// ErrEmptyKey is returned when a table entry has a key that normalises to the
// empty string.
var ErrEmptyKey = errors.New("translit: entry key is empty after normalisation")

// Table is an immutable Latin→Hebrew lookup. The zero value is an empty table
// that reports no transliteration evidence for every token. A *Table is safe
// for concurrent use.
type Table struct {
	version string
	entries map[string][]string
}

// fileFormat is the YAML document shape.
type fileFormat struct {
	Version string              `yaml:"version"`
	Entries map[string][]string `yaml:"entries"`
}

// New builds a Table from raw entries. Keys and values are normalised;
// duplicate and empty values are dropped. Keys that collapse to the same
// normalised form have their values merged.
func New(version string, entries map[string][]string) (*Table, error) {
	t := &Table{version: version, entries: make(map[string][]string, len(entries))}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, raw := range keys {
		key := names.Normalize(raw)
		if key == "" {
			return nil, fmt.Errorf("%w: %q", ErrEmptyKey, raw)
		}
		for _, v := range entries[raw] {
			nv := names.Normalize(v)
			if nv == "" || slices.Contains(t.entries[key], nv) {
				continue
			}
			t.entries[key] = append(t.entries[key], nv)
		}
	}
	return t, nil
}

// Load decodes a YAML transliteration document from r.
func Load(r io.Reader) (*Table, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f fileFormat
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return New("", nil)
		}
		return nil, fmt.Errorf("translit: decode: %w", err)
	}
	t, err := New(f.Version, f.Entries)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// LoadFile opens path and decodes it with [Load].
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("translit: open %q: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Default returns the table embedded in the binary.
func Default() (*Table, error) {
	return Load(bytes.NewReader(defaultData))
}

// Resolve returns the table at path, or the embedded default when path is
// empty.
func Resolve(path string) (*Table, error) {
	if path == "" {
		return Default()
	}
	return LoadFile(path)
}

// Lookup returns the Hebrew forms for the normalised Latin token. An empty
// result means "no transliteration evidence", not an error. The returned slice
// must not be modified.
func (t *Table) Lookup(token string) []string {
	if t == nil {
		return nil
	}
	return t.entries[token]
}

// Version returns the version label of the loaded data.
func (t *Table) Version() string {
	if t == nil {
		return ""
	}
	return t.version
}

// Len returns the number of Latin keys in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}
