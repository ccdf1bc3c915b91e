// Package citation loads a CSL-JSON bibliography and renders citation
// markers and per-proposal bibliographies in a numeric or author-date style.
package citation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/starford/eipsmith/internal/apperr"
	"github.com/starford/eipsmith/internal/models"
)

// Rule is the diagnostic rule id for bibliography problems.
const Rule = "citation-key"

// Name is a CSL name variable.
type Name struct {
	Family  string `json:"family,omitempty"`
	Given   string `json:"given,omitempty"`
	Literal string `json:"literal,omitempty"`
}

// Date is a CSL date variable.
type Date struct {
	DateParts [][]Variable `json:"date-parts,omitempty"`
	Literal   string       `json:"literal,omitempty"`
	Raw       string       `json:"raw,omitempty"`
}

// Year returns the first year of the date, or "" when absent.
func (d *Date) Year() string {
	if d == nil {
		return ""
	}
	if len(d.DateParts) > 0 && len(d.DateParts[0]) > 0 {
		return string(d.DateParts[0][0])
	}
	if d.Literal != "" {
		return d.Literal
	}
	if len(d.Raw) >= 4 {
		return d.Raw[:4]
	}
	return ""
}

// Variable is a CSL string-or-number variable.
type Variable string

// UnmarshalJSON accepts both strings and numbers.
func (v *Variable) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Variable(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*v = Variable(n.String())
	return nil
}

// Entry is one CSL-JSON item.
type Entry struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Author         []Name   `json:"author,omitempty"`
	Editor         []Name   `json:"editor,omitempty"`
	Title          string   `json:"title,omitempty"`
	ContainerTitle string   `json:"container-title,omitempty"`
	Publisher      string   `json:"publisher,omitempty"`
	Issued         *Date    `json:"issued,omitempty"`
	Volume         Variable `json:"volume,omitempty"`
	Issue          Variable `json:"issue,omitempty"`
	Page           Variable `json:"page,omitempty"`
	URL            string   `json:"URL,omitempty"`
	DOI            string   `json:"DOI,omitempty"`

	canonical []byte
}

// Canonical is the entry re-encoded with sorted keys, used to fingerprint it.
func (e *Entry) Canonical() []byte { return e.canonical }

// ParseEntry decodes a single CSL-JSON object.
func ParseEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	// encoding/json writes map keys in sorted order.
	canon, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}
	e.canonical = canon
	return &e, nil
}

// Store is an immutable, loaded bibliography.
type Store struct {
	path    string
	entries map[string]*Entry
	keys    []string
}

// Load decodes a CSL-JSON array read from path. A store that cannot be
// decoded at all returns an error wrapping apperr.ErrCitation; malformed
// or duplicate items are skipped and reported as warnings against path.
func Load(path string, data []byte) (*Store, []models.Diagnostic, error) {
	const op = "citation.Load"
	s := &Store{path: path, entries: make(map[string]*Entry)}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, apperr.New(apperr.ErrCitation, op, "%s: %v", path, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, nil, apperr.New(apperr.ErrCitation, op, "%s: expected a JSON array of CSL items", path)
	}

	var diags []models.Diagnostic
	warn := func(offset int64, format string, args ...any) {
		line, col := lineCol(data, offset)
		diags = append(diags, models.Diagnostic{
			Severity: models.SeverityWarning,
			Rule:     Rule,
			Kind:     models.KindCitation,
			Message:  fmt.Sprintf(format, args...),
			Location: models.Location{Path: path, Line: line, Column: col},
		})
	}

	for i := 0; dec.More(); i++ {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, apperr.New(apperr.ErrCitation, op, "%s: item %d: %v", path, i, err)
		}
		offset := dec.InputOffset() - int64(len(raw))
		e, err := ParseEntry(raw)
		if err != nil {
			warn(offset, "bibliography item %d is malformed: %v", i, err)
			continue
		}
		if strings.TrimSpace(e.ID) == "" {
			warn(offset, "bibliography item %d has no `id`", i)
			continue
		}
		if _, dup := s.entries[e.ID]; dup {
			warn(offset, "bibliography item %d duplicates id %q", i, e.ID)
			continue
		}
		s.entries[e.ID] = e
		s.keys = append(s.keys, e.ID)
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, apperr.New(apperr.ErrCitation, op, "%s: %v", path, err)
	}
	slices.Sort(s.keys)
	return s, diags, nil
}

// Path is the repository-relative bibliography path.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Lookup returns the entry for key. A nil store has no entries.
func (s *Store) Lookup(key string) (*Entry, bool) {
	if s == nil {
		return nil, false
	}
	e, ok := s.entries[key]
	return e, ok
}

// Keys returns every id in the store, sorted.
func (s *Store) Keys() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.keys)
}

// Len is the number of usable entries.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

func lineCol(data []byte, offset int64) (int, int) {
	if offset < 0 || offset > int64(len(data)) {
		return 1, 1
	}
	// Skip the separator and whitespace the decoder counts into the value.
	for offset < int64(len(data)) && strings.ContainsRune(" \t\r\n,", rune(data[offset])) {
		offset++
	}
	before := data[:offset]
	line := bytes.Count(before, []byte("\n")) + 1
	col := int(offset) - (bytes.LastIndexByte(before, '\n') + 1) + 1
	return line, col
}
