package citation

import (
	"encoding/xml"
	"fmt"
	"path"
	"strings"

	"github.com/starford/eipsmith/internal/apperr"
)

// Format is the family of citation evaluator.
type Format string

const (
	FormatNumeric    Format = "numeric"
	FormatAuthorDate Format = "author-date"
)

// Style selects the evaluator and the in-text marker punctuation.
type Style struct {
	ID        string
	Title     string
	Format    Format
	Prefix    string
	Suffix    string
	Delimiter string
}

// Builtin style names.
const (
	StyleIEEE = "ieee"
	StyleAPA  = "apa"
)

// Builtin returns a named built-in style.
func Builtin(name string) (*Style, bool) {
	switch strings.ToLower(name) {
	case StyleIEEE, "":
		return &Style{ID: StyleIEEE, Title: "IEEE", Format: FormatNumeric, Prefix: "[", Suffix: "]", Delimiter: ", "}, true
	case StyleAPA:
		return &Style{ID: StyleAPA, Title: "APA", Format: FormatAuthorDate, Prefix: "(", Suffix: ")", Delimiter: "; "}, true
	default:
		return nil, false
	}
}

// Identity is the style's contribution to content fingerprints.
func (s *Style) Identity() string {
	return fmt.Sprintf("%s|%s|%q|%q|%q", s.ID, s.Format, s.Prefix, s.Suffix, s.Delimiter)
}

type cslStyle struct {
	XMLName xml.Name `xml:"style"`
	Info    struct {
		ID         string `xml:"id"`
		Title      string `xml:"title"`
		Categories []struct {
			CitationFormat string `xml:"citation-format,attr"`
		} `xml:"category"`
	} `xml:"info"`
	Citation struct {
		Layout struct {
			Prefix    *string `xml:"prefix,attr"`
			Suffix    *string `xml:"suffix,attr"`
			Delimiter *string `xml:"delimiter,attr"`
		} `xml:"layout"`
	} `xml:"citation"`
}

// ParseCSL reads a CSL 1.0 style file. Only the citation format category and
// the citation layout's affixes are honoured; the rest of the style language
// is evaluated by the matching built-in evaluator.
func ParseCSL(name string, data []byte) (*Style, error) {
	const op = "citation.ParseCSL"
	var doc cslStyle
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, apperr.New(apperr.ErrCitation, op, "%s: %v", name, err)
	}

	var base *Style
	for _, c := range doc.Info.Categories {
		switch Format(c.CitationFormat) {
		case FormatNumeric:
			base, _ = Builtin(StyleIEEE)
		case FormatAuthorDate:
			base, _ = Builtin(StyleAPA)
		case "":
			continue
		default:
			return nil, apperr.New(apperr.ErrCitation, op, "%s: unsupported citation-format %q", name, c.CitationFormat)
		}
		break
	}
	if base == nil {
		return nil, apperr.New(apperr.ErrCitation, op, "%s: style declares no citation-format category", name)
	}

	base.ID = strings.TrimSuffix(path.Base(name), ".csl")
	if doc.Info.ID != "" {
		base.ID = doc.Info.ID
	}
	base.Title = strings.TrimSpace(doc.Info.Title)
	l := doc.Citation.Layout
	if l.Prefix != nil {
		base.Prefix = *l.Prefix
	}
	if l.Suffix != nil {
		base.Suffix = *l.Suffix
	}
	if l.Delimiter != nil {
		base.Delimiter = *l.Delimiter
	}
	return base, nil
}

// LoadStyle resolves name as a built-in style, or else as a CSL file read
// through read.
func LoadStyle(name string, read func(string) ([]byte, error)) (*Style, error) {
	if s, ok := Builtin(name); ok {
		return s, nil
	}
	if !strings.HasSuffix(name, ".csl") && !strings.HasSuffix(name, ".xml") {
		return nil, apperr.New(apperr.ErrCitation, "citation.LoadStyle", "unknown style %q (want %q, %q or a .csl file)", name, StyleIEEE, StyleAPA)
	}
	data, err := read(name)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrCitation, "citation.LoadStyle", err)
	}
	return ParseCSL(name, data)
}
