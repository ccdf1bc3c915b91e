// Package models defines the domain types for eipsmith.
package models

import (
	"fmt"
	"time"
)

// Kind is the track a proposal belongs to.
type Kind string

const (
	KindPrimary     Kind = "primary"
	KindApplication Kind = "application"
)

// Kinds lists every valid Kind.
var Kinds = []Kind{KindPrimary, KindApplication}

// Valid reports whether k is one of the closed set of kinds.
func (k Kind) Valid() bool {
	return k == KindPrimary || k == KindApplication
}

// Label returns the human-readable track name.
func (k Kind) Label() string {
	switch k {
	case KindPrimary:
		return "Primary Track"
	case KindApplication:
		return "Application Track"
	default:
		return string(k)
	}
}

// Status is a proposal's lifecycle status.
type Status string

const (
	StatusDraft     Status = "Draft"
	StatusReview    Status = "Review"
	StatusLastCall  Status = "Last Call"
	StatusFinal     Status = "Final"
	StatusStagnant  Status = "Stagnant"
	StatusWithdrawn Status = "Withdrawn"
	StatusLiving    Status = "Living"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusDraft,
	StatusReview,
	StatusLastCall,
	StatusFinal,
	StatusStagnant,
	StatusWithdrawn,
	StatusLiving,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Published reports whether the status is a non-draft, settled one.
func (s Status) Published() bool {
	return s == StatusFinal || s == StatusLiving
}

// Category is the optional classification tag of a proposal.
type Category string

// Categories lists every valid category.
var Categories = []Category{"Core", "Networking", "Interface", "ERC", "Meta", "Informational"}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

// Author is one entry of a proposal's author list.
type Author struct {
	Name   string `json:"name" yaml:"name"`
	GitHub string `json:"github,omitempty" yaml:"github,omitempty"`
	Email  string `json:"email,omitempty" yaml:"email,omitempty"`
}

// Position is a 1-based line/column pair inside a source file.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Field is an opaque pass-through preamble field.
type Field struct {
	Name  string
	Value string
	Pos   Position
}

// Proposal is a parsed proposal document.
type Proposal struct {
	ID            int
	Path          string // relative to the repository root
	Dir           bool   // NNNNN/index.md layout
	Raw           []byte
	Kind          Kind
	Status        Status
	Category      Category
	Title         string
	Description   string
	Authors       []Author
	Created       time.Time
	Requires      []int
	DiscussionsTo string
	Extra         []Field

	// Fields maps preamble field names to their position in the file.
	Fields map[string]Position
	// BodyLine is the file line the body starts on.
	BodyLine int
	Body     string
	Assets   []string

	// PreviousStatus is the last recorded status, nil when newly introduced.
	PreviousStatus *Status
	// SchemaFailed is set when the preamble is missing or any of its fields
	// failed validation. Such a proposal is linted but never built.
	SchemaFailed bool
}

// FieldPos returns the recorded position of a preamble field, falling back to
// the first line of the file.
func (p *Proposal) FieldPos(name string) Position {
	if pos, ok := p.Fields[name]; ok {
		return pos
	}
	return Position{Line: 1, Column: 1}
}

// Label returns the conventional display name, e.g. "EIP-1".
func (p *Proposal) Label() string {
	return fmt.Sprintf("EIP-%d", p.ID)
}

// Severity of a diagnostic.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "error":
		*s = SeverityError
	case "warning":
		*s = SeverityWarning
	default:
		return fmt.Errorf("models: unknown severity %q", b)
	}
	return nil
}

// ErrorKind tags a diagnostic with its place in the error taxonomy.
type ErrorKind string

const (
	KindDiscovery ErrorKind = "DiscoveryError"
	KindSchema    ErrorKind = "SchemaError"
	KindGraph     ErrorKind = "GraphError"
	KindCitation  ErrorKind = "CitationError"
	KindTransform ErrorKind = "TransformError"
	KindLint      ErrorKind = "LintError"
)

// Location points at a span inside a proposal (or another repository file
// when ProposalID is zero).
type Location struct {
	Path       string `json:"path"`
	ProposalID int    `json:"proposal,omitempty"`
	Line       int    `json:"line"`
	Column     int    `json:"column"`
	EndLine    int    `json:"end_line,omitempty"`
	EndColumn  int    `json:"end_column,omitempty"`
}

// Diagnostic is a single finding produced during validation.
type Diagnostic struct {
	Severity Severity  `json:"severity"`
	Rule     string    `json:"rule"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Location Location  `json:"location"`
}

// Asset is one file of a proposal's asset manifest.
type Asset struct {
	Path        string `json:"path"` // relative to the proposal's assets directory
	Fingerprint string `json:"fingerprint"`
}

// ContentArtifact is the renderer-ready output for one proposal.
type ContentArtifact struct {
	ProposalID  int
	FrontMatter []byte
	Body        string
	Assets      []Asset
}

// ManifestEntry records what was last built for a proposal.
type ManifestEntry struct {
	ProposalID int
	Content    string
	Upstream   string
	Artifact   string
	BuiltAt    time.Time
}
