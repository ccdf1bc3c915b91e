package lint

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/starford/eipsmith/internal/models"
)

// Output formats of a report.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Report is the aggregated, ordered set of diagnostics of one run.
type Report struct {
	Diagnostics []models.Diagnostic
}

// Add appends diagnostics; call Sort before presenting the report.
func (r *Report) Add(d ...models.Diagnostic) {
	r.Diagnostics = append(r.Diagnostics, d...)
}

// Sort orders by proposal id, line, column and rule. Path and message only
// break ties.
func (r *Report) Sort() {
	slices.SortStableFunc(r.Diagnostics, func(a, b models.Diagnostic) int {
		return cmp.Or(
			cmp.Compare(a.Location.ProposalID, b.Location.ProposalID),
			cmp.Compare(a.Location.Line, b.Location.Line),
			cmp.Compare(a.Location.Column, b.Location.Column),
			cmp.Compare(a.Rule, b.Rule),
			cmp.Compare(a.Location.Path, b.Location.Path),
			cmp.Compare(a.Message, b.Message),
		)
	})
}

// Counts returns the number of errors and warnings.
func (r *Report) Counts() (errs, warns int) {
	for _, d := range r.Diagnostics {
		if d.Severity == models.SeverityError {
			errs++
		} else {
			warns++
		}
	}
	return errs, warns
}

// HasErrors reports whether any diagnostic is an error.
func (r *Report) HasErrors() bool {
	errs, _ := r.Counts()
	return errs > 0
}

// For returns the diagnostics of one proposal.
func (r *Report) For(id int) []models.Diagnostic {
	var out []models.Diagnostic
	for _, d := range r.Diagnostics {
		if d.Location.ProposalID == id {
			out = append(out, d)
		}
	}
	return out
}

// Write renders the report in format (text or json).
func (r *Report) Write(w io.Writer, format string) error {
	if format == FormatJSON {
		return r.WriteJSON(w)
	}
	return r.WriteText(w)
}

// WriteText prints one line per diagnostic followed by a summary.
func (r *Report) WriteText(w io.Writer) error {
	for _, d := range r.Diagnostics {
		if _, err := fmt.Fprintf(w, "%s:%d:%d: %s[%s]: %s\n",
			d.Location.Path, d.Location.Line, d.Location.Column, d.Severity, d.Rule, d.Message); err != nil {
			return err
		}
	}
	errs, warns := r.Counts()
	_, err := fmt.Fprintf(w, "%d error(s), %d warning(s)\n", errs, warns)
	return err
}

type jsonReport struct {
	Diagnostics []models.Diagnostic `json:"diagnostics"`
	Errors      int                 `json:"errors"`
	Warnings    int                 `json:"warnings"`
}

// WriteJSON prints the report as a single JSON document.
func (r *Report) WriteJSON(w io.Writer) error {
	errs, warns := r.Counts()
	out := jsonReport{Diagnostics: r.Diagnostics, Errors: errs, Warnings: warns}
	if out.Diagnostics == nil {
		out.Diagnostics = []models.Diagnostic{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
