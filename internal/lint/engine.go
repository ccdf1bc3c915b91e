package lint

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/starford/eipsmith/internal/citation"
	"github.com/starford/eipsmith/internal/graph"
	"github.com/starford/eipsmith/internal/markdown"
	"github.com/starford/eipsmith/internal/models"
)

// Overrides adjusts rule severities by id. Allow disables a rule and takes
// precedence over Warn, which takes precedence over Deny.
type Overrides struct {
	Deny  []string
	Warn  []string
	Allow []string
}

// Unit is one proposal to lint together with diagnostics already raised for
// it during discovery and parsing.
type Unit struct {
	Proposal *models.Proposal
	Pending  []models.Diagnostic
}

// Input is the whole corpus for one lint run.
type Input struct {
	Units    []Unit
	Graph    *graph.Graph
	Resolver *citation.Resolver
	// Global holds diagnostics not tied to a proposal, such as bibliography
	// warnings. Overrides apply to them by rule id.
	Global []models.Diagnostic
	// Unreadable lists proposals that exist on disk but could not be read.
	// They are missing from the graph without being dangling targets.
	Unreadable []int
}

// Engine evaluates rules over proposals on a bounded worker pool.
type Engine struct {
	rules    []Rule
	severity map[string]models.Severity

	// overridden holds only the severities set by Deny or Warn.
	overridden map[string]models.Severity
	disabled   map[string]bool
	workers    int
}

// NewEngine applies overrides to rules. An override naming an unknown rule
// is an error.
func NewEngine(rules []Rule, o Overrides, workers int) (*Engine, error) {
	if workers < 1 {
		workers = 1
	}
	e := &Engine{
		severity:   make(map[string]models.Severity, len(rules)),
		overridden: make(map[string]models.Severity),
		disabled:   make(map[string]bool),
		workers:    workers,
	}
	known := make(map[string]bool, len(rules))
	for _, r := range rules {
		known[r.ID] = true
		e.severity[r.ID] = r.Default
	}

	apply := func(ids []string, fn func(id string)) error {
		for _, id := range ids {
			if !known[id] {
				return fmt.Errorf("lint: unknown rule %q", id)
			}
			fn(id)
		}
		return nil
	}
	set := func(sev models.Severity) func(string) {
		return func(id string) {
			e.severity[id] = sev
			e.overridden[id] = sev
		}
	}
	if err := apply(o.Deny, set(models.SeverityError)); err != nil {
		return nil, err
	}
	if err := apply(o.Warn, set(models.SeverityWarning)); err != nil {
		return nil, err
	}
	if err := apply(o.Allow, func(id string) { e.disabled[id] = true }); err != nil {
		return nil, err
	}

	for _, r := range rules {
		if e.disabled[r.ID] {
			continue
		}
		r.Default = e.severity[r.ID]
		e.rules = append(e.rules, r)
	}
	return e, nil
}

// Rules returns the enabled rules with their effective severities.
func (e *Engine) Rules() []Rule { return e.rules }

// Run lints every unit and returns the sorted report. It only fails when
// ctx is cancelled; rule findings never abort the run.
func (e *Engine) Run(ctx context.Context, in Input) (*Report, error) {
	if in.Resolver == nil {
		in.Resolver = citation.NewResolver(nil, nil)
	}
	unreadable := make(map[int]bool, len(in.Unreadable))
	for _, id := range in.Unreadable {
		unreadable[id] = true
	}

	results := make([][]models.Diagnostic, len(in.Units))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, u := range in.Units {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = e.evaluate(e.context(u, in, unreadable))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("lint: run: %w", err)
	}

	report := &Report{}
	for _, r := range results {
		report.Add(r...)
	}
	for _, d := range in.Global {
		if e.disabled[d.Rule] {
			continue
		}
		if sev, ok := e.overridden[d.Rule]; ok {
			d.Severity = sev
		}
		report.Add(d)
	}
	report.Sort()
	return report, nil
}

func (e *Engine) context(u Unit, in Input, unreadable map[int]bool) *Context {
	c := &Context{Proposal: u.Proposal, Graph: in.Graph, Resolver: in.Resolver, Pending: u.Pending, Unreadable: unreadable}
	if in.Graph != nil {
		if n, ok := in.Graph.Node(u.Proposal.ID); ok && n == u.Proposal {
			c.Doc = in.Graph.Document(u.Proposal.ID)
		}
	}
	if c.Doc == nil {
		c.Doc = markdown.Parse(u.Proposal.Body, u.Proposal.BodyLine)
	}
	return c
}

func (e *Engine) evaluate(c *Context) []models.Diagnostic {
	var out []models.Diagnostic
	for i := range e.rules {
		r := &reporter{rule: &e.rules[i], p: c.Proposal}
		e.rules[i].check(c, r)
		out = append(out, r.out...)
	}
	return out
}
