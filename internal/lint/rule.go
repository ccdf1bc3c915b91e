// Package lint validates parsed proposals against a fixed set of rules and
// aggregates the findings into a sorted report.
package lint

import (
	"fmt"

	"github.com/starford/eipsmith/internal/citation"
	"github.com/starford/eipsmith/internal/graph"
	"github.com/starford/eipsmith/internal/markdown"
	"github.com/starford/eipsmith/internal/models"
)

// Rule ids.
const (
	RulePreambleSchema    = "preamble-schema"
	RuleDuplicateID       = "duplicate-id"
	RuleDiscovery         = "discovery"
	RuleTitleLength       = "preamble-title-length"
	RuleDiscussionsTo     = "preamble-discussions-to"
	RuleStatusTransition  = "status-transition"
	RuleRequiresExist     = "requires-exist"
	RuleRequiresCycle     = "requires-cycle"
	RuleRequiresWithdrawn = "requires-withdrawn"
	RuleRequiresOrder     = "requires-order"
	RuleLinkResolvable    = "link-resolvable"
	RuleAssetExists       = "asset-exists"
	RuleAssetUnreferenced = "asset-unreferenced"
	RuleHeadingHierarchy  = "heading-hierarchy"
	RuleRequiredSections  = "required-sections"
	RuleCitationKey       = "citation-key"
)

// Rule is one check. The set is closed: rules are only constructed by
// Builtin.
type Rule struct {
	ID          string
	Description string
	Default     models.Severity
	Kind        models.ErrorKind

	check func(c *Context, r *reporter)
}

// Context is everything a rule may look at for one proposal.
type Context struct {
	Proposal *models.Proposal
	Doc      *markdown.Document
	Graph    *graph.Graph
	Resolver *citation.Resolver
	// Pending holds diagnostics produced before linting (discovery and
	// preamble parsing) that rules pass through.
	Pending []models.Diagnostic
	// Unreadable holds ids whose files exist but could not be read.
	Unreadable map[int]bool
}

type reporter struct {
	rule *Rule
	p    *models.Proposal
	out  []models.Diagnostic
}

func (r *reporter) at(pos models.Position, format string, args ...any) {
	r.out = append(r.out, models.Diagnostic{
		Severity: r.rule.Default,
		Rule:     r.rule.ID,
		Kind:     r.rule.Kind,
		Message:  fmt.Sprintf(format, args...),
		Location: models.Location{
			Path:       r.p.Path,
			ProposalID: r.p.ID,
			Line:       pos.Line,
			Column:     pos.Column,
		},
	})
}

func (r *reporter) field(name, format string, args ...any) {
	r.at(r.p.FieldPos(name), format, args...)
}

func (r *reporter) pass(d models.Diagnostic) {
	d.Rule = r.rule.ID
	d.Severity = r.rule.Default
	r.out = append(r.out, d)
}

// Builtin returns the full rule set in a fixed order.
func Builtin() []Rule {
	return []Rule{
		{RulePreambleSchema, "preamble fields are present, typed and within their enumerations", models.SeverityError, models.KindSchema, passThrough(RulePreambleSchema)},
		{RuleDuplicateID, "no two files claim the same proposal number", models.SeverityError, models.KindGraph, checkDuplicateID},
		{RuleDiscovery, "proposal files and their assets are readable", models.SeverityError, models.KindDiscovery, passThrough(RuleDiscovery)},
		{RuleTitleLength, "titles are at most 44 characters", models.SeverityWarning, models.KindLint, checkTitleLength},
		{RuleDiscussionsTo, "discussions-to is an absolute URL", models.SeverityError, models.KindLint, checkDiscussionsTo},
		{RuleStatusTransition, "status only moves along the lifecycle", models.SeverityError, models.KindLint, checkStatusTransition},
		{RuleRequiresExist, "every required proposal exists", models.SeverityError, models.KindGraph, checkRequiresExist},
		{RuleRequiresCycle, "requires relations are acyclic", models.SeverityError, models.KindGraph, checkRequiresCycle},
		{RuleRequiresWithdrawn, "proposals do not require withdrawn ones", models.SeverityError, models.KindGraph, checkRequiresWithdrawn},
		{RuleRequiresOrder, "requires is listed in ascending order", models.SeverityWarning, models.KindLint, checkRequiresOrder},
		{RuleLinkResolvable, "links to proposal files point at existing proposals", models.SeverityError, models.KindGraph, checkLinkResolvable},
		{RuleAssetExists, "linked assets exist", models.SeverityError, models.KindLint, checkAssetExists},
		{RuleAssetUnreferenced, "every asset is referenced from the body", models.SeverityWarning, models.KindLint, checkAssetUnreferenced},
		{RuleHeadingHierarchy, "no level-1 headings and no skipped heading levels", models.SeverityError, models.KindLint, checkHeadingHierarchy},
		{RuleRequiredSections, "the sections required for the proposal's kind are present", models.SeverityError, models.KindLint, checkRequiredSections},
		{RuleCitationKey, "citation markers resolve against the bibliography", models.SeverityError, models.KindCitation, checkCitationKey},
	}
}
