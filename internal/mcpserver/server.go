// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes proposal validation and lookup tools via stdio transport.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/eipsmith/internal/graph"
	"github.com/starford/eipsmith/internal/models"
	"github.com/starford/eipsmith/internal/pipeline"
)

const formatURI = "eipsmith://proposal-format"

// Server wraps the MCP server with proposal tools.
type Server struct {
	mcp *server.MCPServer
	p   *pipeline.Pipeline
}

// New creates a new MCP server with all tools registered.
func New(p *pipeline.Pipeline, version string) *Server {
	s := &Server{p: p}

	s.mcp = server.NewMCPServer(
		"eipsmith",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("check_repository",
		mcp.WithDescription("Validate every proposal and return the diagnostics report as JSON. "+
			"Optional patterns restrict the report to matching repository paths."),
		mcp.WithArray("patterns", mcp.Description("Glob patterns such as content/00042*"), mcp.WithStringItems()),
	), s.checkRepository)

	s.mcp.AddTool(mcp.NewTool("get_proposal",
		mcp.WithDescription("Return a proposal's preamble, dependencies, dependents and diagnostics."),
		mcp.WithNumber("id", mcp.Required(), mcp.Description("Proposal number")),
	), s.getProposal)

	s.mcp.AddTool(mcp.NewTool("proposal_dependents",
		mcp.WithDescription("List proposals that reference the given proposal."),
		mcp.WithNumber("id", mcp.Required(), mcp.Description("Proposal number")),
		mcp.WithBoolean("transitive", mcp.Description("Follow references transitively")),
	), s.proposalDependents)

	s.mcp.AddTool(mcp.NewTool("list_rules",
		mcp.WithDescription("List the lint rules with their effective severities."),
	), s.listRules)

	s.mcp.AddTool(mcp.NewTool("search_proposals",
		mcp.WithDescription("Full-text search over proposal titles and bodies as of the last build."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.searchProposals)

	s.mcp.AddTool(mcp.NewTool("get_proposal_format",
		mcp.WithDescription("Returns the proposal document format. "+
			"Call this before writing or editing proposals."),
	), s.getProposalFormat)

	s.mcp.AddResource(
		mcp.NewResource(formatURI, "Proposal Format",
			mcp.WithResourceDescription("Layout, preamble fields and required sections of a proposal."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) checkRepository(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	patterns := req.GetStringSlice("patterns", nil)
	report, err := s.p.Check(ctx, patterns...)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var buf bytes.Buffer
	if err := report.WriteJSON(&buf); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(buf.String()), nil
}

type proposalView struct {
	ID            int                 `json:"id"`
	Path          string              `json:"path"`
	Title         string              `json:"title"`
	Description   string              `json:"description,omitempty"`
	Status        models.Status       `json:"status"`
	Kind          string              `json:"kind"`
	Category      models.Category     `json:"category,omitempty"`
	Authors       []models.Author     `json:"authors"`
	Created       string              `json:"created,omitempty"`
	DiscussionsTo string              `json:"discussions_to,omitempty"`
	Requires      []int               `json:"requires"`
	Dependents    []int               `json:"dependents"`
	Links         []int               `json:"links"`
	Citations     []string            `json:"citations"`
	Assets        []string            `json:"assets,omitempty"`
	Diagnostics   []models.Diagnostic `json:"diagnostics"`
}

func (s *Server) getProposal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap, err := s.p.Snapshot(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	prop, ok := snap.Graph.Node(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("proposal %d not found", id)), nil
	}

	v := proposalView{
		ID:            prop.ID,
		Path:          prop.Path,
		Title:         prop.Title,
		Description:   prop.Description,
		Status:        prop.Status,
		Kind:          prop.Kind.Label(),
		Category:      prop.Category,
		Authors:       nonNil(prop.Authors),
		DiscussionsTo: prop.DiscussionsTo,
		Requires:      nonNil(prop.Requires),
		Dependents:    nonNil(snap.Graph.Dependents(id)),
		Assets:        prop.Assets,
		Diagnostics:   nonNil(snap.Report.For(id)),
	}
	if !prop.Created.IsZero() {
		v.Created = prop.Created.Format(time.DateOnly)
	}
	for _, e := range snap.Graph.Edges(id) {
		switch e.Kind {
		case graph.EdgeLink:
			if !slices.Contains(v.Links, e.To) {
				v.Links = append(v.Links, e.To)
			}
		case graph.EdgeCitation:
			if !slices.Contains(v.Citations, e.Key) {
				v.Citations = append(v.Citations, e.Key)
			}
		}
	}
	v.Links, v.Citations = nonNil(v.Links), nonNil(v.Citations)
	return jsonResult(v)
}

func (s *Server) proposalDependents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap, err := s.p.Snapshot(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, ok := snap.Graph.Node(id); !ok {
		return mcp.NewToolResultError(fmt.Sprintf("proposal %d not found", id)), nil
	}

	var deps []int
	if req.GetBool("transitive", false) {
		deps = snap.Graph.TransitiveDependents([]int{id})
	} else {
		deps = snap.Graph.Dependents(id)
	}
	if len(deps) == 0 {
		return mcp.NewToolResultText("no dependents found"), nil
	}
	return jsonResult(deps)
}

type ruleView struct {
	ID          string `json:"id"`
	Severity    string `json:"severity"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

func (s *Server) listRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var out []ruleView
	for _, r := range s.p.Rules() {
		out = append(out, ruleView{
			ID:          r.ID,
			Severity:    r.Default.String(),
			Kind:        string(r.Kind),
			Description: r.Description,
		})
	}
	return jsonResult(out)
}

func (s *Server) searchProposals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.p.Search(query, 20)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("no matches"), nil
	}
	return jsonResult(results)
}

func (s *Server) getProposalFormat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(ProposalFormat), nil
}

func (s *Server) readFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      formatURI,
			MIMEType: "text/markdown",
			Text:     ProposalFormat,
		},
	}, nil
}

func requireID(req mcp.CallToolRequest) (int, error) {
	id, err := req.RequireInt("id")
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("argument \"id\" must be positive")
	}
	return id, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
