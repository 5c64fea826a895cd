// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes record resolution and fetch tools for LLM integration via stdio
// transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/snowlink/internal/apperr"
	"github.com/starford/snowlink/internal/models"
)

// Resolver extracts record matches from free-form text.
type Resolver interface {
	Resolve(text string) ([]models.Match, error)
}

// Fetcher retrieves one record through the cached fetch path.
type Fetcher interface {
	Fetch(ctx context.Context, m models.Match) (models.Record, error)
}

// Server wraps the MCP server with snowlink tools.
type Server struct {
	mcp      *server.MCPServer
	resolver Resolver
	fetcher  Fetcher
	kinds    []models.Kind
}

// New creates a new MCP server with all snowlink tools registered.
func New(resolver Resolver, fetcher Fetcher, kinds []models.Kind) *Server {
	s := &Server{resolver: resolver, fetcher: fetcher, kinds: kinds}

	s.mcp = server.NewMCPServer(
		"Snowlink",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("resolve_text",
		mcp.WithDescription("Scan free-form text for ServiceNow record identifiers "+
			"(e.g. INC0012345, SCTASK0098765) and instance deep links. Returns the "+
			"matches without fetching them."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Text to scan")),
	), s.resolveText)

	s.mcp.AddTool(mcp.NewTool("get_record",
		mcp.WithDescription("Fetch one ServiceNow record by kind and identifier. "+
			"The identifier is either a record number (INC0012345) or a 32-char sys_id. "+
			"Use list_kinds for the supported kinds."),
		mcp.WithString("kind", mcp.Required(), mcp.Description("Record kind (e.g. incident, task)")),
		mcp.WithString("identifier", mcp.Required(), mcp.Description("Record number or sys_id")),
	), s.getRecord)

	s.mcp.AddTool(mcp.NewTool("list_kinds",
		mcp.WithDescription("List the record kinds this instance is configured to recognise."),
	), s.listKinds)

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

func (s *Server) resolveText(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	matches, err := s.resolver.Resolve(text)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if matches == nil {
		matches = []models.Match{}
	}
	out, _ := json.MarshalIndent(matches, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	identifier, err := req.RequireString("identifier")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.fetcher.Fetch(ctx, models.Match{Kind: models.Kind(kind), Identifier: identifier})
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("not found: %s %s", kind, identifier)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(rec, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listKinds(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type kindInfo struct {
		Kind  models.Kind `json:"kind"`
		Label string      `json:"label"`
	}
	infos := make([]kindInfo, 0, len(s.kinds))
	for _, k := range s.kinds {
		infos = append(infos, kindInfo{Kind: k, Label: k.Label()})
	}
	out, _ := json.MarshalIndent(infos, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}
