package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/vidnote/internal/query"
	"github.com/kalambet/vidnote/internal/storage"
)

const recentNotesLimit = 10

// NewMCPServer creates an MCP server exposing the read-only note tools.
func NewMCPServer(q *query.Service, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"vidnote",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("vidnote: search and read knowledge notes generated from short videos."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_notes",
			mcp.WithDescription("Full-text search over stored notes. Returns title, snippet, source link and creation time."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5, max 20)")),
		),
		mcpSearchNotes(q),
	)

	s.AddTool(
		mcp.NewTool("get_note",
			mcp.WithDescription("Fetch one note by id, including its full markdown body."),
			mcp.WithString("note_id", mcp.Description("Note id"), mcp.Required()),
		),
		mcpGetNote(q),
	)

	s.AddTool(
		mcp.NewTool("get_note_by_code",
			mcp.WithDescription("Fetch one note by the short code shown to the user when it was created."),
			mcp.WithString("code", mcp.Description("Short note code"), mcp.Required()),
		),
		mcpGetNoteByCode(q),
	)

	s.AddTool(
		mcp.NewTool("list_notes",
			mcp.WithDescription("List notes newest first, without bodies."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of notes (default 20)")),
			mcp.WithNumber("offset", mcp.Description("Number of notes to skip")),
		),
		mcpListNotes(q),
	)

	s.AddTool(
		mcp.NewTool("list_by_tag",
			mcp.WithDescription("List notes carrying a tag, newest first."),
			mcp.WithString("tag", mcp.Description("Tag to match exactly"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of notes (default 20)")),
		),
		mcpListByTag(q),
	)

	s.AddTool(
		mcp.NewTool("knowledge_stats",
			mcp.WithDescription("Counts for the knowledge base: total notes, latest note, stages served by a secondary provider, failed jobs."),
		),
		mcpKnowledgeStats(q),
	)

	s.AddResource(
		mcp.NewResource(
			"notes://recent",
			"Recent Notes",
			mcp.WithResourceDescription("The 10 most recent notes (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(q),
	)

	return s
}

func mcpSearchNotes(q *query.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", query.DefaultLimit)

		results, err := q.Search(ctx, text, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("No matching notes found."), nil
		}
		return mcpJSON(results)
	}
}

func mcpGetNote(q *query.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("note_id")
		if err != nil {
			return mcpError("note_id is required"), nil
		}
		n, err := q.Get(ctx, id)
		return mcpNote(n, err)
	}
}

func mcpGetNoteByCode(q *query.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		code, err := req.RequireString("code")
		if err != nil {
			return mcpError("code is required"), nil
		}
		n, err := q.GetByCode(ctx, code)
		return mcpNote(n, err)
	}
}

func mcpListNotes(q *query.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		notes, err := q.List(ctx, req.GetInt("limit", 20), req.GetInt("offset", 0))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list notes: %v", err)), nil
		}
		return mcpJSON(notes)
	}
}

func mcpListByTag(q *query.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tag, err := req.RequireString("tag")
		if err != nil {
			return mcpError("tag is required"), nil
		}
		notes, err := q.ListByTag(ctx, tag, req.GetInt("limit", 20))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list notes: %v", err)), nil
		}
		return mcpJSON(notes)
	}
}

func mcpKnowledgeStats(q *query.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := q.Stats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read stats: %v", err)), nil
		}
		return mcpJSON(newStatsView(st))
	}
}

func mcpResourceRecent(q *query.Service) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		notes, err := q.List(ctx, recentNotesLimit, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent notes: %w", err)
		}
		b, err := json.Marshal(notes)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notes: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpNote(n storage.Note, err error) (*mcp.CallToolResult, error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return mcpError("note not found"), nil
	case err != nil:
		return mcpError(fmt.Sprintf("failed to get note: %v", err)), nil
	}
	return mcpJSON(newNoteView(n))
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
