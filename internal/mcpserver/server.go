// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes noteworthy tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/noteworthy/internal/apperr"
	"github.com/starford/noteworthy/internal/codec"
	"github.com/starford/noteworthy/internal/index"
	"github.com/starford/noteworthy/internal/models"
	"github.com/starford/noteworthy/internal/notes"
	"github.com/starford/noteworthy/internal/noteservice"
	"github.com/starford/noteworthy/internal/parser"
)

const (
	contractURI  = "noteworthy://note-format"
	searchLimit  = 20
	defaultLimit = 50
)

// Server wraps the MCP server with noteworthy tools.
type Server struct {
	mcp *server.MCPServer
	svc *noteservice.Service
}

// New creates a new MCP server with all tools registered.
func New(svc *noteservice.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Noteworthy",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Search note titles and bodies. Every query word must match."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithString("tag", mcp.Description("Only notes carrying this tag")),
		mcp.WithBoolean("include_trashed", mcp.Description("Search the trash too")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read the full stored record of a note, header included."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a new note. Read the contract first via the "+
			"get_note_contract tool or the "+contractURI+" resource."),
		mcp.WithString("title", mcp.Description("Optional title")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Markdown body")),
		mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Optional tags")),
	), s.createNote)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List live notes, pinned first, most recently modified next."),
		mcp.WithString("tag", mcp.Description("Only notes carrying this tag")),
		mcp.WithNumber("limit", mcp.Description("Max notes (default 50)")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("tag_note",
		mcp.WithDescription("Add a tag to a note, or remove it when remove is true."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
		mcp.WithString("tag", mcp.Required(), mcp.Description("Tag name")),
		mcp.WithBoolean("remove", mcp.Description("Remove instead of add")),
	), s.tagNote)

	s.mcp.AddTool(mcp.NewTool("get_note_contract",
		mcp.WithDescription("Returns the note format contract. "+
			"Call this before creating notes to ensure correct structure."),
	), s.getNoteContract)

	// Resource: note format contract.
	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Note Format Contract",
			mcp.WithResourceDescription("How notes are stored and which fields tools may set."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
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

type noteSummary struct {
	ID      models.NoteID `json:"id"`
	Title   string        `json:"title"`
	Tags    []string      `json:"tags,omitempty"`
	Pinned  bool          `json:"pinned,omitempty"`
	Trashed bool          `json:"trashed,omitempty"`
}

func summarize(n models.Note) noteSummary {
	return noteSummary{
		ID:      n.ID,
		Title:   parser.DisplayTitle(n.Title, n.Body),
		Tags:    n.Tags,
		Pinned:  n.Pinned,
		Trashed: n.Trashed(),
	}
}

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func errorResult(err error) *mcp.CallToolResult {
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError("note not found")
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) searchNotes(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	f := index.Filter{IncludeTrashed: req.GetBool("include_trashed", false)}
	if tag := req.GetString("tag", ""); tag != "" {
		if f.Tag, err = notes.NormalizeTag(tag); err != nil {
			return errorResult(err), nil
		}
	}
	results := []noteSummary{}
	for n := range s.svc.Search(query, f) {
		results = append(results, summarize(n))
		if len(results) == searchLimit {
			break
		}
	}
	return jsonResult(results), nil
}

func (s *Server) readNote(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.svc.Get(models.NoteID(id))
	if err != nil {
		return errorResult(err), nil
	}
	data, err := codec.EncodeNote(n)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) createNote(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body, err := req.RequireString("body")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.svc.Create(req.GetString("title", ""), body, req.GetStringSlice("tags", nil)...)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", n.ID)), nil
}

func (s *Server) listNotes(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}
	tag := ""
	if t := req.GetString("tag", ""); t != "" {
		var err error
		if tag, err = notes.NormalizeTag(t); err != nil {
			return errorResult(err), nil
		}
	}
	results := []noteSummary{}
	for n := range s.svc.Sorted(index.Order{Key: index.Recency}) {
		if tag != "" && !n.HasTag(tag) {
			continue
		}
		results = append(results, summarize(n))
		if len(results) == limit {
			break
		}
	}
	return jsonResult(results), nil
}

func (s *Server) tagNote(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tag, err := req.RequireString("tag")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if req.GetBool("remove", false) {
		err = s.svc.Untag(models.NoteID(id), tag)
	} else {
		err = s.svc.Tag(models.NoteID(id), tag)
	}
	if err != nil {
		return errorResult(err), nil
	}
	n, err := s.svc.Get(models.NoteID(id))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(summarize(n)), nil
}

func (s *Server) getNoteContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteFormatContract), nil
}

func (s *Server) readNoteFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     NoteFormatContract,
		},
	}, nil
}
