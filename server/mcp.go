package server

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/chunkpipe/kit"
	"github.com/hazyhaar/chunkpipe/runner"
)

// RegisterMCP registers the docpipe tools and chunkpipe_run on srv.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.run.Pipeline.RegisterMCP(srv, s.run.Caps)
	RegisterRunTool(srv, s.run, s.logger)
}

// RegisterRunTool registers chunkpipe_run, which extracts a source and
// applies a chunker in one call.
func RegisterRunTool(srv *mcp.Server, r *runner.Runner, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	tool := &mcp.Tool{
		Name:        "chunkpipe_run",
		Description: "Extract a file, directory or URL and split it with a chunking policy. Returns chunks, or chat messages when messages is true.",
		InputSchema: kit.InputSchema(map[string]any{
			"source":        map[string]any{"type": "string", "description": "File path, directory or URL"},
			"chunker":       map[string]any{"type": "string", "enum": []string{"by-document", "by-page", "by-length", "by-section", "by-keyword", "semantic", "agentic"}},
			"max":           map[string]any{"type": "integer", "description": "by-length budget"},
			"measure":       map[string]any{"type": "string", "enum": []string{"chars", "tokens"}},
			"keywords":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"separator":     map[string]any{"type": "string", "description": "by-section line prefix (default #)"},
			"include":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Glob patterns for directory and archive members"},
			"text_only":     map[string]any{"type": "boolean"},
			"messages":      map[string]any{"type": "boolean", "description": "Return chat messages instead of chunks"},
			"include_paths": map[string]any{"type": "boolean"},
			"store":         map[string]any{"type": "boolean", "description": "Persist the run in the chunk store"},
		}, []string{"source"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return r.Run(ctx, *req.(*runner.Request))
	}
	mw := kit.Chain(kit.Logging(logger, tool.Name), kit.Recovery(logger))
	kit.RegisterMCPTool(srv, tool, mw(endpoint), kit.DecodeJSON[runner.Request]())
}
