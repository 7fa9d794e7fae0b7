package docpipe

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
	"github.com/hazyhaar/chunkpipe/kit"
)

// RegisterMCP registers the docpipe tools on an MCP server. Extractions run
// with caps.
func (p *Pipeline) RegisterMCP(srv *mcp.Server, caps capability.Set) {
	p.registerKindsTool(srv)
	p.registerClassifyTool(srv)
	p.registerExtractTool(srv, caps)
}

// toolMiddleware logs every tool call and keeps a panicking strategy from
// killing the MCP session.
func (p *Pipeline) toolMiddleware(name string) kit.Middleware {
	return kit.Chain(kit.Logging(p.logger, name), kit.Recovery(p.logger))
}

// --- extract ---

type extractReq struct {
	Source   string   `json:"source"`
	Include  []string `json:"include"`
	TextOnly bool     `json:"text_only"`
}

// ExtractResult is the JSON shape of an extraction.
type ExtractResult struct {
	Source string        `json:"source"`
	Kind   chunk.Kind    `json:"kind"`
	Chunks []chunk.Chunk `json:"chunks"`
}

func (p *Pipeline) registerExtractTool(srv *mcp.Server, caps capability.Set) {
	tool := &mcp.Tool{
		Name:        "docpipe_extract",
		Description: "Extract a file, directory or URL into ordered chunks of text and images.",
		InputSchema: kit.InputSchema(map[string]any{
			"source":    map[string]any{"type": "string", "description": "File path, directory or URL"},
			"include":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Glob patterns for directory and archive members"},
			"text_only": map[string]any{"type": "boolean", "description": "Skip images when text is available"},
		}, []string{"source"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*extractReq)
		kind, err := p.Classify(Source{Path: r.Source})
		if err != nil {
			return nil, err
		}
		chunks, err := p.Extract(ctx, Source{Path: r.Source}, caps, Options{Include: r.Include, TextOnly: r.TextOnly})
		if err != nil {
			return nil, err
		}
		return ExtractResult{Source: r.Source, Kind: kind, Chunks: chunks}, nil
	}

	kit.RegisterMCPTool(srv, tool, p.toolMiddleware(tool.Name)(endpoint), kit.DecodeJSON[extractReq]())
}

// --- classify ---

type classifyReq struct {
	Source string `json:"source"`
}

func (p *Pipeline) registerClassifyTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docpipe_classify",
		Description: "Return the source kind of a file path, directory or URL.",
		InputSchema: kit.InputSchema(map[string]any{
			"source": map[string]any{"type": "string", "description": "File path, directory or URL"},
		}, []string{"source"}),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*classifyReq)
		kind, err := p.Classify(Source{Path: r.Source})
		if err != nil {
			return nil, err
		}
		return map[string]any{"kind": string(kind)}, nil
	}

	kit.RegisterMCPTool(srv, tool, p.toolMiddleware(tool.Name)(endpoint), kit.DecodeJSON[classifyReq]())
}

// --- kinds ---

func (p *Pipeline) registerKindsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docpipe_kinds",
		Description: "List the supported source kinds.",
		InputSchema: kit.InputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return map[string]any{"kinds": p.SupportedKinds()}, nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, p.toolMiddleware(tool.Name)(endpoint), decode)
}
