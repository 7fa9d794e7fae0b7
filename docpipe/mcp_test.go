package docpipe

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
)

var testMCPImpl = &mcp.Implementation{Name: "docpipe-test", Version: "0.1.0"}

func mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()
	pipe := New(Config{})
	srv := mcp.NewServer(testMCPImpl, nil)
	pipe.RegisterMCP(srv, capability.Set{})

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text
}

// --- docpipe_kinds ---

func TestMCP_Kinds(t *testing.T) {
	session := mcpSession(t)

	text := mcpCallTool(t, session, "docpipe_kinds", map[string]any{})

	var resp struct {
		Kinds []string `json:"kinds"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Kinds) != len(chunk.Kinds()) {
		t.Fatalf("expected %d kinds, got %d: %v", len(chunk.Kinds()), len(resp.Kinds), resp.Kinds)
	}
	for i, k := range chunk.Kinds() {
		if resp.Kinds[i] != string(k) {
			t.Errorf("kinds[%d] = %q, want %q", i, resp.Kinds[i], k)
		}
	}
}

// --- docpipe_classify ---

func TestMCP_Classify(t *testing.T) {
	session := mcpSession(t)

	tests := []struct {
		source string
		kind   string
	}{
		{"report.docx", "word-document"},
		{"notes.md", "plaintext"},
		{"page.html", "webpage"},
		{"manual.pdf", "pdf"},
		{"deck.pptx", "presentation"},
		{"https://x.com/someone/status/1", "social-post"},
		{"https://github.com/owner/repo", "code-repository"},
	}
	for _, tt := range tests {
		text := mcpCallTool(t, session, "docpipe_classify", map[string]any{"source": tt.source})
		var resp struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal([]byte(text), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.Kind != tt.kind {
			t.Errorf("classify(%q) = %q, want %q", tt.source, resp.Kind, tt.kind)
		}
	}
}

func TestMCP_Classify_Unsupported(t *testing.T) {
	session := mcpSession(t)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "docpipe_classify",
		Arguments: map[string]any{"source": "mystery.qqq"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for an unknown extension")
	}
}

// --- docpipe_extract ---

func TestMCP_Extract_Text(t *testing.T) {
	session := mcpSession(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")
	if err := os.WriteFile(path, []byte("Hello World\nSecond line"), 0o644); err != nil {
		t.Fatal(err)
	}

	text := mcpCallTool(t, session, "docpipe_extract", map[string]any{"source": path})

	var res ExtractResult
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Kind != chunk.KindPlaintext {
		t.Errorf("Kind = %q, want %q", res.Kind, chunk.KindPlaintext)
	}
	if len(res.Chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(res.Chunks))
	}
	if got := res.Chunks[0].JoinedText(""); got != "Hello World\nSecond line" {
		t.Errorf("text = %q", got)
	}
}

func TestMCP_Extract_DirectoryInclude(t *testing.T) {
	session := mcpSession(t)

	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.md"), []byte("beta"), 0o644)

	text := mcpCallTool(t, session, "docpipe_extract", map[string]any{
		"source":  dir,
		"include": []string{"*.txt"},
	})

	var res ExtractResult
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(res.Chunks) != 1 || res.Chunks[0].JoinedText("") != "alpha" {
		t.Fatalf("expected only a.txt, got %+v", res.Chunks)
	}
}
