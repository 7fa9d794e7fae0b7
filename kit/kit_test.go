package kit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestChain_Order(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}

	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	chained := Chain(mw("a"), mw("b"), mw("c"))(base)
	resp, err := chained(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response: got %v", resp)
	}

	expected := []string{"a_before", "b_before", "c_before", "endpoint", "c_after", "b_after", "a_after"}
	if len(order) != len(expected) {
		t.Fatalf("order length: got %d, want %d", len(order), len(expected))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Fatalf("order[%d]: got %q, want %q", i, order[i], v)
		}
	}
}

func TestChain_ErrorPropagation(t *testing.T) {
	errFail := errors.New("fail")
	base := func(_ context.Context, _ any) (any, error) {
		return nil, errFail
	}

	noop := func(next Endpoint) Endpoint { return next }
	chained := Chain(noop)(base)

	_, err := chained(context.Background(), nil)
	if !errors.Is(err, errFail) {
		t.Fatalf("error: got %v, want %v", err, errFail)
	}
}

func TestRequestID_AssignedOnce(t *testing.T) {
	var seen string
	base := func(ctx context.Context, _ any) (any, error) {
		seen = GetRequestID(ctx)
		return nil, nil
	}
	RequestID()(base)(context.Background(), nil)
	if seen == "" {
		t.Fatal("expected a generated request id")
	}

	RequestID()(base)(WithRequestID(context.Background(), "req_fixed"), nil)
	if seen != "req_fixed" {
		t.Fatalf("existing request id replaced: got %q", seen)
	}
}

func TestLogging_Failure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	base := func(_ context.Context, _ any) (any, error) {
		return nil, errors.New("boom")
	}
	Logging(logger, "tool_x")(base)(context.Background(), nil)
	out := buf.String()
	if !strings.Contains(out, "endpoint failed") || !strings.Contains(out, "tool_x") {
		t.Fatalf("log output: %s", out)
	}
}

func TestRecovery_PanicBecomesError(t *testing.T) {
	// WHAT: A panic under Recovery comes back as a PanicError that an outer
	// Logging still sees.
	// WHY: Tool endpoints run strategies on untrusted input inside a
	// long-lived server.
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	base := func(_ context.Context, _ any) (any, error) {
		var m map[string]int
		m["x"]++
		return "unreachable", nil
	}
	resp, err := Chain(Logging(logger, "tool_p"), Recovery(logger))(base)(context.Background(), nil)

	var pe *PanicError
	if !errors.As(err, &pe) || resp != nil {
		t.Fatalf("got %v, %v", resp, err)
	}
	out := buf.String()
	if !strings.Contains(out, "endpoint panic recovered") || !strings.Contains(out, "endpoint failed") {
		t.Fatalf("log output: %s", out)
	}
}

func TestContext_Transport_Default(t *testing.T) {
	ctx := context.Background()
	if v := GetTransport(ctx); v != "http" {
		t.Fatalf("default transport: got %q, want 'http'", v)
	}
}

func TestContext_Transport_Set(t *testing.T) {
	ctx := WithTransport(context.Background(), "mcp")
	if v := GetTransport(ctx); v != "mcp" {
		t.Fatalf("transport: got %q", v)
	}
}

func TestContext_RequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_abc")
	if v := GetRequestID(ctx); v != "req_abc" {
		t.Fatalf("request_id: got %q", v)
	}
}

func TestContext_EmptyDefaults(t *testing.T) {
	ctx := context.Background()
	if v := GetRequestID(ctx); v != "" {
		t.Fatalf("request_id default: got %q", v)
	}
	if v := GetRemoteAddr(ctx); v != "" {
		t.Fatalf("remote_addr default: got %q", v)
	}
}

type echoReq struct {
	Word string `json:"word"`
}

func mcpSession(t *testing.T, srv *mcp.Server) *mcp.ClientSession {
	t.Helper()
	impl := &mcp.Implementation{Name: "kit-test", Version: "0.1.0"}
	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()
	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func TestRegisterMCPTool(t *testing.T) {
	// WHAT: A registered endpoint receives decoded arguments and an MCP
	// transport context; its result comes back as JSON text.
	// WHY: Every tool of the binary goes through this adapter.
	srv := mcp.NewServer(&mcp.Implementation{Name: "kit-test", Version: "0.1.0"}, nil)
	tool := &mcp.Tool{
		Name:        "echo",
		InputSchema: InputSchema(map[string]any{"word": map[string]any{"type": "string"}}, []string{"word"}),
	}
	RegisterMCPTool(srv, tool, func(ctx context.Context, req any) (any, error) {
		r := req.(*echoReq)
		if r.Word == "fail" {
			return nil, errors.New("asked to fail")
		}
		return map[string]string{"word": r.Word, "transport": GetTransport(ctx)}, nil
	}, DecodeJSON[echoReq]())

	session := mcpSession(t, srv)
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"word": "hi"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if err := res.GetError(); err != nil {
		t.Fatalf("tool error: %v", err)
	}
	text := res.Content[0].(*mcp.TextContent).Text
	if text != `{"transport":"mcp","word":"hi"}` {
		t.Fatalf("result: %s", text)
	}

	res, err = session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"word": "fail"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected a tool error")
	}
}
