package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer() *server.MCPServer {
	s := server.NewMCPServer("fs", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(
		mcp.NewTool("shout",
			mcp.WithDescription("Upper-cases text."),
			mcp.WithString("text", mcp.Required()),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text := req.GetString("text", "")
			if text == "fail" {
				return mcp.NewToolResultError("refused"), nil
			}
			return mcp.NewToolResultText(strings.ToUpper(text)), nil
		},
	)
	return s
}

func discoverInProcess(t *testing.T) (*Bridge, []*Tool) {
	t.Helper()
	ctx := context.Background()
	c, err := mcpclient.NewInProcessClient(newTestServer())
	if err != nil {
		t.Fatalf("NewInProcessClient: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b := NewBridge("test", discardLogger())
	t.Cleanup(b.Close)
	discovered, err := b.discover(ctx, "fs", "inprocess", c)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	return b, discovered
}

func TestDiscoverNamespacesTools(t *testing.T) {
	_, discovered := discoverInProcess(t)
	if len(discovered) != 1 {
		t.Fatalf("discovered %d tools, want 1", len(discovered))
	}
	tool := discovered[0]
	if tool.Name() != "fs__shout" {
		t.Errorf("Name() = %q, want fs__shout", tool.Name())
	}
	if !strings.HasPrefix(tool.Description(), "[MCP:fs] ") {
		t.Errorf("Description() = %q", tool.Description())
	}
	if tool.InputSchema()["type"] != "object" {
		t.Errorf("schema = %v", tool.InputSchema())
	}
}

func TestBridgedToolThroughRegistry(t *testing.T) {
	_, discovered := discoverInProcess(t)
	reg := tools.NewRegistry(discovered[0])
	ctx := context.Background()

	res := reg.Invoke(ctx, "fs__shout", map[string]any{"text": "hello"})
	if !res.Success || res.Output != "HELLO" {
		t.Errorf("result = %+v", res)
	}

	res = reg.Invoke(ctx, "fs__shout", map[string]any{"text": "fail"})
	if res.Success || res.Output != "refused" {
		t.Errorf("tool error result = %+v", res)
	}

	res = reg.Invoke(ctx, "fs__shout", map[string]any{})
	if res.Success || !strings.HasPrefix(res.Output, "Invalid arguments for fs__shout") {
		t.Errorf("missing argument result = %+v", res)
	}
}

func TestValidateWithoutCompiledSchema(t *testing.T) {
	tool := &Tool{name: "x__y", inputSchema: map[string]any{"type": "object", "required": []any{"path"}}}
	if err := tool.Validate(map[string]any{}); !errors.Is(err, tools.ErrValidation) {
		t.Errorf("Validate(missing) = %v, want ErrValidation", err)
	}
	if err := tool.Validate(map[string]any{"path": "."}); err != nil {
		t.Errorf("Validate(ok) = %v", err)
	}
}

func TestUnsupportedTransport(t *testing.T) {
	b := NewBridge("test", discardLogger())
	_, err := b.ConnectAndDiscover(context.Background(), config.MCPServerConfig{Name: "x", Transport: "carrier-pigeon"})
	if err == nil {
		t.Error("unsupported transport accepted")
	}
}

func TestConnectAllSkipsFailures(t *testing.T) {
	b := NewBridge("test", discardLogger())
	got := b.ConnectAll(context.Background(), []config.MCPServerConfig{{Name: "bad", Transport: "nope"}})
	if len(got) != 0 {
		t.Errorf("tools = %d, want 0", len(got))
	}
}

func TestConvertInputSchemaDefaultsType(t *testing.T) {
	got := convertInputSchema(mcp.ToolInputSchema{Required: []string{"a"}})
	if got["type"] != "object" {
		t.Errorf("type = %v", got["type"])
	}
	if req, _ := got["required"].([]any); len(req) != 1 || req[0] != "a" {
		t.Errorf("required = %v", got["required"])
	}
}
