package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/tools"
	"github.com/jkaninda/kazi/internal/tools/file"
	"github.com/jkaninda/kazi/internal/tools/human"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(t *testing.T) (*mcpclient.Client, *agent.Session) {
	t.Helper()
	ctx := context.Background()
	sbx, err := sandbox.Initialize(ctx, filepath.Join(t.TempDir(), "sbx"), false, sandbox.WithBootstrap())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	reg := tools.NewRegistry(file.Tools(file.Config{}, discardLogger())...)
	reg.Register(human.NewTool(human.NewConsole(strings.NewReader(""), io.Discard), discardLogger()))
	session := agent.NewSession(sbx, reg, discardLogger())

	g, err := NewGateway(session, "test", strings.NewReader(""), io.Discard, discardLogger())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	c, err := mcpclient.NewInProcessClient(g.MCPServer())
	if err != nil {
		t.Fatalf("NewInProcessClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "1"}
	if _, err := c.Initialize(ctx, init); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c, session
}

func callTool(t *testing.T, c *mcpclient.Client, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(context.Background(), req)
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func text(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func TestListToolsOmitsAskUser(t *testing.T) {
	c, _ := newClient(t)
	resp, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range resp.Tools {
		names[tool.Name] = true
	}
	if names[human.Name] {
		t.Error("ask_user exposed over MCP")
	}
	for _, want := range []string{file.ReadName, file.WriteName, file.ListName} {
		if !names[want] {
			t.Errorf("missing %s in %v", want, names)
		}
	}
}

func TestCallToolRunsInSandbox(t *testing.T) {
	c, session := newClient(t)

	res := callTool(t, c, file.WriteName, map[string]any{"file_path": "hello.txt", "content": "hi there"})
	if res.IsError {
		t.Fatalf("write failed: %s", text(res))
	}
	if _, err := session.Sandbox().Resolve("hello.txt"); err != nil {
		t.Errorf("Resolve: %v", err)
	}

	res = callTool(t, c, file.ReadName, map[string]any{"file_path": "hello.txt", "start_line": 0, "end_line": 1})
	if res.IsError || text(res) != "hi there" {
		t.Errorf("read = %q (error=%v)", text(res), res.IsError)
	}
}

func TestCallToolFailureIsToolError(t *testing.T) {
	c, _ := newClient(t)
	res := callTool(t, c, file.ReadName, map[string]any{"file_path": "/etc/passwd", "start_line": 0, "end_line": 1})
	if !res.IsError {
		t.Errorf("absolute path read succeeded: %s", text(res))
	}
}

func TestStopWithoutStart(t *testing.T) {
	g := &Gateway{logger: discardLogger()}
	if err := g.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
