// Package mcpserver serves a session's tools to MCP clients over stdio, so
// an external agent can drive the sandbox. ask_user is not exposed: stdin
// carries the protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/tools/human"
)

// Gateway exposes a session over the MCP stdio transport.
type Gateway struct {
	session *agent.Session
	server  *server.MCPServer
	in      io.Reader
	out     io.Writer
	tools   int
	logger  *slog.Logger
	cancel  context.CancelFunc
}

// NewGateway registers every tool of session except ask_user on a new MCP
// server. in and out default to the process's stdin and stdout.
func NewGateway(session *agent.Session, version string, in io.Reader, out io.Writer, logger *slog.Logger) (*Gateway, error) {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	g := &Gateway{
		session: session,
		server:  server.NewMCPServer("kazi", version, server.WithToolCapabilities(false)),
		in:      in,
		out:     out,
		logger:  logger,
	}

	reg := session.Registry().Without(human.Name)
	for _, t := range reg.All() {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("encoding schema for %s: %w", t.Name(), err)
		}
		g.server.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), g.handler(t.Name()))
		g.tools++
	}
	return g, nil
}

// MCPServer returns the underlying server, for in-process clients.
func (g *Gateway) MCPServer() *server.MCPServer {
	return g.server
}

func (g *Gateway) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		res := g.session.Invoke(ctx, name, args)
		if !res.Success {
			return mcp.NewToolResultError(res.Output), nil
		}
		return mcp.NewToolResultText(res.Output), nil
	}
}

// Start serves until the input stream closes or Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)
	defer g.cancel()

	g.logger.Info("mcp server starting",
		slog.String("sandbox", g.session.Sandbox().Root()),
		slog.Int("tools", g.tools),
	)

	stdio := server.NewStdioServer(g.server)
	stdio.SetErrorLogger(slog.NewLogLogger(g.logger.Handler(), slog.LevelError))
	err := stdio.Listen(ctx, g.in, g.out)
	if err == nil || ctx.Err() != nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Stop ends a running Start.
func (g *Gateway) Stop(_ context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}
	return nil
}
