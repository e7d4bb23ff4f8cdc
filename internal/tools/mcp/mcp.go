// Package mcp provides an MCP (Model Context Protocol) client bridge that
// discovers tools from external MCP servers and adapts them into the
// tools.Tool interface, so they are offered and journaled like native tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/tools"
)

// Separator joins server and tool names: "<server>__<tool>".
const Separator = "__"

// Tool wraps a tool discovered from an MCP server.
type Tool struct {
	name         string         // "<server>__<tool>", unique across servers.
	description  string         // Prefixed with [MCP:<server>].
	inputSchema  map[string]any // JSON Schema from the MCP tool definition.
	schema       *tools.DynamicSchema
	client       mcpclient.MCPClient
	originalName string
	serverName   string
	logger       *slog.Logger
}

func (t *Tool) Name() string                { return t.name }
func (t *Tool) Description() string         { return t.description }
func (t *Tool) InputSchema() map[string]any { return t.inputSchema }

// Validate uses the server's schema when it compiles, and otherwise only
// checks that required keys are present.
func (t *Tool) Validate(params map[string]any) error {
	if t.schema != nil {
		return t.schema.Validate(params)
	}
	required, _ := t.inputSchema["required"].([]any)
	for _, r := range required {
		key, ok := r.(string)
		if !ok {
			continue
		}
		if _, exists := params[key]; !exists {
			return &tools.ValidationError{Tool: t.name, Err: fmt.Errorf("missing required parameter: %s", key)}
		}
	}
	return nil
}

func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	t.logger.InfoContext(ctx, "mcp tool executing",
		slog.String("server", t.serverName),
		slog.String("tool", t.originalName),
		slog.String("session_id", tools.SessionIDFrom(ctx)),
	)

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = t.originalName
	callReq.Params.Arguments = params

	callResult, err := t.client.CallTool(ctx, callReq)
	if err != nil {
		return nil, fmt.Errorf("MCP call to %s/%s failed: %w", t.serverName, t.originalName, err)
	}

	return &tools.Result{
		Output:  tools.TruncateOutput(formatContent(callResult.Content), tools.MaxOutputBytes),
		Success: !callResult.IsError,
		Metadata: map[string]any{
			"mcp_server":    t.serverName,
			"mcp_tool":      t.originalName,
			"content_items": len(callResult.Content),
		},
	}, nil
}

// formatContent converts MCP content items to a single string.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			// Image, audio and resource items are passed through as JSON.
			data, _ := json.Marshal(c)
			sb.WriteString(string(data))
		}
	}
	return sb.String()
}

// Bridge manages the lifecycle of MCP client connections and produces Tool
// instances for the registry.
type Bridge struct {
	clients []mcpclient.MCPClient
	version string
	logger  *slog.Logger
}

// NewBridge creates a bridge that will manage MCP server connections.
// version is reported to servers during the handshake.
func NewBridge(version string, logger *slog.Logger) *Bridge {
	return &Bridge{version: version, logger: logger}
}

// ConnectAll connects to every configured server. A server that fails is
// logged and skipped.
func (b *Bridge) ConnectAll(ctx context.Context, servers []config.MCPServerConfig) []tools.Tool {
	var out []tools.Tool
	for _, cfg := range servers {
		discovered, err := b.ConnectAndDiscover(ctx, cfg)
		if err != nil {
			b.logger.ErrorContext(ctx, "MCP server unavailable",
				slog.String("server", cfg.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, t := range discovered {
			out = append(out, t)
		}
	}
	return out
}

// ConnectAndDiscover connects to one MCP server, performs the initialization
// handshake, discovers tools, and returns adapters ready for registration.
func (b *Bridge) ConnectAndDiscover(ctx context.Context, cfg config.MCPServerConfig) ([]*Tool, error) {
	c, err := b.createClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client for %q: %w", cfg.Name, err)
	}
	if cfg.Transport == "sse" || cfg.Transport == "streamable_http" {
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("starting MCP transport for %q: %w", cfg.Name, err)
		}
	}
	return b.discover(ctx, cfg.Name, cfg.Transport, c)
}

func (b *Bridge) discover(ctx context.Context, server, transportName string, c mcpclient.MCPClient) ([]*Tool, error) {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "kazi",
		Version: b.version,
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("MCP initialize for %q: %w", server, err)
	}

	b.clients = append(b.clients, c)

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("MCP list tools for %q: %w", server, err)
	}

	discovered := make([]*Tool, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		name := server + Separator + t.Name
		inputSchema := convertInputSchema(t.InputSchema)

		schema, err := tools.NewDynamicSchema(name, inputSchema)
		if err != nil {
			b.logger.WarnContext(ctx, "MCP tool schema does not compile, checking required keys only",
				slog.String("tool", name),
				slog.String("error", err.Error()),
			)
		}

		discovered = append(discovered, &Tool{
			name:         name,
			description:  fmt.Sprintf("[MCP:%s] %s", server, t.Description),
			inputSchema:  inputSchema,
			schema:       schema,
			client:       c,
			originalName: t.Name,
			serverName:   server,
			logger:       b.logger,
		})
	}

	b.logger.InfoContext(ctx, "MCP server connected",
		slog.String("server", server),
		slog.String("transport", transportName),
		slog.Int("tools_discovered", len(discovered)),
	)
	return discovered, nil
}

// Close shuts down all MCP client connections.
func (b *Bridge) Close() {
	for _, c := range b.clients {
		if err := c.Close(); err != nil {
			b.logger.Error("closing MCP client", slog.String("error", err.Error()))
		}
	}
	b.clients = nil
}

// createClient creates the MCP client for the configured transport.
func (b *Bridge) createClient(cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio", "":
		return mcpclient.NewStdioMCPClient(cfg.Command, expandEnvMap(cfg.Env), cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnvToMap(cfg.Headers)))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnvToMap(cfg.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

// convertInputSchema converts the MCP ToolInputSchema to a plain JSON
// Schema object.
func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	typ := schema.Type
	if typ == "" {
		typ = "object"
	}
	result := map[string]any{"type": typ}
	if schema.Properties != nil {
		result["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		reqAny := make([]any, len(schema.Required))
		for i, r := range schema.Required {
			reqAny[i] = r
		}
		result["required"] = reqAny
	}
	return result
}

// expandEnvMap converts a map of key→value to a []string of "KEY=expanded_value".
func expandEnvMap(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// expandEnvToMap returns a new map with values expanded via os.ExpandEnv.
func expandEnvToMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
