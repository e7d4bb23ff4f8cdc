// Package delegate exposes a sub-agent as a tool: the parent model hands it
// a natural-language request and gets the sub-agent's final answer back.
package delegate

import (
	"context"
	"log/slog"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/tools"
)

// Args are the model-supplied arguments.
type Args struct {
	Input string `json:"input" jsonschema:"minLength=1" jsonschema_description:"The request for the sub-agent, in natural language. State the goal and what to look for."`
}

var schema = tools.MustSchema[Args]("delegate")

// NewRunner builds a fresh sub-agent runner for one call.
type NewRunner func() *agent.Runner

// Tool runs a sub-agent per call. Each call starts from an empty
// conversation.
type Tool struct {
	name        string
	description string
	newRunner   NewRunner
	logger      *slog.Logger
}

// NewTool creates a delegate tool named name.
func NewTool(name, description string, newRunner NewRunner, logger *slog.Logger) *Tool {
	return &Tool{name: name, description: description, newRunner: newRunner, logger: logger}
}

func (t *Tool) Name() string                         { return t.name }
func (t *Tool) Description() string                  { return t.description }
func (t *Tool) InputSchema() map[string]any          { return schema.Map() }
func (t *Tool) Validate(params map[string]any) error { return schema.Validate(params) }

// Execute runs the sub-agent to completion.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	args, err := schema.Decode(params)
	if err != nil {
		return nil, err
	}

	runner := t.newRunner()
	t.logger.InfoContext(ctx, "delegating to sub-agent",
		slog.String("sub_agent", t.name),
		slog.String("parent_session", tools.SessionIDFrom(ctx)),
	)

	res, err := runner.Run(ctx, args.Input)
	if err != nil {
		return tools.Fail("Sub-agent %s failed: %v", t.name, err), nil
	}
	return &tools.Result{
		Output:  res.Output,
		Success: true,
		Metadata: map[string]any{
			"turns":         res.Turns,
			"tool_calls":    res.ToolCalls,
			"input_tokens":  res.Usage.InputTokens,
			"output_tokens": res.Usage.OutputTokens,
		},
	}, nil
}
