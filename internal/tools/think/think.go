// Package think provides a scratchpad tool: the model writes down its
// reasoning and gets it echoed back. Nothing outside the log changes.
package think

import (
	"context"
	"log/slog"

	"github.com/jkaninda/kazi/internal/tools"
)

// Name is the tool name the model calls.
const Name = "think"

// Args are the model-supplied arguments.
type Args struct {
	Thought string `json:"thought" jsonschema_description:"The thought to record."`
}

var schema = tools.MustSchema[Args](Name)

// Tool records thoughts.
type Tool struct {
	logger *slog.Logger
}

// NewTool creates the think tool.
func NewTool(logger *slog.Logger) *Tool {
	return &Tool{logger: logger}
}

func (t *Tool) Name() string { return Name }
func (t *Tool) Description() string {
	return "Use the tool to think about something. It will not obtain new information or change " +
		"any file, but just append the thought to the log. Use it to plan, or to check tool " +
		"output against what you expected before the next step."
}
func (t *Tool) InputSchema() map[string]any          { return schema.Map() }
func (t *Tool) Validate(params map[string]any) error { return schema.Validate(params) }

func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	args, err := schema.Decode(params)
	if err != nil {
		return nil, err
	}
	t.logger.InfoContext(ctx, "thinking",
		slog.String("session_id", tools.SessionIDFrom(ctx)),
		slog.String("thought", args.Thought),
	)
	return tools.OK(args.Thought), nil
}
