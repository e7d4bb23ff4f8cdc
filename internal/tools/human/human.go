// Package human implements ask_user, the tool that lets the agent put a
// question to the person running it and wait for the answer.
package human

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/jkaninda/kazi/internal/tools"
)

// Name is the tool name the model calls.
const Name = "ask_user"

// Args are the model-supplied arguments.
type Args struct {
	Question string `json:"question" jsonschema:"minLength=1" jsonschema_description:"The question to ask the user."`
}

var schema = tools.MustSchema[Args](Name)

// Tool blocks on a LineReader for the human's answer. There is no timeout;
// the call waits until a line arrives or input is closed.
type Tool struct {
	reader LineReader
	logger *slog.Logger
}

// NewTool creates the ask_user tool.
func NewTool(reader LineReader, logger *slog.Logger) *Tool {
	return &Tool{reader: reader, logger: logger}
}

func (t *Tool) Name() string { return Name }
func (t *Tool) Description() string {
	return "Ask the user a question and wait for their answer. Use when requirements are unclear."
}
func (t *Tool) InputSchema() map[string]any          { return schema.Map() }
func (t *Tool) Validate(params map[string]any) error { return schema.Validate(params) }

// Execute returns the answer line verbatim.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	args, err := schema.Decode(params)
	if err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "asking user", slog.String("question", args.Question))

	answer, err := t.reader.ReadLine(args.Question + ":\n")
	switch {
	case errors.Is(err, io.EOF):
		return tools.Fail("No answer received: input closed."), nil
	case errors.Is(err, ErrAborted):
		return tools.Fail("The user declined to answer."), nil
	case err != nil:
		return tools.Fail("Failed to read answer: %v", err), nil
	}
	return tools.OK(answer), nil
}
