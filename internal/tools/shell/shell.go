// Package shell implements the command execution tool.
// Commands run with the sandbox root as working directory and the sandbox's
// virtual environment activated.
package shell

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/tools"
)

// Name is the tool name the model calls.
const Name = "exec_command"

// Args are the model-supplied arguments.
type Args struct {
	Command string `json:"command" jsonschema:"minLength=1" jsonschema_description:"The shell command to run in the sandbox root."`
}

var schema = tools.MustSchema[Args](Name)

// Tool executes shell commands inside the session's sandbox.
type Tool struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewTool creates the command tool. A zero timeout lets commands run until
// they exit or the call's context is cancelled.
func NewTool(timeout time.Duration, logger *slog.Logger) *Tool {
	return &Tool{timeout: timeout, logger: logger}
}

func (t *Tool) Name() string { return Name }
func (t *Tool) Description() string {
	return "Execute a shell command in the sandbox directory. The sandbox's Python virtual " +
		"environment is active. Returns stdout on success, or the error output on failure."
}
func (t *Tool) InputSchema() map[string]any { return schema.Map() }

// Validate checks params against the argument schema.
func (t *Tool) Validate(params map[string]any) error { return schema.Validate(params) }

// Execute runs the command and classifies the result by exit code alone.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	args, err := schema.Decode(params)
	if err != nil {
		return nil, err
	}
	sbx := tools.SandboxFrom(ctx)
	if sbx == nil {
		return tools.NoSandbox(), nil
	}

	t.logger.InfoContext(ctx, "executing command",
		slog.String("command", args.Command),
		slog.String("root", sbx.Root()),
	)

	var (
		out    *sandbox.Output
		runErr error
	)
	err = sbx.Do(func() error {
		out, runErr = sbx.Run(ctx, sandbox.Command{
			Script:  args.Command,
			Env:     map[string]string{"VIRTUAL_ENV": sbx.VenvPath()},
			Timeout: t.timeout,
		})
		return nil
	})
	if err != nil {
		return tools.Fail("Command failed with error: %v", err), nil
	}

	var te *sandbox.TimeoutError
	switch {
	case errors.As(runErr, &te):
		t.logger.WarnContext(ctx, "command timed out", slog.Duration("after", te.After))
		return &tools.Result{
			Output:   tools.TruncateOutput("Command timed out after "+te.After.String()+": "+te.Output.Stderr, tools.MaxOutputBytes),
			Metadata: map[string]any{"timeout": te.After.String()},
		}, nil
	case runErr != nil:
		return tools.Fail("Command failed with error: %v", runErr), nil
	}

	meta := map[string]any{
		"exit_code": out.ExitCode,
		"duration":  out.Duration.String(),
	}
	if out.ExitCode != 0 {
		return &tools.Result{
			Output:   tools.TruncateOutput("Command failed with error: "+out.Stderr, tools.MaxOutputBytes),
			Metadata: meta,
		}, nil
	}
	return &tools.Result{
		Output:   tools.TruncateOutput(strings.TrimRight(out.Stdout, "\n"), tools.MaxOutputBytes),
		Metadata: meta,
		Success:  true,
	}, nil
}
