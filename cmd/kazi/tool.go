package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/storage"
	"github.com/jkaninda/kazi/internal/tools/human"
)

var (
	toolSandbox  sandboxFlags
	toolArgs     []string
	toolJSONArgs string
	toolList     bool
)

var toolCmd = &cobra.Command{
	Use:   "tool [name]",
	Short: "Invoke a single tool in the sandbox",
	Long: `Invoke one tool without a model, for scripting and debugging.

  kazi tool exec_command --arg command="ls -la"
  kazi tool read_file --arg file_path=main.py --arg start_line=0 --arg end_line=20
  kazi tool write_file --json '{"file_path":"a.txt","content":"hi"}'

Argument values that parse as JSON (numbers, booleans, objects) are passed as
such; anything else is a string. The tool output goes to stdout and a failed
result exits with status 1.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTool,
}

func init() {
	toolSandbox.register(toolCmd)
	toolCmd.Flags().StringArrayVar(&toolArgs, "arg", nil, "tool argument as key=value (repeatable)")
	toolCmd.Flags().StringVar(&toolJSONArgs, "json", "", "tool arguments as a JSON object")
	toolCmd.Flags().BoolVar(&toolList, "list", false, "list available tools and exit")
}

func runTool(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !toolList {
		return fmt.Errorf("a tool name is required (see --list)")
	}
	params, err := parseToolArgs(toolJSONArgs, toolArgs)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader, closeReader := human.Stdio()
	defer closeReader()

	sc, err := initShared(ctx, cfg, logger, sharedOptions{
		sandbox: toolSandbox,
		reader:  reader,
		source:  storage.SourceTool,
	})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	out := cmd.OutOrStdout()
	if toolList {
		for _, t := range sc.Session.Registry().All() {
			fmt.Fprintf(out, "%-24s %s\n", t.Name(), firstLine(t.Description()))
		}
		sc.Session.Finish(ctx, storage.StatusCompleted, 0)
		return nil
	}

	res := sc.Session.Invoke(ctx, args[0], params)
	fmt.Fprintln(out, res.Output)

	status := storage.StatusCompleted
	if !res.Success {
		status = storage.StatusFailed
	}
	sc.Session.Finish(context.Background(), status, 0)
	if !res.Success {
		return fmt.Errorf("tool %s failed", args[0])
	}
	return nil
}

// parseToolArgs merges a JSON object and key=value pairs; pairs win.
func parseToolArgs(jsonArgs string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if strings.TrimSpace(jsonArgs) != "" {
		if err := json.Unmarshal([]byte(jsonArgs), &params); err != nil {
			return nil, fmt.Errorf("parsing --json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q: want key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
