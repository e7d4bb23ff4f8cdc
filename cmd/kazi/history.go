package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/storage"
	"github.com/jkaninda/kazi/internal/workspace"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "List recent sessions, or the tool calls of one session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of rows")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ws, err := workspace.Open(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := initStore(ctx, cfg, ws, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	if len(args) == 0 {
		sessions, err := store.ListSessions(ctx, historyLimit)
		if err != nil {
			return err
		}
		return printSessions(cmd.OutOrStdout(), sessions)
	}

	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid session ID %q: %w", args[0], err)
	}
	if _, err := store.GetSession(ctx, id); err != nil {
		return err
	}
	calls, err := store.ListToolCalls(ctx, id, historyLimit)
	if err != nil {
		return err
	}
	return printCalls(cmd.OutOrStdout(), calls)
}

func printSessions(out io.Writer, sessions []storage.Session) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSOURCE\tSTATUS\tTURNS\tSANDBOX")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.StartedAt.Local().Format(time.DateTime), s.Source, s.Status, s.Turns, s.SandboxRoot)
	}
	return tw.Flush()
}

func printCalls(out io.Writer, calls []storage.ToolCall) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTOOL\tOK\tDURATION\tARGUMENTS")
	for _, c := range calls {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%dms\t%s\n",
			c.CreatedAt.Local().Format(time.TimeOnly), c.Tool, c.Success, c.DurationMS, truncate(string(c.Arguments), 80))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
