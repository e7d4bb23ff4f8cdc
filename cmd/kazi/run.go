package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/gateway/cli"
	"github.com/jkaninda/kazi/internal/storage"
	"github.com/jkaninda/kazi/internal/tools/human"
)

var (
	runSandbox  sandboxFlags
	runMaxTurns int
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run the agent on a task, or start an interactive session",
	Long: `With a task argument, run the agent once and print its answer. Without
one, start an interactive session that keeps the conversation between prompts.`,
	RunE: runAgent,
}

func init() {
	runSandbox.register(runCmd)
	runCmd.Flags().IntVar(&runMaxTurns, "max-turns", 0, "override agent.max_turns")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runMaxTurns > 0 {
		cfg.Agent.MaxTurns = runMaxTurns
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader, closeReader := human.Stdio()
	defer closeReader()

	sc, err := initShared(ctx, cfg, logger, sharedOptions{
		sandbox:         runSandbox,
		reader:          reader,
		requireProvider: true,
		source:          storage.SourceCLI,
	})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	runner := sc.NewRunner()
	if task := strings.TrimSpace(strings.Join(args, " ")); task != "" {
		return runOnce(ctx, sc, runner, task, cmd)
	}

	gw := cli.NewGateway(runner, reader, cmd.OutOrStdout(), logger)
	errs := make(chan error, 1)
	go func() { errs <- gw.Start(ctx) }()

	select {
	case err = <-errs:
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		_ = gw.Stop(context.Background())
	}

	status := storage.StatusCompleted
	if gw.Failed() || err != nil {
		status = storage.StatusFailed
	}
	sc.Session.Finish(context.Background(), status, gw.Turns())
	return err
}

// runOnce runs a single task and prints the answer on stdout.
func runOnce(ctx context.Context, sc *SharedComponents, runner *agent.Runner, task string, cmd *cobra.Command) error {
	res, err := runner.Run(ctx, task)
	sc.Session.Finish(context.Background(), agent.Outcome(err), res.Turns)

	sc.Logger.Info("run finished",
		slog.String("session_id", sc.Session.ID().String()),
		slog.String("outcome", agent.Outcome(err)),
		slog.Int("turns", res.Turns),
		slog.Int("tool_calls", res.ToolCalls),
	)
	if res.Output != "" {
		fmt.Fprintln(cmd.OutOrStdout(), res.Output)
	}
	return err
}
