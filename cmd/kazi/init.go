package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/workspace"
)

var (
	initSandbox sandboxFlags
	initForce   bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a sandbox root and run its bootstrap command",
	Long: `Create a sandbox root directory and run the bootstrap command in it
(sandbox.bootstrap, "uv init --no-workspace" by default). Fails if the root
already exists unless --force is given, which removes it first.`,
	RunE: runInit,
}

func init() {
	initSandbox.register(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "remove an existing sandbox root first")
}

func runInit(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ws, err := workspace.Open(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}
	path, err := resolveSandboxPath(cfg, ws, initSandbox)
	if err != nil {
		return fmt.Errorf("resolving sandbox path: %w", err)
	}
	opts, err := sandboxOptions(cfg, logger)
	if err != nil {
		return err
	}

	sbx, err := sandbox.Initialize(ctx, path, initForce, opts...)
	if err != nil {
		return err
	}
	logger.Info("sandbox initialized", slog.String("path", sbx.Root()))
	fmt.Fprintln(cmd.OutOrStdout(), sbx.Root())
	return nil
}
