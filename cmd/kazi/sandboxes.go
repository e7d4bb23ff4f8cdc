package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/workspace"
)

var sandboxesCmd = &cobra.Command{
	Use:   "sandboxes",
	Short: "List the named sandboxes in the workspace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ws, err := openWorkspace()
		if err != nil {
			return err
		}
		names, err := ws.Sandboxes()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", name, ws.SandboxPath(name))
		}
		return nil
	},
}

var sandboxesRmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Delete a named sandbox and everything in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := openWorkspace()
		if err != nil {
			return err
		}
		if err := ws.RemoveSandbox(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", ws.SandboxPath(args[0]))
		return nil
	},
}

func init() {
	sandboxesCmd.AddCommand(sandboxesRmCmd)
}

func openWorkspace() (*workspace.Workspace, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	ws, err := workspace.Open(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	return ws, nil
}
