// kazi runs a language model against a sandboxed directory through a small
// set of tools: shell commands, file reads and writes, directory listings
// and questions to the user.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "kazi",
	Short: "kazi: a sandboxed tool-execution harness for coding agents.",
	Long: `kazi gives a model a sandbox directory and a fixed set of tools that
cannot reach outside it. Run it interactively, serve the tools over HTTP or
MCP, or call a single tool from a script.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file (env KAZI_CONFIG)")
	rootCmd.AddCommand(initCmd, runCmd, serveCmd, toolCmd, historyCmd, sandboxesCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
