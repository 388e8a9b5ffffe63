// Package main provides the CLI entry point for strand, the agent
// tool-execution core.
//
// # Basic Usage
//
// Start the invocation server:
//
//	strand serve --config strand.yaml
//
// List tools on the primary connection:
//
//	strand tools
//
// Dispatch one tool invocation and print its event stream:
//
//	strand call search --args '{"query": "golang"}'
//
// # Environment Variables
//
//   - STRAND_API_URL: Primary tool server base URL
//   - STRAND_API_TOKEN: Primary tool server token
//   - STRAND_OUTPUT_DIR: Artifact output directory
//   - STRAND_MODE: Sandbox mode (read-only or read-write)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "strand",
		Short:        "strand - agent tool-execution core",
		Long:         "strand dispatches agent tool invocations onto sandboxed remote connections\nand streams their progress, text, and results.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
		buildCallCmd(),
	)

	return rootCmd
}
