package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the invocation server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the strand invocation server",
		Long: `Start the HTTP server that accepts tool invocations and streams each
invocation's events and result over SSE.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with defaults (read-only, env credentials)
  strand serve

  # Start with a config file and debug logging
  strand serve --config /etc/strand/strand.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, listen, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&listen, "listen", "l", ":8080", "Listen address for the invocation server")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// buildToolsCmd creates the "tools" command that lists remote tools.
func buildToolsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List tools on the primary connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}

// buildCallCmd creates the "call" command that dispatches one invocation.
func buildCallCmd() *cobra.Command {
	var (
		configPath string
		argsJSON   string
	)

	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Dispatch one tool invocation and print its event stream",
		Args:  cobra.ExactArgs(1),
		Example: `  strand call search --args '{"query": "golang"}'
  strand call read_file --args '{"path": "notes.md"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd.Context(), configPath, args[0], argsJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&argsJSON, "args", "a", "", "Tool arguments as a JSON object")

	return cmd
}
