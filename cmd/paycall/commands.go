package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the call server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the paycall server",
		Long: `Start the paycall server.

The server will:
1. Load and validate configuration
2. Connect the telephony provider and the language model backend
3. Start the call workers and the stale room cleanup schedule
4. Serve the call API, provider webhooks, health checks and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  paycall serve

  # Start with a custom config and debug logging
  paycall serve --config /etc/paycall/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Call Command
// =============================================================================

// buildCallCmd creates the "call" command that launches one outbound call.
func buildCallCmd() *cobra.Command {
	var (
		configPath   string
		serverAddr   string
		to           string
		customerName string
		wait         bool
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Launch an outbound payment call",
		Example: `  paycall call --to +15551234567
  paycall call --to +15551234567 --name "Jordan Lee" --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, callOptions{
				configPath:   resolveConfigPath(configPath),
				serverAddr:   serverAddr,
				to:           to,
				customerName: customerName,
				wait:         wait,
				verbose:      verbose,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Server address (defaults to the configured host and port)")
	cmd.Flags().StringVar(&to, "to", "", "Destination phone number in E.164 format")
	cmd.Flags().StringVar(&customerName, "name", "", "Customer name, if known")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the call finishes")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print the call timeline when it finishes")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// =============================================================================
// Rooms Commands
// =============================================================================

// buildRoomsCmd creates the "rooms" command group.
func buildRoomsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "Inspect and clean up call rooms",
	}
	cmd.AddCommand(buildRoomsListCmd(), buildRoomsCleanupCmd())
	return cmd
}

func buildRoomsListCmd() *cobra.Command {
	var configPath, serverAddr string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active call rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoomsList(cmd, resolveConfigPath(configPath), serverAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Server address")
	return cmd
}

func buildRoomsCleanupCmd() *cobra.Command {
	var configPath, serverAddr string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Tear down rooms that outlived their call",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoomsCleanup(cmd, resolveConfigPath(configPath), serverAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Server address")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate configuration and print its schema",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that the configuration is complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "paycall %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
