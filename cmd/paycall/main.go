// Package main provides the CLI entry point for paycall, an outbound voice
// agent that calls credit card customers and collects a payment.
//
// # Basic Usage
//
// Start the server:
//
//	paycall serve --config paycall.yaml
//
// Place a call through a running server:
//
//	paycall call --to +15551234567
//
// # Environment Variables
//
//   - PAYCALL_CONFIG: Path to configuration file (default: paycall.yaml)
//   - TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_API_URL: telephony credentials
//   - SIP_OUTBOUND_TRUNK_ID: caller id calls are placed from
//   - PAYCALL_PUBLIC_URL: public base URL Twilio sends webhooks to
//   - OPENAI_API_KEY or ANTHROPIC_API_KEY: language model credentials
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "paycall.yaml"

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
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "paycall",
		Short: "paycall - outbound payment collection voice agent",
		Long: `paycall places outbound phone calls to credit card customers and walks
them through a scripted conversation: greeting, payment inquiry, questions
and objections, payment processing and goodbye.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCallCmd(),
		buildRoomsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers an explicit flag, then PAYCALL_CONFIG, then the
// default file when it exists. An empty result means environment only.
func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("PAYCALL_CONFIG")); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}
