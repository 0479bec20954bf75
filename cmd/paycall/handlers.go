package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/paycall/internal/config"
	"github.com/haasonsaas/paycall/internal/dispatch"
	"github.com/haasonsaas/paycall/internal/observability"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads and validates configuration, wires the server and runs it
// until SIGINT/SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	slog.Info("starting paycall",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	cfg, err := loadValidConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	slog.Info("configuration loaded",
		"addr", cfg.Server.Address(),
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"workers", cfg.Dispatch.Workers,
	)

	a, err := newApp(cfg, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	slog.SetDefault(a.logger.Slog())

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return a.start(ctx)
}

// loadValidConfig loads configuration and refuses to continue when required
// credentials are missing.
func loadValidConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// Call Command Handler
// =============================================================================

type callOptions struct {
	configPath   string
	serverAddr   string
	to           string
	customerName string
	wait         bool
	verbose      bool
}

func runCall(cmd *cobra.Command, opts callOptions) error {
	client, err := clientFor(opts.configPath, opts.serverAddr)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var rec dispatch.Record
	req := dispatch.LaunchRequest{PhoneNumber: opts.to, CustomerName: opts.customerName}
	if err := client.postJSON(ctx, "/v1/calls", req, &rec); err != nil {
		return fmt.Errorf("launch call: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Call queued\n  room: %s\n  job:  %s\n", rec.Room, rec.ID)
	if !opts.wait {
		return nil
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		var status callStatus
		if err := client.getJSON(ctx, "/v1/calls/"+rec.Room, &status); err != nil {
			return fmt.Errorf("call status: %w", err)
		}
		if status.Call == nil || !status.Call.Status.Finished() {
			continue
		}
		fmt.Fprintf(out, "Call %s\n", status.Call.Status)
		if r := status.Call.Result; r != nil {
			fmt.Fprintf(out, "  outcome:      %s\n  interactions: %d\n  duration:     %s\n",
				r.PaymentOutcome, r.InteractionCount, r.Duration.Round(time.Second))
			if r.ConfirmationNumber != "" {
				fmt.Fprintf(out, "  confirmation: %s\n", r.ConfirmationNumber)
			}
		}
		if opts.verbose {
			fmt.Fprintf(out, "\n%s", observability.FormatTimeline(status.Timeline))
		}
		if status.Call.Error != "" {
			return errors.New(status.Call.Error)
		}
		return nil
	}
}

// =============================================================================
// Rooms Command Handlers
// =============================================================================

func runRoomsList(cmd *cobra.Command, configPath, serverAddr string) error {
	client, err := clientFor(configPath, serverAddr)
	if err != nil {
		return err
	}
	var resp roomsResponse
	if err := client.getJSON(cmd.Context(), "/v1/rooms", &resp); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROOM\tSTATE\tAGE\tPARTICIPANTS")
	for _, r := range resp.Rooms {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", r.Name, r.State, time.Since(r.CreatedAt).Round(time.Second), len(r.Participants))
	}
	return tw.Flush()
}

func runRoomsCleanup(cmd *cobra.Command, configPath, serverAddr string) error {
	client, err := clientFor(configPath, serverAddr)
	if err != nil {
		return err
	}
	var report dispatch.CleanupReport
	if err := client.postJSON(cmd.Context(), "/v1/rooms/cleanup", nil, &report); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Removed %d stale room(s)\n", len(report.Rooms))
	for _, name := range report.Rooms {
		fmt.Fprintf(out, "  %s\n", name)
	}
	return nil
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := loadValidConfig(configPath)
	if err != nil {
		return err
	}
	source := configPath
	if source == "" {
		source = "environment"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK (%s)\n  provider: %s\n  llm:      %s/%s\n",
		source, cfg.Telephony.Provider, cfg.LLM.Provider, cfg.LLM.Model)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}
