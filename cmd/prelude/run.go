package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"muniworks/prelude/internal/orchestrator"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one startup sequence and exit",
	Long: `Run executes the host application's startup sequence once:
ensure the budget database exists, validate its schema, and initialize
Azure blob storage, with the splash-to-main-window narrative rehearsed
by logging hooks.

The command prints the JSON startup report to stdout and exits 0 only
when the run completed cleanly. Ctrl-C cancels the run cooperatively
and yields a cancelled report.`,
	RunE: runStartup,
}

func runStartup(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, cfg.Startup.Timeout)
	defer cancel()

	if app.otelProvider != nil {
		defer func() {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			if err := app.otelProvider.Shutdown(shutCtx); err != nil {
				slog.Warn("OTEL shutdown error", "err", err)
			}
		}()
	}

	slog.Info("starting startup sequence")

	report, err := app.supervisor.RunStartup(ctx)
	if err != nil {
		printResult("error", err.Error())
		return fmt.Errorf("startup failed: %w", err)
	}

	printReport(report)

	switch report.Status {
	case orchestrator.StatusOK:
		slog.Info("startup completed successfully")
		return nil
	case orchestrator.StatusCancelled:
		return fmt.Errorf("startup cancelled")
	default:
		return fmt.Errorf("startup completed with errors")
	}
}

func printReport(report *orchestrator.StartupReport) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stdout, `{"status":%q}`+"\n", report.Status)
	}
}

func printResult(status, errMsg string) {
	result := map[string]string{"status": status}
	if errMsg != "" {
		result["error"] = errMsg
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		// Fallback to plain text if JSON encoding somehow fails.
		fmt.Fprintf(os.Stdout, `{"status":%q}`+"\n", status)
	}
}
