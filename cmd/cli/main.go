package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/invest-assistant/internal/app"
	"github.com/NikhilSetiya/invest-assistant/pkg/config"
	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
)

var (
	// Global flags
	verbose    bool
	jsonOutput bool
	timeout    time.Duration

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "invest",
	Short: "Investment assistant command line",
	Long: `Routes investment questions to the best suited expert, the same way the
API server does. Configuration comes from the environment and an optional .env
file; with no DB_DRIVER set everything runs against the in-memory store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded

		// Logs go to stderr so stdout stays parseable
		cfg.Logging.Output = "stderr"
		cfg.Logging.Format = "text"
		if verbose {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "warn"
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall command timeout")

	rootCmd.AddCommand(askCmd, feedbackCmd, expertsCmd, healthCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp builds the application for one command run and shuts it down
// afterwards, draining queued score updates
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "invest-cli",
		Version:     app.Version,
	})
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, app.Options{DisableMetrics: true, Logger: logger})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	runErr := fn(ctx, a)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
