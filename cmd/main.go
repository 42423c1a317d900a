package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/config"
	"github.com/lawrence-idegy/commonsku-automation/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "commonsku-automation",
	Short: "Export CommonSKU reports in resumable batches",
	Long: `Exports dashboard, pipeline and sales order reports from CommonSKU through an
external browser automation command, tracks every batch on disk so an interrupted
run can be resumed, and optionally uploads the files to S3 compatible storage.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default is ./config.yaml when present)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file with credentials and overrides")

	flags.String("log-level", "info", "Log level (debug/info/warn/error)")
	flags.String("log-format", "console", "Log format (console/json)")
	flags.String("log-file", "", "Also write logs to this file, rotated")
	flags.String("state-dir", "./state", "Directory holding the batch state file")
	flags.Bool("show-progress", true, "Show a progress bar on interactive terminals")

	flags.String("export-command", "", "Command exporting one report; {type}, {range} and {dir} are substituted")
	flags.String("download-dir", "./downloads", "Directory receiving exported reports")
	flags.Int("max-retries", 3, "Export attempts per report")
	flags.Duration("retry-delay", 5*time.Second, "Base delay between export attempts, multiplied by the attempt number")

	flags.Bool("upload", false, "Upload exported reports to cloud storage")
	flags.String("organization", "by-date", "Remote folder layout (single/by-date/by-type)")
	flags.Int("transfers", 4, "Parallel uploads for directory uploads")
	flags.String("history", "", "Run history database (default is history.db in the state dir); an explicit empty value disables it")
	flags.Bool("notify", false, "Email a summary when a batch finishes")

	rootCmd.AddCommand(
		newRunCmd(),
		newExportCmd(),
		newResumeCmd(),
		newStatusCmd(),
		newResetCmd(),
		newUploadCmd(),
		newScheduleCmd(),
		newServeCmd(),
	)
}

// setup loads configuration and creates the logger for a command
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path := configFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}

	cfg, err := config.Load(path, envFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
