package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/api"
	"github.com/lawrence-idegy/commonsku-automation/internal/app"
	"github.com/lawrence-idegy/commonsku-automation/internal/checkpoint"
	"github.com/lawrence-idegy/commonsku-automation/internal/config"
	"github.com/lawrence-idegy/commonsku-automation/internal/metrics"
	"github.com/lawrence-idegy/commonsku-automation/internal/report"
	"github.com/lawrence-idegy/commonsku-automation/internal/schedule"
	"github.com/lawrence-idegy/commonsku-automation/internal/state"
	"github.com/lawrence-idegy/commonsku-automation/internal/storage"
	"github.com/lawrence-idegy/commonsku-automation/internal/worker"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// withApp runs fn with a configured App and a signal-bound context, closing both afterwards
func withApp(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, application *app.App, log *zap.Logger) error) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signalContext(log)
	defer cancel()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	err = fn(ctx, cfg, application, log)

	if closeErr := application.Close(); closeErr != nil {
		log.Error("Error closing application", zap.Error(closeErr))
	}
	return err
}

func newRunCmd() *cobra.Command {
	var preset string
	var reports []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a batch of reports",
		Long: `Runs a batch of reports. Without --preset or --report the set scheduled for
today is used: every day the three Today reports, on Wednesday also this and last
month, and on Friday the full set of periods.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, cfg *config.Config, application *app.App, log *zap.Logger) error {
				specs, err := selectSpecs(cfg, preset, reports)
				if err != nil {
					return err
				}
				batchID, err := application.RunBatch(ctx, specs)
				return finishBatch(application, batchID, err)
			})
		},
	}

	cmd.Flags().StringVar(&preset, "preset", "", "Named report set: "+strings.Join(schedule.PresetNames(), ", "))
	cmd.Flags().StringArrayVar(&reports, "report", nil, `Report as "type:range", e.g. "pipeline:Last Week" (repeatable)`)
	return cmd
}

func newExportCmd() *cobra.Command {
	var typeName, dateRange string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a single report",
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := report.ParseType(typeName)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, cfg *config.Config, application *app.App, log *zap.Logger) error {
				batchID, err := application.RunBatch(ctx, []report.Spec{{Type: typ, DateRange: dateRange}})
				return finishBatch(application, batchID, err)
			})
		},
	}

	cmd.Flags().StringVar(&typeName, "type", "", "Report type (dashboard/pipeline/sales-orders)")
	cmd.Flags().StringVar(&dateRange, "range", report.RangeToday, "Date range label, e.g. \"This Month\"")
	cmd.MarkFlagRequired("type")
	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Rerun the pending and failed reports of the last batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, cfg *config.Config, application *app.App, log *zap.Logger) error {
				batchID, err := application.ResumeBatch(ctx)
				if errors.Is(err, app.ErrNoBatch) || errors.Is(err, app.ErrNothingToResume) {
					fmt.Println(err)
					return nil
				}
				return finishBatch(application, batchID, err)
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	var (
		historyLimit int
		failedSince  time.Duration
		lastPreset   string
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, cfg *config.Config, application *app.App, log *zap.Logger) error {
				batch, progress, ok := application.Status()
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(api.StatusResponse{Progress: progress, Batch: batch})
				}

				if !ok {
					fmt.Println("No batch found")
				} else {
					printBatch(batch, progress)
				}

				if historyLimit > 0 {
					records, err := application.History(ctx, historyLimit)
					if err != nil {
						return fmt.Errorf("failed to read history: %w", err)
					}
					printRecords("Recent outcomes", records)
				}
				if failedSince > 0 {
					records, err := application.Failures(ctx, time.Now().Add(-failedSince))
					if err != nil {
						return fmt.Errorf("failed to read history: %w", err)
					}
					printRecords("Failures in the last "+failedSince.String(), records)
				}
				if lastPreset != "" {
					specs, err := schedule.Preset(lastPreset)
					if err != nil {
						return err
					}
					records, err := application.LastSuccesses(ctx, specs)
					if err != nil {
						return err
					}
					printRecords("Last successful exports", records)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&historyLimit, "recent", 0, "Also show the last N task outcomes from the run history")
	cmd.Flags().DurationVar(&failedSince, "failed-since", 0, "Also show reports that failed within this window, e.g. 24h")
	cmd.Flags().StringVar(&lastPreset, "last", "", "Also show the last good export of every report in this preset, e.g. all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the batch as JSON")
	return cmd
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete the saved batch state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, cfg *config.Config, application *app.App, log *zap.Logger) error {
				if err := application.Reset(); err != nil {
					return err
				}
				fmt.Println("Batch state cleared")
				return nil
			})
		},
	}
}

func newUploadCmd() *cobra.Command {
	var list, check bool
	var prefix, dateRange string

	cmd := &cobra.Command{
		Use:   "upload [file or directory]",
		Short: "Upload reports to cloud storage, list or check the remote",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()

			if cfg.Upload.Bucket == "" {
				return fmt.Errorf("upload bucket is not configured")
			}

			ctx, cancel := signalContext(log)
			defer cancel()

			uploader, err := app.NewUploader(ctx, cfg.Upload, log)
			if err != nil {
				return err
			}

			switch {
			case check:
				if err := uploader.Check(ctx); err != nil {
					return err
				}
				fmt.Printf("Bucket %q is reachable\n", cfg.Upload.Bucket)
				return nil
			case list:
				return printRemote(ctx, uploader, prefix)
			}

			target := cfg.Exporter.DownloadDir
			if len(args) == 1 {
				target = args[0]
			}
			return uploadPath(ctx, cfg, uploader, log, target, dateRange)
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Only check that the bucket is reachable")
	cmd.Flags().BoolVar(&list, "list", false, "List uploaded reports")
	cmd.Flags().StringVar(&prefix, "prefix", "", "With --list, only show keys under this folder")
	cmd.Flags().StringVar(&dateRange, "range", "", "Date range of a single uploaded file; inferred from its name when empty")
	return cmd
}

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the daily batch at the configured time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, cfg *config.Config, application *app.App, log *zap.Logger) error {
				return runDaemon(ctx, cfg, application, log, false, true)
			})
		},
	}

	cmd.Flags().String("schedule-time", "17:00", "Daily run time (HH:MM)")
	cmd.Flags().String("timezone", "America/New_York", "Timezone of the schedule")
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control API and metrics, and the schedule when enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, cfg *config.Config, application *app.App, log *zap.Logger) error {
				return runDaemon(ctx, cfg, application, log, true, cfg.Schedule.Enabled)
			})
		},
	}

	cmd.Flags().String("listen", "127.0.0.1:8090", "Address of the control API")
	cmd.Flags().String("schedule-time", "17:00", "Daily run time (HH:MM)")
	cmd.Flags().String("timezone", "America/New_York", "Timezone of the schedule")
	return cmd
}

// runDaemon runs the API server and/or the scheduler until ctx ends or one of them fails
func runDaemon(ctx context.Context, cfg *config.Config, application *app.App, log *zap.Logger, withAPI, withSchedule bool) error {
	g, gctx := errgroup.WithContext(ctx)

	if withAPI {
		handlers := api.NewHandlers(gctx, application, log)
		router := api.SetupRoutes(handlers, application.Metrics().Handler(), log)
		g.Go(func() error {
			return api.Serve(gctx, cfg.Server.Listen, router, log)
		})
	}

	if withSchedule {
		scheduler, err := schedule.New(schedule.Config{
			Time:     cfg.Schedule.Time,
			Timezone: cfg.Schedule.Timezone,
		}, application, log)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return scheduler.Run(gctx)
		})
	}

	if !withAPI && !withSchedule {
		log.Warn("Nothing to serve: the schedule is disabled")
		return nil
	}

	return g.Wait()
}

// selectSpecs resolves the reports of a run from flags, falling back to today's schedule
func selectSpecs(cfg *config.Config, preset string, reports []string) ([]report.Spec, error) {
	if preset != "" && len(reports) > 0 {
		return nil, fmt.Errorf("use either --preset or --report, not both")
	}
	if preset != "" {
		return schedule.Preset(preset)
	}

	if len(reports) > 0 {
		specs := make([]report.Spec, 0, len(reports))
		for _, r := range reports {
			spec, err := parseReport(r)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
		return specs, nil
	}

	location, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone: %w", err)
	}
	return schedule.ForDay(time.Now().In(location).Weekday()), nil
}

// parseReport parses "type:range"
func parseReport(s string) (report.Spec, error) {
	typeName, dateRange, ok := strings.Cut(s, ":")
	dateRange = strings.TrimSpace(dateRange)
	if !ok || dateRange == "" {
		return report.Spec{}, fmt.Errorf("invalid report %q: expected type:range", s)
	}
	typ, err := report.ParseType(typeName)
	if err != nil {
		return report.Spec{}, err
	}
	return report.Spec{Type: typ, DateRange: dateRange}, nil
}

// finishBatch prints the batch and turns failed reports into a non-zero exit
func finishBatch(application *app.App, batchID string, runErr error) error {
	if batchID == "" {
		return runErr
	}

	batch, progress, ok := application.Status()
	if ok {
		printBatch(batch, progress)
	}
	if runErr != nil {
		return fmt.Errorf("batch %s stopped: %w", batchID, runErr)
	}
	if progress.Failed > 0 {
		return fmt.Errorf("%d of %d report(s) failed; rerun them with: resume", progress.Failed, progress.Total)
	}
	return nil
}

func printBatch(batch *state.Batch, progress state.Progress) {
	fmt.Printf("Batch %s: %s, started %s\n", batch.BatchID, batch.Status, humanize.Time(batch.StartTime))
	fmt.Printf("Completed %d, failed %d, pending %d, in progress %d of %d\n",
		progress.Completed, progress.Failed, progress.Pending, progress.InProgress, progress.Total)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Type", "Range", "Status", "Retries", "Result")
	for _, t := range batch.Tasks {
		result := t.FilePath
		if t.Error != "" {
			result = t.Error
		}
		table.Append(string(t.Type), t.DateRange, string(t.Status), fmt.Sprintf("%d", t.RetryCount), result)
	}
	table.Render()
}

func printRecords(title string, records []*checkpoint.Record) {
	fmt.Printf("\n%s:\n", title)
	if len(records) == 0 {
		fmt.Println("No run history")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("When", "Batch", "Report", "Status", "Attempts", "Duration")
	for _, r := range records {
		table.Append(
			humanize.Time(r.UpdatedAt),
			r.BatchID,
			report.Spec{Type: r.Type, DateRange: r.DateRange}.String(),
			string(r.Status),
			fmt.Sprintf("%d", r.Attempts),
			r.Duration.Round(time.Second).String(),
		)
	}
	table.Render()
}

func printRemote(ctx context.Context, uploader *storage.Uploader, prefix string) error {
	objects, err := uploader.List(ctx, prefix)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		fmt.Println("No reports uploaded")
		return nil
	}

	var total int64
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Key", "Size", "Modified")
	for _, o := range objects {
		total += o.Size
		table.Append(o.Key, humanize.Bytes(uint64(o.Size)), humanize.Time(o.LastModified))
	}
	table.Render()
	fmt.Printf("%d object(s), %s\n", len(objects), humanize.Bytes(uint64(total)))
	return nil
}

func uploadPath(ctx context.Context, cfg *config.Config, uploader *storage.Uploader, log *zap.Logger, target, dateRange string) error {
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", target, err)
	}

	if !info.IsDir() {
		result, err := uploader.UploadFile(ctx, target, dateRange)
		if err != nil {
			return err
		}
		if result.Skipped {
			fmt.Printf("Skipped %s (already uploaded)\n", result.Key)
		} else {
			fmt.Printf("Uploaded %s (%s)\n", result.Key, humanize.Bytes(uint64(result.Size)))
		}
		return nil
	}

	files, err := storage.Files(target)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Printf("No reports found in %s\n", target)
		return nil
	}

	pool := worker.NewUploadPool(cfg.Upload.Transfers, uploader, metrics.New(), log)
	outcomes := pool.Run(ctx, files)

	var uploaded, skipped, failed int
	var bytes int64
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			failed++
			fmt.Fprintf(os.Stderr, "Failed %s: %v\n", o.Result.LocalPath, o.Err)
		case o.Result.Skipped:
			skipped++
		default:
			uploaded++
			bytes += o.Result.Size
		}
	}

	fmt.Printf("Uploaded %d, skipped %d, failed %d (%s)\n", uploaded, skipped, failed, humanize.Bytes(uint64(bytes)))
	if failed > 0 {
		return fmt.Errorf("%d upload(s) failed", failed)
	}
	return nil
}
