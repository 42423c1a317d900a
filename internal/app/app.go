package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/checkpoint"
	"github.com/lawrence-idegy/commonsku-automation/internal/config"
	"github.com/lawrence-idegy/commonsku-automation/internal/metrics"
	"github.com/lawrence-idegy/commonsku-automation/internal/notify"
	"github.com/lawrence-idegy/commonsku-automation/internal/progress"
	"github.com/lawrence-idegy/commonsku-automation/internal/report"
	"github.com/lawrence-idegy/commonsku-automation/internal/state"
	"github.com/lawrence-idegy/commonsku-automation/internal/storage"
	"github.com/lawrence-idegy/commonsku-automation/internal/worker"

	"go.uber.org/zap"
)

var (
	ErrBatchRunning    = errors.New("a batch is already running")
	ErrNoBatch         = errors.New("no batch found to resume")
	ErrNothingToResume = errors.New("no pending tasks to resume")
	ErrNoReports       = errors.New("no reports requested")
	ErrNoExporter      = errors.New("export command is not configured")
)

// Components are the collaborators of an App. Only Tracker is required.
type Components struct {
	Tracker  *state.Tracker
	Exporter report.Exporter
	Uploader worker.Uploader
	History  checkpoint.Store
	Metrics  *metrics.Collector
	Notifier notify.Notifier
	Sinks    []progress.Sink
	// Terminal receives the progress bar; nil disables it
	Terminal io.Writer
}

// App drives report batches through the tracker
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	tracker   *state.Tracker
	exporter  report.Exporter
	history   checkpoint.Store
	metrics   *metrics.Collector
	notifier  notify.Notifier
	display   *progress.Display
	estimator *progress.Estimator
	processor *worker.Processor

	running atomic.Bool
	pause   atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an App and its collaborators from configuration
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	tracker, err := state.NewTracker(cfg.StateDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch tracker: %w", err)
	}

	components := Components{
		Tracker: tracker,
		Metrics: metrics.New(),
	}

	if cfg.Exporter.Command != "" {
		exporter, err := report.NewCommandExporter(report.CommandConfig{
			Command:     cfg.Exporter.Command,
			DownloadDir: cfg.Exporter.DownloadDir,
			Timeout:     cfg.Exporter.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
		components.Exporter = exporter
	}

	if cfg.Upload.Enabled {
		uploader, err := NewUploader(ctx, cfg.Upload, logger)
		if err != nil {
			return nil, err
		}
		components.Uploader = uploader
	}

	if path := cfg.HistoryPath(); path != "" {
		store, err := checkpoint.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create history store: %w", err)
		}
		components.History = store
	}

	if cfg.Notify.Enabled {
		notifier, err := notify.NewSendGridNotifier(notify.Config{
			APIKey: cfg.Notify.APIKey,
			From:   cfg.Notify.From,
			To:     cfg.Notify.To,
		}, logger)
		if err != nil {
			closeHistory(components.History, logger)
			return nil, fmt.Errorf("failed to create notifier: %w", err)
		}
		components.Notifier = notifier
	}

	if cfg.ShowProgress && progress.IsTerminal(os.Stderr) {
		components.Terminal = os.Stderr
		logger.Debug("Progress display enabled")
	} else {
		components.Sinks = append(components.Sinks, progress.NewLogSink(logger))
		logger.Debug("Progress display disabled", zap.Bool("show_progress", cfg.ShowProgress))
	}

	return NewWithComponents(cfg, components, logger), nil
}

// NewUploader connects to the configured storage provider
func NewUploader(ctx context.Context, cfg config.Upload, logger *zap.Logger) (*storage.Uploader, error) {
	storageCfg := storage.Config{
		Endpoint:  cfg.Endpoint,
		Region:    cfg.Region,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Secure:    cfg.Secure,
	}

	var client storage.Client
	var err error
	switch cfg.Provider {
	case config.ProviderS3:
		client, err = storage.NewS3Client(ctx, storageCfg)
	default:
		client, err = storage.NewMinIOClient(storageCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", cfg.Provider, err)
	}

	return storage.NewUploader(client, storage.UploaderConfig{
		Bucket:       cfg.Bucket,
		RemoteFolder: cfg.RemoteFolder,
		Organization: storage.Organization(cfg.Organization),
		SkipExisting: cfg.SkipExisting,
	}, logger), nil
}

// NewWithComponents assembles an App from prepared collaborators
func NewWithComponents(cfg *config.Config, c Components, logger *zap.Logger) *App {
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.Notifier == nil {
		c.Notifier = notify.Nop{}
	}

	estimator := progress.NewEstimator()
	sinks := append([]progress.Sink{}, c.Sinks...)
	var display *progress.Display
	if c.Terminal != nil {
		display = progress.NewDisplay(c.Terminal, estimator)
		sinks = append(sinks, display)
	}

	deps := worker.Deps{
		Tracker:   c.Tracker,
		Exporter:  c.Exporter,
		History:   c.History,
		Metrics:   c.Metrics,
		Sink:      progress.Multi(sinks),
		Estimator: estimator,
	}
	if c.Uploader != nil {
		deps.Uploader = c.Uploader
	}

	return &App{
		cfg:       cfg,
		logger:    logger,
		tracker:   c.Tracker,
		exporter:  c.Exporter,
		history:   c.History,
		metrics:   c.Metrics,
		notifier:  c.Notifier,
		display:   display,
		estimator: estimator,
		processor: worker.NewProcessor(worker.Config{
			MaxRetries:    cfg.Exporter.MaxRetries,
			RetryDelay:    cfg.Exporter.RetryDelay,
			SkipCompleted: true,
		}, deps, logger),
	}
}

// Metrics returns the collector shared by every batch
func (a *App) Metrics() *metrics.Collector {
	return a.metrics
}

// Running reports whether a batch is in progress
func (a *App) Running() bool {
	return a.running.Load()
}

// RunBatch creates a batch for specs and processes every task in order.
// It returns the batch id together with ctx's error when the run was cancelled.
func (a *App) RunBatch(ctx context.Context, specs []report.Spec) (string, error) {
	batchID, runCtx, err := a.begin(ctx, specs)
	if err != nil {
		return "", err
	}
	return batchID, a.drive(runCtx, batchID)
}

// StartBatch creates a batch and processes it in the background.
// ctx bounds the background run, not the call.
func (a *App) StartBatch(ctx context.Context, specs []report.Spec) (string, error) {
	batchID, runCtx, err := a.begin(ctx, specs)
	if err != nil {
		return "", err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.drive(runCtx, batchID); err != nil {
			a.logger.Warn("Background batch stopped", zap.String("batch_id", batchID), zap.Error(err))
		}
	}()
	return batchID, nil
}

// Cancel stops the running batch. It reports whether one was running.
func (a *App) Cancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel == nil {
		return false
	}
	a.cancel()
	return true
}

// Pause asks the running batch to stop after the report in progress.
// The batch is left paused and can be resumed. It reports whether one was running.
func (a *App) Pause() bool {
	if !a.Running() {
		return false
	}
	a.pause.Store(true)
	a.logger.Info("Pause requested")
	return true
}

// ResumeSpecs returns the reports the last batch did not finish: pending and
// failed tasks, plus tasks interrupted mid-export, in batch order
func (a *App) ResumeSpecs() ([]report.Spec, error) {
	var (
		batch *state.Batch
		ok    bool
	)
	if !a.whileIdle(func() { batch, ok = a.tracker.LoadBatch("") }) {
		return nil, ErrBatchRunning
	}
	if !ok {
		return nil, ErrNoBatch
	}

	var specs []report.Spec
	for _, task := range batch.Tasks {
		if task.Status == state.StatusCompleted {
			continue
		}
		specs = append(specs, task.Spec())
	}
	if len(specs) == 0 {
		return nil, ErrNothingToResume
	}

	a.logger.Info("Resuming batch",
		zap.String("previous_batch_id", batch.BatchID),
		zap.Int("reports", len(specs)),
	)
	return specs, nil
}

// ResumeBatch runs the unfinished reports of the last batch as a new batch
func (a *App) ResumeBatch(ctx context.Context) (string, error) {
	specs, err := a.ResumeSpecs()
	if err != nil {
		return "", err
	}
	return a.RunBatch(ctx, specs)
}

// Status returns the current batch, loading the persisted one when needed
func (a *App) Status() (*state.Batch, state.Progress, bool) {
	batch, ok := a.tracker.Current()
	if !ok {
		a.whileIdle(func() { batch, ok = a.tracker.LoadBatch("") })
	}
	if !ok {
		return nil, state.Progress{}, false
	}
	return batch, a.tracker.Progress(), true
}

// History returns the most recent task outcomes across batches
func (a *App) History(ctx context.Context, limit int) ([]*checkpoint.Record, error) {
	if a.history == nil {
		return nil, nil
	}
	return a.history.ListRecent(ctx, limit)
}

// Outcome returns the recorded outcome of one task, or nil when unknown
func (a *App) Outcome(ctx context.Context, batchID, taskID string) (*checkpoint.Record, error) {
	if a.history == nil {
		return nil, nil
	}
	return a.history.GetOutcome(ctx, batchID, taskID)
}

// Failures returns failed task outcomes recorded since the given time, oldest first
func (a *App) Failures(ctx context.Context, since time.Time) ([]*checkpoint.Record, error) {
	if a.history == nil {
		return nil, nil
	}
	return a.history.ListFailed(ctx, since)
}

// LastSuccesses returns the latest completed export of each spec. Specs never
// exported successfully are left out.
func (a *App) LastSuccesses(ctx context.Context, specs []report.Spec) ([]*checkpoint.Record, error) {
	if a.history == nil {
		return nil, nil
	}

	var records []*checkpoint.Record
	for _, spec := range specs {
		record, err := a.history.LastSuccess(ctx, spec.Type, spec.DateRange)
		if err != nil {
			return nil, fmt.Errorf("failed to read last export of %s: %w", spec, err)
		}
		if record != nil {
			records = append(records, record)
		}
	}
	return records, nil
}

// Reset deletes the persisted batch
func (a *App) Reset() error {
	if !a.whileIdle(a.tracker.ClearState) {
		return ErrBatchRunning
	}
	return nil
}

// whileIdle runs fn holding the run slot so no batch starts meanwhile.
// It returns false without calling fn when a batch is running.
func (a *App) whileIdle(fn func()) bool {
	if !a.running.CompareAndSwap(false, true) {
		return false
	}
	defer a.running.Store(false)
	fn()
	return true
}

// Wait blocks until background batches have finished
func (a *App) Wait() {
	a.wg.Wait()
}

// Close waits for background batches and releases resources
func (a *App) Close() error {
	a.Wait()
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			return fmt.Errorf("failed to close history store: %w", err)
		}
	}
	return nil
}

// begin claims the run slot and creates the batch
func (a *App) begin(ctx context.Context, specs []report.Spec) (string, context.Context, error) {
	if len(specs) == 0 {
		return "", nil, ErrNoReports
	}
	if a.exporter == nil {
		return "", nil, ErrNoExporter
	}
	if !a.running.CompareAndSwap(false, true) {
		return "", nil, ErrBatchRunning
	}

	a.pause.Store(false)
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	batchID := a.tracker.CreateBatch(specs)
	a.estimator.Reset()
	a.metrics.BatchStarted()
	a.metrics.SetProgress(a.tracker.Progress())

	a.logger.Info("Starting batch", zap.String("batch_id", batchID), zap.Int("reports", len(specs)))
	return batchID, runCtx, nil
}

// drive processes every pending task and finishes the batch. It releases the run slot.
func (a *App) drive(ctx context.Context, batchID string) error {
	defer func() {
		a.mu.Lock()
		if a.cancel != nil {
			a.cancel()
			a.cancel = nil
		}
		a.mu.Unlock()
		a.running.Store(false)
	}()

	var (
		runErr error
		paused bool
	)
	for _, task := range a.tracker.PendingTasks() {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if a.pause.Load() {
			paused = true
			break
		}
		if err := a.processor.Process(ctx, worker.Job{BatchID: batchID, Task: task}); err != nil {
			runErr = err
			break
		}
	}

	switch {
	case runErr != nil:
		a.tracker.FailBatch(runErr.Error())
	case paused:
		a.tracker.SetBatchStatus(state.BatchPaused)
	default:
		a.tracker.CompleteBatch()
	}

	batch, _ := a.tracker.Current()
	progressSnapshot := a.tracker.Progress()
	a.metrics.SetProgress(progressSnapshot)
	if batch != nil {
		a.metrics.BatchFinished(batch.Status)
	}
	if a.display != nil {
		a.display.Finish()
	}

	a.logger.Info("Batch finished",
		zap.String("batch_id", batchID),
		zap.Int("completed", progressSnapshot.Completed),
		zap.Int("failed", progressSnapshot.Failed),
		zap.Int("pending", progressSnapshot.Pending),
		zap.Duration("elapsed", a.estimator.Elapsed()),
	)

	if paused {
		return nil
	}

	// The summary goes out even when the run was cancelled
	if err := a.notifier.NotifyBatch(context.WithoutCancel(ctx), batch); err != nil {
		a.logger.Error("Failed to send batch notification", zap.String("batch_id", batchID), zap.Error(err))
	}

	return runErr
}

func closeHistory(store checkpoint.Store, logger *zap.Logger) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		logger.Error("Error closing history store", zap.Error(err))
	}
}
