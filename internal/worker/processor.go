package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/checkpoint"
	"github.com/lawrence-idegy/commonsku-automation/internal/metrics"
	"github.com/lawrence-idegy/commonsku-automation/internal/progress"
	"github.com/lawrence-idegy/commonsku-automation/internal/report"
	"github.com/lawrence-idegy/commonsku-automation/internal/state"

	"go.uber.org/zap"
)

// Deps are the collaborators of a Processor. Uploader and History may be nil.
type Deps struct {
	Tracker   *state.Tracker
	Exporter  report.Exporter
	Uploader  Uploader
	History   checkpoint.Store
	Metrics   *metrics.Collector
	Sink      progress.Sink
	Estimator *progress.Estimator
}

// Processor drives single report tasks through the tracker
type Processor struct {
	config    Config
	tracker   *state.Tracker
	exporter  report.Exporter
	uploader  Uploader
	history   checkpoint.Store
	metrics   *metrics.Collector
	sink      progress.Sink
	estimator *progress.Estimator
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewProcessor creates a processor
func NewProcessor(config Config, deps Deps, logger *zap.Logger) *Processor {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Sink == nil {
		deps.Sink = progress.Discard
	}
	if deps.Estimator == nil {
		deps.Estimator = progress.NewEstimator()
	}

	return &Processor{
		config:    config,
		tracker:   deps.Tracker,
		exporter:  deps.Exporter,
		uploader:  deps.Uploader,
		history:   deps.History,
		metrics:   deps.Metrics,
		sink:      deps.Sink,
		estimator: deps.Estimator,
		logger:    logger,
		sleep:     sleepContext,
	}
}

// Process runs one task to a terminal status. Export failures are recorded on
// the task; an error is returned only when ctx was cancelled.
func (p *Processor) Process(ctx context.Context, job Job) error {
	task := job.Task
	logger := p.logger.With(
		zap.String("batch_id", job.BatchID),
		zap.String("task_id", task.ID),
		zap.String("report", task.Spec().String()),
	)

	if p.config.SkipCompleted && p.tracker.IsReportCompleted(task.Type, task.DateRange) {
		logger.Info("Skipping report already completed in this batch")
		p.metrics.IncSkipped(task.Type)
		return nil
	}

	startTime := time.Now()
	p.tracker.UpdateTask(task.ID, state.TaskUpdate{Status: state.StatusInProgress})
	p.publish(job.BatchID, task.ID, "Exporting report", 0)

	filePath, attempts, err := p.exportWithRetry(ctx, logger, task)
	duration := time.Since(startTime)
	p.estimator.AddTask(duration)

	if err != nil {
		p.markFailed(ctx, job, attempts, duration, err)
		logger.Error("Report failed after all retries", zap.Int("attempts", attempts), zap.Error(err))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}

	size := fileSize(filePath)
	p.markCompleted(ctx, job, filePath, attempts, duration)
	logger.Info("Report exported",
		zap.String("file", filePath),
		zap.Int("attempts", attempts),
		zap.Duration("duration", duration),
	)
	p.publish(job.BatchID, task.ID, "Report exported", size)

	p.upload(ctx, logger, filePath, task.DateRange)
	return nil
}

// exportWithRetry returns the exported path and the number of attempts made
func (p *Processor) exportWithRetry(ctx context.Context, logger *zap.Logger, task state.Task) (string, int, error) {
	var lastErr error
	attempt := 0
	for attempt < p.config.MaxRetries {
		attempt++
		filePath, err := p.exporter.Export(ctx, task.Type, task.DateRange)
		if err == nil {
			return filePath, attempt, nil
		}

		lastErr = err
		logger.Warn("Export attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.config.MaxRetries),
			zap.Error(err),
		)

		if ctx.Err() != nil || !isRetriableError(err) {
			break
		}

		if attempt < p.config.MaxRetries {
			backoff := p.calculateBackoff(attempt)
			p.metrics.IncRetry(task.Type)
			logger.Info("Retrying export", zap.Duration("backoff", backoff))
			if err := p.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
		}
	}

	return "", attempt, fmt.Errorf("export failed after %d attempt(s): %w", attempt, lastErr)
}

func (p *Processor) markCompleted(ctx context.Context, job Job, filePath string, attempts int, duration time.Duration) {
	p.tracker.UpdateTask(job.Task.ID, state.TaskUpdate{
		Status:   state.StatusCompleted,
		FilePath: &filePath,
	})
	p.metrics.ObserveExport(job.Task.Type, state.StatusCompleted, duration)
	p.saveHistory(ctx, job, state.StatusCompleted, filePath, attempts, "", duration)
}

func (p *Processor) markFailed(ctx context.Context, job Job, attempts int, duration time.Duration, err error) {
	retryCount := job.Task.RetryCount
	if current, ok := p.tracker.Task(job.Task.ID); ok {
		retryCount = current.RetryCount
	}

	msg := err.Error()
	p.tracker.UpdateTask(job.Task.ID, state.TaskUpdate{
		Status:     state.StatusFailed,
		Error:      &msg,
		RetryCount: state.Ptr(retryCount + 1),
	})
	p.metrics.ObserveExport(job.Task.Type, state.StatusFailed, duration)
	p.saveHistory(ctx, job, state.StatusFailed, "", attempts, msg, duration)
	p.publish(job.BatchID, job.Task.ID, "Report failed", 0)
}

func (p *Processor) saveHistory(ctx context.Context, job Job, status state.TaskStatus, filePath string, attempts int, lastErr string, duration time.Duration) {
	if p.history == nil {
		return
	}

	record := &checkpoint.Record{
		BatchID:   job.BatchID,
		TaskID:    job.Task.ID,
		Type:      job.Task.Type,
		DateRange: job.Task.DateRange,
		Status:    status,
		FilePath:  filePath,
		Attempts:  attempts,
		LastError: lastErr,
		Duration:  duration,
	}

	// Outcomes are recorded even when the run is being cancelled
	if err := p.history.SaveOutcome(context.WithoutCancel(ctx), record); err != nil {
		if errors.Is(err, checkpoint.ErrStoreClosed) {
			p.logger.Warn("Cannot record task outcome - history store is closed", zap.String("task_id", job.Task.ID))
			return
		}
		p.logger.Error("Failed to record task outcome", zap.String("task_id", job.Task.ID), zap.Error(err))
	}
}

// upload failures are logged; the exported report stays completed
func (p *Processor) upload(ctx context.Context, logger *zap.Logger, filePath, dateRange string) {
	if p.uploader == nil {
		return
	}

	result, err := p.uploader.UploadFile(ctx, filePath, dateRange)
	switch {
	case err != nil:
		p.metrics.ObserveUpload("failed", 0)
		logger.Error("Upload failed", zap.String("file", filePath), zap.Error(err))
	case result.Skipped:
		p.metrics.ObserveUpload("skipped", result.Size)
	default:
		p.metrics.ObserveUpload("uploaded", result.Size)
	}
}

func (p *Processor) publish(batchID, taskID, message string, bytes int64) {
	update := progress.Update{
		BatchID:  batchID,
		Progress: p.tracker.Progress(),
		Message:  message,
		Bytes:    bytes,
		Time:     time.Now(),
	}
	if task, ok := p.tracker.Task(taskID); ok {
		update.Task = &task
	}
	p.metrics.SetProgress(update.Progress)
	p.sink.Publish(update)
}

// isRetriableError reports whether another export attempt could succeed.
// Only problems that cannot change between attempts are final.
func isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, report.ErrUnknownReportType) &&
		!errors.Is(err, exec.ErrNotFound) &&
		!errors.Is(err, os.ErrPermission)
}

// calculateBackoff grows linearly: attempt * RetryDelay
func (p *Processor) calculateBackoff(attempt int) time.Duration {
	return p.config.RetryDelay * time.Duration(attempt)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
