package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/report"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// StateFileName is the single persisted batch record inside the state directory
const StateFileName = "batch-state.json"

// Tracker owns the current batch and its persisted record.
// Storage faults are logged and never returned to callers; an unreadable
// record looks the same as a missing one.
type Tracker struct {
	mu     sync.Mutex
	path   string
	batch  *Batch
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a tracker persisting to stateDir, creating the directory if needed
func NewTracker(stateDir string, logger *zap.Logger) (*Tracker, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	return &Tracker{
		path:   filepath.Join(stateDir, StateFileName),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Path returns the location of the persisted record
func (t *Tracker) Path() string {
	return t.path
}

// CreateBatch replaces the current batch with a new one holding specs in order
func (t *Tracker) CreateBatch(specs []report.Spec) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	batchID := fmt.Sprintf("batch_%d_%s", now.UnixMilli(), xid.NewWithTime(now).String())

	tasks := make([]Task, len(specs))
	for i, s := range specs {
		tasks[i] = Task{
			ID:        fmt.Sprintf("task_%s_%d", batchID, i),
			Type:      s.Type,
			DateRange: s.DateRange,
			Status:    StatusPending,
		}
	}

	t.batch = &Batch{
		BatchID:   batchID,
		StartTime: now,
		Status:    BatchRunning,
		Tasks:     tasks,
	}

	t.save()
	t.logger.Info("Created new batch", zap.String("batch_id", batchID), zap.Int("tasks", len(tasks)))
	return batchID
}

// LoadBatch reads the persisted batch and makes it current.
// Only one batch is ever stored, so a non-matching batchID still returns the
// stored batch after logging a warning.
func (t *Tracker) LoadBatch(batchID string) (*Batch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			t.logger.Error("Failed to read batch state", zap.String("path", t.path), zap.Error(err))
		}
		return nil, false
	}

	batch, err := decodeBatch(data)
	if err != nil {
		t.logger.Error("Failed to load batch state", zap.String("path", t.path), zap.Error(err))
		return nil, false
	}

	if batchID != "" && batch.BatchID != batchID {
		t.logger.Warn("Requested batch not found, loaded last persisted batch",
			zap.String("requested", batchID),
			zap.String("loaded", batch.BatchID),
		)
	}

	t.batch = batch
	t.logger.Info("Loaded batch", zap.String("batch_id", batch.BatchID))
	return batch.clone(), true
}

// Current returns a snapshot of the current batch
func (t *Tracker) Current() (*Batch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.batch == nil {
		return nil, false
	}
	return t.batch.clone(), true
}

// Task returns a snapshot of one task in the current batch
func (t *Tracker) Task(taskID string) (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task := t.findTask(taskID)
	if task == nil {
		return Task{}, false
	}

	out := *task
	out.StartTime = cloneTime(task.StartTime)
	out.EndTime = cloneTime(task.EndTime)
	return out, true
}

// UpdateTask merges upd onto the task and persists the batch.
// startTime and endTime are set once, on entering in_progress and a terminal status.
func (t *Tracker) UpdateTask(taskID string, upd TaskUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.batch == nil {
		t.logger.Warn("No current batch to update", zap.String("task_id", taskID))
		return
	}

	task := t.findTask(taskID)
	if task == nil {
		t.logger.Warn("Task not found in current batch", zap.String("task_id", taskID))
		return
	}

	if upd.Status != "" {
		task.Status = upd.Status
	}
	if upd.FilePath != nil {
		task.FilePath = *upd.FilePath
	}
	if upd.Error != nil {
		task.Error = *upd.Error
	}
	if upd.RetryCount != nil {
		task.RetryCount = *upd.RetryCount
	}
	if upd.StartTime != nil {
		task.StartTime = cloneTime(upd.StartTime)
	}
	if upd.EndTime != nil {
		task.EndTime = cloneTime(upd.EndTime)
	}

	switch upd.Status {
	case StatusInProgress:
		if task.StartTime == nil {
			task.StartTime = Ptr(t.now())
		}
	case StatusCompleted, StatusFailed:
		if task.EndTime == nil {
			task.EndTime = Ptr(t.now())
		}
	}

	t.save()
	t.logger.Info("Updated task", zap.String("task_id", taskID), zap.String("status", string(task.Status)))
}

// PendingTasks returns tasks not yet done successfully: pending and failed, in batch order
func (t *Tracker) PendingTasks() []Task {
	return t.filter(func(task Task) bool {
		return task.Status == StatusPending || task.Status == StatusFailed
	})
}

// CompletedTasks returns completed tasks in batch order
func (t *Tracker) CompletedTasks() []Task {
	return t.filter(func(task Task) bool {
		return task.Status == StatusCompleted
	})
}

// IsReportCompleted reports whether a task for (type, dateRange) has completed
func (t *Tracker) IsReportCompleted(typ report.Type, dateRange string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.batch == nil {
		return false
	}
	for _, task := range t.batch.Tasks {
		if task.Type == typ && task.DateRange == dateRange && task.Status == StatusCompleted {
			return true
		}
	}
	return false
}

// CompleteBatch marks the batch completed whatever state its tasks are in
func (t *Tracker) CompleteBatch() {
	t.finish(BatchCompleted, "")
}

// FailBatch marks the batch failed. reason is logged, not stored.
func (t *Tracker) FailBatch(reason string) {
	t.finish(BatchFailed, reason)
}

// SetBatchStatus sets the batch status directly, e.g. to paused
func (t *Tracker) SetBatchStatus(status BatchStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.batch == nil {
		return
	}
	t.batch.Status = status
	t.save()
}

// Progress counts tasks per status; all zero when there is no batch
func (t *Tracker) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	var p Progress
	if t.batch == nil {
		return p
	}

	p.Total = len(t.batch.Tasks)
	for _, task := range t.batch.Tasks {
		switch task.Status {
		case StatusCompleted:
			p.Completed++
		case StatusFailed:
			p.Failed++
		case StatusPending:
			p.Pending++
		case StatusInProgress:
			p.InProgress++
		}
	}
	return p
}

// ClearState deletes the persisted record and drops the current batch
func (t *Tracker) ClearState() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.Remove(t.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		t.logger.Error("Failed to clear batch state", zap.String("path", t.path), zap.Error(err))
	}
	t.batch = nil
	t.logger.Info("Batch state cleared")
}

func (t *Tracker) finish(status BatchStatus, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.batch == nil {
		return
	}

	t.batch.EndTime = Ptr(t.now())
	t.batch.Status = status
	t.save()

	if status == BatchFailed {
		t.logger.Error("Batch failed", zap.String("batch_id", t.batch.BatchID), zap.String("reason", reason))
		return
	}
	t.logger.Info("Batch completed", zap.String("batch_id", t.batch.BatchID))
}

func (t *Tracker) filter(keep func(Task) bool) []Task {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := []Task{}
	if t.batch == nil {
		return out
	}
	for _, task := range t.batch.clone().Tasks {
		if keep(task) {
			out = append(out, task)
		}
	}
	return out
}

// findTask must be called with the lock held
func (t *Tracker) findTask(taskID string) *Task {
	if t.batch == nil {
		return nil
	}
	for i := range t.batch.Tasks {
		if t.batch.Tasks[i].ID == taskID {
			return &t.batch.Tasks[i]
		}
	}
	return nil
}

// save writes the batch atomically; must be called with the lock held
func (t *Tracker) save() {
	if t.batch == nil {
		t.logger.Warn("No current batch to save")
		return
	}

	data, err := encodeBatch(t.batch)
	if err != nil {
		t.logger.Error("Failed to encode batch state", zap.Error(err))
		return
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		t.logger.Error("Failed to save batch state", zap.String("path", tmp), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, t.path); err != nil {
		t.logger.Error("Failed to save batch state", zap.String("path", t.path), zap.Error(err))
		return
	}
	t.logger.Debug("Batch state saved", zap.String("batch_id", t.batch.BatchID))
}
