package state

import (
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/report"
)

// TaskStatus represents the lifecycle state of a report task
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// BatchStatus represents the lifecycle state of a batch
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchPaused    BatchStatus = "paused"
)

// Task is one (report type, date range) unit of work
type Task struct {
	ID         string      `json:"id"`
	Type       report.Type `json:"type"`
	DateRange  string      `json:"dateRange"`
	Status     TaskStatus  `json:"status"`
	FilePath   string      `json:"filePath,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartTime  *time.Time  `json:"startTime,omitempty"`
	EndTime    *time.Time  `json:"endTime,omitempty"`
	RetryCount int         `json:"retryCount"`
}

// Spec returns the report spec the task was created from
func (t Task) Spec() report.Spec {
	return report.Spec{Type: t.Type, DateRange: t.DateRange}
}

// Batch is one run's ordered task list plus overall status
type Batch struct {
	BatchID   string      `json:"batchId"`
	StartTime time.Time   `json:"startTime"`
	EndTime   *time.Time  `json:"endTime,omitempty"`
	Status    BatchStatus `json:"status"`
	Tasks     []Task      `json:"tasks"`
}

// TaskUpdate holds the fields to merge onto a task. Nil or empty fields are left unchanged.
type TaskUpdate struct {
	Status     TaskStatus
	FilePath   *string
	Error      *string
	RetryCount *int
	StartTime  *time.Time
	EndTime    *time.Time
}

// Progress is a count of tasks per status
type Progress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
}

// Ptr returns a pointer to v, for building TaskUpdate values
func Ptr[T any](v T) *T {
	return &v
}

func (b *Batch) clone() *Batch {
	if b == nil {
		return nil
	}
	out := *b
	out.EndTime = cloneTime(b.EndTime)
	out.Tasks = make([]Task, len(b.Tasks))
	for i, t := range b.Tasks {
		t.StartTime = cloneTime(t.StartTime)
		t.EndTime = cloneTime(t.EndTime)
		out.Tasks[i] = t
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
