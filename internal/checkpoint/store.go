package checkpoint

import (
	"context"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/report"
	"github.com/lawrence-idegy/commonsku-automation/internal/state"
)

// Record is one task outcome kept in the run history.
// Unlike the batch state file, history spans every batch ever run.
type Record struct {
	BatchID   string           `json:"batch_id"`
	TaskID    string           `json:"task_id"`
	Type      report.Type      `json:"type"`
	DateRange string           `json:"date_range"`
	Status    state.TaskStatus `json:"status"`
	FilePath  string           `json:"file_path,omitempty"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"last_error,omitempty"`
	Duration  time.Duration    `json:"duration"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Store defines the interface for run history persistence
type Store interface {
	SaveOutcome(ctx context.Context, record *Record) error
	GetOutcome(ctx context.Context, batchID, taskID string) (*Record, error)
	ListRecent(ctx context.Context, limit int) ([]*Record, error)
	ListFailed(ctx context.Context, since time.Time) ([]*Record, error)
	LastSuccess(ctx context.Context, typ report.Type, dateRange string) (*Record, error)

	Close() error
}
