package worker

import (
	"context"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/state"
	"github.com/lawrence-idegy/commonsku-automation/internal/storage"
)

// Job is one report task of a batch handed to the processor
type Job struct {
	BatchID string
	Task    state.Task
}

// Config contains worker configuration
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	// SkipCompleted skips tasks whose (type, range) already completed in this batch
	SkipCompleted bool
}

// Uploader sends a finished report to cloud storage
type Uploader interface {
	UploadFile(ctx context.Context, filePath, dateRange string) (storage.UploadResult, error)
}
