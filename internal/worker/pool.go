package worker

import (
	"context"
	"sync"

	"github.com/lawrence-idegy/commonsku-automation/internal/metrics"
	"github.com/lawrence-idegy/commonsku-automation/internal/storage"

	"go.uber.org/zap"
)

// UploadPool uploads many report files with a fixed number of workers
type UploadPool struct {
	size     int
	uploader Uploader
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// UploadOutcome is the result of one file in the pool
type UploadOutcome struct {
	Result storage.UploadResult
	Err    error
}

// NewUploadPool creates a new upload pool
func NewUploadPool(size int, uploader Uploader, metricsCollector *metrics.Collector, logger *zap.Logger) *UploadPool {
	if size <= 0 {
		size = 1
	}
	if metricsCollector == nil {
		metricsCollector = metrics.New()
	}
	return &UploadPool{
		size:     size,
		uploader: uploader,
		metrics:  metricsCollector,
		logger:   logger,
	}
}

// Run uploads every file and returns the outcomes in input order.
// Files not reached before ctx is cancelled carry ctx's error.
func (p *UploadPool) Run(ctx context.Context, files []string) []UploadOutcome {
	outcomes := make([]UploadOutcome, len(files))
	indexes := make(chan int)

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, files, indexes, outcomes, &wg)
	}

	sent := 0
	for ; sent < len(files); sent++ {
		select {
		case indexes <- sent:
			continue
		case <-ctx.Done():
		}
		break
	}
	close(indexes)
	wg.Wait()

	for i := sent; i < len(files); i++ {
		outcomes[i] = UploadOutcome{
			Result: storage.UploadResult{LocalPath: files[i]},
			Err:    ctx.Err(),
		}
	}
	return outcomes
}

func (p *UploadPool) worker(ctx context.Context, id int, files []string, indexes <-chan int, outcomes []UploadOutcome, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Upload worker started")

	for i := range indexes {
		result, err := p.uploader.UploadFile(ctx, files[i], "")
		outcomes[i] = UploadOutcome{Result: result, Err: err}

		switch {
		case err != nil:
			p.metrics.ObserveUpload("failed", 0)
			logger.Error("Upload failed", zap.String("file", files[i]), zap.Error(err))
		case result.Skipped:
			p.metrics.ObserveUpload("skipped", result.Size)
		default:
			p.metrics.ObserveUpload("uploaded", result.Size)
		}
	}

	logger.Debug("Upload worker finished")
}
