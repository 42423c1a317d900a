package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/app"
	"github.com/lawrence-idegy/commonsku-automation/internal/checkpoint"
	"github.com/lawrence-idegy/commonsku-automation/internal/report"
	"github.com/lawrence-idegy/commonsku-automation/internal/schedule"
	"github.com/lawrence-idegy/commonsku-automation/internal/state"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Service is the batch runner behind the API
type Service interface {
	Status() (*state.Batch, state.Progress, bool)
	Running() bool
	StartBatch(ctx context.Context, specs []report.Spec) (string, error)
	ResumeSpecs() ([]report.Spec, error)
	Cancel() bool
	Pause() bool
	Reset() error
	History(ctx context.Context, limit int) ([]*checkpoint.Record, error)
	Outcome(ctx context.Context, batchID, taskID string) (*checkpoint.Record, error)
	Failures(ctx context.Context, since time.Time) ([]*checkpoint.Record, error)
	LastSuccesses(ctx context.Context, specs []report.Spec) ([]*checkpoint.Record, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	service Service
	// runCtx bounds batches started over HTTP; request contexts end with the response
	runCtx context.Context
	logger *zap.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(runCtx context.Context, service Service, logger *zap.Logger) *Handlers {
	return &Handlers{
		service: service,
		runCtx:  runCtx,
		logger:  logger,
	}
}

// BatchRequest selects the reports for a new batch, either listed or by preset
type BatchRequest struct {
	Reports []ReportRequest `json:"reports"`
	Preset  string          `json:"preset"`
}

// ReportRequest is one requested report
type ReportRequest struct {
	Type      string `json:"type"`
	DateRange string `json:"dateRange"`
}

// BatchResponse is returned when a batch is accepted
type BatchResponse struct {
	BatchID string `json:"batchId"`
	Reports int    `json:"reports"`
}

// StatusResponse describes the current batch
type StatusResponse struct {
	Running  bool           `json:"running"`
	Progress state.Progress `json:"progress"`
	Batch    *state.Batch   `json:"batch,omitempty"`
}

// GetBatchHandler handles GET /api/batch
func (h *Handlers) GetBatchHandler(c *gin.Context) {
	batch, progress, ok := h.service.Status()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no batch"})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{
		Running:  h.service.Running(),
		Progress: progress,
		Batch:    batch,
	})
}

// GetProgressHandler handles GET /api/progress
func (h *Handlers) GetProgressHandler(c *gin.Context) {
	batch, progress, ok := h.service.Status()
	resp := gin.H{
		"running":  h.service.Running(),
		"progress": progress,
	}
	if ok {
		resp["batchId"] = batch.BatchID
		resp["status"] = batch.Status
	}
	c.JSON(http.StatusOK, resp)
}

// StartBatchHandler handles POST /api/batch
func (h *Handlers) StartBatchHandler(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	specs, err := req.specs()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.start(c, specs)
}

// ResumeBatchHandler handles POST /api/batch/resume
func (h *Handlers) ResumeBatchHandler(c *gin.Context) {
	specs, err := h.service.ResumeSpecs()
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	h.start(c, specs)
}

// CancelBatchHandler handles POST /api/batch/cancel
func (h *Handlers) CancelBatchHandler(c *gin.Context) {
	if !h.service.Cancel() {
		c.JSON(http.StatusConflict, gin.H{"error": "no batch is running"})
		return
	}
	h.logger.Info("Batch cancellation requested over API")
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// PauseBatchHandler handles POST /api/batch/pause
func (h *Handlers) PauseBatchHandler(c *gin.Context) {
	if !h.service.Pause() {
		c.JSON(http.StatusConflict, gin.H{"error": "no batch is running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "pausing"})
}

// ResetBatchHandler handles DELETE /api/batch
func (h *Handlers) ResetBatchHandler(c *gin.Context) {
	if err := h.service.Reset(); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// HistoryHandler handles GET /api/history?limit=N
func (h *Handlers) HistoryHandler(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records, err := h.service.History(c.Request.Context(), limit)
	h.records(c, records, err)
}

// FailedHistoryHandler handles GET /api/history/failed?since=24h
func (h *Handlers) FailedHistoryHandler(c *gin.Context) {
	window := 24 * time.Hour
	if raw := c.Query("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a positive duration"})
			return
		}
		window = d
	}

	records, err := h.service.Failures(c.Request.Context(), time.Now().Add(-window))
	h.records(c, records, err)
}

// LastSuccessHandler handles GET /api/history/last?preset=all
func (h *Handlers) LastSuccessHandler(c *gin.Context) {
	specs, err := schedule.Preset(c.DefaultQuery("preset", schedule.PresetAll))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	records, err := h.service.LastSuccesses(c.Request.Context(), specs)
	h.records(c, records, err)
}

// OutcomeHandler handles GET /api/history/tasks/:batchId/:taskId
func (h *Handlers) OutcomeHandler(c *gin.Context) {
	record, err := h.service.Outcome(c.Request.Context(), c.Param("batchId"), c.Param("taskId"))
	if err != nil {
		h.logger.Error("Failed to read history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no outcome recorded"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handlers) records(c *gin.Context, records []*checkpoint.Record, err error) {
	if err != nil {
		h.logger.Error("Failed to read history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	if records == nil {
		records = []*checkpoint.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// PresetsHandler handles GET /api/presets
func (h *Handlers) PresetsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"presets": schedule.PresetNames()})
}

func (h *Handlers) start(c *gin.Context, specs []report.Spec) {
	batchID, err := h.service.StartBatch(h.runCtx, specs)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("Batch started over API", zap.String("batch_id", batchID), zap.Int("reports", len(specs)))
	c.JSON(http.StatusAccepted, BatchResponse{BatchID: batchID, Reports: len(specs)})
}

func (r BatchRequest) specs() ([]report.Spec, error) {
	if r.Preset != "" {
		if len(r.Reports) > 0 {
			return nil, errors.New("use either reports or preset, not both")
		}
		return schedule.Preset(r.Preset)
	}

	if len(r.Reports) == 0 {
		return nil, app.ErrNoReports
	}

	specs := make([]report.Spec, 0, len(r.Reports))
	for _, rr := range r.Reports {
		typ, err := report.ParseType(rr.Type)
		if err != nil {
			return nil, err
		}
		if rr.DateRange == "" {
			return nil, errors.New("dateRange is required for every report")
		}
		specs = append(specs, report.Spec{Type: typ, DateRange: rr.DateRange})
	}
	return specs, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrBatchRunning):
		return http.StatusConflict
	case errors.Is(err, app.ErrNoBatch):
		return http.StatusNotFound
	case errors.Is(err, app.ErrNothingToResume):
		return http.StatusUnprocessableEntity
	case errors.Is(err, app.ErrNoReports):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrNoExporter):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
