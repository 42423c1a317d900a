package progress

import (
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/state"

	"go.uber.org/zap"
)

// Update is one progress notification, published after every task change
type Update struct {
	BatchID  string
	Progress state.Progress
	Task     *state.Task
	Message  string
	Bytes    int64 // size of the file the task produced, if any
	Time     time.Time
}

// Sink receives progress updates. Publish must not block for long.
type Sink interface {
	Publish(u Update)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(u Update)

func (f SinkFunc) Publish(u Update) { f(u) }

// Multi fans an update out to every sink in order
type Multi []Sink

func (m Multi) Publish(u Update) {
	for _, s := range m {
		if s != nil {
			s.Publish(u)
		}
	}
}

// Discard drops every update
var Discard Sink = SinkFunc(func(Update) {})

// LogSink writes updates as structured log lines
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging at info level
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Publish(u Update) {
	fields := []zap.Field{
		zap.String("batch_id", u.BatchID),
		zap.Int("total", u.Progress.Total),
		zap.Int("completed", u.Progress.Completed),
		zap.Int("failed", u.Progress.Failed),
		zap.Int("pending", u.Progress.Pending),
		zap.Int("in_progress", u.Progress.InProgress),
	}
	if u.Task != nil {
		fields = append(fields,
			zap.String("task_id", u.Task.ID),
			zap.String("report", u.Task.Spec().String()),
			zap.String("status", string(u.Task.Status)),
		)
	}

	msg := u.Message
	if msg == "" {
		msg = "Batch progress"
	}
	l.logger.Info(msg, fields...)
}
