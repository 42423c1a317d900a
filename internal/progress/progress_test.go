package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/report"
	"github.com/lawrence-idegy/commonsku-automation/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func fixedEstimator(elapsed time.Duration) *Estimator {
	e := NewEstimator()
	start := time.Date(2025, time.November, 7, 17, 0, 0, 0, time.UTC)
	e.startTime = start
	e.now = func() time.Time { return start.Add(elapsed) }
	return e
}

func TestEstimator_ETA(t *testing.T) {
	e := fixedEstimator(time.Minute)
	assert.Equal(t, time.Duration(0), e.ETA(3), "unknown without samples")

	e.AddTask(20 * time.Second)
	e.AddTask(40 * time.Second)
	assert.Equal(t, 90*time.Second, e.ETA(3))
	assert.Equal(t, time.Duration(0), e.ETA(0))
	assert.Equal(t, time.Minute, e.Elapsed())

	e.Reset()
	assert.Equal(t, time.Duration(0), e.ETA(3))
}

func TestEstimator_KeepsRecentSamples(t *testing.T) {
	e := fixedEstimator(0)
	for i := 0; i < 30; i++ {
		e.AddTask(time.Hour)
	}
	for i := 0; i < 20; i++ {
		e.AddTask(time.Second)
	}
	assert.Equal(t, time.Second, e.ETA(1))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "--", FormatDuration(0))
	assert.Equal(t, "45s", FormatDuration(45*time.Second))
	assert.Equal(t, "2m5s", FormatDuration(125*time.Second))
	assert.Equal(t, "1h1m1s", FormatDuration(time.Hour+time.Minute+time.Second))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0.0, Percent(0, 0))
	assert.InDelta(t, 33.3, Percent(1, 3), 0.1)
}

func TestMulti(t *testing.T) {
	var got []string
	m := Multi{
		SinkFunc(func(u Update) { got = append(got, "a:"+u.BatchID) }),
		nil,
		SinkFunc(func(u Update) { got = append(got, "b:"+u.BatchID) }),
	}

	m.Publish(Update{BatchID: "batch_1"})
	assert.Equal(t, []string{"a:batch_1", "b:batch_1"}, got)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	task := state.Task{ID: "task_b_0", Type: report.TypeDashboard, DateRange: report.RangeToday, Status: state.StatusCompleted}
	sink.Publish(Update{BatchID: "b", Progress: state.Progress{Total: 3, Completed: 1, Pending: 2}, Task: &task})
	sink.Publish(Update{BatchID: "b", Message: "Batch finished"})

	require.Equal(t, 2, logs.Len())
	first := logs.All()[0]
	assert.Equal(t, "Batch progress", first.Message)
	assert.Equal(t, "dashboard/Today", first.ContextMap()["report"])
	assert.Equal(t, int64(1), first.ContextMap()["completed"])
	assert.Equal(t, "Batch finished", logs.All()[1].Message)
}

func TestDisplay(t *testing.T) {
	var out bytes.Buffer
	d := NewDisplay(&out, fixedEstimator(90*time.Second))

	task := state.Task{ID: "t1", Type: report.TypePipeline, DateRange: report.RangeToday, Status: state.StatusInProgress}
	d.Publish(Update{BatchID: "b", Progress: state.Progress{Total: 4, Completed: 1, InProgress: 1, Pending: 2}, Task: &task, Bytes: 2048})

	line := out.String()
	assert.True(t, strings.HasPrefix(line, "\r["))
	assert.Contains(t, line, "1/4 (25%)")
	assert.Contains(t, line, "pipeline/Today")
	assert.Contains(t, line, "2.0 kB")
	assert.Contains(t, line, "elapsed 1m30s")

	d.Finish()
	assert.Contains(t, out.String(), "Batch b finished: 1 completed, 0 failed, 3 pending")

	// A second finish without updates prints nothing more
	before := out.Len()
	d.Finish()
	assert.Equal(t, before, out.Len())
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}
