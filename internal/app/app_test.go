package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/checkpoint"
	"github.com/lawrence-idegy/commonsku-automation/internal/config"
	"github.com/lawrence-idegy/commonsku-automation/internal/report"
	"github.com/lawrence-idegy/commonsku-automation/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeExporter writes a small CSV per report. Reports listed in fail always fail.
// When block is set, every export waits for ctx to end. When release is set,
// every export waits for it to be closed.
type fakeExporter struct {
	mu      sync.Mutex
	dir     string
	fail    map[report.Spec]bool
	block   bool
	release chan struct{}
	started chan report.Spec
	calls   []report.Spec
}

func newFakeExporter(t *testing.T) *fakeExporter {
	return &fakeExporter{
		dir:     t.TempDir(),
		fail:    map[report.Spec]bool{},
		started: make(chan report.Spec, 32),
	}
}

func (e *fakeExporter) Export(ctx context.Context, typ report.Type, dateRange string) (string, error) {
	spec := report.Spec{Type: typ, DateRange: dateRange}
	e.mu.Lock()
	e.calls = append(e.calls, spec)
	block := e.block
	release := e.release
	fail := e.fail[spec]
	e.mu.Unlock()

	e.started <- spec
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fail {
		return "", errors.New("report page did not load")
	}

	e.mu.Lock()
	n := len(e.calls)
	e.mu.Unlock()
	path := filepath.Join(e.dir, fmt.Sprintf("%s-%d.csv", typ.Prefix(), n))
	if err := os.WriteFile(path, []byte("id,total\n1,10\n"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	batches []*state.Batch
}

func (n *recordingNotifier) NotifyBatch(ctx context.Context, batch *state.Batch) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batches = append(n.batches, batch)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.batches)
}

type harness struct {
	app      *App
	stateDir string
	exporter *fakeExporter
	notifier *recordingNotifier
}

func newHarness(t *testing.T, stateDir string) *harness {
	t.Helper()
	if stateDir == "" {
		stateDir = t.TempDir()
	}

	cfg := config.Default()
	cfg.StateDir = stateDir
	cfg.Exporter.MaxRetries = 2
	cfg.Exporter.RetryDelay = 0

	tracker, err := state.NewTracker(stateDir, zap.NewNop())
	require.NoError(t, err)

	h := &harness{
		stateDir: stateDir,
		exporter: newFakeExporter(t),
		notifier: &recordingNotifier{},
	}
	h.app = NewWithComponents(cfg, Components{
		Tracker:  tracker,
		Exporter: h.exporter,
		Notifier: h.notifier,
	}, zap.NewNop())
	t.Cleanup(func() { h.app.Close() })
	return h
}

var daily = []report.Spec{
	{Type: report.TypeDashboard, DateRange: report.RangeToday},
	{Type: report.TypePipeline, DateRange: report.RangeToday},
	{Type: report.TypeSalesOrders, DateRange: report.RangeToday},
}

func TestRunBatch_CompletesAllTasks(t *testing.T) {
	h := newHarness(t, "")

	batchID, err := h.app.RunBatch(context.Background(), daily)
	require.NoError(t, err)
	assert.NotEmpty(t, batchID)

	batch, progress, ok := h.app.Status()
	require.True(t, ok)
	assert.Equal(t, batchID, batch.BatchID)
	assert.Equal(t, state.BatchCompleted, batch.Status)
	assert.NotNil(t, batch.EndTime)
	assert.Equal(t, state.Progress{Total: 3, Completed: 3}, progress)
	assert.Equal(t, daily, h.exporter.calls)

	require.Equal(t, 1, h.notifier.count())
	assert.Equal(t, batchID, h.notifier.batches[0].BatchID)
	assert.False(t, h.app.Running())
}

func TestRunBatch_FailedReportDoesNotStopBatch(t *testing.T) {
	h := newHarness(t, "")
	h.exporter.fail[daily[1]] = true

	_, err := h.app.RunBatch(context.Background(), daily)
	require.NoError(t, err)

	batch, progress, _ := h.app.Status()
	assert.Equal(t, state.BatchCompleted, batch.Status)
	assert.Equal(t, 2, progress.Completed)
	assert.Equal(t, 1, progress.Failed)
	assert.Equal(t, state.StatusFailed, batch.Tasks[1].Status)
	assert.Equal(t, 1, batch.Tasks[1].RetryCount)
	assert.Contains(t, batch.Tasks[1].Error, "report page did not load")
	assert.Len(t, h.exporter.calls, 4, "failed report is retried once")
}

func TestRunBatch_DuplicateReportRunsOnce(t *testing.T) {
	h := newHarness(t, "")

	_, err := h.app.RunBatch(context.Background(), []report.Spec{daily[0], daily[0]})
	require.NoError(t, err)

	batch, _, _ := h.app.Status()
	assert.Len(t, h.exporter.calls, 1)
	assert.Equal(t, state.StatusCompleted, batch.Tasks[0].Status)
	assert.Equal(t, state.StatusPending, batch.Tasks[1].Status)
}

func TestRunBatch_Rejected(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.app.RunBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoReports)

	cfg := config.Default()
	tracker, err := state.NewTracker(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	noExporter := NewWithComponents(cfg, Components{Tracker: tracker}, zap.NewNop())
	_, err = noExporter.RunBatch(context.Background(), daily)
	assert.ErrorIs(t, err, ErrNoExporter)
}

func TestStartBatch_GuardAndCancel(t *testing.T) {
	h := newHarness(t, "")
	h.exporter.block = true

	batchID, err := h.app.StartBatch(context.Background(), daily)
	require.NoError(t, err)

	select {
	case spec := <-h.exporter.started:
		assert.Equal(t, daily[0], spec)
	case <-time.After(2 * time.Second):
		t.Fatal("export never started")
	}

	assert.True(t, h.app.Running())
	_, err = h.app.RunBatch(context.Background(), daily)
	assert.ErrorIs(t, err, ErrBatchRunning)
	_, err = h.app.StartBatch(context.Background(), daily)
	assert.ErrorIs(t, err, ErrBatchRunning)
	assert.ErrorIs(t, h.app.Reset(), ErrBatchRunning)
	_, err = h.app.ResumeSpecs()
	assert.ErrorIs(t, err, ErrBatchRunning)

	require.True(t, h.app.Cancel())
	h.app.Wait()

	assert.False(t, h.app.Running())
	assert.False(t, h.app.Cancel())

	batch, progress, ok := h.app.Status()
	require.True(t, ok)
	assert.Equal(t, batchID, batch.BatchID)
	assert.Equal(t, state.BatchFailed, batch.Status)
	assert.Equal(t, state.Progress{Total: 3, Failed: 1, Pending: 2}, progress)
	assert.Equal(t, 1, h.notifier.count())
}

func TestResume(t *testing.T) {
	stateDir := t.TempDir()
	first := newHarness(t, stateDir)
	first.exporter.block = true

	_, err := first.app.StartBatch(context.Background(), daily)
	require.NoError(t, err)
	<-first.exporter.started
	first.app.Cancel()
	first.app.Wait()

	// A new process sees the persisted batch
	second := newHarness(t, stateDir)

	specs, err := second.app.ResumeSpecs()
	require.NoError(t, err)
	assert.Equal(t, daily, specs, "cancelled task is failed and reruns with the pending ones")

	batchID, err := second.app.ResumeBatch(context.Background())
	require.NoError(t, err)

	batch, progress, _ := second.app.Status()
	assert.Equal(t, batchID, batch.BatchID)
	assert.Equal(t, state.Progress{Total: 3, Completed: 3}, progress)

	_, err = second.app.ResumeSpecs()
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestPause_StopsAfterCurrentReport(t *testing.T) {
	h := newHarness(t, "")
	h.exporter.release = make(chan struct{})

	assert.False(t, h.app.Pause(), "nothing running")

	batchID, err := h.app.StartBatch(context.Background(), daily)
	require.NoError(t, err)
	<-h.exporter.started

	require.True(t, h.app.Pause())
	close(h.exporter.release)
	h.app.Wait()

	batch, progress, ok := h.app.Status()
	require.True(t, ok)
	assert.Equal(t, batchID, batch.BatchID)
	assert.Equal(t, state.BatchPaused, batch.Status)
	assert.Equal(t, state.Progress{Total: 3, Completed: 1, Pending: 2}, progress)
	assert.Equal(t, 0, h.notifier.count(), "paused batches are not summarized")

	specs, err := h.app.ResumeSpecs()
	require.NoError(t, err)
	assert.Equal(t, daily[1:], specs)

	// A new batch is not affected by the earlier pause
	_, err = h.app.RunBatch(context.Background(), specs)
	require.NoError(t, err)
	batch, _, _ = h.app.Status()
	assert.Equal(t, state.BatchCompleted, batch.Status)
}

func TestResumeSpecs_DoesNotReplaceRunningBatch(t *testing.T) {
	stateDir := t.TempDir()
	first := newHarness(t, stateDir)
	_, err := first.app.RunBatch(context.Background(), daily[:1])
	require.NoError(t, err)

	h := newHarness(t, stateDir)
	h.exporter.block = true
	batchID, err := h.app.StartBatch(context.Background(), daily)
	require.NoError(t, err)
	<-h.exporter.started

	for i := 0; i < 10; i++ {
		_, err = h.app.ResumeSpecs()
		assert.ErrorIs(t, err, ErrBatchRunning)
	}
	batch, _, ok := h.app.Status()
	require.True(t, ok)
	assert.Equal(t, batchID, batch.BatchID)

	h.app.Cancel()
	h.app.Wait()

	// The slot taken while loading is released again
	specs, err := h.app.ResumeSpecs()
	require.NoError(t, err)
	assert.False(t, h.app.Running())
	h.exporter.block = false
	_, err = h.app.RunBatch(context.Background(), specs)
	assert.NoError(t, err)
}

func TestHistoryQueries(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = filepath.Join(t.TempDir(), "nested", "state")
	cfg.ShowProgress = false
	cfg.Exporter.Command = "true"
	cfg.Exporter.DownloadDir = t.TempDir()

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err, "history lives under the state dir")
	t.Cleanup(func() { a.Close() })
	assert.FileExists(t, filepath.Join(cfg.StateDir, config.HistoryFileName))

	require.NoError(t, a.history.SaveOutcome(context.Background(), &checkpoint.Record{
		BatchID: "b1", TaskID: "t0", Type: report.TypeDashboard, DateRange: report.RangeToday, Status: state.StatusCompleted,
	}))
	require.NoError(t, a.history.SaveOutcome(context.Background(), &checkpoint.Record{
		BatchID: "b1", TaskID: "t1", Type: report.TypePipeline, DateRange: report.RangeToday, Status: state.StatusFailed, LastError: "boom",
	}))

	got, err := a.Outcome(context.Background(), "b1", "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "boom", got.LastError)

	failed, err := a.Failures(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "t1", failed[0].TaskID)

	last, err := a.LastSuccesses(context.Background(), daily)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, report.TypeDashboard, last[0].Type)
}

func TestResume_NoBatch(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.app.ResumeBatch(context.Background())
	assert.ErrorIs(t, err, ErrNoBatch)
}

func TestReset(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.app.RunBatch(context.Background(), daily[:1])
	require.NoError(t, err)

	require.NoError(t, h.app.Reset())
	_, _, ok := h.app.Status()
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(h.stateDir, state.StateFileName))
}

func TestHistory_DisabledReturnsNothing(t *testing.T) {
	h := newHarness(t, "")
	records, err := h.app.History(context.Background(), 10)
	assert.NoError(t, err)
	assert.Empty(t, records)

	record, err := h.app.Outcome(context.Background(), "b", "t")
	assert.NoError(t, err)
	assert.Nil(t, record)

	records, err = h.app.Failures(context.Background(), time.Time{})
	assert.NoError(t, err)
	assert.Empty(t, records)

	records, err = h.app.LastSuccesses(context.Background(), daily)
	assert.NoError(t, err)
	assert.Empty(t, records)
}
