package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	dir := t.TempDir()
	tr, err := NewTracker(dir, zap.NewNop())
	require.NoError(t, err)
	return tr, dir
}

// fixedClock returns a clock that advances one second per call
func fixedClock() func() time.Time {
	current := time.Date(2025, time.November, 7, 17, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func scenarioSpecs() []report.Spec {
	return []report.Spec{
		{Type: report.TypeDashboard, DateRange: report.RangeToday},
		{Type: report.TypePipeline, DateRange: report.RangeToday},
		{Type: report.TypeSalesOrders, DateRange: report.RangeThisWeek},
	}
}

func TestCreateBatch_Empty(t *testing.T) {
	tr, _ := newTestTracker(t)

	id := tr.CreateBatch(nil)
	assert.NotEmpty(t, id)

	batch, ok := tr.Current()
	require.True(t, ok)
	assert.Len(t, batch.Tasks, 0)
	assert.Equal(t, Progress{}, tr.Progress())
	assert.FileExists(t, tr.Path())
}

func TestCreateBatch_TasksPendingInOrder(t *testing.T) {
	tr, _ := newTestTracker(t)
	specs := append(scenarioSpecs(), report.Spec{Type: report.TypeDashboard, DateRange: report.RangeToday})

	batchID := tr.CreateBatch(specs)

	batch, ok := tr.Current()
	require.True(t, ok)
	assert.Equal(t, batchID, batch.BatchID)
	assert.Equal(t, BatchRunning, batch.Status)
	require.Len(t, batch.Tasks, len(specs))

	seen := map[string]bool{}
	for i, task := range batch.Tasks {
		assert.Equal(t, specs[i], task.Spec())
		assert.Equal(t, StatusPending, task.Status)
		assert.Equal(t, 0, task.RetryCount)
		assert.Nil(t, task.StartTime)
		assert.False(t, seen[task.ID], "duplicate task id %s", task.ID)
		seen[task.ID] = true
	}
	assert.Equal(t, "task_"+batchID+"_0", batch.Tasks[0].ID)
}

func TestCreateBatch_UniqueIDs(t *testing.T) {
	tr, _ := newTestTracker(t)
	frozen := time.Date(2025, time.November, 7, 17, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return frozen }

	ids := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := tr.CreateBatch(nil)
		assert.False(t, ids[id], "batch id collision: %s", id)
		ids[id] = true
	}
}

func TestUpdateTask_StartTimeSetOnce(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.now = fixedClock()
	tr.CreateBatch(scenarioSpecs())
	taskID := tr.PendingTasks()[0].ID

	tr.UpdateTask(taskID, TaskUpdate{Status: StatusInProgress})
	first, ok := tr.Task(taskID)
	require.True(t, ok)
	require.NotNil(t, first.StartTime)

	tr.UpdateTask(taskID, TaskUpdate{Status: StatusInProgress})
	second, _ := tr.Task(taskID)
	assert.Equal(t, *first.StartTime, *second.StartTime)
	assert.Nil(t, second.EndTime)
}

func TestUpdateTask_EndTimeSetOnce(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.now = fixedClock()
	tr.CreateBatch(scenarioSpecs())
	taskID := tr.PendingTasks()[1].ID

	tr.UpdateTask(taskID, TaskUpdate{Status: StatusFailed, Error: Ptr("timeout")})
	failed, _ := tr.Task(taskID)
	require.NotNil(t, failed.EndTime)

	// Retry after failure keeps the original end time
	tr.UpdateTask(taskID, TaskUpdate{Status: StatusInProgress})
	tr.UpdateTask(taskID, TaskUpdate{Status: StatusCompleted, FilePath: Ptr("/out/pipe.csv")})
	done, _ := tr.Task(taskID)
	assert.Equal(t, *failed.EndTime, *done.EndTime)
	assert.Equal(t, "/out/pipe.csv", done.FilePath)
	assert.Equal(t, "timeout", done.Error)
}

func TestUpdateTask_Completed(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.CreateBatch(scenarioSpecs())
	task := tr.PendingTasks()[0]

	tr.UpdateTask(task.ID, TaskUpdate{Status: StatusCompleted, FilePath: Ptr("x.csv")})

	completed := tr.CompletedTasks()
	require.Len(t, completed, 1)
	assert.Equal(t, task.ID, completed[0].ID)
	assert.Equal(t, "x.csv", completed[0].FilePath)
	assert.True(t, tr.IsReportCompleted(task.Type, task.DateRange))
}

func TestUpdateTask_UnknownTaskIsNoop(t *testing.T) {
	tr, _ := newTestTracker(t)

	// No batch at all
	tr.UpdateTask("task_missing_0", TaskUpdate{Status: StatusCompleted})
	assert.NoFileExists(t, tr.Path())

	tr.CreateBatch(scenarioSpecs())
	before, _ := tr.Current()
	tr.UpdateTask("task_missing_0", TaskUpdate{Status: StatusCompleted})
	after, _ := tr.Current()
	assert.Equal(t, before, after)
}

func TestUpdateTask_RetryCount(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.CreateBatch(scenarioSpecs())
	task := tr.PendingTasks()[2]

	tr.UpdateTask(task.ID, TaskUpdate{Status: StatusFailed, RetryCount: Ptr(task.RetryCount + 1)})

	got, _ := tr.Task(task.ID)
	assert.Equal(t, 1, got.RetryCount)
}

func TestPendingTasks_PendingAndFailedInOrder(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.CreateBatch([]report.Spec{
		{Type: report.TypeDashboard, DateRange: report.RangeToday},
		{Type: report.TypePipeline, DateRange: report.RangeToday},
		{Type: report.TypeSalesOrders, DateRange: report.RangeToday},
		{Type: report.TypeDashboard, DateRange: report.RangeThisMonth},
	})
	tasks := tr.PendingTasks()

	tr.UpdateTask(tasks[0].ID, TaskUpdate{Status: StatusFailed})
	tr.UpdateTask(tasks[1].ID, TaskUpdate{Status: StatusCompleted})
	tr.UpdateTask(tasks[2].ID, TaskUpdate{Status: StatusInProgress})

	pending := tr.PendingTasks()
	require.Len(t, pending, 2)
	assert.Equal(t, tasks[0].ID, pending[0].ID)
	assert.Equal(t, tasks[3].ID, pending[1].ID)
}

func TestLoadBatch_RoundTrip(t *testing.T) {
	tr, dir := newTestTracker(t)
	tr.now = fixedClock()
	batchID := tr.CreateBatch(scenarioSpecs())
	tasks := tr.PendingTasks()
	tr.UpdateTask(tasks[0].ID, TaskUpdate{Status: StatusInProgress})
	tr.UpdateTask(tasks[0].ID, TaskUpdate{Status: StatusCompleted, FilePath: Ptr("/out/dash.csv")})
	want, _ := tr.Current()

	restarted, err := NewTracker(dir, zap.NewNop())
	require.NoError(t, err)

	got, ok := restarted.LoadBatch(batchID)
	require.True(t, ok)
	assert.Equal(t, want, got)

	current, ok := restarted.Current()
	require.True(t, ok)
	assert.Equal(t, want, current)
}

func TestLoadBatch_MismatchedIDStillLoads(t *testing.T) {
	tr, _ := newTestTracker(t)
	batchID := tr.CreateBatch(scenarioSpecs())

	got, ok := tr.LoadBatch("batch_does_not_exist")
	require.True(t, ok)
	assert.Equal(t, batchID, got.BatchID)
}

func TestLoadBatch_NotFound(t *testing.T) {
	tr, _ := newTestTracker(t)

	got, ok := tr.LoadBatch("")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestLoadBatch_StorageFaults(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "malformed json", content: "{not json"},
		{name: "missing schema version", content: `{"batchId":"b","startTime":"2025-11-07T17:00:00Z","status":"running","tasks":[]}`},
		{name: "future schema version", content: `{"schemaVersion":2,"batchId":"b","startTime":"2025-11-07T17:00:00Z","status":"running","tasks":[]}`},
		{name: "bad task status", content: `{"schemaVersion":1,"batchId":"b","startTime":"2025-11-07T17:00:00Z","status":"running","tasks":[{"id":"t","type":"dashboard","dateRange":"Today","status":"done","retryCount":0}]}`},
		{name: "bad batch status", content: `{"schemaVersion":1,"batchId":"b","startTime":"2025-11-07T17:00:00Z","status":"exploded","tasks":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, dir := newTestTracker(t)
			require.NoError(t, os.WriteFile(filepath.Join(dir, StateFileName), []byte(tt.content), 0o644))

			got, ok := tr.LoadBatch("")
			assert.False(t, ok)
			assert.Nil(t, got)
		})
	}
}

func TestLoadBatch_AcceptsPausedBatch(t *testing.T) {
	tr, dir := newTestTracker(t)
	tr.CreateBatch(scenarioSpecs())
	tr.SetBatchStatus(BatchPaused)

	restarted, err := NewTracker(dir, zap.NewNop())
	require.NoError(t, err)
	got, ok := restarted.LoadBatch("")
	require.True(t, ok)
	assert.Equal(t, BatchPaused, got.Status)
}

func TestClearState(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.CreateBatch(scenarioSpecs())

	tr.ClearState()

	assert.NoFileExists(t, tr.Path())
	_, ok := tr.Current()
	assert.False(t, ok)
	_, ok = tr.LoadBatch("")
	assert.False(t, ok)
	assert.Equal(t, Progress{}, tr.Progress())

	// Clearing twice is harmless
	tr.ClearState()
}

func TestScenario_MixedOutcomes(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.CreateBatch(scenarioSpecs())
	tasks := tr.PendingTasks()

	tr.UpdateTask(tasks[0].ID, TaskUpdate{Status: StatusCompleted, FilePath: Ptr("/out/dash.csv")})
	tr.UpdateTask(tasks[1].ID, TaskUpdate{Status: StatusFailed, Error: Ptr("timeout")})

	assert.Equal(t, Progress{Total: 3, Completed: 1, Failed: 1, Pending: 1, InProgress: 0}, tr.Progress())

	pending := tr.PendingTasks()
	require.Len(t, pending, 2)
	assert.Equal(t, tasks[1].ID, pending[0].ID)
	assert.Equal(t, tasks[2].ID, pending[1].ID)

	assert.True(t, tr.IsReportCompleted(report.TypeDashboard, report.RangeToday))
	assert.False(t, tr.IsReportCompleted(report.TypePipeline, report.RangeToday))
}

func TestCompleteBatch_WithPendingTasks(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.CreateBatch(scenarioSpecs())

	tr.CompleteBatch()

	batch, _ := tr.Current()
	assert.Equal(t, BatchCompleted, batch.Status)
	assert.NotNil(t, batch.EndTime)
	assert.Equal(t, 3, tr.Progress().Pending)
}

func TestFailBatch(t *testing.T) {
	tr, dir := newTestTracker(t)
	tr.CreateBatch(scenarioSpecs())

	tr.FailBatch("browser crashed")

	restarted, err := NewTracker(dir, zap.NewNop())
	require.NoError(t, err)
	batch, ok := restarted.LoadBatch("")
	require.True(t, ok)
	assert.Equal(t, BatchFailed, batch.Status)
	assert.NotNil(t, batch.EndTime)

	data, err := os.ReadFile(tr.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "browser crashed")
}

func TestProgress_Idempotent(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.CreateBatch(scenarioSpecs())
	tr.UpdateTask(tr.PendingTasks()[0].ID, TaskUpdate{Status: StatusInProgress})

	first := tr.Progress()
	second := tr.Progress()
	assert.Equal(t, first, second)
	assert.Equal(t, 1, first.InProgress)
}

func TestCurrent_ReturnsCopy(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.CreateBatch(scenarioSpecs())

	snapshot, _ := tr.Current()
	snapshot.Tasks[0].Status = StatusCompleted

	assert.False(t, tr.IsReportCompleted(report.TypeDashboard, report.RangeToday))
}

func TestPersistedRecord_HasSchemaVersion(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.CreateBatch(scenarioSpecs())

	data, err := os.ReadFile(tr.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"schemaVersion": 1`)
	assert.Contains(t, string(data), `"dateRange": "This Week"`)
}
