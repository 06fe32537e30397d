package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBatch() *Batch {
	return NewBatch(NewBatchID(), "/videos", "chinese_transcript", "/out")
}

func TestBatchStats(t *testing.T) {
	b := testBatch()
	for i, status := range []TaskStatus{TaskPending, TaskProcessing, TaskSuccess, TaskFailed, TaskSkipped, TaskCancelled} {
		task := NewTask(NewTaskID(b.BatchID, "/videos/v.mp4"), "/videos/v.mp4", "tpl", "", 3)
		task.Status = status
		task.TaskID = task.TaskID + string(rune('a'+i))
		b.AddTask(task)
	}

	s := b.Stats()
	assert.Equal(t, 6, s.Total)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 1, s.Processing)
	assert.Equal(t, 1, s.Success)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 1, s.Cancelled)
	assert.Equal(t, 3, s.Completed)
	assert.InDelta(t, 50.0, s.ProgressPercentage, 0.001)
}

func TestPendingTasksSortedByPath(t *testing.T) {
	b := testBatch()
	for _, path := range []string{"/videos/c.mp4", "/videos/a.mp4", "/videos/b.mp4"} {
		b.AddTask(NewTask(NewTaskID(b.BatchID, path), path, "tpl", "", 3))
	}

	pending := b.PendingTasks()
	require.Len(t, pending, 3)
	assert.Equal(t, "/videos/a.mp4", pending[0].VideoPath)
	assert.Equal(t, "/videos/b.mp4", pending[1].VideoPath)
	assert.Equal(t, "/videos/c.mp4", pending[2].VideoPath)
}

func TestFailedRetryableTasks(t *testing.T) {
	b := testBatch()

	spent := NewTask("spent", "/videos/a.mp4", "tpl", "", 1)
	spent.Attempts = 2
	spent.Status = TaskFailed
	b.AddTask(spent)

	retryable := NewTask("retryable", "/videos/b.mp4", "tpl", "", 3)
	retryable.Attempts = 1
	retryable.Status = TaskFailed
	b.AddTask(retryable)

	got := b.FailedRetryableTasks()
	require.Len(t, got, 1)
	assert.Equal(t, "retryable", got[0].TaskID)
}

func TestBatchCompleteSettlesStatus(t *testing.T) {
	b := testBatch()
	ok := NewTask("ok", "/videos/a.mp4", "tpl", "", 3)
	ok.Status = TaskSuccess
	b.AddTask(ok)

	b.Start()
	assert.Equal(t, BatchRunning, b.Status)
	b.Complete()
	assert.Equal(t, BatchCompleted, b.Status)
	assert.NotEmpty(t, b.CompletedAt)

	bad := NewTask("bad", "/videos/b.mp4", "tpl", "", 3)
	bad.Status = TaskFailed
	b.AddTask(bad)
	b.Complete()
	assert.Equal(t, BatchFailed, b.Status)
}

func TestBatchCancelForcesNonTerminalTasks(t *testing.T) {
	b := testBatch()
	done := NewTask("done", "/videos/a.mp4", "tpl", "", 3)
	done.Status = TaskSuccess
	b.AddTask(done)

	pending := NewTask("pending", "/videos/b.mp4", "tpl", "", 3)
	b.AddTask(pending)

	leased := NewTask("leased", "/videos/c.mp4", "tpl", "", 3)
	leased.StartProcessing("worker-0")
	b.AddTask(leased)

	b.Cancel()
	assert.Equal(t, BatchCancelled, b.Status)
	assert.Equal(t, TaskSuccess, done.Status, "terminal tasks keep their status")
	assert.Equal(t, TaskCancelled, pending.Status)
	assert.Equal(t, TaskCancelled, leased.Status)
}

func TestResetCrashedLeases(t *testing.T) {
	b := testBatch()
	crashed := NewTask("crashed", "/videos/a.mp4", "tpl", "", 3)
	crashed.StartProcessing("worker-0")
	b.AddTask(crashed)

	fine := NewTask("fine", "/videos/b.mp4", "tpl", "", 3)
	b.AddTask(fine)

	n := b.ResetCrashedLeases()
	assert.Equal(t, 1, n)
	assert.Equal(t, TaskPending, crashed.Status)
	assert.Equal(t, 1, crashed.Attempts, "attempt counter survives a crash")
	assert.Empty(t, crashed.WorkerID)
}

func TestBatchIDFormat(t *testing.T) {
	id := NewBatchID()
	assert.Regexp(t, `^batch_\d{8}_\d{6}_[0-9a-f]{8}$`, id)

	other := NewBatchID()
	assert.NotEqual(t, id, other)
}

func TestTaskIDEmbedsStem(t *testing.T) {
	id := NewTaskID("batch_20250101_120000_deadbeef", "/videos/lecture.mp4")
	assert.Regexp(t, `^batch_20250101_120000_deadbeef_lecture_[0-9a-f]{6}$`, id)
}

func TestPauseResume(t *testing.T) {
	b := testBatch()
	b.Start()
	b.Pause()
	assert.Equal(t, BatchPaused, b.Status)
	b.Resume()
	assert.Equal(t, BatchRunning, b.Status)
}
