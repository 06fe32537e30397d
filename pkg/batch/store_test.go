package batch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonkit/pkg/domain/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func storedBatch() *Batch {
	b := NewBatch(NewBatchID(), "/videos", "chinese_transcript", "/out")
	task := NewTask(NewTaskID(b.BatchID, "/videos/lecture.mp4"), "/videos/lecture.mp4", "chinese_transcript", "/out/chinese_transcript/lecture.md", 3)
	task.FileSizeBytes = 1024
	b.AddTask(task)
	return b
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	b := storedBatch()
	require.NoError(t, s.Save(b))

	loaded, err := s.Load(b.BatchID)
	require.NoError(t, err)
	assert.Equal(t, b.BatchID, loaded.BatchID)
	assert.Equal(t, b.InputDir, loaded.InputDir)
	assert.Equal(t, b.Status, loaded.Status)
	require.Len(t, loaded.Tasks, 1)
	for _, task := range loaded.Tasks {
		assert.Equal(t, "/videos/lecture.mp4", task.VideoPath)
		assert.Equal(t, int64(1024), task.FileSizeBytes)
		assert.Equal(t, TaskPending, task.Status)
	}
}

func TestSaveWritesEnvelopeAndStatistics(t *testing.T) {
	s := newTestStore(t)
	b := storedBatch()
	require.NoError(t, s.Save(b))

	data, err := os.ReadFile(s.StatePath(b.BatchID))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `"_metadata"`)
	assert.Contains(t, text, `"checksum"`)
	assert.Contains(t, text, `"version": "1.0"`)
	assert.Contains(t, text, `"statistics"`)
	assert.Contains(t, text, `"progress_percentage"`)
}

func TestLoadMissingBatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("batch_20250101_000000_00000000")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestLoadDetectsTampering(t *testing.T) {
	s := newTestStore(t)
	b := storedBatch()
	require.NoError(t, s.Save(b))

	path := s.StatePath(b.BatchID)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"status": "created"`, `"status": "completed"`, 1)
	require.NotEqual(t, string(data), tampered, "fixture must actually change the payload")
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	_, err = s.Load(b.BatchID)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeStateCorruption))
}

func TestLoadRejectsGarbage(t *testing.T) {
	s := newTestStore(t)
	path := s.StatePath("batch_garbage")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := s.Load("batch_garbage")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeStateCorruption))
}

func TestListSortsNewestFirstAndSkipsCorrupt(t *testing.T) {
	s := newTestStore(t)

	older := storedBatch()
	older.CreatedAt = "2025-01-01T00:00:00Z"
	require.NoError(t, s.Save(older))

	newer := storedBatch()
	newer.CreatedAt = "2025-06-01T00:00:00Z"
	require.NoError(t, s.Save(newer))

	// an unreadable state file must not break the listing
	junk := filepath.Join(s.dir, "batch_junk_state.json")
	require.NoError(t, os.WriteFile(junk, []byte("{{{"), 0o644))

	out := s.List()
	require.Len(t, out, 2)
	assert.Equal(t, newer.BatchID, out[0].BatchID)
	assert.Equal(t, older.BatchID, out[1].BatchID)
	assert.Equal(t, 1, out[0].Statistics.Total)
	assert.NotEmpty(t, out[0].FilePath)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	b := storedBatch()
	require.NoError(t, s.Save(b))

	require.NoError(t, s.Delete(b.BatchID))
	_, err := os.Stat(s.StatePath(b.BatchID))
	assert.True(t, os.IsNotExist(err))

	// deleting again is not an error
	assert.NoError(t, s.Delete(b.BatchID))
}

func TestCheckpoint(t *testing.T) {
	s := newTestStore(t)
	b := storedBatch()
	require.NoError(t, s.Save(b))

	dst, err := s.Checkpoint(b.BatchID)
	require.NoError(t, err)
	assert.Contains(t, dst, filepath.Join("checkpoints", b.BatchID+"_checkpoint_"))

	src, err := os.ReadFile(s.StatePath(b.BatchID))
	require.NoError(t, err)
	copied, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, src, copied)
}

func TestCheckpointMissingBatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Checkpoint("batch_nope")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestCleanupRemovesOldStates(t *testing.T) {
	s := newTestStore(t)

	old := storedBatch()
	require.NoError(t, s.Save(old))
	stale := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(s.StatePath(old.BatchID), stale, stale))

	fresh := storedBatch()
	require.NoError(t, s.Save(fresh))

	removed := s.Cleanup(30)
	assert.Equal(t, 1, removed)
	_, err := os.Stat(s.StatePath(old.BatchID))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.StatePath(fresh.BatchID))
	assert.NoError(t, err)
}

func TestLoadReverifiesPendingHashes(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(video, []byte("frame data"), 0o644))

	s := newTestStore(t)
	b := NewBatch(NewBatchID(), dir, "tpl", "/out")
	task := NewTask(NewTaskID(b.BatchID, video), video, "tpl", "/out/tpl/clip.md", 3)
	hash, err := FileSHA256(video)
	require.NoError(t, err)
	task.FileHash = hash
	b.AddTask(task)
	require.NoError(t, s.Save(b))

	// changing the video after save is reported, never fatal
	require.NoError(t, os.WriteFile(video, []byte("different frames"), 0o644))
	loaded, err := s.Load(b.BatchID)
	require.NoError(t, err)
	assert.Len(t, loaded.Tasks, 1)
}
