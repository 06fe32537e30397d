// Package batch is the execution engine: it creates batches from an
// input directory, persists them durably, and drives every task
// through upload, poll, generate, persist with a bounded worker pool.
package batch

import (
	"time"
)

// TaskStatus is a task's lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskSuccess    TaskStatus = "success"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions
// (other than the controlled Failed to Pending retry reset).
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	}
	return false
}

// Task is one video-to-lesson unit of work.
type Task struct {
	TaskID                string     `json:"task_id"`
	VideoPath             string     `json:"video_path"`
	TemplateName          string     `json:"template_name"`
	OutputPath            string     `json:"output_path,omitempty"`
	Status                TaskStatus `json:"status"`
	CreatedAt             string     `json:"created_at"`
	StartedAt             string     `json:"started_at,omitempty"`
	CompletedAt           string     `json:"completed_at,omitempty"`
	Attempts              int        `json:"attempts"`
	MaxRetries            int        `json:"max_retries"`
	ErrorMessage          string     `json:"error_message,omitempty"`
	FileSizeBytes         int64      `json:"file_size_bytes,omitempty"`
	ProcessingTimeSeconds float64    `json:"processing_time_seconds,omitempty"`
	WorkerID              string     `json:"worker_id,omitempty"`
	FileHash              string     `json:"file_hash,omitempty"`
	KeyID                 string     `json:"key_id,omitempty"`
}

// NewTask creates a Pending task for a video.
func NewTask(taskID, videoPath, templateName, outputPath string, maxRetries int) *Task {
	return &Task{
		TaskID:       taskID,
		VideoPath:    videoPath,
		TemplateName: templateName,
		OutputPath:   outputPath,
		Status:       TaskPending,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		MaxRetries:   maxRetries,
	}
}

// StartProcessing leases the task to a worker and counts the attempt.
func (t *Task) StartProcessing(workerID string) {
	t.Status = TaskProcessing
	t.StartedAt = time.Now().UTC().Format(time.RFC3339)
	t.WorkerID = workerID
	t.Attempts++
}

// CompleteSuccess marks the task done.
func (t *Task) CompleteSuccess(outputPath string, processingTime time.Duration) {
	t.Status = TaskSuccess
	t.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	t.OutputPath = outputPath
	t.ProcessingTimeSeconds = processingTime.Seconds()
}

// CompleteFailed marks the task failed with the last error text.
func (t *Task) CompleteFailed(errMessage string) {
	t.Status = TaskFailed
	t.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	t.ErrorMessage = errMessage
}

// CompleteSkipped marks the task skipped, recording why.
func (t *Task) CompleteSkipped(reason string) {
	t.Status = TaskSkipped
	t.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	t.ErrorMessage = reason
}

// Cancel marks the task cancelled.
func (t *Task) Cancel() {
	t.Status = TaskCancelled
	t.CompletedAt = time.Now().UTC().Format(time.RFC3339)
}

// CanRetry reports whether another attempt is allowed: attempts stay
// within max retries + 1 total tries.
func (t *Task) CanRetry() bool {
	return t.Attempts <= t.MaxRetries
}

// ResetForRetry performs the controlled Failed-or-Processing to
// Pending transition, retaining the attempt counter. Returns false
// when the retry budget for this task is spent.
func (t *Task) ResetForRetry() bool {
	if !t.CanRetry() {
		return false
	}
	t.Status = TaskPending
	t.StartedAt = ""
	t.CompletedAt = ""
	t.ErrorMessage = ""
	t.WorkerID = ""
	return true
}

// ValidateFileIntegrity re-hashes the video on disk and compares with
// the hash captured at task creation. A task without a recorded hash
// always validates.
func (t *Task) ValidateFileIntegrity() bool {
	if t.FileHash == "" {
		return true
	}
	current, err := FileSHA256(t.VideoPath)
	if err != nil {
		return false
	}
	return current == t.FileHash
}
