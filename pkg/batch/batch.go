package batch

import (
	"sort"
	"sync"
	"time"
)

// BatchStatus is a batch's lifecycle state.
type BatchStatus string

const (
	BatchCreated   BatchStatus = "created"
	BatchRunning   BatchStatus = "running"
	BatchPaused    BatchStatus = "paused"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// Statistics are the per-status counts of a batch, computed on read.
type Statistics struct {
	Total              int     `json:"total"`
	Pending            int     `json:"pending"`
	Processing         int     `json:"processing"`
	Success            int     `json:"success"`
	Failed             int     `json:"failed"`
	Skipped            int     `json:"skipped"`
	Cancelled          int     `json:"cancelled"`
	Completed          int     `json:"completed"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

// Batch is a named set of tasks processed under shared configuration.
// All mutation goes through methods holding the batch lock.
type Batch struct {
	mu sync.Mutex

	BatchID      string           `json:"batch_id"`
	InputDir     string           `json:"input_dir"`
	TemplateName string           `json:"template_name"`
	OutputDir    string           `json:"output_dir,omitempty"`
	Status       BatchStatus      `json:"status"`
	CreatedAt    string           `json:"created_at"`
	StartedAt    string           `json:"started_at,omitempty"`
	CompletedAt  string           `json:"completed_at,omitempty"`
	MaxWorkers   int              `json:"max_workers"`
	MaxRetries   int              `json:"max_retries"`
	SkipExisting bool             `json:"skip_existing"`
	Tasks        map[string]*Task `json:"tasks"`
}

// NewBatch creates an empty batch in the Created state.
func NewBatch(batchID, inputDir, templateName, outputDir string) *Batch {
	return &Batch{
		BatchID:      batchID,
		InputDir:     inputDir,
		TemplateName: templateName,
		OutputDir:    outputDir,
		Status:       BatchCreated,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		MaxWorkers:   1,
		MaxRetries:   3,
		Tasks:        make(map[string]*Task),
	}
}

// AddTask registers a task with the batch.
func (b *Batch) AddTask(t *Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Tasks[t.TaskID] = t
}

// Task returns a task by id, or nil.
func (b *Batch) Task(taskID string) *Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Tasks[taskID]
}

// PendingTasks returns the Pending tasks sorted by video path, which
// fixes dispatch order across runs.
func (b *Batch) PendingTasks() []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Task
	for _, t := range b.Tasks {
		if t.Status == TaskPending {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VideoPath < out[j].VideoPath })
	return out
}

// FailedRetryableTasks returns the Failed tasks whose per-task attempt
// budget is not spent.
func (b *Batch) FailedRetryableTasks() []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Task
	for _, t := range b.Tasks {
		if t.Status == TaskFailed && t.CanRetry() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VideoPath < out[j].VideoPath })
	return out
}

// Update runs fn under the batch lock. Used for task status
// transitions so statistics reads never observe torn state.
func (b *Batch) Update(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn()
}

// Stats computes per-status counts and progress under the batch lock.
func (b *Batch) Stats() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}

func (b *Batch) statsLocked() Statistics {
	s := Statistics{Total: len(b.Tasks)}
	for _, t := range b.Tasks {
		switch t.Status {
		case TaskPending:
			s.Pending++
		case TaskProcessing:
			s.Processing++
		case TaskSuccess:
			s.Success++
		case TaskFailed:
			s.Failed++
		case TaskSkipped:
			s.Skipped++
		case TaskCancelled:
			s.Cancelled++
		}
	}
	s.Completed = s.Success + s.Failed + s.Skipped
	if s.Total > 0 {
		s.ProgressPercentage = float64(s.Completed) / float64(s.Total) * 100
	}
	return s
}

// Start marks the batch Running.
func (b *Batch) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Status = BatchRunning
	b.StartedAt = time.Now().UTC().Format(time.RFC3339)
}

// Complete settles the final status: Failed when any task failed,
// Completed otherwise.
func (b *Batch) Complete() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statsLocked().Failed > 0 {
		b.Status = BatchFailed
	} else {
		b.Status = BatchCompleted
	}
	b.CompletedAt = time.Now().UTC().Format(time.RFC3339)
}

// Pause marks the batch Paused; it stays resumable.
func (b *Batch) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Status = BatchPaused
}

// Resume marks a paused batch Running again.
func (b *Batch) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Status = BatchRunning
}

// Cancel marks the batch Cancelled and forces every non-terminal task
// to Cancelled.
func (b *Batch) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Status = BatchCancelled
	b.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	for _, t := range b.Tasks {
		if !t.Status.Terminal() {
			t.Cancel()
		}
	}
}

// ResetCrashedLeases turns every Processing task back into Pending,
// keeping the attempt counter. Called on resume: a Processing task in
// a freshly loaded state file is a crashed lease.
func (b *Batch) ResetCrashedLeases() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.Tasks {
		if t.Status == TaskProcessing {
			t.Status = TaskPending
			t.StartedAt = ""
			t.WorkerID = ""
			n++
		}
	}
	return n
}
