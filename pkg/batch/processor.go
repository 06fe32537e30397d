package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"lessonkit/pkg/domain/errors"
	"lessonkit/pkg/gemini"
	"lessonkit/pkg/keys"
	"lessonkit/pkg/lesson"
	"lessonkit/pkg/retrypolicy"
	"lessonkit/pkg/template"
)

// DefaultTaskTimeout bounds one full upload, poll, generate cycle.
const DefaultTaskTimeout = 360 * time.Second

// maxPoolSize caps worker parallelism regardless of credential count.
const maxPoolSize = 8

// Options tunes one orchestrator.
type Options struct {
	// PoolSize is the worker count in single-key mode. Multi-key mode
	// derives the pool from the credential count instead.
	PoolSize int
	// MaxRetries is the per-task attempt budget beyond the first try.
	MaxRetries int
	// SkipExisting marks tasks Skipped at creation when their output
	// artifact already exists.
	SkipExisting bool
	// TaskTimeout is the per-task wall clock bound.
	TaskTimeout time.Duration
	// CheckpointInterval archives a state snapshot every N terminal
	// transitions. Zero disables checkpoints.
	CheckpointInterval int
	// MultiKey enables credential rotation and per-key workers.
	MultiKey bool
	// Analyzer carries poll cadence and generate retry settings.
	Analyzer gemini.AnalyzerOptions
	// OnProgress, when set, observes statistics after every terminal
	// transition.
	OnProgress func(Statistics)
}

func (o *Options) applyDefaults() {
	if o.PoolSize <= 0 {
		o.PoolSize = 2
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = DefaultTaskTimeout
	}
	o.Analyzer.MultiKey = o.MultiKey
}

// Orchestrator is the top-level driver: it creates batches, owns the
// worker pool, and moves every task through its lifecycle.
type Orchestrator struct {
	store     *Store
	templates *template.Store
	writer    *lesson.Writer
	arbiter   *retrypolicy.Arbiter
	rotator   *keys.Rotator
	quota     *gemini.QuotaCounter
	factory   gemini.ServiceFactory
	opts      Options
	log       zerolog.Logger

	shutdown atomic.Bool

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	sinceCheckpoint atomic.Int64
}

// NewOrchestrator wires the engine together.
func NewOrchestrator(
	store *Store,
	templates *template.Store,
	writer *lesson.Writer,
	arbiter *retrypolicy.Arbiter,
	rotator *keys.Rotator,
	quota *gemini.QuotaCounter,
	factory gemini.ServiceFactory,
	opts Options,
	log zerolog.Logger,
) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		store:     store,
		templates: templates,
		writer:    writer,
		arbiter:   arbiter,
		rotator:   rotator,
		quota:     quota,
		factory:   factory,
		opts:      opts,
		log:       log.With().Str("component", "batch").Logger(),
		inflight:  make(map[string]struct{}),
	}
}

// poolSize is min(credentials, 8) with multiple keys, otherwise the
// configured conservative default.
func (o *Orchestrator) poolSize() int {
	if o.opts.MultiKey {
		n := o.rotator.Count()
		if n > maxPoolSize {
			return maxPoolSize
		}
		return n
	}
	return o.opts.PoolSize
}

// SetProgressFunc installs the progress callback. Call before Run.
func (o *Orchestrator) SetProgressFunc(fn func(Statistics)) {
	o.opts.OnProgress = fn
}

// RequestStop asks for a graceful pause: workers finish their current
// task and stop dequeuing.
func (o *Orchestrator) RequestStop() {
	o.shutdown.Store(true)
}

// Stopping reports whether a graceful stop was requested.
func (o *Orchestrator) Stopping() bool {
	return o.shutdown.Load()
}

// CreateBatch scans inputDir for supported videos and builds the
// initial persisted batch.
func (o *Orchestrator) CreateBatch(inputDir, templateName, outputDir string) (*Batch, error) {
	if !o.templates.Has(templateName) {
		return nil, errors.Newf(errors.CodeTemplateNotFound, "batch", "template %q not found", templateName)
	}

	videos, err := scanVideos(inputDir)
	if err != nil {
		return nil, err
	}

	b := NewBatch(NewBatchID(), inputDir, templateName, outputDir)
	b.MaxWorkers = o.poolSize()
	b.MaxRetries = o.opts.MaxRetries
	b.SkipExisting = o.opts.SkipExisting

	for _, video := range videos {
		task := NewTask(NewTaskID(b.BatchID, video), video, templateName, lesson.OutputPath(outputDir, templateName, video), o.opts.MaxRetries)

		hash, err := FileSHA256(video)
		if err != nil {
			o.log.Warn().Str("video", video).Err(err).Msg("failed to hash video at creation")
		} else {
			task.FileHash = hash
		}
		if info, err := os.Stat(video); err == nil {
			task.FileSizeBytes = info.Size()
		}

		if o.opts.SkipExisting && lesson.Exists(task.OutputPath) {
			task.CompleteSkipped("output already exists")
		}
		b.AddTask(task)
	}

	if len(videos) == 0 {
		// empty batch is born completed
		b.Complete()
		o.log.Info().Str("input_dir", inputDir).Msg("no supported videos found, batch completed empty")
	}

	if err := o.store.Save(b); err != nil {
		return nil, err
	}
	o.log.Info().
		Str("batch_id", b.BatchID).
		Int("tasks", len(videos)).
		Str("template", templateName).
		Msg("batch created")
	return b, nil
}

// scanVideos lists supported video files in dir, deduplicated and
// sorted by path.
func scanVideos(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.New(errors.CodeFileNotFound, "batch", "input directory not readable", err)
	}

	seen := make(map[string]struct{})
	var out []string
	for _, e := range entries {
		if e.IsDir() || !gemini.SupportedExtension(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}

// Run dispatches the batch: enqueue every ready task, start the pool,
// and block until the batch settles or a stop is requested.
func (o *Orchestrator) Run(ctx context.Context, b *Batch) error {
	o.shutdown.Store(false)

	ready := b.PendingTasks()
	for _, t := range b.FailedRetryableTasks() {
		b.Update(func() { t.ResetForRetry() })
		ready = append(ready, t)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].VideoPath < ready[j].VideoPath })

	if len(ready) == 0 {
		b.Complete()
		if err := o.store.Save(b); err != nil {
			return err
		}
		o.logSummary(b)
		return nil
	}

	b.Start()
	if err := o.store.Save(b); err != nil {
		return err
	}

	queue := make(chan *Task, len(b.Tasks)*(o.opts.MaxRetries+2))
	var tasks sync.WaitGroup

	enqueued := 0
	for _, t := range ready {
		if o.tryMarkInflight(t.VideoPath) {
			tasks.Add(1)
			queue <- t
			enqueued++
		}
	}
	o.log.Info().Str("batch_id", b.BatchID).Int("tasks", enqueued).Int("workers", o.poolSize()).Msg("dispatch started")

	go func() {
		tasks.Wait()
		close(queue)
	}()

	var workers sync.WaitGroup
	for i := 0; i < o.poolSize(); i++ {
		workers.Add(1)
		go func(idx int) {
			defer workers.Done()
			o.workerLoop(ctx, idx, b, queue, &tasks)
		}(i)
	}
	workers.Wait()

	if o.shutdown.Load() || ctx.Err() != nil {
		b.Pause()
	} else {
		b.Complete()
	}
	if err := o.store.Save(b); err != nil {
		return err
	}
	o.logSummary(b)
	return nil
}

// Resume loads a persisted batch, resets crashed leases, and runs it.
// Tasks already Success or Skipped are never re-run.
func (o *Orchestrator) Resume(ctx context.Context, batchID string) (*Batch, error) {
	b, err := o.store.Load(batchID)
	if err != nil {
		return nil, err
	}
	if n := b.ResetCrashedLeases(); n > 0 {
		o.log.Info().Int("tasks", n).Msg("reset crashed leases to pending")
	}
	b.Resume()
	if err := o.store.Save(b); err != nil {
		return nil, err
	}
	return b, o.Run(ctx, b)
}

// Cancel loads a batch, cancels it and all non-terminal tasks, and
// persists the result.
func (o *Orchestrator) Cancel(batchID string) (*Batch, error) {
	b, err := o.store.Load(batchID)
	if err != nil {
		return nil, err
	}
	b.Cancel()
	if err := o.store.Save(b); err != nil {
		return nil, err
	}
	o.log.Info().Str("batch_id", batchID).Msg("batch cancelled")
	return b, nil
}

// workerLoop binds one worker to one credential for its lifetime and
// drains the queue.
func (o *Orchestrator) workerLoop(ctx context.Context, idx int, b *Batch, queue chan *Task, tasks *sync.WaitGroup) {
	workerID := fmt.Sprintf("worker-%d", idx)

	analyzer := gemini.NewAnalyzer(o.factory, o.rotator, o.quota, o.opts.Analyzer, o.log)
	if o.opts.MultiKey {
		apiKey := o.rotator.KeyAt(idx)
		analyzer.BindKey(apiKey, keys.KeyID(apiKey))
	} else {
		analyzer.BindKey(o.rotator.Current())
	}
	o.log.Debug().Str("worker", workerID).Str("key_id", analyzer.KeyID()).Msg("worker bound to credential")

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-queue:
			if !ok {
				return
			}
			if o.shutdown.Load() {
				// leave the task pending for resume
				o.clearInflight(task.VideoPath)
				tasks.Done()
				continue
			}
			o.processTask(ctx, workerID, analyzer, b, task, queue, tasks)
		}
	}
}

// processTask drives one lease through its lifecycle.
func (o *Orchestrator) processTask(ctx context.Context, workerID string, analyzer *gemini.Analyzer, b *Batch, t *Task, queue chan *Task, tasks *sync.WaitGroup) {
	leaseStart := time.Now()

	b.Update(func() { t.StartProcessing(workerID) })
	if err := o.store.Save(b); err != nil {
		o.log.Error().Err(err).Msg("failed to persist lease")
	}

	log := o.log.With().Str("worker", workerID).Str("task_id", t.TaskID).Str("video", filepath.Base(t.VideoPath)).Logger()

	// resume safety: the artifact may have been produced by an
	// earlier run
	if lesson.Exists(t.OutputPath) {
		log.Info().Str("output", t.OutputPath).Msg("output already exists, skipping")
		b.Update(func() { t.CompleteSkipped("output already exists") })
		o.finishTask(b, t, tasks)
		return
	}

	if !t.ValidateFileIntegrity() {
		log.Warn().Msg("video changed since task creation")
		b.Update(func() { t.CompleteFailed("file modified since task creation") })
		o.finishTask(b, t, tasks)
		return
	}

	result, err := o.analyze(ctx, analyzer, t)
	if err == nil {
		result.Metadata.Template = t.TemplateName
		content := lesson.Format(result, t.VideoPath, t.TemplateName)
		wres := o.writer.Write(t.OutputPath, content)
		if wres.Err != nil {
			err = wres.Err
		} else {
			b.Update(func() {
				t.KeyID = result.Metadata.KeyID
				t.CompleteSuccess(wres.Path, time.Since(leaseStart))
			})
			if t.Attempts > 1 {
				o.arbiter.MarkSuccess(t.TaskID)
			}
			log.Info().Int("attempts", t.Attempts).Dur("took", time.Since(leaseStart)).Msg("task succeeded")
			o.finishTask(b, t, tasks)
			return
		}
	}

	o.handleFailure(ctx, log, b, t, err, queue, tasks)
}

// analyze invokes the adapter under the per-task wall clock bound.
func (o *Orchestrator) analyze(ctx context.Context, analyzer *gemini.Analyzer, t *Task) (*gemini.Result, error) {
	params := map[string]string{"video_title": lesson.Stem(t.VideoPath)}
	prompt, err := o.templates.Render(t.TemplateName, params)
	if err != nil {
		return nil, err
	}
	cfg, err := o.templates.Config(t.TemplateName)
	if err != nil {
		return nil, err
	}

	tctx, cancel := context.WithTimeout(ctx, o.opts.TaskTimeout)
	defer cancel()

	type outcome struct {
		result *gemini.Result
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, perr := analyzer.Process(tctx, t.VideoPath, prompt, cfg.Model, gemini.GenConfig{
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		ch <- outcome{res, perr}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, errors.New(errors.CodeOperationFailed, "batch", "cancelled", ctx.Err())
		}
		return nil, errors.Newf(errors.CodeTimeoutError, "batch", "task deadline exceeded after %s", o.opts.TaskTimeout)
	}
}

// handleFailure classifies the error, consults the arbiter, and either
// re-enqueues the task or fails it.
func (o *Orchestrator) handleFailure(ctx context.Context, log zerolog.Logger, b *Batch, t *Task, err error, queue chan *Task, tasks *sync.WaitGroup) {
	msg := err.Error()
	log.Warn().Str("error", truncate(msg, 200)).Int("attempt", t.Attempts).Msg("task attempt failed")

	retry, delay := o.arbiter.ShouldRetry(t.TaskID, msg, t.Attempts)
	if retry && t.CanRetry() && !o.shutdown.Load() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		b.Update(func() { t.ResetForRetry() })
		if err := o.store.Save(b); err != nil {
			o.log.Error().Err(err).Msg("failed to persist retry reset")
		}
		// retried tasks re-enter at the tail
		tasks.Add(1)
		queue <- t
		tasks.Done()
		return
	}

	b.Update(func() { t.CompleteFailed(truncate(msg, 500)) })
	if t.Attempts > 1 {
		o.arbiter.MarkFailure(t.TaskID)
	}
	o.finishTask(b, t, tasks)
}

// finishTask persists a terminal transition and releases the task's
// in-flight slot.
func (o *Orchestrator) finishTask(b *Batch, t *Task, tasks *sync.WaitGroup) {
	if err := o.store.Save(b); err != nil {
		o.log.Error().Err(err).Msg("failed to persist terminal transition")
	}
	o.clearInflight(t.VideoPath)
	o.maybeCheckpoint(b)
	if o.opts.OnProgress != nil {
		o.opts.OnProgress(b.Stats())
	}
	tasks.Done()
}

func (o *Orchestrator) maybeCheckpoint(b *Batch) {
	if o.opts.CheckpointInterval <= 0 {
		return
	}
	if n := o.sinceCheckpoint.Add(1); n%int64(o.opts.CheckpointInterval) == 0 {
		if _, err := o.store.Checkpoint(b.BatchID); err != nil {
			o.log.Warn().Err(err).Msg("failed to checkpoint state")
		}
	}
}

// tryMarkInflight registers a video path, refusing duplicates so a
// task is never enqueued twice in one dispatch.
func (o *Orchestrator) tryMarkInflight(videoPath string) bool {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	if _, dup := o.inflight[videoPath]; dup {
		return false
	}
	o.inflight[videoPath] = struct{}{}
	return true
}

func (o *Orchestrator) clearInflight(videoPath string) {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	delete(o.inflight, videoPath)
}

// InflightCount returns the size of the in-flight path set.
func (o *Orchestrator) InflightCount() int {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	return len(o.inflight)
}

// logSummary emits the end-of-batch report: terminal counts, retry
// statistics, and where the state file lives.
func (o *Orchestrator) logSummary(b *Batch) {
	stats := b.Stats()
	retry := o.arbiter.Stats()

	classes := make([]string, 0, len(retry.ByClass))
	for class, count := range retry.ByClass {
		classes = append(classes, fmt.Sprintf("%s=%d", class, count))
	}
	sort.Strings(classes)

	o.log.Info().
		Str("batch_id", b.BatchID).
		Str("status", string(b.Status)).
		Int("total", stats.Total).
		Int("success", stats.Success).
		Int("failed", stats.Failed).
		Int("skipped", stats.Skipped).
		Int("cancelled", stats.Cancelled).
		Int("pending", stats.Pending).
		Int("retries", retry.TotalRetries).
		Int("retry_successes", retry.SuccessfulRetries).
		Str("retry_classes", strings.Join(classes, ",")).
		Str("state_file", o.store.StatePath(b.BatchID)).
		Msg("batch finished")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
