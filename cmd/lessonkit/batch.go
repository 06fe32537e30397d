package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"lessonkit/pkg/batch"
	"lessonkit/pkg/config"
	"lessonkit/pkg/domain/errors"
	"lessonkit/pkg/gemini"
	"lessonkit/pkg/lesson"
	"lessonkit/pkg/logger"
	"lessonkit/pkg/progress"
	"lessonkit/pkg/template"
)

var (
	templateFlag string
	outputFlag   string
	workersFlag  int
	skipExisting bool
	runAfter     bool
	keepDays     int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Create and run video batches",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var batchCreateCmd = &cobra.Command{
	Use:   "create <input_dir>",
	Short: "Scan a directory of videos into a new batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd, func(o *batch.Options) {
			if workersFlag > 0 {
				o.PoolSize = workersFlag
			}
			o.SkipExisting = skipExisting
		})
		if err != nil {
			return err
		}

		tpl, out := resolveTemplateAndOutput(eng.cfg)
		b, err := eng.orch.CreateBatch(args[0], tpl, out)
		if err != nil {
			return err
		}

		stats := b.Stats()
		fmt.Printf("Created batch %s: %d tasks (%d skipped)\n", b.BatchID, stats.Total, stats.Skipped)
		if !runAfter {
			fmt.Printf("Run it with: lessonkit batch run %s\n", b.BatchID)
			return nil
		}
		return runBatch(cmd, eng, b)
	},
}

var batchRunCmd = &cobra.Command{
	Use:   "run <batch_id>",
	Short: "Process a created batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd, func(o *batch.Options) {
			if workersFlag > 0 {
				o.PoolSize = workersFlag
			}
		})
		if err != nil {
			return err
		}
		b, err := eng.store.Load(args[0])
		if err != nil {
			return err
		}
		return runBatch(cmd, eng, b)
	},
}

var batchResumeCmd = &cobra.Command{
	Use:   "resume <batch_id>",
	Short: "Resume an interrupted batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd, nil)
		if err != nil {
			return err
		}
		if !eng.cfg.BatchProcessing.EnableResume {
			return errors.New(errors.CodeConfigurationInvalid, "cli", "resume is disabled by batch_processing.enable_resume", nil)
		}

		ctx, stop := watchSignals(cmd.Context(), eng.orch)
		defer stop()

		reporter := attachReporter(eng)
		b, err := eng.orch.Resume(ctx, args[0])
		reporter.Close()
		if err != nil {
			return err
		}
		return reportOutcome(eng, b)
	},
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known batches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := buildStore(cmd)
		if err != nil {
			return err
		}
		summaries := store.List()
		if len(summaries) == 0 {
			fmt.Println("No batches found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BATCH ID\tSTATUS\tPROGRESS\tCREATED\tINPUT")
		for _, s := range summaries {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
				s.BatchID, s.Status, s.Statistics.Completed, s.Statistics.Total, s.CreatedAt, s.InputDir)
		}
		return w.Flush()
	},
}

var batchStatusCmd = &cobra.Command{
	Use:   "status <batch_id>",
	Short: "Show a batch's tasks and progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := buildStore(cmd)
		if err != nil {
			return err
		}
		b, err := store.Load(args[0])
		if err != nil {
			return err
		}

		stats := b.Stats()
		fmt.Printf("Batch %s: %s, %.1f%% complete (%d/%d)\n",
			b.BatchID, b.Status, stats.ProgressPercentage, stats.Completed, stats.Total)
		fmt.Printf("Input: %s, template: %s, output: %s\n", b.InputDir, b.TemplateName, b.OutputDir)

		tasks := make([]*batch.Task, 0, len(b.Tasks))
		for _, t := range b.Tasks {
			tasks = append(tasks, t)
		}
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].VideoPath < tasks[j].VideoPath })

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VIDEO\tSTATUS\tATTEMPTS\tERROR")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				filepath.Base(t.VideoPath), t.Status, t.Attempts, t.ErrorMessage)
		}
		return w.Flush()
	},
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel <batch_id>",
	Short: "Cancel a batch and all its unfinished tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := buildStore(cmd)
		if err != nil {
			return err
		}
		b, err := store.Load(args[0])
		if err != nil {
			return err
		}
		b.Cancel()
		if err := store.Save(b); err != nil {
			return err
		}
		fmt.Printf("Cancelled batch %s (%d tasks cancelled)\n", b.BatchID, b.Stats().Cancelled)
		return nil
	},
}

var batchCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove state files older than the retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := buildStore(cmd)
		if err != nil {
			return err
		}
		removed := store.Cleanup(keepDays)
		fmt.Printf("Removed %d state files older than %d days\n", removed, keepDays)
		return nil
	},
}

var processCmd = &cobra.Command{
	Use:   "process <video>",
	Short: "Process a single video into a lesson document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd, func(o *batch.Options) {
			o.PoolSize = 1
			o.SkipExisting = skipExisting
		})
		if err != nil {
			return err
		}

		video := args[0]
		info, err := os.Stat(video)
		if err != nil {
			return errors.New(errors.CodeFileNotFound, "cli", "video not found", err)
		}
		if info.IsDir() || !gemini.SupportedExtension(video) {
			return errors.Newf(errors.CodeValidationFailed, "cli", "%s is not a supported video file", video)
		}
		if limit := int64(eng.cfg.GoogleAPI.MaxFileSizeMB) * 1024 * 1024; limit > 0 && info.Size() > limit {
			return errors.Newf(errors.CodeValidationFailed, "cli",
				"%s exceeds the %dMB upload limit", video, eng.cfg.GoogleAPI.MaxFileSizeMB)
		}

		tpl, out := resolveTemplateAndOutput(eng.cfg)
		if !eng.templates.Has(tpl) {
			return errors.Newf(errors.CodeTemplateNotFound, "cli", "template %q not found", tpl)
		}

		b := batch.NewBatch(batch.NewBatchID(), filepath.Dir(video), tpl, out)
		b.MaxWorkers = 1
		b.MaxRetries = eng.cfg.BatchProcessing.MaxRetries
		task := batch.NewTask(batch.NewTaskID(b.BatchID, video), video, tpl, lesson.OutputPath(out, tpl, video), b.MaxRetries)
		if hash, err := batch.FileSHA256(video); err == nil {
			task.FileHash = hash
		}
		task.FileSizeBytes = info.Size()
		b.AddTask(task)
		if err := eng.store.Save(b); err != nil {
			return err
		}

		return runBatch(cmd, eng, b)
	},
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List available lesson templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := template.NewStore(cfg.Templates.Dir, template.StoreDefaults{
			Model:       cfg.GoogleAPI.Model,
			Temperature: cfg.GoogleAPI.Temperature,
			MaxTokens:   cfg.GoogleAPI.MaxTokens,
		}, logger.Get())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSION\tDESCRIPTION")
		for _, meta := range store.List() {
			marker := ""
			if meta.Name == cfg.Templates.DefaultTemplate {
				marker = " (default)"
			}
			fmt.Fprintf(w, "%s%s\t%s\t%s\n", meta.Name, marker, meta.Version, meta.Description)
		}
		return w.Flush()
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Report API key usage and health",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd, nil)
		if err != nil {
			return err
		}

		report := eng.rotator.Report()
		fmt.Printf("Keys: %d, current: %s, overall success rate: %.1f%%\n",
			report.TotalKeys, report.CurrentKeyID, report.OverallSuccessRate*100)

		ids := make([]string, 0, len(report.KeyStats))
		for id := range report.KeyStats {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSTATUS\tREQUESTS\tSUCCESS RATE\tCONSECUTIVE FAILURES")
		for _, id := range ids {
			s := report.KeyStats[id]
			fmt.Fprintf(w, "%s\t%s\t%d\t%.1f%%\t%d\n",
				s.KeyID, s.CurrentStatus, s.TotalRequests, s.SuccessRate()*100, s.ConsecutiveFailures)
		}
		return w.Flush()
	},
}

// runBatch drives a loaded batch to completion with signal handling and
// progress display, and settles the exit status.
func runBatch(cmd *cobra.Command, eng *engine, b *batch.Batch) error {
	ctx, stop := watchSignals(cmd.Context(), eng.orch)
	defer stop()

	reporter := attachReporter(eng)
	reporter.Begin(fmt.Sprintf("processing batch %s", b.BatchID))
	err := eng.orch.Run(ctx, b)
	reporter.Close()
	if err != nil {
		return err
	}
	return reportOutcome(eng, b)
}

// attachReporter wires a terminal progress reporter into the
// orchestrator's progress callback.
func attachReporter(eng *engine) *progress.Reporter {
	reporter := progress.NewReporter()
	eng.orch.SetProgressFunc(func(s batch.Statistics) {
		reporter.Update(s.Completed, s.Total,
			fmt.Sprintf("%d ok, %d failed, %d skipped", s.Success, s.Failed, s.Skipped))
	})
	return reporter
}

func reportOutcome(eng *engine, b *batch.Batch) error {
	stats := b.Stats()
	fmt.Printf("Batch %s %s: %d succeeded, %d failed, %d skipped, %d pending\n",
		b.BatchID, b.Status, stats.Success, stats.Failed, stats.Skipped, stats.Pending)
	fmt.Printf("State file: %s\n", eng.store.StatePath(b.BatchID))

	if stats.Failed > 0 {
		return errors.Newf(errors.CodeOperationFailed, "cli", "%d tasks failed", stats.Failed)
	}
	return nil
}

func resolveTemplateAndOutput(cfg *config.Config) (tpl, out string) {
	tpl = templateFlag
	if tpl == "" {
		tpl = cfg.Templates.DefaultTemplate
	}
	out = outputFlag
	if out == "" {
		out = cfg.Output.DefaultPath
	}
	return tpl, out
}

// buildStore wires only the state store, for commands that never touch
// the upstream service.
func buildStore(cmd *cobra.Command) (*batch.Store, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := batch.NewStore(cfg.StateDir, logger.Get())
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func init() {
	batchCmd.AddCommand(batchCreateCmd)
	batchCmd.AddCommand(batchRunCmd)
	batchCmd.AddCommand(batchResumeCmd)
	batchCmd.AddCommand(batchListCmd)
	batchCmd.AddCommand(batchStatusCmd)
	batchCmd.AddCommand(batchCancelCmd)
	batchCmd.AddCommand(batchCleanupCmd)

	for _, c := range []*cobra.Command{batchCreateCmd, processCmd} {
		c.Flags().StringVarP(&templateFlag, "template", "t", "", "Lesson template to use")
		c.Flags().StringVarP(&outputFlag, "output", "o", "", "Output directory for lesson documents")
		c.Flags().BoolVar(&skipExisting, "skip-existing", false, "Skip videos whose lesson document already exists")
	}
	batchCreateCmd.Flags().IntVarP(&workersFlag, "workers", "w", 0, "Parallel worker count")
	batchCreateCmd.Flags().BoolVar(&runAfter, "run", false, "Run the batch immediately after creating it")
	batchRunCmd.Flags().IntVarP(&workersFlag, "workers", "w", 0, "Parallel worker count")
	batchCleanupCmd.Flags().IntVar(&keepDays, "keep-days", 30, "Remove state files older than this many days")
}
