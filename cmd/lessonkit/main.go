// lessonkit turns lecture videos into markdown lesson documents by way
// of the Gemini file and generation APIs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lessonkit/pkg/batch"
	"lessonkit/pkg/config"
	"lessonkit/pkg/gemini"
	"lessonkit/pkg/keys"
	"lessonkit/pkg/lesson"
	"lessonkit/pkg/logger"
	"lessonkit/pkg/retrypolicy"
	"lessonkit/pkg/template"
)

var (
	configPath   string
	apiKeyFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "lessonkit",
	Short: "Generate lesson documents from lecture videos",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func main() {
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(keysCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&apiKeyFlag, "api-key", "", "API key, overriding the configured credentials")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
}

// loadConfig reads the config file named by --config. The default
// location is allowed to be absent.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	explicit := cmd.Flags().Changed("config") || rootCmd.PersistentFlags().Changed("config")
	cfg, err := config.Load(configPath, explicit)
	if err != nil {
		return nil, err
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// engine bundles the wired processing stack for commands that talk to
// the upstream service.
type engine struct {
	cfg       *config.Config
	store     *batch.Store
	templates *template.Store
	rotator   *keys.Rotator
	arbiter   *retrypolicy.Arbiter
	orch      *batch.Orchestrator
}

func buildEngine(cmd *cobra.Command, overrides func(*batch.Options)) (*engine, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := logger.Get()

	apiKeys, multiKey, err := cfg.ResolveAPIKeys(apiKeyFlag)
	if err != nil {
		return nil, err
	}
	rotator, err := keys.NewRotator(apiKeys, cfg.KeyUsagePath, log)
	if err != nil {
		return nil, err
	}

	templates, err := template.NewStore(cfg.Templates.Dir, template.StoreDefaults{
		Model:       cfg.GoogleAPI.Model,
		Temperature: cfg.GoogleAPI.Temperature,
		MaxTokens:   cfg.GoogleAPI.MaxTokens,
	}, log)
	if err != nil {
		return nil, err
	}

	store, err := batch.NewStore(cfg.StateDir, log)
	if err != nil {
		return nil, err
	}

	arbiter := retrypolicy.NewArbiter(retrypolicy.NewBudget(100, 500),
		retrypolicy.Options{RetryUnknown: cfg.BatchProcessing.RetryUnknown}, log)

	opts := batch.Options{
		PoolSize:           cfg.BatchProcessing.ParallelWorkers,
		MaxRetries:         cfg.BatchProcessing.MaxRetries,
		TaskTimeout:        time.Duration(cfg.BatchProcessing.TaskTimeoutSeconds) * time.Second,
		CheckpointInterval: cfg.BatchProcessing.CheckpointInterval,
		MultiKey:           multiKey,
		Analyzer: gemini.AnalyzerOptions{
			PollInterval: time.Duration(cfg.VideoProcessing.PollIntervalSeconds) * time.Second,
			PollTimeout:  time.Duration(cfg.VideoProcessing.UploadTimeoutSeconds) * time.Second,
			MaxFileSize:  int64(cfg.GoogleAPI.MaxFileSizeMB) * 1024 * 1024,
		},
	}
	if overrides != nil {
		overrides(&opts)
	}

	orch := batch.NewOrchestrator(
		store,
		templates,
		lesson.NewWriter(log),
		arbiter,
		rotator,
		gemini.NewQuotaCounter(cfg.BatchProcessing.DailyRequestCap),
		func(apiKey string) gemini.Service { return gemini.NewClient(apiKey) },
		opts,
		log,
	)

	return &engine{
		cfg:       cfg,
		store:     store,
		templates: templates,
		rotator:   rotator,
		arbiter:   arbiter,
		orch:      orch,
	}, nil
}

// watchSignals wires interrupt handling: the first signal requests a
// graceful stop, the second cancels outright.
func watchSignals(parent context.Context, orch *batch.Orchestrator) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\ninterrupt: finishing in-flight tasks, press Ctrl-C again to abort")
			orch.RequestStop()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "aborting")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
