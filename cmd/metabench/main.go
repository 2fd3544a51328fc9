// Command metabench runs benchmark experiments against hosted models and
// maintains their incremental result store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"metabench/config"
	"metabench/core"
	"metabench/experiment"
	"metabench/gateway"
	"metabench/pkg/logging"
	"metabench/pkg/metrics"
	"metabench/pkg/tracing"
	"metabench/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type appFlags struct {
	configPath         string
	model              string
	systemInstructions string
	temperature        float64
	thinking           bool
	tasksDir           string
	resultsDir         string
	sampleWorkers      int
}

func newRootCmd() *cobra.Command {
	flags := &appFlags{}

	root := &cobra.Command{
		Use:           "metabench",
		Short:         "Benchmark harness for metadata curation tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "path to configuration file")
	root.PersistentFlags().StringVar(&flags.tasksDir, "tasks-dir", "", "override tasks directory")
	root.PersistentFlags().StringVar(&flags.resultsDir, "results-dir", "", "override results directory")

	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newListCmd(flags))
	root.AddCommand(newSuiteCmd(flags))
	root.AddCommand(newUpdateAllCmd(flags))
	return root
}

func newRunCmd(flags *appFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the experiment, executing only missing or changed tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(flags)
			if err != nil {
				return err
			}
			defer app.shutdown()

			opts := app.experimentOptions(flags.model, flags.systemInstructions, flags.temperature, flags.thinking, cmd)
			opts.SampleWorkers = flags.sampleWorkers
			engine := experiment.New(opts, app.store, app.gateway, nil, app.log, app.metrics, app.tracer)

			result, err := engine.Run(app.ctx, app.cfg.TasksDir)
			if err != nil {
				return err
			}
			printSummary(cmd, result)
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.model, "model", "m", "", "model id (defaults to configuration)")
	cmd.Flags().StringVar(&flags.systemInstructions, "system-instructions", "", "system instructions override")
	cmd.Flags().Float64VarP(&flags.temperature, "temperature", "t", 0, "sampling temperature")
	cmd.Flags().BoolVar(&flags.thinking, "thinking", false, "enable extended thinking where the model supports it")
	cmd.Flags().IntVar(&flags.sampleWorkers, "sample-workers", 1, "concurrent samples per task")
	return cmd
}

func newListCmd(flags *appFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(flags)
			if err != nil {
				return err
			}
			defer app.shutdown()

			entries, err := app.store.UniqueExperiments()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				cmd.Println("no experiments recorded")
				return nil
			}
			for _, entry := range entries {
				cmd.Printf("%s  %s  model=%s temperature=%g thinking=%t\n",
					entry.ExperimentID,
					entry.Timestamp.Format(time.RFC3339),
					entry.ModelID,
					entry.Temperature,
					entry.Thinking,
				)
			}
			return nil
		},
	}
}

func newSuiteCmd(flags *appFlags) *cobra.Command {
	var models []string
	var instructionFiles []string
	cmd := &cobra.Command{
		Use:   "suite",
		Short: "Run the experiment for every model and instructions combination",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(models) == 0 {
				return fmt.Errorf("suite requires at least one --models value")
			}
			instructionSets, err := loadInstructionSets(instructionFiles, flags.systemInstructions)
			if err != nil {
				return err
			}
			app, err := buildApp(flags)
			if err != nil {
				return err
			}
			defer app.shutdown()

			for _, model := range models {
				for _, instructions := range instructionSets {
					opts := app.experimentOptions(model, instructions, flags.temperature, flags.thinking, cmd)
					engine := experiment.New(opts, app.store, app.gateway, nil, app.log, app.metrics, app.tracer)
					result, err := engine.Run(app.ctx, app.cfg.TasksDir)
					if err != nil {
						app.log.Error("suite member failed", "model", model, "error", err.Error())
						continue
					}
					printSummary(cmd, result)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&models, "models", nil, "model ids to run")
	cmd.Flags().StringSliceVar(&instructionFiles, "system-instructions-file", nil, "system instructions file, repeatable; each file becomes one suite dimension")
	cmd.Flags().StringVar(&flags.systemInstructions, "system-instructions", "", "inline system instructions override")
	cmd.Flags().Float64VarP(&flags.temperature, "temperature", "t", 0, "sampling temperature")
	cmd.Flags().BoolVar(&flags.thinking, "thinking", false, "enable extended thinking where the model supports it")
	return cmd
}

// loadInstructionSets resolves the suite's instructions dimension: the
// contents of each file, or the single inline value when no files are
// given. An empty inline value falls through to the configured default.
func loadInstructionSets(files []string, inline string) ([]string, error) {
	if len(files) == 0 {
		return []string{inline}, nil
	}
	sets := make([]string, 0, len(files))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading system instructions file %s: %w", path, err)
		}
		sets = append(sets, strings.TrimSpace(string(data)))
	}
	return sets, nil
}

func newUpdateAllCmd(flags *appFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "update-all",
		Short: "Re-run every recorded experiment against the current task tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(flags)
			if err != nil {
				return err
			}
			defer app.shutdown()

			entries, err := app.store.UniqueExperiments()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				cmd.Println("no experiments recorded")
				return nil
			}
			for _, entry := range entries {
				opts := experiment.Options{
					Model:              entry.ModelID,
					SystemInstructions: entry.SystemInstructions,
					Temperature:        entry.Temperature,
					Thinking:           entry.Thinking,
					MaxTokens:          app.cfg.Experiment.MaxTokens,
					MaxRetries:         app.cfg.Experiment.MaxRetries,
				}
				engine := experiment.New(opts, app.store, app.gateway, nil, app.log, app.metrics, app.tracer)
				result, err := engine.Run(app.ctx, app.cfg.TasksDir)
				if err != nil {
					app.log.Error("experiment update failed",
						"experiment_id", entry.ExperimentID, "error", err.Error())
					continue
				}
				printSummary(cmd, result)
			}
			return nil
		},
	}
}

// app bundles the wired components for one CLI invocation.
type app struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     *config.Config
	log     *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.Tracer
	gateway core.Gateway
	store   *store.Store
}

func buildApp(flags *appFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.tasksDir != "" {
		cfg.TasksDir = flags.tasksDir
	}
	if flags.resultsDir != "" {
		cfg.ResultsDir = flags.resultsDir
	}

	log, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	m := metrics.New(prometheus.NewRegistry())

	tracer, err := tracing.NewTracer(tracing.Config{
		ServiceName:    "metabench",
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		Environment:    cfg.Tracing.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	gw, err := gateway.New(gateway.Options{
		BaseURL:        cfg.Endpoint.BaseURL,
		OpenAIBaseURL:  cfg.Endpoint.OpenAIBaseURL,
		APIKey:         cfg.Endpoint.APIKey,
		ThinkingBudget: cfg.Experiment.ThinkingBudget,
		RateLimitRPM:   cfg.RateLimitRPM,
		CacheEnabled:   cfg.Cache.Enabled,
		CacheSize:      cfg.Cache.Size,
		Logger:         log,
		Metrics:        m,
		Tracer:         tracer,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &app{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		log:     log,
		metrics: m,
		tracer:  tracer,
		gateway: gw,
		store:   store.New(cfg.ResultsDir, log),
	}, nil
}

// experimentOptions merges CLI overrides over configured defaults.
func (a *app) experimentOptions(model, instructions string, temperature float64, thinking bool, cmd *cobra.Command) experiment.Options {
	opts := experiment.Options{
		Model:              a.cfg.DefaultModel,
		SystemInstructions: a.cfg.DefaultSystemInstructions,
		Temperature:        a.cfg.Experiment.Temperature,
		Thinking:           a.cfg.Experiment.Thinking,
		MaxTokens:          a.cfg.Experiment.MaxTokens,
		MaxRetries:         a.cfg.Experiment.MaxRetries,
	}
	if model != "" {
		opts.Model = model
	}
	if instructions != "" {
		opts.SystemInstructions = instructions
	}
	if cmd.Flags().Changed("temperature") {
		opts.Temperature = temperature
	}
	if cmd.Flags().Changed("thinking") {
		opts.Thinking = thinking
	}
	return opts
}

func (a *app) shutdown() {
	a.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("tracer shutdown failed", "error", err.Error())
	}
	_ = a.log.Sync()
}

func printSummary(cmd *cobra.Command, result *core.AggregatedResult) {
	cmd.Printf("experiment %s (model %s)\n", result.ExperimentID, result.ModelID)
	cmd.Printf("  tasks completed: %d, failed: %d, total samples: %d\n",
		result.OverallMetrics.TasksCompleted,
		result.OverallMetrics.TasksFailed,
		result.OverallMetrics.TotalSamples,
	)
	if result.OverallMetrics.AverageAccuracy != nil {
		cmd.Printf("  average accuracy: %.3f\n", *result.OverallMetrics.AverageAccuracy)
	}
	cmd.Printf("  tokens: %d in / %d out\n",
		result.OverallMetrics.TokenUsage.InputTokens,
		result.OverallMetrics.TokenUsage.OutputTokens,
	)
	for name, m := range result.OverallMetrics.TaskMetrics {
		line := fmt.Sprintf("  %-40s samples=%d success=%.2f", name, m.TotalSamples, m.SuccessRate)
		if m.AverageScore != nil {
			line += fmt.Sprintf(" score=%.3f", *m.AverageScore)
		}
		cmd.Println(line)
	}
}
