// Package experiment runs benchmark experiments incrementally: tasks whose
// content fingerprint is unchanged since the last run under the same
// experiment identity are skipped, changed tasks are rerun, missing tasks
// are run for the first time.
package experiment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"metabench/core"
	"metabench/pkg/logging"
	"metabench/pkg/metrics"
	"metabench/pkg/tracing"
	scorerpkg "metabench/scorer"
	"metabench/store"
	"metabench/task"
)

// Options fixes the experiment identity and invocation parameters.
type Options struct {
	Model              string
	SystemInstructions string
	Temperature        float64
	Thinking           bool
	MaxTokens          int
	MaxRetries         int

	// SampleWorkers bounds concurrent sample invocations within one task.
	// Zero or one means sequential.
	SampleWorkers int

	// Tools is the catalog resolving the tool names a task declares into
	// full tool definitions. Unknown names are skipped with a warning.
	Tools map[string]core.Tool
}

// Engine executes experiments against a task tree.
type Engine struct {
	opts     Options
	loader   *task.Loader
	registry *task.Registry
	store    *store.Store
	gateway  core.Gateway
	scorers  map[string]core.Scorer
	log      *logging.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.Tracer
}

// New creates an engine. registry may be nil when no per-task overrides
// are registered.
func New(opts Options, st *store.Store, gw core.Gateway, registry *task.Registry, log *logging.Logger, m *metrics.Metrics, tr *tracing.Tracer) *Engine {
	if log == nil {
		log = logging.NewNop()
	}
	if registry == nil {
		registry = task.NewRegistry()
	}
	return &Engine{
		opts:     opts,
		loader:   task.NewLoader(log),
		registry: registry,
		store:    st,
		gateway:  gw,
		scorers:  make(map[string]core.Scorer),
		log:      log,
		metrics:  m,
		tracer:   tr,
	}
}

// ID derives the experiment identity from the parameters that define it.
// Two runs with the same model, instructions, temperature, and thinking
// flag share results; any difference yields a distinct identity.
func (e *Engine) ID() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n%s",
		e.opts.Model,
		e.opts.SystemInstructions,
		strconv.FormatFloat(e.opts.Temperature, 'g', -1, 64),
		strconv.FormatBool(e.opts.Thinking),
	)
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// Run executes the experiment over every task under tasksDir and returns
// the aggregated view. Individual task failures become persisted error
// results; only an unusable task tree is a hard error.
func (e *Engine) Run(ctx context.Context, tasksDir string) (*core.AggregatedResult, error) {
	expID := e.ID()
	ctx, span := e.startSpan(ctx, expID)
	defer e.endSpan(span)

	tasks, failedDirs, err := e.loader.LoadAll(tasksDir)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 && len(failedDirs) == 0 {
		return nil, fmt.Errorf("no tasks found under %s", tasksDir)
	}

	e.log.Info("starting experiment",
		"experiment_id", expID,
		"model", e.opts.Model,
		"tasks", len(tasks),
		"failed_to_load", len(failedDirs),
	)

	currentNames := make(map[string]struct{}, len(tasks)+len(failedDirs))
	executed := 0

	for _, t := range tasks {
		currentNames[t.Name] = struct{}{}

		fp, err := task.Fingerprint(t.Dir)
		if err != nil {
			e.log.Warn("could not fingerprint task", "task", t.Name, "error", err.Error())
		}
		stale, err := e.isStale(expID, t.Name, fp)
		if err != nil {
			return nil, err
		}
		if !stale {
			e.log.Info("task unchanged, reusing stored result", "task", t.Name, "task_hash", fp)
			if e.metrics != nil {
				e.metrics.TasksSkippedTotal.Inc()
			}
			continue
		}

		executed++
		if e.metrics != nil {
			e.metrics.TasksExecutedTotal.Inc()
		}
		result := e.runTask(ctx, t, expID, fp)
		if err := e.store.SaveTaskResult(result); err != nil {
			return nil, fmt.Errorf("persisting result for task %s: %w", t.Name, err)
		}
	}

	for name, loadErr := range failedDirs {
		currentNames[name] = struct{}{}
		fp, _ := task.Fingerprint(filepath.Join(tasksDir, name))
		stale, err := e.isStale(expID, name, fp)
		if err != nil {
			return nil, err
		}
		if !stale {
			continue
		}
		executed++
		result := e.errorResult(expID, name, fp, loadErr)
		if err := e.store.SaveTaskResult(result); err != nil {
			return nil, fmt.Errorf("persisting error result for task %s: %w", name, err)
		}
	}

	if executed == 0 {
		e.log.Info("all tasks unchanged, nothing to run", "experiment_id", expID)
	}

	if err := e.ensureLogged(expID); err != nil {
		return nil, err
	}
	return e.Aggregate(expID, currentNames)
}

// isStale reports whether the stored result for a task is missing or was
// produced from different task content.
func (e *Engine) isStale(expID, taskName, fingerprint string) (bool, error) {
	stored, err := e.store.LoadTaskResult(expID, taskName)
	if err != nil {
		return false, fmt.Errorf("reading stored result for task %s: %w", taskName, err)
	}
	if stored == nil {
		return true, nil
	}
	return stored.TaskHash != fingerprint, nil
}

// runTask executes every sample of one task. Sample failures are isolated:
// a failed invocation is recorded and the remaining samples still run.
func (e *Engine) runTask(ctx context.Context, t *core.Task, expID, fingerprint string) core.TaskResult {
	start := time.Now()
	e.log.Info("running task", "task", t.Name, "samples", len(t.InputSamples))

	formatter, ok := e.registry.FormatterFor(t.Name)
	if !ok {
		formatter = task.DefaultFormatter{}
	}
	instructions := e.opts.SystemInstructions
	if t.SystemInstructions != "" {
		instructions = t.SystemInstructions
	}
	if f, ok := e.registry.InstructionsFormatterFor(t.Name); ok {
		instructions = f.FormatSystemInstructions(instructions)
	}
	scorer := e.scorerFor(t)
	tools := e.resolveTools(t)

	results := make([]core.SampleResult, len(t.InputSamples))
	workers := e.opts.SampleWorkers
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range t.InputSamples {
		g.Go(func() error {
			results[i] = e.runSample(gctx, t, i, formatter, instructions, scorer, tools)
			return nil
		})
	}
	g.Wait()

	var usage core.Usage
	for _, r := range results {
		usage.Add(r.Response.Usage)
	}

	return core.TaskResult{
		ExperimentID:       expID,
		TaskName:           t.Name,
		TaskHash:           fingerprint,
		ModelID:            e.opts.Model,
		SystemInstructions: e.opts.SystemInstructions,
		Temperature:        e.opts.Temperature,
		Thinking:           e.opts.Thinking,
		Timestamp:          time.Now().UTC(),
		TaskResult: core.TaskRunResult{
			NumSamples:      len(results),
			Results:         results,
			Metrics:         computeMetrics(results),
			DurationSeconds: time.Since(start).Seconds(),
			TokenUsage:      usage,
		},
	}
}

// runSample invokes the model for one sample and scores the answer.
func (e *Engine) runSample(ctx context.Context, t *core.Task, index int, formatter core.PromptFormatter, instructions string, scorer core.Scorer, tools []core.Tool) core.SampleResult {
	sample := t.InputSamples[index]
	resp := e.gateway.Invoke(ctx, core.InvokeRequest{
		ModelID:            e.opts.Model,
		Prompt:             formatter.FormatPrompt(t, sample),
		SystemInstructions: instructions,
		Temperature:        e.opts.Temperature,
		Thinking:           e.opts.Thinking,
		MaxTokens:          e.opts.MaxTokens,
		MaxRetries:         e.opts.MaxRetries,
		Tools:              tools,
	})

	result := core.SampleResult{
		SampleIndex: index,
		Input:       sample,
		Response:    resp,
		GroundTruth: t.GroundTruthAt(index),
	}
	if resp.Success && scorer != nil && result.GroundTruth != nil {
		result.Score = e.scoreSample(scorer, resp.Content, result.GroundTruth, sample)
		if result.Score != nil && e.metrics != nil {
			e.metrics.SamplesScoredTotal.Inc()
		}
	}
	return result
}

// scoreSample isolates scorer faults: a panicking scorer yields a nil
// score for that sample instead of killing the task.
func (e *Engine) scoreSample(scorer core.Scorer, content string, groundTruth, input map[string]any) (score *float64) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("scorer panicked", "error", fmt.Sprint(r))
			score = nil
		}
	}()
	return scorer.Score(content, groundTruth, input)
}

// scorerFor resolves the scorer for a task: a registered override wins,
// otherwise the task's declared scoring strategy, otherwise the default.
func (e *Engine) scorerFor(t *core.Task) core.Scorer {
	if override, ok := e.registry.ScorerFor(t.Name); ok {
		return override
	}
	if s, ok := e.scorers[t.Name]; ok {
		return s
	}
	s, err := newStrategyScorer(t.Scoring)
	if err != nil {
		e.log.Warn("invalid scoring strategy, falling back to default",
			"task", t.Name, "strategy", t.Scoring)
		s, _ = newStrategyScorer("")
	}
	e.scorers[t.Name] = s
	return s
}

// resolveTools maps the task's declared tool names through the catalog.
func (e *Engine) resolveTools(t *core.Task) []core.Tool {
	if len(t.Tools) == 0 {
		return nil
	}
	tools := make([]core.Tool, 0, len(t.Tools))
	for _, name := range t.Tools {
		tool, ok := e.opts.Tools[name]
		if !ok {
			e.log.Warn("task declares unknown tool", "task", t.Name, "tool", name)
			continue
		}
		tools = append(tools, tool)
	}
	return tools
}

// errorResult records a task that could not even be loaded.
func (e *Engine) errorResult(expID, taskName, fingerprint string, cause error) core.TaskResult {
	return core.TaskResult{
		ExperimentID:       expID,
		TaskName:           taskName,
		TaskHash:           fingerprint,
		ModelID:            e.opts.Model,
		SystemInstructions: e.opts.SystemInstructions,
		Temperature:        e.opts.Temperature,
		Thinking:           e.opts.Thinking,
		Timestamp:          time.Now().UTC(),
		TaskResult: core.TaskRunResult{
			Error: cause.Error(),
		},
	}
}

// ensureLogged appends the experiment to the log exactly once per identity.
// The check-then-append is idempotent across reruns, not atomic across
// processes; concurrent first runs of the same identity may duplicate the
// line, which the log reader deduplicates.
func (e *Engine) ensureLogged(expID string) error {
	present, err := e.store.HasExperiment(expID)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	return e.store.AppendLogEntry(core.LogEntry{
		ExperimentID:       expID,
		Timestamp:          time.Now().UTC(),
		ModelID:            e.opts.Model,
		SystemInstructions: e.opts.SystemInstructions,
		Temperature:        e.opts.Temperature,
		Thinking:           e.opts.Thinking,
	})
}

func (e *Engine) startSpan(ctx context.Context, expID string) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, nil
	}
	return e.tracer.StartSpan(ctx, "experiment.run",
		attribute.String("experiment.id", expID),
		attribute.String("model.id", e.opts.Model),
	)
}

func (e *Engine) endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

func newStrategyScorer(tag string) (core.Scorer, error) {
	return scorerpkg.New(tag)
}
