package experiment

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metabench/core"
	"metabench/store"
)

// stubGateway counts invocations and answers from a fixed function.
type stubGateway struct {
	mu      sync.Mutex
	calls   int
	respond func(req core.InvokeRequest) core.Response
}

func (s *stubGateway) Invoke(ctx context.Context, req core.InvokeRequest) core.Response {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.respond != nil {
		return s.respond(req)
	}
	return core.Response{Success: true, Content: `{"assay": "RNA-seq"}`, ModelID: req.ModelID}
}

func (s *stubGateway) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func writeTaskFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

// assayTask has three samples; a gateway always answering RNA-seq scores
// 1.0, 1.0, 0.0 against it.
func assayTask(t *testing.T, root, name string) string {
	dir := filepath.Join(root, name)
	writeTaskFiles(t, dir, map[string]string{
		"input.csv":          "filename\nf1.bam\nf2.bam\nf3.bam\n",
		"ground_truth.csv":   "assay\nRNA-seq\nRNA-seq\nWGS\n",
		"default_prompt.txt": "Identify the assay.",
	})
	return dir
}

func newTestEngine(t *testing.T, resultsDir string, gw core.Gateway) *Engine {
	t.Helper()
	opts := Options{
		Model:              "anthropic.claude-3-5-sonnet-20241022-v2:0",
		SystemInstructions: "Answer with JSON only.",
		Temperature:        0.0,
		MaxTokens:          512,
		MaxRetries:         1,
	}
	return New(opts, store.New(resultsDir, nil), gw, nil, nil, nil, nil)
}

func TestEngine_ID_Deterministic(t *testing.T) {
	gw := &stubGateway{}
	a := newTestEngine(t, t.TempDir(), gw)
	b := newTestEngine(t, t.TempDir(), gw)

	assert.Equal(t, a.ID(), b.ID())
	assert.Len(t, a.ID(), 12)
}

func TestEngine_ID_SensitiveToParameters(t *testing.T) {
	gw := &stubGateway{}
	base := newTestEngine(t, t.TempDir(), gw)

	variants := []Options{
		{Model: "amazon.nova-pro-v1:0", SystemInstructions: "Answer with JSON only."},
		{Model: base.opts.Model, SystemInstructions: "different"},
		{Model: base.opts.Model, SystemInstructions: base.opts.SystemInstructions, Temperature: 0.5},
		{Model: base.opts.Model, SystemInstructions: base.opts.SystemInstructions, Thinking: true},
	}
	for i, opts := range variants {
		other := New(opts, nil, gw, nil, nil, nil, nil)
		assert.NotEqual(t, base.ID(), other.ID(), "variant %d", i)
	}
}

func TestEngine_Run_FirstRunExecutesAllTasks(t *testing.T) {
	tasksDir := t.TempDir()
	assayTask(t, tasksDir, "task_a")
	assayTask(t, tasksDir, "task_b")

	gw := &stubGateway{}
	engine := newTestEngine(t, t.TempDir(), gw)

	result, err := engine.Run(context.Background(), tasksDir)
	require.NoError(t, err)

	assert.Equal(t, 6, gw.callCount())
	assert.Equal(t, 2, result.OverallMetrics.TasksCompleted)
	assert.Equal(t, 0, result.OverallMetrics.TasksFailed)
	assert.Equal(t, 6, result.OverallMetrics.TotalSamples)
	require.Contains(t, result.TaskResults, "task_a")
	require.Contains(t, result.TaskResults, "task_b")
	assert.NotEmpty(t, result.TaskResults["task_a"].TaskHash)
}

func TestEngine_Run_MetricsMatchScores(t *testing.T) {
	tasksDir := t.TempDir()
	assayTask(t, tasksDir, "task_a")

	gw := &stubGateway{}
	engine := newTestEngine(t, t.TempDir(), gw)

	result, err := engine.Run(context.Background(), tasksDir)
	require.NoError(t, err)

	m := result.TaskResults["task_a"].TaskResult.Metrics
	assert.Equal(t, 3, m.TotalSamples)
	assert.Equal(t, 3, m.SuccessfulRuns)
	assert.Equal(t, 1.0, m.SuccessRate)
	assert.Equal(t, 3, m.NumScored)
	require.NotNil(t, m.AverageScore)
	assert.InDelta(t, 2.0/3.0, *m.AverageScore, 1e-9)
	assert.Equal(t, 0.0, *m.MinScore)
	assert.Equal(t, 1.0, *m.MaxScore)
}

func TestEngine_Run_SkipsUnchangedTasks(t *testing.T) {
	tasksDir := t.TempDir()
	assayTask(t, tasksDir, "task_a")

	gw := &stubGateway{}
	resultsDir := t.TempDir()
	engine := newTestEngine(t, resultsDir, gw)

	_, err := engine.Run(context.Background(), tasksDir)
	require.NoError(t, err)
	firstCalls := gw.callCount()

	result, err := engine.Run(context.Background(), tasksDir)
	require.NoError(t, err)

	assert.Equal(t, firstCalls, gw.callCount(), "unchanged task must not be re-invoked")
	assert.Contains(t, result.TaskResults, "task_a")
}

func TestEngine_Run_RerunsTaskWithCorruptStoredResult(t *testing.T) {
	tasksDir := t.TempDir()
	assayTask(t, tasksDir, "task_a")

	gw := &stubGateway{}
	resultsDir := t.TempDir()
	engine := newTestEngine(t, resultsDir, gw)

	_, err := engine.Run(context.Background(), tasksDir)
	require.NoError(t, err)
	firstCalls := gw.callCount()

	// Results live in version control; a bad merge can leave conflict
	// markers in a result file. That must rerun the task, not abort.
	path := store.New(resultsDir, nil).TaskResultPath(engine.ID(), "task_a")
	require.NoError(t, os.WriteFile(path, []byte("<<<<<<< HEAD\ngarbage"), 0o644))

	result, err := engine.Run(context.Background(), tasksDir)
	require.NoError(t, err)

	assert.Equal(t, firstCalls*2, gw.callCount(), "corrupt result must be recomputed")
	assert.Contains(t, result.TaskResults, "task_a")
	assert.Equal(t, 1, result.OverallMetrics.TasksCompleted)
}

func TestEngine_Run_RerunsOnlyChangedTask(t *testing.T) {
	tasksDir := t.TempDir()
	changedDir := assayTask(t, tasksDir, "task_a")
	assayTask(t, tasksDir, "task_b")

	gw := &stubGateway{}
	engine := newTestEngine(t, t.TempDir(), gw)

	_, err := engine.Run(context.Background(), tasksDir)
	require.NoError(t, err)
	require.Equal(t, 6, gw.callCount())

	// changing any contributing file invalidates only that task
	require.NoError(t, os.WriteFile(filepath.Join(changedDir, "default_prompt.txt"),
		[]byte("Identify the assay precisely."), 0o644))

	_, err = engine.Run(context.Background(), tasksDir)
	require.NoError(t, err)
	assert.Equal(t, 9, gw.callCount())
}

func TestEngine_Run_SampleFailureIsIsolated(t *testing.T) {
	tasksDir := t.TempDir()
	assayTask(t, tasksDir, "task_a")

	gw := &stubGateway{respond: func(req core.InvokeRequest) core.Response {
		if strings.Contains(req.Prompt, "f2.bam") {
			return core.Response{Success: false, Error: "max retries exceeded: throttled", ErrorKind: "throttled"}
		}
		return core.Response{Success: true, Content: `{"assay": "RNA-seq"}`}
	}}
	engine := newTestEngine(t, t.TempDir(), gw)

	result, err := engine.Run(context.Background(), tasksDir)
	require.NoError(t, err)

	m := result.TaskResults["task_a"].TaskResult.Metrics
	assert.Equal(t, 3, m.TotalSamples)
	assert.Equal(t, 2, m.SuccessfulRuns)
	assert.Equal(t, 1, m.FailedRuns)
	assert.InDelta(t, 2.0/3.0, m.SuccessRate, 1e-9)
	assert.Equal(t, 2, m.NumScored)

	samples := result.TaskResults["task_a"].TaskResult.Results
	require.Len(t, samples, 3)
	assert.Nil(t, samples[1].Score)
	assert.Equal(t, "throttled", samples[1].Response.ErrorKind)
}

func TestEngine_Run_UnloadableTaskBecomesErrorResult(t *testing.T) {
	tasksDir := t.TempDir()
	assayTask(t, tasksDir, "task_a")
	require.NoError(t, os.MkdirAll(filepath.Join(tasksDir, "broken_task"), 0o755))

	gw := &stubGateway{}
	engine := newTestEngine(t, t.TempDir(), gw)

	result, err := engine.Run(context.Background(), tasksDir)
	require.NoError(t, err)

	assert.Equal(t, 1, result.OverallMetrics.TasksCompleted)
	assert.Equal(t, 1, result.OverallMetrics.TasksFailed)
	require.Contains(t, result.TaskResults, "broken_task")
	assert.NotEmpty(t, result.TaskResults["broken_task"].TaskResult.Error)

	// the report lists every attempted task, failed ones with zeroed metrics
	require.Contains(t, result.OverallMetrics.TaskMetrics, "broken_task")
	assert.Equal(t, 0, result.OverallMetrics.TaskMetrics["broken_task"].TotalSamples)
}

func TestEngine_Run_EmptyTaskTreeFails(t *testing.T) {
	gw := &stubGateway{}
	engine := newTestEngine(t, t.TempDir(), gw)

	_, err := engine.Run(context.Background(), t.TempDir())
	assert.ErrorContains(t, err, "no tasks found")
}

func TestEngine_Run_LogsExperimentOnce(t *testing.T) {
	tasksDir := t.TempDir()
	assayTask(t, tasksDir, "task_a")

	gw := &stubGateway{}
	resultsDir := t.TempDir()
	engine := newTestEngine(t, resultsDir, gw)
	st := store.New(resultsDir, nil)

	_, err := engine.Run(context.Background(), tasksDir)
	require.NoError(t, err)
	_, err = engine.Run(context.Background(), tasksDir)
	require.NoError(t, err)

	entries, err := st.ReadLog()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, engine.ID(), entries[0].ExperimentID)
	assert.Equal(t, engine.opts.Model, entries[0].ModelID)
}

func TestEngine_Aggregate_IgnoresRemovedTasks(t *testing.T) {
	tasksDir := t.TempDir()
	assayTask(t, tasksDir, "task_a")
	removed := assayTask(t, tasksDir, "task_b")

	gw := &stubGateway{}
	engine := newTestEngine(t, t.TempDir(), gw)

	_, err := engine.Run(context.Background(), tasksDir)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(removed))
	result, err := engine.Run(context.Background(), tasksDir)
	require.NoError(t, err)

	assert.Contains(t, result.TaskResults, "task_a")
	assert.NotContains(t, result.TaskResults, "task_b")
	assert.Equal(t, 3, result.OverallMetrics.TotalSamples)
}

func TestEngine_Run_ParallelSamples(t *testing.T) {
	tasksDir := t.TempDir()
	assayTask(t, tasksDir, "task_a")

	gw := &stubGateway{}
	engine := newTestEngine(t, t.TempDir(), gw)
	engine.opts.SampleWorkers = 3

	result, err := engine.Run(context.Background(), tasksDir)
	require.NoError(t, err)

	samples := result.TaskResults["task_a"].TaskResult.Results
	require.Len(t, samples, 3)
	for i, sample := range samples {
		assert.Equal(t, i, sample.SampleIndex)
	}
}
