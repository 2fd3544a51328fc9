package core

import "time"

// Task is an immutable benchmarking task loaded from a task directory.
// It is rebuilt from disk at the start of every experiment run and never
// cached across process runs; only its fingerprint is.
type Task struct {
	Name               string
	Dir                string
	InputSamples       []map[string]any
	GroundTruth        []map[string]any
	Schema             map[string]any
	DefaultPrompt      string
	SystemInstructions string
	Scoring            string
	Tools              []string
}

// HasGroundTruth reports whether ground truth rows are available.
func (t *Task) HasGroundTruth() bool {
	return len(t.GroundTruth) > 0
}

// GroundTruthAt returns the ground truth row aligned with sample index i,
// or nil when no row is available for that index.
func (t *Task) GroundTruthAt(i int) map[string]any {
	if i < 0 || i >= len(t.GroundTruth) {
		return nil
	}
	return t.GroundTruth[i]
}

// Usage represents token usage for one model invocation.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	TotalTokens  int  `json:"total_tokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

// Add accumulates usage from another invocation.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.Estimated = u.Estimated || other.Estimated
}

// Tool describes a callable tool exposed to the model. Parameters follow
// the JSON-Schema shape expected by the inference endpoint.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCallRecord is one entry in the audit trail of a tool-use loop.
type ToolCallRecord struct {
	Turn      int            `json:"turn"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Response is the normalized outcome of one gateway invocation. A failed
// call is data, not an error: the engine records it and moves on.
type Response struct {
	Success   bool             `json:"success"`
	Content   string           `json:"content,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorKind string           `json:"error_kind,omitempty"`
	ModelID   string           `json:"model_id,omitempty"`
	Usage     Usage            `json:"usage"`
	Attempts  int              `json:"attempts,omitempty"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
}

// SampleResult records the outcome of one sample of one task.
type SampleResult struct {
	SampleIndex int            `json:"sample_index"`
	Input       map[string]any `json:"input"`
	Response    Response       `json:"response"`
	Score       *float64       `json:"score"`
	GroundTruth map[string]any `json:"ground_truth"`
}

// Metrics aggregates sample outcomes for one task run.
type Metrics struct {
	TotalSamples   int      `json:"total_samples"`
	SuccessfulRuns int      `json:"successful_runs"`
	FailedRuns     int      `json:"failed_runs"`
	SuccessRate    float64  `json:"success_rate"`
	AverageScore   *float64 `json:"average_score"`
	MinScore       *float64 `json:"min_score"`
	MaxScore       *float64 `json:"max_score"`
	NumScored      int      `json:"num_scored"`
}

// TaskRunResult is the nested task_result payload of a task result file.
type TaskRunResult struct {
	NumSamples      int            `json:"num_samples"`
	Results         []SampleResult `json:"results"`
	Metrics         Metrics        `json:"metrics"`
	DurationSeconds float64        `json:"duration_seconds"`
	TokenUsage      Usage          `json:"token_usage"`
	Error           string         `json:"error,omitempty"`
}

// TaskResult is the persisted outcome of running one task under one
// experiment identity. Superseded whole-file when the task changes.
type TaskResult struct {
	ExperimentID       string        `json:"experiment_id"`
	TaskName           string        `json:"task_name"`
	TaskHash           string        `json:"task_hash"`
	ModelID            string        `json:"model_id"`
	SystemInstructions string        `json:"system_instructions"`
	Temperature        float64       `json:"temperature"`
	Thinking           bool          `json:"thinking"`
	Timestamp          time.Time     `json:"timestamp"`
	TaskResult         TaskRunResult `json:"task_result"`
}

// LogEntry is one line of the append-only experiments log.
type LogEntry struct {
	ExperimentID       string    `json:"experiment_id"`
	Timestamp          time.Time `json:"timestamp"`
	ModelID            string    `json:"model_id"`
	SystemInstructions string    `json:"system_instructions"`
	Temperature        float64   `json:"temperature"`
	Thinking           bool      `json:"thinking"`
}

// OverallMetrics summarizes all task results of one experiment identity.
type OverallMetrics struct {
	TotalSamples    int                `json:"total_samples"`
	TasksCompleted  int                `json:"tasks_completed"`
	TasksFailed     int                `json:"tasks_failed"`
	AverageAccuracy *float64           `json:"average_accuracy"`
	TokenUsage      Usage              `json:"token_usage"`
	TaskMetrics     map[string]Metrics `json:"task_metrics"`
}

// AggregatedResult is the derived view over all currently-available task
// result files of one experiment identity. It is always rebuilt from the
// per-task files and never persisted itself.
type AggregatedResult struct {
	ExperimentID       string                `json:"experiment_id"`
	Timestamp          time.Time             `json:"timestamp"`
	ModelID            string                `json:"model_id"`
	SystemInstructions string                `json:"system_instructions"`
	Temperature        float64               `json:"temperature"`
	Thinking           bool                  `json:"thinking"`
	TaskResults        map[string]TaskResult `json:"task_results"`
	OverallMetrics     OverallMetrics        `json:"overall_metrics"`
}
