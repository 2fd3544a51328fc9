package core

import "context"

// InvokeRequest is one logical model invocation.
type InvokeRequest struct {
	ModelID            string
	Prompt             string
	SystemInstructions string
	Temperature        float64
	Thinking           bool
	MaxTokens          int
	MaxRetries         int
	Tools              []Tool
}

// Gateway translates a logical model invocation into provider-specific wire
// calls. It never returns an error: transport and provider failures are
// folded into the Response so the caller can record them as data.
type Gateway interface {
	Invoke(ctx context.Context, req InvokeRequest) Response
}

// Scorer maps prediction text and a ground-truth row to a score in [0,1].
// A nil result means "could not score", which is distinct from a zero score.
type Scorer interface {
	Score(prediction string, groundTruth, input map[string]any) *float64
}

// PromptFormatter builds the full prompt for one sample of a task.
type PromptFormatter interface {
	FormatPrompt(task *Task, sample map[string]any) string
}

// InstructionsFormatter rewrites a task's base system instructions before
// each run. Tasks without a registered formatter use the instructions as-is.
type InstructionsFormatter interface {
	FormatSystemInstructions(base string) string
}

// ToolExecutor maps a tool-call name and arguments to a result payload.
// Execution errors are returned to the gateway, which feeds them back to
// the model as error-shaped tool results.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (any, error)
}
