package task

import (
	"encoding/json"
	"strings"
	"sync"

	"metabench/core"
)

// Registry holds per-task prompt formatter and scorer overrides, keyed by
// task name and populated at startup. It replaces runtime loading of
// formatter/scorer code from task directories with typed registration; a
// task without a registration falls back to the built-in defaults.
type Registry struct {
	mu           sync.RWMutex
	formatters   map[string]core.PromptFormatter
	instructions map[string]core.InstructionsFormatter
	scorers      map[string]core.Scorer
}

// NewRegistry creates an empty override registry.
func NewRegistry() *Registry {
	return &Registry{
		formatters:   make(map[string]core.PromptFormatter),
		instructions: make(map[string]core.InstructionsFormatter),
		scorers:      make(map[string]core.Scorer),
	}
}

// RegisterFormatter installs a prompt formatter for a task.
func (r *Registry) RegisterFormatter(taskName string, f core.PromptFormatter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formatters[taskName] = f
}

// RegisterInstructionsFormatter installs a system instructions formatter
// for a task.
func (r *Registry) RegisterInstructionsFormatter(taskName string, f core.InstructionsFormatter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instructions[taskName] = f
}

// RegisterScorer installs a scorer override for a task. A registered scorer
// is authoritative over the strategy selected by task configuration.
func (r *Registry) RegisterScorer(taskName string, s core.Scorer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorers[taskName] = s
}

// FormatterFor returns the formatter registered for a task, if any.
func (r *Registry) FormatterFor(taskName string) (core.PromptFormatter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.formatters[taskName]
	return f, ok
}

// InstructionsFormatterFor returns the instructions formatter for a task.
func (r *Registry) InstructionsFormatterFor(taskName string) (core.InstructionsFormatter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.instructions[taskName]
	return f, ok
}

// ScorerFor returns the scorer registered for a task, if any.
func (r *Registry) ScorerFor(taskName string) (core.Scorer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scorers[taskName]
	return s, ok
}

// DefaultFormatter builds prompts as prompt + schema excerpt + JSON-encoded
// input, the behavior tasks get when no formatter is registered.
type DefaultFormatter struct{}

// FormatPrompt implements core.PromptFormatter.
func (DefaultFormatter) FormatPrompt(t *core.Task, sample map[string]any) string {
	var b strings.Builder
	b.WriteString(t.DefaultPrompt)

	if t.Schema != nil {
		schemaJSON, err := json.MarshalIndent(t.Schema, "", "  ")
		if err == nil {
			b.WriteString("\n\nTarget Schema (controlled terminology):\n")
			b.Write(schemaJSON)
		}
	}

	sampleJSON, err := json.MarshalIndent(sample, "", "  ")
	if err != nil {
		sampleJSON = []byte("{}")
	}
	b.WriteString("\n\nInput data:\n")
	b.Write(sampleJSON)
	return b.String()
}
