package task

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"metabench/core"
	"metabench/pkg/logging"
)

// genericPrompt is used when a task ships no default_prompt.txt.
const genericPrompt = "Please process the following metadata according to the task requirements."

// Config is the optional per-task task_config.yaml.
type Config struct {
	Scoring    string   `yaml:"scoring"`
	Tools      []string `yaml:"tools"`
	MaxSamples int      `yaml:"max_samples"`
}

// Loader reads task definitions from disk.
type Loader struct {
	log *logging.Logger
}

// NewLoader creates a task loader.
func NewLoader(log *logging.Logger) *Loader {
	if log == nil {
		log = logging.NewNop()
	}
	return &Loader{log: log}
}

// LoadAll loads every task directory under root in sorted order, skipping
// example_task. Directories that fail to load are reported in the returned
// map so the engine can convert them into degenerate error results instead
// of aborting the run.
func (l *Loader) LoadAll(root string) ([]*core.Task, map[string]error, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read tasks directory %s: %w", root, err)
	}

	var tasks []*core.Task
	failed := make(map[string]error)

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "example_task" {
			continue
		}
		t, err := l.Load(filepath.Join(root, entry.Name()))
		if err != nil {
			l.log.Warn("could not load task", "task", entry.Name(), "error", err.Error())
			failed[entry.Name()] = err
			continue
		}
		tasks = append(tasks, t)
	}

	return tasks, failed, nil
}

// Load reads one task directory into an immutable Task.
func (l *Loader) Load(dir string) (*core.Task, error) {
	name := filepath.Base(dir)

	cfg, err := l.loadConfig(dir)
	if err != nil {
		return nil, err
	}

	inputs, err := l.loadInputSamples(dir)
	if err != nil {
		return nil, err
	}
	if cfg.MaxSamples > 0 && len(inputs) > cfg.MaxSamples {
		inputs = inputs[:cfg.MaxSamples]
	}

	groundTruth, err := l.loadGroundTruth(dir)
	if err != nil {
		return nil, err
	}
	if cfg.MaxSamples > 0 && len(groundTruth) > cfg.MaxSamples {
		groundTruth = groundTruth[:cfg.MaxSamples]
	}
	if len(groundTruth) > 0 && len(groundTruth) != len(inputs) {
		return nil, fmt.Errorf("task %s: ground truth has %d rows but input has %d", name, len(groundTruth), len(inputs))
	}

	schema, err := l.loadSchema(dir)
	if err != nil {
		return nil, err
	}

	return &core.Task{
		Name:               name,
		Dir:                dir,
		InputSamples:       inputs,
		GroundTruth:        groundTruth,
		Schema:             schema,
		DefaultPrompt:      l.loadTextFile(dir, "default_prompt.txt", genericPrompt),
		SystemInstructions: l.loadTextFile(dir, "system_instructions.txt", ""),
		Scoring:            cfg.Scoring,
		Tools:              cfg.Tools,
	}, nil
}

// loadConfig reads task_config.yaml if present.
func (l *Loader) loadConfig(dir string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(filepath.Join(dir, "task_config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read task_config.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse task_config.yaml: %w", err)
	}
	return cfg, nil
}

// loadInputSamples locates and parses the primary input table. Explicit
// input* names win; otherwise any tabular file that is not ground truth is
// a candidate, sorted-first, with a warning when the choice is ambiguous.
func (l *Loader) loadInputSamples(dir string) ([]map[string]any, error) {
	candidates := l.tabularFiles(dir, func(name string) bool {
		return strings.HasPrefix(name, "input")
	})
	if len(candidates) == 0 {
		candidates = l.tabularFiles(dir, func(name string) bool {
			return !isGroundTruthName(name)
		})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no input data found in %s", dir)
	}
	if len(candidates) > 1 {
		l.log.Warn("ambiguous input file selection",
			"task", filepath.Base(dir),
			"chosen", candidates[0],
			"candidates", strings.Join(candidates, ","),
		)
	}
	return parseTable(filepath.Join(dir, candidates[0]))
}

// loadGroundTruth parses the ground-truth table if one exists.
func (l *Loader) loadGroundTruth(dir string) ([]map[string]any, error) {
	candidates := l.tabularFiles(dir, isGroundTruthName)
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(candidates) > 1 {
		l.log.Warn("ambiguous ground truth file selection",
			"task", filepath.Base(dir),
			"chosen", candidates[0],
			"candidates", strings.Join(candidates, ","),
		)
	}
	return parseTable(filepath.Join(dir, candidates[0]))
}

// tabularFiles lists csv/tsv files in dir matching the filter, sorted.
func (l *Loader) tabularFiles(dir string, match func(string) bool) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if (ext == ".csv" || ext == ".tsv") && match(strings.ToLower(name)) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func isGroundTruthName(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "ground") && strings.Contains(lower, "truth")
}

// loadSchema reads schema.json if present.
func (l *Loader) loadSchema(dir string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(dir, "schema.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read schema.json: %w", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to parse schema.json: %w", err)
	}
	return schema, nil
}

// loadTextFile reads a text file, returning fallback when it is absent.
func (l *Loader) loadTextFile(dir, name, fallback string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fallback
	}
	return string(data)
}

// parseTable reads a CSV or TSV file into ordered records. Row order is
// semantically meaningful: row i of input aligns with row i of ground truth.
func parseTable(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		reader.Comma = '\t'
	}
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty table %s", path)
	}

	header := rows[0]
	records := make([]map[string]any, 0, len(rows)-1)
	for _, row := range rows[1:] {
		record := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(row) {
				record[col] = row[i]
			} else {
				record[col] = ""
			}
		}
		records = append(records, record)
	}
	return records, nil
}
