package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"metabench/core"
	"metabench/pkg/logging"
)

const logFileName = "experiments_log.jsonl"

// Store persists experiment results as one JSON document per
// (experiment, task) pair plus an append-only JSONL experiments log.
// Each task result file is written whole and replaced atomically; the log
// is opened, appended and closed per write and never rewritten. Duplicate
// or interleaved log lines from concurrent writers are tolerated.
type Store struct {
	dir string
	log *logging.Logger
}

// New creates a store rooted at dir.
func New(dir string, log *logging.Logger) *Store {
	if log == nil {
		log = logging.NewNop()
	}
	return &Store{dir: dir, log: log}
}

// Dir returns the store root directory.
func (s *Store) Dir() string {
	return s.dir
}

// TaskResultPath returns the result file path for one (experiment, task).
func (s *Store) TaskResultPath(experimentID, taskName string) string {
	return filepath.Join(s.dir, experimentID, taskName+".json")
}

// SaveTaskResult writes one task result atomically: the document is staged
// in a temp file and renamed into place, so readers never observe a
// partial write.
func (s *Store) SaveTaskResult(result core.TaskResult) error {
	expDir := filepath.Join(s.dir, result.ExperimentID)
	if err := os.MkdirAll(expDir, 0755); err != nil {
		return fmt.Errorf("failed to create experiment directory: %w", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task result: %w", err)
	}

	final := s.TaskResultPath(result.ExperimentID, result.TaskName)
	tmp, err := os.CreateTemp(expDir, "."+result.TaskName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write task result: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace task result file: %w", err)
	}
	return nil
}

// LoadTaskResult reads the stored result for one (experiment, task), or
// returns (nil, nil) when no result file exists. A file that no longer
// parses, merge-conflict damage included, is treated the same as a
// missing one: the caller reruns the task and the next save repairs it.
func (s *Store) LoadTaskResult(experimentID, taskName string) (*core.TaskResult, error) {
	data, err := os.ReadFile(s.TaskResultPath(experimentID, taskName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read task result: %w", err)
	}
	var result core.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		s.log.Warn("stored task result is unparseable, treating as missing",
			"experiment_id", experimentID, "task", taskName, "error", err.Error())
		return nil, nil
	}
	return &result, nil
}

// ListTaskResults reads every current task result of one experiment.
// Unparseable files are skipped with a warning so one corrupted document
// cannot hide the rest of the experiment.
func (s *Store) ListTaskResults(experimentID string) (map[string]core.TaskResult, error) {
	expDir := filepath.Join(s.dir, experimentID)
	entries, err := os.ReadDir(expDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]core.TaskResult{}, nil
		}
		return nil, fmt.Errorf("failed to read experiment directory: %w", err)
	}

	results := make(map[string]core.TaskResult, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		taskName := strings.TrimSuffix(name, ".json")
		result, err := s.LoadTaskResult(experimentID, taskName)
		if err != nil {
			s.log.Warn("skipping unreadable task result", "experiment_id", experimentID, "task", taskName, "error", err.Error())
			continue
		}
		if result != nil {
			results[taskName] = *result
		}
	}
	return results, nil
}

// AppendLogEntry appends one summary line to the experiments log.
func (s *Store) AppendLogEntry(entry core.LogEntry) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(s.dir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open experiments log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to experiments log: %w", err)
	}
	return nil
}

// ReadLog reads all valid log entries. Blank lines, merge-conflict marker
// text and malformed JSON are skipped, and entries without an experiment id
// are dropped.
func (s *Store) ReadLog() ([]core.LogEntry, error) {
	f, err := os.Open(filepath.Join(s.dir, logFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open experiments log: %w", err)
	}
	defer f.Close()

	var entries []core.LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	skipped := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "<<<<<<<") || strings.HasPrefix(line, "=======") || strings.HasPrefix(line, ">>>>>>>") {
			skipped++
			continue
		}
		var entry core.LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil || entry.ExperimentID == "" {
			skipped++
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read experiments log: %w", err)
	}
	if skipped > 0 {
		s.log.Warn("skipped invalid experiments log lines", "skipped", skipped)
	}
	return entries, nil
}

// HasExperiment reports whether any log entry exists for the experiment id.
// Duplicates are benign: presence of any matching line counts.
func (s *Store) HasExperiment(experimentID string) (bool, error) {
	entries, err := s.ReadLog()
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.ExperimentID == experimentID {
			return true, nil
		}
	}
	return false, nil
}

// UniqueExperiments deduplicates log entries by experiment id, keeping the
// most recent timestamp for each.
func (s *Store) UniqueExperiments() ([]core.LogEntry, error) {
	entries, err := s.ReadLog()
	if err != nil {
		return nil, err
	}
	latest := make(map[string]core.LogEntry, len(entries))
	var order []string
	for _, entry := range entries {
		existing, seen := latest[entry.ExperimentID]
		if !seen {
			order = append(order, entry.ExperimentID)
			latest[entry.ExperimentID] = entry
			continue
		}
		if entry.Timestamp.After(existing.Timestamp) {
			latest[entry.ExperimentID] = entry
		}
	}
	unique := make([]core.LogEntry, 0, len(latest))
	for _, id := range order {
		unique = append(unique, latest[id])
	}
	return unique, nil
}
