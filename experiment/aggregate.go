package experiment

import (
	"time"

	"metabench/core"
)

// Aggregate rebuilds the overall view of an experiment from its stored
// per-task results. currentNames filters out results for tasks that no
// longer exist on disk; nil means no filtering.
func (e *Engine) Aggregate(expID string, currentNames map[string]struct{}) (*core.AggregatedResult, error) {
	stored, err := e.store.ListTaskResults(expID)
	if err != nil {
		return nil, err
	}

	taskResults := make(map[string]core.TaskResult, len(stored))
	for name, result := range stored {
		if currentNames != nil {
			if _, ok := currentNames[name]; !ok {
				e.log.Debug("ignoring result for removed task", "task", name)
				continue
			}
		}
		taskResults[name] = result
	}

	return &core.AggregatedResult{
		ExperimentID:       expID,
		Timestamp:          time.Now().UTC(),
		ModelID:            e.opts.Model,
		SystemInstructions: e.opts.SystemInstructions,
		Temperature:        e.opts.Temperature,
		Thinking:           e.opts.Thinking,
		TaskResults:        taskResults,
		OverallMetrics:     computeOverall(taskResults),
	}, nil
}

// computeMetrics summarizes the sample outcomes of one task run.
func computeMetrics(results []core.SampleResult) core.Metrics {
	m := core.Metrics{TotalSamples: len(results)}

	var scores []float64
	for _, r := range results {
		if r.Response.Success {
			m.SuccessfulRuns++
		} else {
			m.FailedRuns++
		}
		if r.Score != nil {
			scores = append(scores, *r.Score)
		}
	}

	if m.TotalSamples > 0 {
		m.SuccessRate = float64(m.SuccessfulRuns) / float64(m.TotalSamples)
	}
	m.NumScored = len(scores)
	if len(scores) > 0 {
		sum, min, max := 0.0, scores[0], scores[0]
		for _, s := range scores {
			sum += s
			if s < min {
				min = s
			}
			if s > max {
				max = s
			}
		}
		avg := sum / float64(len(scores))
		m.AverageScore = &avg
		m.MinScore = &min
		m.MaxScore = &max
	}
	return m
}

// computeOverall folds per-task metrics into the experiment summary.
// Every attempted task appears in TaskMetrics, failed ones with zeroed
// metrics. The average accuracy is the mean of per-task average scores,
// weighting each task equally regardless of sample count.
func computeOverall(taskResults map[string]core.TaskResult) core.OverallMetrics {
	overall := core.OverallMetrics{
		TaskMetrics: make(map[string]core.Metrics, len(taskResults)),
	}

	var accuracySum float64
	var accuracyCount int
	for name, result := range taskResults {
		run := result.TaskResult
		overall.TaskMetrics[name] = run.Metrics
		if run.Error != "" {
			overall.TasksFailed++
			continue
		}
		overall.TasksCompleted++
		overall.TotalSamples += run.Metrics.TotalSamples
		overall.TokenUsage.Add(run.TokenUsage)
		if run.Metrics.AverageScore != nil {
			accuracySum += *run.Metrics.AverageScore
			accuracyCount++
		}
	}
	if accuracyCount > 0 {
		avg := accuracySum / float64(accuracyCount)
		overall.AverageAccuracy = &avg
	}
	return overall
}
