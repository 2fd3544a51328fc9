// Package scorer maps model predictions and ground-truth records to scores
// in [0,1]. Each task declares one of a closed set of strategy tags; the
// dispatch is explicit rather than inferred from the shape of the ground
// truth, so adding a family means adding a tag, not a probe.
package scorer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"metabench/core"
)

// Strategy tags accepted in task configuration.
const (
	StrategyExactFields = "exact_fields"
	StrategyRegexMatch  = "regex_match"
	StrategyColumnList  = "column_list"
	StrategyTextOverlap = "text_overlap"
)

// New returns the scorer for a strategy tag. An empty tag selects the
// default field-matching strategy.
func New(strategy string) (core.Scorer, error) {
	switch strategy {
	case "", StrategyExactFields:
		return &ExactFieldsScorer{}, nil
	case StrategyRegexMatch:
		return &RegexMatchScorer{}, nil
	case StrategyColumnList:
		return &ColumnListScorer{}, nil
	case StrategyTextOverlap:
		return &TextOverlapScorer{}, nil
	default:
		return nil, fmt.Errorf("unknown scoring strategy %q", strategy)
	}
}

// ExactFieldsScorer extracts a JSON object from the prediction and scores
// field-level accuracy over the union of prediction and ground-truth keys.
// An unparseable prediction scores 0.0, not nil: producing well-formed
// output is part of what is being measured.
type ExactFieldsScorer struct{}

// Score implements core.Scorer.
func (s *ExactFieldsScorer) Score(prediction string, groundTruth, input map[string]any) *float64 {
	pred, ok := ExtractObject(prediction)
	if !ok {
		return ptr(0.0)
	}
	return ptr(fieldAccuracy(pred, groundTruth))
}

// fieldAccuracy is matches over the union of keys. String values are
// compared trimmed and case-insensitive so CSV-sourced ground truth does
// not lose to formatting noise.
func fieldAccuracy(prediction, groundTruth map[string]any) float64 {
	keys := map[string]struct{}{}
	for k := range prediction {
		keys[k] = struct{}{}
	}
	for k := range groundTruth {
		keys[k] = struct{}{}
	}
	if len(keys) == 0 {
		return 1.0
	}

	matches := 0
	for k := range keys {
		if valuesMatch(prediction[k], groundTruth[k]) {
			matches++
		}
	}
	return float64(matches) / float64(len(keys))
}

func valuesMatch(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return normalize(a) == normalize(b)
}

func normalize(v any) string {
	return strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))
}

// ExtractObject pulls a JSON object out of prediction text, tolerating
// markdown code fences and surrounding prose. Malformed JSON gets one
// repair pass before giving up.
func ExtractObject(text string) (map[string]any, bool) {
	candidate := StripFences(text)
	if start, end := strings.Index(candidate, "{"), strings.LastIndex(candidate, "}"); start != -1 && end > start {
		candidate = candidate[start : end+1]
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
		return obj, true
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

var fenceRe = regexp.MustCompile("```(?:json)?\\s*\n?")

// StripFences removes markdown code fences from text.
func StripFences(text string) string {
	return strings.TrimSpace(fenceRe.ReplaceAllString(text, ""))
}

func ptr(v float64) *float64 { return &v }
