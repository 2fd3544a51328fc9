package scorer

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// RegexMatchScorer scores tasks whose prediction is a regular expression.
// The pattern is applied to every filename in the input record and the
// extracted matches are compared position-by-position against the expected
// matches in the ground truth.
type RegexMatchScorer struct{}

// Score implements core.Scorer.
func (s *RegexMatchScorer) Score(prediction string, groundTruth, input map[string]any) *float64 {
	pred, ok := ExtractObject(prediction)
	if !ok {
		return ptr(0.0)
	}
	pattern, _ := pred["regex"].(string)
	pattern = unquotePattern(pattern)
	if pattern == "" {
		return ptr(0.0)
	}

	filenames := stringList(input["filenames"])
	expected := stringList(groundTruth["matches"])
	if len(filenames) == 0 || len(filenames) != len(expected) {
		return ptr(0.0)
	}

	// A pattern the engine cannot compile is a wrong answer, the same as
	// one that matches nothing.
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ptr(0.0)
	}

	correct := 0
	for i, filename := range filenames {
		if extractMatch(re, filename, expected[i]) == expected[i] {
			correct++
		}
	}
	return ptr(float64(correct) / float64(len(filenames)))
}

// extractMatch applies re to s and picks the extraction that best lines up
// with the expected value: the expected string itself when the full match
// contains it, otherwise the first capture group, otherwise the full match.
func extractMatch(re *regexp.Regexp, s, expected string) string {
	groups := re.FindStringSubmatch(s)
	if groups == nil {
		return ""
	}
	full := groups[0]
	if expected != "" && strings.Contains(full, expected) {
		return expected
	}
	if len(groups) > 1 && groups[1] != "" {
		return groups[1]
	}
	return full
}

// unquotePattern strips the quote wrapping models tend to put around
// regex answers, including a leading raw-string prefix.
func unquotePattern(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	if strings.HasPrefix(pattern, `r"`) || strings.HasPrefix(pattern, "r'") {
		pattern = pattern[1:]
	}
	if len(pattern) >= 2 {
		first, last := pattern[0], pattern[len(pattern)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return pattern[1 : len(pattern)-1]
		}
	}
	return pattern
}

// ColumnListScorer scores column-enumeration tasks. The prediction's
// "columns" list is compared to the ground truth's expected list: exact
// order scores 1.0, the right set in the wrong order scores 0.5, anything
// else scores the fraction of expected columns recovered.
type ColumnListScorer struct{}

// Score implements core.Scorer.
func (s *ColumnListScorer) Score(prediction string, groundTruth, input map[string]any) *float64 {
	pred, ok := ExtractObject(prediction)
	if !ok {
		return ptr(0.0)
	}
	predicted := stringList(pred["columns"])
	expected := stringList(groundTruth["expected_columns"])
	if len(expected) == 0 {
		return ptr(0.0)
	}

	if equalOrdered(predicted, expected) {
		return ptr(1.0)
	}
	predictedSet := toSet(predicted)
	expectedSet := toSet(expected)
	if len(predicted) == len(expected) && equalSets(predictedSet, expectedSet) {
		return ptr(0.5)
	}

	matched := 0
	for col := range expectedSet {
		if _, ok := predictedSet[col]; ok {
			matched++
		}
	}
	return ptr(float64(matched) / float64(len(expected)))
}

// TextOverlapScorer scores free-text answers by word overlap with the
// ground truth: an exact normalized match scores 1.0, otherwise the
// Jaccard similarity of the word sets.
type TextOverlapScorer struct{}

// Score implements core.Scorer.
func (s *TextOverlapScorer) Score(prediction string, groundTruth, input map[string]any) *float64 {
	target := referenceText(groundTruth)
	predNorm := strings.ToLower(strings.TrimSpace(StripFences(prediction)))
	targetNorm := strings.ToLower(strings.TrimSpace(target))

	if predNorm == targetNorm {
		return ptr(1.0)
	}

	predWords := toSet(strings.Fields(predNorm))
	targetWords := toSet(strings.Fields(targetNorm))
	if len(targetWords) == 0 {
		if len(predWords) == 0 {
			return ptr(1.0)
		}
		return ptr(0.0)
	}

	intersection := 0
	for w := range predWords {
		if _, ok := targetWords[w]; ok {
			intersection++
		}
	}
	union := len(predWords) + len(targetWords) - intersection
	return ptr(float64(intersection) / float64(union))
}

// referenceText renders the ground-truth record as comparison text: the
// "expected_text" field when present (older tasks name it "text"),
// otherwise every value joined in key order.
func referenceText(groundTruth map[string]any) string {
	if text, ok := groundTruth["expected_text"].(string); ok {
		return text
	}
	if text, ok := groundTruth["text"].(string); ok {
		return text
	}
	keys := make([]string, 0, len(groundTruth))
	for k := range groundTruth {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, normalize(groundTruth[k]))
	}
	return strings.Join(parts, " ")
}

// stringList coerces a value into a list of strings. Ground-truth columns
// carry lists as JSON-encoded strings, so a string value gets one decode
// attempt before being treated as a single element.
func stringList(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, strings.TrimSpace(normalize(item)))
		}
		return out
	case string:
		var decoded []any
		if err := json.Unmarshal([]byte(val), &decoded); err == nil {
			out := make([]string, 0, len(decoded))
			for _, item := range decoded {
				out = append(out, strings.TrimSpace(normalize(item)))
			}
			return out
		}
		if strings.TrimSpace(val) == "" {
			return nil
		}
		return []string{strings.TrimSpace(strings.ToLower(val))}
	default:
		return []string{normalize(val)}
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func equalOrdered(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalSets(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

