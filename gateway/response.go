package gateway

import (
	"encoding/json"
	"strings"

	"metabench/core"
)

// toolUse is one tool call proposed by the model in a converse-style turn.
type toolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// parsedResponse is the normalized view of one provider response body.
type parsedResponse struct {
	Text       string
	Usage      core.Usage
	Found      bool
	StopReason string
	ToolUses   []toolUse
	// RawMessage keeps the assistant message for converse tool loops so it
	// can be echoed back verbatim as the next turn's context.
	RawMessage map[string]any
}

// extractResponse normalizes the known provider response envelope shapes:
// an anthropic content-block array, a nested output/message/content
// document, a choices array, and directly-returned text fields.
// Reasoning/thinking blocks are always skipped: scores must be computed on
// the final answer text, never on the reasoning trace.
func extractResponse(body []byte) parsedResponse {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return parsedResponse{}
	}

	if parsed, ok := extractContentBlocks(doc); ok {
		return parsed
	}
	if parsed, ok := extractNestedOutput(doc); ok {
		return parsed
	}
	if parsed, ok := extractChoices(doc); ok {
		return parsed
	}
	if parsed, ok := extractDirectText(doc); ok {
		return parsed
	}
	return parsedResponse{}
}

// extractContentBlocks handles {"content": [{"type": "text", ...}], ...}.
func extractContentBlocks(doc map[string]any) (parsedResponse, bool) {
	blocks, ok := doc["content"].([]any)
	if !ok {
		return parsedResponse{}, false
	}

	var b strings.Builder
	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		blockType, _ := block["type"].(string)
		if blockType == "thinking" || blockType == "redacted_thinking" {
			continue
		}
		if text, ok := block["text"].(string); ok {
			b.WriteString(text)
		}
	}

	parsed := parsedResponse{Text: b.String(), Found: true}
	parsed.StopReason, _ = doc["stop_reason"].(string)
	if usage, ok := doc["usage"].(map[string]any); ok {
		parsed.Usage.InputTokens = intField(usage, "input_tokens")
		parsed.Usage.OutputTokens = intField(usage, "output_tokens")
		parsed.Usage.TotalTokens = parsed.Usage.InputTokens + parsed.Usage.OutputTokens
	}
	return parsed, true
}

// extractNestedOutput handles {"output": {"message": {"content": [...]}}}.
func extractNestedOutput(doc map[string]any) (parsedResponse, bool) {
	output, ok := doc["output"].(map[string]any)
	if !ok {
		return parsedResponse{}, false
	}
	message, ok := output["message"].(map[string]any)
	if !ok {
		return parsedResponse{}, false
	}
	blocks, _ := message["content"].([]any)

	var b strings.Builder
	var uses []toolUse
	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if _, isReasoning := block["reasoningContent"]; isReasoning {
			continue
		}
		if text, ok := block["text"].(string); ok {
			b.WriteString(text)
		}
		if tu, ok := block["toolUse"].(map[string]any); ok {
			use := toolUse{}
			use.ID, _ = tu["toolUseId"].(string)
			use.Name, _ = tu["name"].(string)
			use.Input, _ = tu["input"].(map[string]any)
			uses = append(uses, use)
		}
	}

	parsed := parsedResponse{
		Text:       b.String(),
		Found:      true,
		ToolUses:   uses,
		RawMessage: message,
	}
	parsed.StopReason, _ = doc["stopReason"].(string)
	if usage, ok := doc["usage"].(map[string]any); ok {
		parsed.Usage.InputTokens = intField(usage, "inputTokens")
		parsed.Usage.OutputTokens = intField(usage, "outputTokens")
		parsed.Usage.TotalTokens = intField(usage, "totalTokens")
		if parsed.Usage.TotalTokens == 0 {
			parsed.Usage.TotalTokens = parsed.Usage.InputTokens + parsed.Usage.OutputTokens
		}
	}
	return parsed, true
}

// extractChoices handles {"choices": [{"message": {"content": ...}}]}.
func extractChoices(doc map[string]any) (parsedResponse, bool) {
	choices, ok := doc["choices"].([]any)
	if !ok || len(choices) == 0 {
		return parsedResponse{}, false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return parsedResponse{}, false
	}

	var text string
	if message, ok := choice["message"].(map[string]any); ok {
		// reasoning_content carries the model's internal trace; only the
		// content field is the answer.
		text, _ = message["content"].(string)
	} else if t, ok := choice["text"].(string); ok {
		text = t
	}

	parsed := parsedResponse{Text: text, Found: true}
	parsed.StopReason, _ = choice["finish_reason"].(string)
	if usage, ok := doc["usage"].(map[string]any); ok {
		parsed.Usage.InputTokens = intField(usage, "prompt_tokens")
		parsed.Usage.OutputTokens = intField(usage, "completion_tokens")
		parsed.Usage.TotalTokens = intField(usage, "total_tokens")
		if parsed.Usage.TotalTokens == 0 {
			parsed.Usage.TotalTokens = parsed.Usage.InputTokens + parsed.Usage.OutputTokens
		}
	}
	return parsed, true
}

// extractDirectText handles flat documents carrying the answer in a single
// well-known text field.
func extractDirectText(doc map[string]any) (parsedResponse, bool) {
	for _, field := range []string{"generation", "outputText", "completion"} {
		text, ok := doc[field].(string)
		if !ok {
			continue
		}
		parsed := parsedResponse{Text: text, Found: true}
		parsed.Usage.InputTokens = intField(doc, "prompt_token_count")
		parsed.Usage.OutputTokens = intField(doc, "generation_token_count")
		parsed.Usage.TotalTokens = parsed.Usage.InputTokens + parsed.Usage.OutputTokens
		return parsed, true
	}
	return parsedResponse{}, false
}

// intField reads a numeric JSON field as int, tolerating float64 decoding.
func intField(doc map[string]any, key string) int {
	switch v := doc[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
