package gateway

import (
	"fmt"

	"metabench/core"
)

const anthropicVersion = "bedrock-2023-05-31"

// buildInvokeBody builds the native request body for the model's provider
// family. Thinking mode and temperature are mutually exclusive where the
// provider supports thinking: enabling it omits temperature from the
// request and adds the reasoning directive instead.
func buildInvokeBody(provider Provider, req core.InvokeRequest, thinkingBudget int) (map[string]any, error) {
	switch provider {
	case ProviderAnthropic:
		body := map[string]any{
			"anthropic_version": anthropicVersion,
			"max_tokens":        req.MaxTokens,
			"messages": []map[string]any{
				{"role": "user", "content": req.Prompt},
			},
		}
		if req.SystemInstructions != "" {
			body["system"] = req.SystemInstructions
		}
		if req.Thinking {
			body["thinking"] = map[string]any{
				"type":          "enabled",
				"budget_tokens": thinkingBudget,
			}
		} else {
			body["temperature"] = req.Temperature
		}
		return body, nil

	case ProviderNova:
		body := map[string]any{
			"messages": []map[string]any{
				{"role": "user", "content": []map[string]any{{"text": req.Prompt}}},
			},
			"inferenceConfig": map[string]any{
				"maxTokens":   req.MaxTokens,
				"temperature": req.Temperature,
			},
		}
		if req.SystemInstructions != "" {
			body["system"] = []map[string]any{{"text": req.SystemInstructions}}
		}
		return body, nil

	case ProviderDeepSeek:
		messages := []map[string]any{}
		if req.SystemInstructions != "" {
			messages = append(messages, map[string]any{"role": "system", "content": req.SystemInstructions})
		}
		messages = append(messages, map[string]any{"role": "user", "content": req.Prompt})
		return map[string]any{
			"messages":    messages,
			"max_tokens":  req.MaxTokens,
			"temperature": req.Temperature,
		}, nil

	case ProviderMeta:
		prompt := req.Prompt
		if req.SystemInstructions != "" {
			prompt = req.SystemInstructions + "\n\n" + req.Prompt
		}
		return map[string]any{
			"prompt":      prompt,
			"max_gen_len": req.MaxTokens,
			"temperature": req.Temperature,
		}, nil

	default:
		return nil, fmt.Errorf("no native request format for provider %s", provider)
	}
}

// buildConverseBody builds the converse-style request used both as the
// protocol fallback for models that reject native invocation and as the
// carrier for the tool-use loop. messages holds the accumulated turns.
func buildConverseBody(req core.InvokeRequest, messages []map[string]any, thinkingBudget int) map[string]any {
	inference := map[string]any{
		"maxTokens": req.MaxTokens,
	}
	body := map[string]any{
		"messages":        messages,
		"inferenceConfig": inference,
	}
	if req.SystemInstructions != "" {
		body["system"] = []map[string]any{{"text": req.SystemInstructions}}
	}
	if req.Thinking && ResolveProvider(req.ModelID).SupportsThinking() {
		body["additionalModelRequestFields"] = map[string]any{
			"thinking": map[string]any{
				"type":          "enabled",
				"budget_tokens": thinkingBudget,
			},
		}
	} else {
		inference["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		specs := make([]map[string]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			specs = append(specs, map[string]any{
				"toolSpec": map[string]any{
					"name":        tool.Name,
					"description": tool.Description,
					"inputSchema": map[string]any{"json": tool.Parameters},
				},
			})
		}
		body["toolConfig"] = map[string]any{"tools": specs}
	}
	return body
}

// userTurn wraps a prompt as the initial converse-style user message.
func userTurn(prompt string) []map[string]any {
	return []map[string]any{
		{"role": "user", "content": []map[string]any{{"text": prompt}}},
	}
}
