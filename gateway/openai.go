package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"metabench/core"
	"metabench/pkg/limiter"
	"metabench/pkg/tokens"
)

// openAIClient speaks to OpenAI-compatible chat endpoints. Model ids carry
// an "openai." prefix in task configuration; it is stripped before the
// wire request.
type openAIClient struct {
	client *openai.Client
}

func newOpenAIClient(apiKey, baseURL string, httpClient *http.Client) *openAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &openAIClient{client: openai.NewClientWithConfig(cfg)}
}

// invoke performs one chat completion. Throttling and server errors come
// back transient so the retry loop handles them like any other provider.
func (c *openAIClient) invoke(ctx context.Context, req core.InvokeRequest) (core.Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemInstructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemInstructions,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       openAIModel(req.ModelID),
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			cause := &apiError{kind: ErrKindHTTP, status: apiErr.HTTPStatusCode,
				err: fmt.Errorf("chat completion failed: %w", err)}
			if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
				cause.kind = ErrKindThrottled
			} else if apiErr.HTTPStatusCode == http.StatusBadRequest {
				cause.kind = ErrKindValidation
			}
			if limiter.IsRetryableStatus(apiErr.HTTPStatusCode) {
				return core.Response{}, limiter.Transient(cause)
			}
			return core.Response{}, cause
		}
		return core.Response{}, limiter.Transient(&apiError{kind: ErrKindNetwork,
			err: fmt.Errorf("chat completion failed: %w", err)})
	}

	out := core.Response{Success: true, ModelID: req.ModelID}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
	}
	out.Usage = core.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}
	if out.Usage.TotalTokens == 0 {
		in, completion := tokens.EstimateUsage(req.Prompt, out.Content)
		out.Usage = core.Usage{
			InputTokens:  in,
			OutputTokens: completion,
			TotalTokens:  in + completion,
			Estimated:    true,
		}
	}
	return out, nil
}

func openAIModel(modelID string) string {
	return strings.TrimPrefix(modelID, "openai.")
}
