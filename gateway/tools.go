package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"

	"metabench/core"
	"metabench/pkg/limiter"
	"metabench/pkg/tokens"
)

// runToolLoop drives a converse-style conversation until the model stops
// requesting tools or the turn budget runs out. Tool execution errors are
// fed back to the model as error-status tool results rather than aborting
// the conversation; the model decides how to proceed.
func (g *Gateway) runToolLoop(ctx context.Context, provider Provider, req core.InvokeRequest, requestID string) core.Response {
	messages := userTurn(req.Prompt)
	var usage core.Usage
	var records []core.ToolCallRecord
	attempts := 0

	for turn := 1; turn <= maxToolTurns; turn++ {
		parsed, turnAttempts, err := g.converseTurn(ctx, req, messages)
		attempts += turnAttempts
		if err != nil {
			resp := responseFromError(req.ModelID, err)
			resp.Attempts = attempts
			resp.Usage = usage
			resp.ToolCalls = records
			return resp
		}
		usage.Add(parsed.Usage)

		if parsed.StopReason != "tool_use" || len(parsed.ToolUses) == 0 {
			resp := core.Response{
				Success:   true,
				Content:   parsed.Text,
				ModelID:   req.ModelID,
				Usage:     usage,
				Attempts:  attempts,
				ToolCalls: records,
			}
			if resp.Usage.TotalTokens == 0 {
				in, out := tokens.EstimateUsage(req.Prompt, resp.Content)
				resp.Usage = core.Usage{
					InputTokens:  in,
					OutputTokens: out,
					TotalTokens:  in + out,
					Estimated:    true,
				}
			}
			return resp
		}

		// Echo the assistant turn back, then answer each tool call.
		if parsed.RawMessage != nil {
			messages = append(messages, parsed.RawMessage)
		}
		results := make([]map[string]any, 0, len(parsed.ToolUses))
		for _, use := range parsed.ToolUses {
			record := core.ToolCallRecord{
				Turn:      turn,
				ID:        use.ID,
				Name:      use.Name,
				Arguments: use.Input,
			}
			result, execErr := g.executeTool(ctx, use)
			if execErr != nil {
				record.Error = execErr.Error()
				g.log.Warn("tool execution failed",
					"tool", use.Name, "turn", turn, "request_id", requestID, "error", execErr)
				results = append(results, toolResultBlock(use.ID, map[string]any{
					"error": execErr.Error(),
				}, true))
			} else {
				record.Result = result
				results = append(results, toolResultBlock(use.ID, result, false))
			}
			records = append(records, record)
		}
		messages = append(messages, map[string]any{
			"role":    "user",
			"content": results,
		})
	}

	resp := failure(req.ModelID, ErrKindToolLimit,
		fmt.Errorf("model kept requesting tools after %d turns", maxToolTurns))
	resp.Attempts = attempts
	resp.Usage = usage
	resp.ToolCalls = records
	return resp
}

// converseTurn performs one converse call with the request's retry budget
// and returns the parsed assistant turn. The call goes through the same
// per-model circuit breaker as plain invocations.
func (g *Gateway) converseTurn(ctx context.Context, req core.InvokeRequest, messages []map[string]any) (parsedResponse, int, error) {
	attempts := 0
	retry := g.retryFor(req)
	result, err := retry.Execute(ctx, func(ctx context.Context) (any, error) {
		attempts++
		if err := g.rate.Wait(ctx, req.ModelID); err != nil {
			return nil, &apiError{kind: ErrKindCanceled, err: err}
		}

		out, err := g.breakers.Execute(req.ModelID, func() (any, error) {
			body := buildConverseBody(req, messages, g.opts.ThinkingBudget)
			status, respBody, err := g.post(ctx, g.modelURL(req.ModelID, "converse"), body)
			if err != nil {
				return nil, limiter.Transient(&apiError{kind: ErrKindNetwork, err: err})
			}
			if status != http.StatusOK {
				if isThrottled(status, respBody) {
					return nil, limiter.Transient(&apiError{
						kind: ErrKindThrottled, status: status,
						err: fmt.Errorf("provider throttled the tool turn: %s", truncate(respBody, 200)),
					})
				}
				cause := &apiError{kind: ErrKindHTTP, status: status,
					err: fmt.Errorf("converse returned %d: %s", status, truncate(respBody, 200))}
				if limiter.IsRetryableStatus(status) {
					return nil, limiter.Transient(cause)
				}
				return nil, cause
			}
			return extractResponse(respBody), nil
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, limiter.Transient(&apiError{kind: ErrKindCircuitOpen, err: err})
		}
		return out, err
	})
	if err != nil {
		return parsedResponse{}, attempts, err
	}
	return result.(parsedResponse), attempts, nil
}

// executeTool resolves one tool call against the configured executor.
func (g *Gateway) executeTool(ctx context.Context, use toolUse) (any, error) {
	if g.opts.ToolExecutor == nil {
		return nil, errors.New("no tool executor configured")
	}
	return g.opts.ToolExecutor.Execute(ctx, use.Name, use.Input)
}

// toolResultBlock builds the converse-style tool result content block.
func toolResultBlock(toolUseID string, result any, isError bool) map[string]any {
	content := []map[string]any{}
	switch v := result.(type) {
	case string:
		content = append(content, map[string]any{"text": v})
	default:
		content = append(content, map[string]any{"json": v})
	}
	block := map[string]any{
		"toolUseId": toolUseID,
		"content":   content,
	}
	if isError {
		block["status"] = "error"
	}
	return map[string]any{"toolResult": block}
}
