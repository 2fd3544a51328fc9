package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"metabench/core"
	"metabench/pkg/cache"
	"metabench/pkg/limiter"
	"metabench/pkg/logging"
	"metabench/pkg/metrics"
	"metabench/pkg/tokens"
	"metabench/pkg/tracing"
)

// Error kinds reported on failed responses.
const (
	ErrKindThrottled        = "throttled"
	ErrKindValidation       = "validation"
	ErrKindHTTP             = "http_error"
	ErrKindNetwork          = "network"
	ErrKindCircuitOpen      = "circuit_open"
	ErrKindUnsupportedModel = "unsupported_model"
	ErrKindCanceled         = "canceled"
	ErrKindToolsUnsupported = "tools_unsupported"
	ErrKindToolLimit        = "tool_limit"
)

// maxToolTurns bounds the tool-use loop. A model that keeps requesting
// tools past this many turns gets a failed response instead of a hang.
const maxToolTurns = 10

// apiError carries the classification of a failed wire call until the
// retry loop gives up and folds it into a Response.
type apiError struct {
	kind   string
	status int
	err    error
}

func (e *apiError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.kind, e.status, e.err)
	}
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *apiError) Unwrap() error { return e.err }

// Options configures a Gateway.
type Options struct {
	// BaseURL is the inference endpoint root, e.g. the bedrock-runtime
	// regional endpoint. Model invocations POST to
	// {BaseURL}/model/{modelID}/invoke or .../converse.
	BaseURL string
	// OpenAIBaseURL overrides the OpenAI-compatible endpoint. Empty means
	// the go-openai default.
	OpenAIBaseURL string
	// APIKey is the bearer token. Credentials are injected here, never
	// read from the environment by the gateway itself.
	APIKey string

	ThinkingBudget int
	RateLimitRPM   float64
	CacheSize      int
	CacheEnabled   bool

	// RetryConfig overrides the default backoff schedule.
	RetryConfig *limiter.RetryConfig

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client

	// ToolExecutor resolves tool calls during converse-style tool loops.
	// Nil means tool calls come back to the model as unavailable.
	ToolExecutor core.ToolExecutor

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.Tracer
}

// Gateway invokes models over the provider-specific wire formats, with
// retry, per-model rate limiting and circuit breaking, and an in-process
// response cache. It implements core.Gateway.
type Gateway struct {
	opts     Options
	client   *http.Client
	openai   *openAIClient
	retry    *limiter.RetryManager
	rate     *limiter.RateLimiter
	breakers *limiter.CircuitBreakerManager
	cache    *cache.ResponseCache
	log      *logging.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.Tracer
}

// New creates a gateway.
func New(opts Options) (*Gateway, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("gateway: base URL is required")
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewNop()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}

	g := &Gateway{
		opts:     opts,
		client:   client,
		openai:   newOpenAIClient(opts.APIKey, opts.OpenAIBaseURL, client),
		retry:    limiter.NewRetryManager(opts.RetryConfig),
		rate:     limiter.NewRateLimiter(opts.RateLimitRPM),
		log:      log,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
	}
	g.breakers = limiter.NewCircuitBreakerManager(nil, func(name string, from, to gobreaker.State) {
		log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	})

	if opts.CacheEnabled {
		size := opts.CacheSize
		if size <= 0 {
			size = 1024
		}
		c, err := cache.New(size)
		if err != nil {
			return nil, fmt.Errorf("gateway: building response cache: %w", err)
		}
		g.cache = c
	}
	return g, nil
}

// Invoke runs one logical invocation. It never returns an error: every
// failure mode is folded into the Response with an error kind so the
// caller can persist it alongside successes.
func (g *Gateway) Invoke(ctx context.Context, req core.InvokeRequest) core.Response {
	requestID := uuid.NewString()
	provider := ResolveProvider(req.ModelID)

	ctx, span := g.startSpan(ctx, req.ModelID, provider, requestID)
	defer g.endSpan(span)

	if provider == ProviderUnknown {
		return g.finish(provider, req, requestID, time.Time{}, failure(req.ModelID,
			ErrKindUnsupportedModel, fmt.Errorf("no provider matches model id %q", req.ModelID)))
	}

	if len(req.Tools) > 0 {
		if provider == ProviderOpenAI {
			return g.finish(provider, req, requestID, time.Time{}, failure(req.ModelID,
				ErrKindToolsUnsupported, errors.New("tool use is only supported on converse-style providers")))
		}
		start := time.Now()
		resp := g.runToolLoop(ctx, provider, req, requestID)
		return g.finish(provider, req, requestID, start, resp)
	}

	run := func() core.Response {
		start := time.Now()
		resp := g.invokeWithRetry(ctx, provider, req, requestID)
		return g.finish(provider, req, requestID, start, resp)
	}

	if g.cache == nil {
		return run()
	}

	key := cache.KeyFor(
		req.ModelID,
		req.Prompt,
		req.SystemInstructions,
		fmt.Sprintf("%g", req.Temperature),
		fmt.Sprintf("%t", req.Thinking),
		fmt.Sprintf("%d", req.MaxTokens),
	)
	resp, hit := g.cache.Do(key, run)
	g.log.LogCacheOperation("invoke", hit, requestID)
	if g.metrics != nil {
		if hit {
			g.metrics.CacheHitsTotal.Inc()
		} else {
			g.metrics.CacheMissesTotal.Inc()
		}
	}
	return resp
}

// invokeWithRetry drives the attempt loop for a single invocation.
func (g *Gateway) invokeWithRetry(ctx context.Context, provider Provider, req core.InvokeRequest, requestID string) core.Response {
	attempts := 0
	retry := g.retryFor(req)

	result, err := retry.Execute(ctx, func(ctx context.Context) (any, error) {
		if attempts > 0 {
			if g.metrics != nil {
				g.metrics.RetriesTotal.WithLabelValues(provider.String(), req.ModelID).Inc()
			}
			g.log.LogRetry(provider.String(), req.ModelID, "transient provider error", attempts, requestID)
		}
		attempts++

		if err := g.rate.Wait(ctx, req.ModelID); err != nil {
			return nil, &apiError{kind: ErrKindCanceled, err: err}
		}

		out, err := g.breakers.Execute(req.ModelID, func() (any, error) {
			return g.invokeOnce(ctx, provider, req, requestID)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, limiter.Transient(&apiError{kind: ErrKindCircuitOpen, err: err})
		}
		return out, err
	})

	if err != nil {
		resp := responseFromError(req.ModelID, err)
		resp.Attempts = attempts
		return resp
	}
	resp := result.(core.Response)
	resp.Attempts = attempts
	return resp
}

// retryFor returns the retry manager for one request: the gateway default,
// or a copy with the request's own attempt budget when it carries one.
func (g *Gateway) retryFor(req core.InvokeRequest) *limiter.RetryManager {
	if req.MaxRetries <= 0 {
		return g.retry
	}
	cfg := limiter.DefaultRetryConfig()
	if g.opts.RetryConfig != nil {
		c := *g.opts.RetryConfig
		cfg = &c
	}
	cfg.MaxAttempts = req.MaxRetries
	return limiter.NewRetryManager(cfg)
}

// invokeOnce performs one wire call. Transient failures come back wrapped
// in limiter.TransientError; anything else aborts the retry loop.
func (g *Gateway) invokeOnce(ctx context.Context, provider Provider, req core.InvokeRequest, requestID string) (core.Response, error) {
	if provider == ProviderOpenAI {
		return g.openai.invoke(ctx, req)
	}

	body, err := buildInvokeBody(provider, req, g.opts.ThinkingBudget)
	if err != nil {
		return core.Response{}, &apiError{kind: ErrKindUnsupportedModel, err: err}
	}

	status, respBody, err := g.post(ctx, g.modelURL(req.ModelID, "invoke"), body)
	if err != nil {
		return core.Response{}, limiter.Transient(&apiError{kind: ErrKindNetwork, err: err})
	}

	if status == http.StatusOK {
		return g.buildResponse(provider, req, respBody), nil
	}

	if isThrottled(status, respBody) {
		return core.Response{}, limiter.Transient(&apiError{
			kind: ErrKindThrottled, status: status,
			err: fmt.Errorf("provider throttled the request: %s", truncate(respBody, 200)),
		})
	}

	if status == http.StatusBadRequest && wantsConverseFallback(respBody) {
		// Some model ids reject native invocation and require the
		// converse-style protocol. This is deterministic, so try the
		// fallback once within the same attempt instead of retrying.
		g.log.Info("falling back to converse-style invocation",
			"model", req.ModelID, "request_id", requestID)
		if g.metrics != nil {
			g.metrics.FallbacksTotal.WithLabelValues(provider.String(), req.ModelID).Inc()
		}
		return g.invokeConverseOnce(ctx, provider, req)
	}

	kind := ErrKindHTTP
	if status == http.StatusBadRequest {
		kind = ErrKindValidation
	}
	cause := &apiError{kind: kind, status: status,
		err: fmt.Errorf("endpoint returned %d: %s", status, truncate(respBody, 200))}
	if limiter.IsRetryableStatus(status) {
		return core.Response{}, limiter.Transient(cause)
	}
	return core.Response{}, cause
}

// invokeConverseOnce performs one converse-style call without tools.
func (g *Gateway) invokeConverseOnce(ctx context.Context, provider Provider, req core.InvokeRequest) (core.Response, error) {
	noTools := req
	noTools.Tools = nil
	body := buildConverseBody(noTools, userTurn(req.Prompt), g.opts.ThinkingBudget)

	status, respBody, err := g.post(ctx, g.modelURL(req.ModelID, "converse"), body)
	if err != nil {
		return core.Response{}, limiter.Transient(&apiError{kind: ErrKindNetwork, err: err})
	}
	if status != http.StatusOK {
		if isThrottled(status, respBody) {
			return core.Response{}, limiter.Transient(&apiError{
				kind: ErrKindThrottled, status: status,
				err: fmt.Errorf("provider throttled the fallback request: %s", truncate(respBody, 200)),
			})
		}
		cause := &apiError{kind: ErrKindHTTP, status: status,
			err: fmt.Errorf("converse fallback returned %d: %s", status, truncate(respBody, 200))}
		if limiter.IsRetryableStatus(status) {
			return core.Response{}, limiter.Transient(cause)
		}
		return core.Response{}, cause
	}
	return g.buildResponse(provider, req, respBody), nil
}

// buildResponse normalizes a 200 body into a Response. Extraction failure
// is a successful call with empty content, not an error: the score for
// such a sample is an honest zero, not a crash.
func (g *Gateway) buildResponse(provider Provider, req core.InvokeRequest, body []byte) core.Response {
	parsed := extractResponse(body)
	resp := core.Response{
		Success: true,
		Content: parsed.Text,
		ModelID: req.ModelID,
		Usage:   parsed.Usage,
	}
	if !parsed.Found {
		g.log.Warn("could not extract answer text from provider response",
			"model", req.ModelID, "body_prefix", truncate(body, 120))
		if g.metrics != nil {
			g.metrics.EmptyContentTotal.WithLabelValues(provider.String(), req.ModelID).Inc()
		}
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

// post sends a JSON body with the bearer token and returns status and body.
func (g *Gateway) post(ctx context.Context, endpoint string, body map[string]any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding request body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if g.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.opts.APIKey)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("reading response body: %w", err)
	}
	if errType := httpResp.Header.Get("X-Amzn-Errortype"); strings.Contains(errType, "Throttling") {
		return http.StatusTooManyRequests, respBody, nil
	}
	return httpResp.StatusCode, respBody, nil
}

func (g *Gateway) modelURL(modelID, action string) string {
	return fmt.Sprintf("%s/model/%s/%s",
		strings.TrimRight(g.opts.BaseURL, "/"), url.PathEscape(modelID), action)
}

// finish records metrics, logs, and span attributes for a completed call.
func (g *Gateway) finish(provider Provider, req core.InvokeRequest, requestID string, start time.Time, resp core.Response) core.Response {
	duration := time.Duration(0)
	if !start.IsZero() {
		duration = time.Since(start)
	}
	status := "success"
	if !resp.Success {
		status = resp.ErrorKind
		if status == "" {
			status = "error"
		}
	}
	if g.metrics != nil {
		g.metrics.ObserveRequest(provider.String(), req.ModelID, status, duration,
			resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	g.log.LogLLMRequest(provider.String(), req.ModelID, status, duration,
		resp.Usage.TotalTokens, requestID)
	return resp
}

func (g *Gateway) startSpan(ctx context.Context, modelID string, provider Provider, requestID string) (context.Context, trace.Span) {
	if g.tracer == nil {
		return ctx, nil
	}
	return g.tracer.StartSpan(ctx, "gateway.invoke",
		attribute.String("model.id", modelID),
		attribute.String("model.provider", provider.String()),
		attribute.String("request.id", requestID),
	)
}

func (g *Gateway) endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

// responseFromError folds a terminal error into a failed Response.
func responseFromError(modelID string, err error) core.Response {
	kind := ErrKindHTTP
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		kind = apiErr.kind
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = ErrKindCanceled
	}
	return failure(modelID, kind, err)
}

func failure(modelID, kind string, err error) core.Response {
	return core.Response{
		Success:   false,
		Error:     err.Error(),
		ErrorKind: kind,
		ModelID:   modelID,
	}
}

// isThrottled recognizes throttling in both the status code and the error
// document the endpoint returns with it.
func isThrottled(status int, body []byte) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return bytes.Contains(body, []byte("ThrottlingException")) ||
		bytes.Contains(body, []byte("TooManyRequestsException"))
}

// wantsConverseFallback recognizes the validation messages a model id
// produces when it only accepts the converse-style protocol.
func wantsConverseFallback(body []byte) bool {
	for _, marker := range []string{
		"on-demand throughput",
		"inference profile",
		"Invocation of model ID",
	} {
		if bytes.Contains(body, []byte(marker)) {
			return true
		}
	}
	return false
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
