package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxResponseSize limits the model response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Endpoint identifies the provider endpoint the client talks to.
type Endpoint struct {
	// Provider is the registered provider name ("openai", "ollama").
	Provider string

	// URL is the provider base URL. Empty uses the provider default.
	URL string

	// EmbeddingModel is the model used for Embed calls.
	EmbeddingModel string
}

// Client issues generation requests to the external model provider. Each
// call runs under the profile's timeout, enforced client-side: a call that
// exceeds it is cancelled, not left running. Transient transport failures
// get exactly one immediate retry; timeouts and schema violations never do.
type Client struct {
	endpoint   Endpoint
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a client for the given provider endpoint.
func NewClient(endpoint Endpoint, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			// Per-call budgets come from profiles; this is a safety net only.
			Timeout: 120 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Generate sends one generation request and validates the structured output
// against the prompt's task schema. The profile timeout is strict: the
// request context is cancelled once it elapses and the failure is reported
// as a timeout, never retried.
func (c *Client) Generate(ctx context.Context, prompt Prompt, profile Profile, traceID string) (*Output, error) {
	if !prompt.Kind.IsValid() {
		return nil, NewFatalError(fmt.Errorf("invalid task kind %q", prompt.Kind))
	}

	payload, err := json.Marshal(prompt.Payload)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("marshal prompt payload: %w", err))
	}
	messages := []Message{
		{Role: "system", Content: prompt.System},
		{Role: "user", Content: string(payload)},
	}

	callCtx, cancel := context.WithTimeout(ctx, profile.Timeout)
	defer cancel()

	started := time.Now()
	resp, err := c.doRequest(callCtx, messages, profile)
	if err != nil && IsTransient(err) {
		// One immediate retry for transient transport failures. Timeouts are
		// excluded: retrying a slow call cannot help an interactive budget.
		c.logger.Debug("Transient model failure, retrying once",
			"trace_id", traceID,
			"task", prompt.Kind,
			"error", err)
		resp, err = c.doRequest(callCtx, messages, profile)
	}
	elapsed := time.Since(started)

	if err != nil {
		err = c.classifyCtx(callCtx, err)
		c.logger.Warn("Model request failed",
			"trace_id", traceID,
			"task", prompt.Kind,
			"profile", profile.Name,
			"model", profile.Model,
			"elapsed_ms", elapsed.Milliseconds(),
			"error", err)
		return nil, err
	}

	validated, err := ValidateOutput(prompt.Kind, resp.Content)
	if err != nil {
		c.logger.Warn("Model output failed schema validation",
			"trace_id", traceID,
			"task", prompt.Kind,
			"model", resp.Model,
			"error", err)
		return nil, err
	}

	c.logger.Info("Model request succeeded",
		"trace_id", traceID,
		"task", prompt.Kind,
		"profile", profile.Name,
		"model", resp.Model,
		"tokens", resp.Usage.TotalTokens,
		"elapsed_ms", elapsed.Milliseconds())

	return &Output{
		TraceID:      traceID,
		Kind:         prompt.Kind,
		JSON:         validated,
		Model:        resp.Model,
		Usage:        resp.Usage,
		FinishReason: resp.FinishReason,
	}, nil
}

// Embed computes an embedding vector for the given text using the
// endpoint's embedding model. Transient failures get one immediate retry.
func (c *Client) Embed(ctx context.Context, text string, timeout time.Duration) ([]float64, error) {
	provider := GetProvider(c.endpoint.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", c.endpoint.Provider))
	}

	body, err := provider.BuildEmbeddingsBody(c.endpoint.EmbeddingModel, text)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build embeddings body: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := provider.BuildEmbeddingsURL(c.endpoint.URL)
	respBody, err := c.post(callCtx, provider, url, body)
	if err != nil && IsTransient(err) {
		respBody, err = c.post(callCtx, provider, url, body)
	}
	if err != nil {
		return nil, c.classifyCtx(callCtx, err)
	}

	vector, err := provider.ParseEmbeddings(respBody)
	if err != nil {
		return nil, NewSchemaViolationError(fmt.Errorf("parse embeddings: %w", err))
	}
	return vector, nil
}

// doRequest executes a single HTTP request to the provider endpoint.
func (c *Client) doRequest(ctx context.Context, messages []Message, profile Profile) (*Response, error) {
	provider := GetProvider(c.endpoint.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", c.endpoint.Provider))
	}

	body, err := provider.BuildRequestBody(profile.Model, messages, profile.Temperature, profile.MaxOutputTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	url := provider.BuildURL(c.endpoint.URL)
	respBody, err := c.post(ctx, provider, url, body)
	if err != nil {
		return nil, err
	}

	return provider.ParseResponse(respBody, profile.Model)
}

// post issues one POST and classifies transport/status failures.
func (c *Client) post(ctx context.Context, provider Provider, url string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewTimeoutError(fmt.Errorf("model call cancelled: %w", ctx.Err()))
		}
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	return respBody, nil
}

// classifyCtx upgrades context expiry to a timeout error so the ladder can
// distinguish budget exhaustion from transport failures.
func (c *Client) classifyCtx(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !IsTimeout(err) {
		return NewTimeoutError(fmt.Errorf("model call exceeded budget: %w", err))
	}
	return err
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("model API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient
		return NewTransientError(err)
	case statusCode >= 500:
		// Server errors are transient
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		// Auth errors are fatal
		return NewFatalError(err)
	case statusCode == http.StatusBadRequest:
		// Bad requests are fatal
		return NewFatalError(err)
	default:
		// Unknown errors default to fatal
		return NewFatalError(err)
	}
}
