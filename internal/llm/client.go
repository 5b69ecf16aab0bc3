// Package llm talks to OpenAI-compatible chat completion servers (OpenAI,
// Ollama, vLLM) in JSON mode.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "http://localhost:11434/v1"
	defaultTimeout   = 120 * time.Second
	defaultAttempts  = 3
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 10 * time.Second
	temperature      = 0.1
)

// Config selects the server and model.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
}

// Client sends one prompt pair per call and retries transient failures.
type Client struct {
	apiKey   string
	endpoint string
	model    string
	http     *http.Client

	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
	sleep     func(time.Duration)
}

// Option customizes a Client.
type Option func(*Client)

// WithRetryMaxAttempts sets the total number of attempts per call. Values
// below 1 mean a single attempt.
func WithRetryMaxAttempts(n int) Option {
	return func(c *Client) { c.attempts = max(n, 1) }
}

// WithRetryBackoff sets the first retry delay and the cap. Delays double per
// attempt.
func WithRetryBackoff(base, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = base
		if maxDelay > 0 {
			c.maxDelay = maxDelay
		}
	}
}

// WithSleeper replaces the retry wait. Tests use it to skip real sleeps.
func WithSleeper(fn func(time.Duration)) Option {
	return func(c *Client) { c.sleep = fn }
}

// NewClient returns a client for cfg. An empty BaseURL means a local Ollama.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	endpoint := base
	if !strings.HasSuffix(endpoint, "/chat/completions") {
		endpoint += "/chat/completions"
	}

	c := &Client{
		apiKey:    strings.TrimSpace(cfg.APIKey),
		endpoint:  endpoint,
		model:     strings.TrimSpace(cfg.Model),
		http:      &http.Client{Timeout: timeout},
		attempts:  defaultAttempts,
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// statusError is a non-2xx reply. retryAfter is zero when the server sent none.
type statusError struct {
	code       int
	body       string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}

func (e *statusError) transient() bool {
	return e.code == http.StatusRequestTimeout || e.code == http.StatusTooManyRequests || e.code >= 500
}

// errEmpty marks a reply with no content, which local models produce when
// they run out of tokens; it is retried.
var errEmpty = errors.New("empty completion")

// CompleteJSON returns the model's JSON text for a system and user prompt.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	userPrompt = strings.TrimSpace(userPrompt)
	if userPrompt == "" {
		return "", errors.New("llm: user prompt required")
	}
	req := chatCompletionRequest{
		Model:          c.model,
		Temperature:    temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	if s := strings.TrimSpace(systemPrompt); s != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: s})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: userPrompt})

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("llm: encode request: %w", err)
	}

	for attempt := 1; ; attempt++ {
		content, err := c.post(ctx, body)
		if err == nil {
			return content, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		delay, retry := c.retryDelay(err, attempt)
		if !retry {
			if attempt > 1 {
				return "", fmt.Errorf("llm: failed after %d attempts: %w", attempt, err)
			}
			return "", fmt.Errorf("llm: %w", err)
		}
		if err := c.wait(ctx, delay); err != nil {
			return "", err
		}
	}
}

func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", &statusError{
			code:       resp.StatusCode,
			body:       strings.TrimSpace(string(raw)),
			retryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var out chatCompletionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w (body: %s)", err, snippet(string(raw)))
	}
	if out.Error != nil {
		return "", fmt.Errorf("api error: %s", strings.TrimSpace(out.Error.Message))
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", errEmpty)
	}
	content := strings.TrimSpace(out.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w (finish_reason=%q)", errEmpty, out.Choices[0].FinishReason)
	}
	return content, nil
}

// retryDelay decides whether attempt may be followed by another one.
// Transport errors, empty completions, and 408/429/5xx replies are retried.
func (c *Client) retryDelay(err error, attempt int) (time.Duration, bool) {
	if attempt >= c.attempts {
		return 0, false
	}
	var se *statusError
	switch {
	case errors.As(err, &se):
		if !se.transient() {
			return 0, false
		}
		if se.retryAfter > 0 {
			return min(se.retryAfter, c.maxDelay), true
		}
	case errors.Is(err, errEmpty):
	default:
		// request build and decode errors are not transport failures
		var urlErr interface{ Timeout() bool }
		if !errors.As(err, &urlErr) {
			return 0, false
		}
	}
	return c.backoffDelay(attempt), true
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	if c.baseDelay <= 0 {
		return 0
	}
	d := c.baseDelay
	for i := 1; i < attempt && d < c.maxDelay; i++ {
		d *= 2
	}
	return min(d, c.maxDelay)
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if c.sleep != nil {
		c.sleep(d)
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryAfter parses a delay-seconds Retry-After header.
func retryAfter(v string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
