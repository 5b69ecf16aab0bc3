package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	defaultTimeout = 120 * time.Second
)

// Client is a Gemini API client with retries
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	retries    int
	backoff    func(attempt int) time.Duration

	// Usage tracking
	usageMu           sync.Mutex
	totalPromptTokens int64
	totalOutputTokens int64
	generateCalls     int64
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root (tests, proxies).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithRetries sets the number of retries after the first attempt.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithBackoff overrides the retry delay schedule.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(c *Client) {
		if fn != nil {
			c.backoff = fn
		}
	}
}

// NewClient creates a new Gemini client for model.
func NewClient(apiKey, model string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    DefaultBaseURL,
		apiKey:     strings.TrimSpace(apiKey),
		model:      strings.TrimSpace(model),
		retries:    maxRetries,
		backoff:    calculateBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GenerateContentRequest for the generateContent API
type GenerateContentRequest struct {
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Contents          []Content         `json:"contents"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

type GenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text string `json:"text,omitempty"`
}

type GenerateContentResponse struct {
	Candidates     []Candidate     `json:"candidates,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *UsageMetadata  `json:"usageMetadata,omitempty"`
	Error          *APIError       `json:"error,omitempty"`
}

// UsageMetadata contains token usage information from the API
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type PromptFeedback struct {
	BlockReason        string `json:"blockReason,omitempty"`
	BlockReasonMessage string `json:"blockReasonMessage,omitempty"`
}

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini API error %d (%s): %s", e.Code, e.Status, e.Message)
}

// Text concatenates the text parts of the first candidate.
func (r *GenerateContentResponse) Text() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return strings.TrimSpace(b.String())
}

// GenerateContent calls the Gemini generateContent API
func (c *Client) GenerateContent(ctx context.Context, req *GenerateContentRequest) (*GenerateContentResponse, error) {
	if c.apiKey == "" {
		return nil, errors.New("gemini: api key required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", c.apiKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		}

		var result GenerateContentResponse
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("unmarshal response (status %d): %w", resp.StatusCode, err)
		}

		if result.Error != nil {
			if isRetryableStatus(result.Error.Code) {
				lastErr = result.Error
				continue
			}
			return nil, result.Error
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("gemini: status %d", resp.StatusCode)
		}

		c.recordGenerateUsage(result.UsageMetadata)

		return &result, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// CompleteJSON sends a system and user prompt and returns the model's JSON text.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	temp := 0.1
	req := &GenerateContentRequest{
		Contents: []Content{{Role: "user", Parts: []Part{{Text: userPrompt}}}},
		GenerationConfig: &GenerationConfig{
			Temperature:      &temp,
			ResponseMimeType: "application/json",
		},
	}
	if strings.TrimSpace(systemPrompt) != "" {
		req.SystemInstruction = &Content{Parts: []Part{{Text: systemPrompt}}}
	}
	resp, err := c.GenerateContent(ctx, req)
	if err != nil {
		return "", err
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("gemini: prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}
	text := resp.Text()
	if text == "" {
		reason := ""
		if len(resp.Candidates) > 0 {
			reason = resp.Candidates[0].FinishReason
		}
		return "", fmt.Errorf("gemini: empty response (finish_reason=%q)", reason)
	}
	return text, nil
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func calculateBackoff(attempt int) time.Duration {
	backoff := float64(initialBackoff) * math.Pow(2, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(backoff + jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
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

// UsageStats contains accumulated usage statistics
type UsageStats struct {
	PromptTokens  int64 `json:"prompt_tokens"`
	OutputTokens  int64 `json:"output_tokens"`
	GenerateCalls int64 `json:"generate_calls"`
}

// GetUsageStats returns accumulated usage statistics
func (c *Client) GetUsageStats() UsageStats {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	return UsageStats{
		PromptTokens:  c.totalPromptTokens,
		OutputTokens:  c.totalOutputTokens,
		GenerateCalls: c.generateCalls,
	}
}

func (c *Client) recordGenerateUsage(usage *UsageMetadata) {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	c.generateCalls++
	if usage == nil {
		return
	}
	c.totalPromptTokens += int64(usage.PromptTokenCount)
	c.totalOutputTokens += int64(usage.CandidatesTokenCount)
}
