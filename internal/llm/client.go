// Package llm is a small client for OpenAI-compatible chat completion APIs
// used to extract and refine recipes.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1/chat/completions"
	defaultHTTPTimeout    = 120 * time.Second
	defaultRetryAttempts  = 4
	defaultRetryBaseDelay = time.Second
	defaultRetryMaxDelay  = 10 * time.Second
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("llm: api key required")

// Config captures the runtime settings required to talk to the model.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	VisionModel    string
	TimeoutSeconds int
}

// Client wraps the chat completion endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client

	retryAttempts int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetry overrides the retry count and backoff bounds.
func WithRetry(attempts int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryAttempts = attempts
		c.baseDelay = baseDelay
		c.maxDelay = maxDelay
	}
}

// NewClient constructs a client using cfg.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	c := &Client{
		cfg:           cfg,
		httpClient:    &http.Client{Timeout: timeout},
		retryAttempts: defaultRetryAttempts,
		baseDelay:     defaultRetryBaseDelay,
		maxDelay:      defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether the client has credentials.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.APIKey != ""
}

// CompleteJSON sends a system and user prompt and returns the model's JSON text.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if strings.TrimSpace(userPrompt) == "" {
		return "", errors.New("llm complete: user prompt required")
	}
	return c.complete(ctx, c.cfg.Model, []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	})
}

// CompleteJSONWithImages is CompleteJSON with images attached to the user
// turn as data or http(s) URLs.
func (c *Client) CompleteJSONWithImages(ctx context.Context, systemPrompt, userPrompt string, imageURLs []string) (string, error) {
	if len(imageURLs) == 0 {
		return "", errors.New("llm complete: at least one image required")
	}
	parts := []contentPart{{Type: "text", Text: userPrompt}}
	for _, u := range imageURLs {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: u}})
	}
	return c.complete(ctx, c.cfg.VisionModel, []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: parts},
	})
}

type chatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("llm request: http %d: %s", e.StatusCode, snippet(e.Body))
}

func (c *Client) complete(ctx context.Context, model string, messages []chatMessage) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	payload := chatCompletionRequest{
		Model:          model,
		Messages:       messages,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	attempts := max(c.retryAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		content, err := c.sendOnce(ctx, payload)
		if err == nil {
			return content, nil
		}
		lastErr = err
		delay, retry := c.retryDelay(ctx, err, attempt)
		if !retry || attempt == attempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

func (c *Client) sendOnce(ctx context.Context, payload chatCompletionRequest) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("llm request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("llm request: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("llm request: decode response: %w", err)
	}
	if completion.Error != nil {
		return "", fmt.Errorf("llm request: api error: %s", completion.Error.Message)
	}
	for _, choice := range completion.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
		if choice.Message.Refusal != "" {
			return "", fmt.Errorf("llm request: model refused: %s", choice.Message.Refusal)
		}
	}
	return "", fmt.Errorf("llm request: empty completion (%s)", snippet(string(body)))
}

func (c *Client) retryDelay(ctx context.Context, err error, attempt int) (time.Duration, bool) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode >= http.StatusInternalServerError:
			if statusErr.RetryAfter > 0 {
				return min(statusErr.RetryAfter, c.maxDelay), true
			}
			return c.backoff(attempt), true
		default:
			return 0, false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.backoff(attempt), true
	}
	return 0, false
}

// backoff doubles from baseDelay per attempt, capped at maxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt && delay < c.maxDelay; i++ {
		delay *= 2
	}
	return min(delay, c.maxDelay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("llm retry: %w", context.Cause(ctx))
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		return max(time.Until(when), 0)
	}
	return 0
}

// DecodeJSON unmarshals model output, tolerating code fences and prose
// around the JSON object.
func DecodeJSON(content string, target any) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal([]byte(trimmed), target); err == nil {
		return nil
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in payload: %s", snippet(trimmed))
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), target); err != nil {
		return fmt.Errorf("decode payload: %w (%s)", err, snippet(trimmed))
	}
	return nil
}

func snippet(s string) string {
	clean := strings.Join(strings.Fields(s), " ")
	const limit = 160
	if r := []rune(clean); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	if clean == "" {
		return "<empty>"
	}
	return clean
}
