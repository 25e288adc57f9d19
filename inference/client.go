package inference

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Request is one inference call. Zero-valued fields fall back to the
// client's configured defaults.
type Request struct {
	Model       string        `json:"model,omitempty"`
	Messages    []Message     `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Timeout     time.Duration `json:"-"`
}

// Usage holds token accounting for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is a successful inference payload.
type Result struct {
	Content   string `json:"content"`
	Usage     Usage  `json:"usage"`
	Attempts  int    `json:"attempts"`
	LatencyMs int64  `json:"latency_ms"`
	Simulated bool   `json:"simulated,omitempty"`
}

// Config represents inference client configuration.
type Config struct {
	Provider    string // deepseek, openai, siliconflow, ollama, or any OpenAI-compatible
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int           // default: 2048
	Temperature float32       // default: 0.7
	Timeout     time.Duration // per-request timeout (default: 120s)
	MaxRetries  int           // default: 3
	BaseBackoff time.Duration // default: 500ms
	MaxQPS      float64       // client-side rate limit, 0 disables
}

// completionAPI is the slice of the OpenAI client the retry loop needs.
type completionAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client wraps an OpenAI-compatible endpoint with bounded retries and
// exponential backoff. Intermediate failures are retried transparently;
// only the final post-retry failure surfaces to the caller, as a
// *ClassifiedError.
//
// With no API key and no base URL configured the client runs in a
// deterministic simulation mode that returns a fixed, clearly-marked
// synthetic response, so the surrounding pipeline can run without the
// network dependency.
type Client struct {
	api         completionAPI
	provider    string
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	limiter     *rate.Limiter
	simulated   bool
}

// NewClient creates an inference client.
func NewClient(cfg *Config) *Client {
	c := &Client{
		provider:    cfg.Provider,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
	}
	if c.maxTokens <= 0 {
		c.maxTokens = 2048
	}
	if c.temperature <= 0 {
		c.temperature = 0.7
	}
	if c.timeout <= 0 {
		c.timeout = 120 * time.Second
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.baseBackoff <= 0 {
		c.baseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxQPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxQPS), 1)
	}

	if cfg.APIKey == "" && cfg.BaseURL == "" {
		c.simulated = true
		slog.Info("inference: no backend configured, running in simulation mode", "model", c.model)
		return c
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if baseURL := resolveBaseURL(cfg.Provider, cfg.BaseURL); baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	clientConfig.HTTPClient = newHTTPClient()
	c.api = openai.NewClientWithConfig(clientConfig)
	return c
}

// Provider default base URLs, used when no explicit base URL is set.
var providerBaseURLs = map[string]string{
	"deepseek":    "https://api.deepseek.com",
	"siliconflow": "https://api.siliconflow.cn/v1",
	"openrouter":  "https://openrouter.ai/api/v1",
	"ollama":      "http://localhost:11434",
}

func resolveBaseURL(provider, baseURL string) string {
	if baseURL != "" {
		return baseURL
	}
	return providerBaseURLs[provider]
}

// Complete performs one inference call with up to maxRetries attempts.
func (c *Client) Complete(ctx context.Context, req *Request) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &ClassifiedError{Code: ErrTimeout, Message: "cancelled waiting for rate limiter", Attempts: 0, Err: err}
		}
	}

	if c.simulated {
		return c.simulate(req), nil
	}

	start := time.Now()
	var lastErr error
	var lastCode ErrorCode

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		result, err := c.attempt(ctx, req)
		if err == nil {
			result.Attempts = attempt
			result.LatencyMs = time.Since(start).Milliseconds()
			slog.Info("inference request succeeded",
				"model", c.resolveModel(req),
				"attempts", attempt,
				"total_tokens", result.Usage.TotalTokens,
				"latency_ms", result.LatencyMs,
			)
			return result, nil
		}

		lastErr = err
		lastCode = Classify(err)

		if attempt >= c.maxRetries {
			slog.Error("inference request failed",
				"code", lastCode,
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"retryable", lastCode.Retryable(),
				"error", err,
			)
			break
		}

		slog.Warn("inference request failed, retrying",
			"code", lastCode,
			"attempt", attempt,
		)

		select {
		case <-time.After(c.backoff(attempt)):
		case <-ctx.Done():
			return nil, &ClassifiedError{
				Code:     ErrTimeout,
				Message:  "context cancelled during backoff",
				Attempts: attempt,
				Err:      ctx.Err(),
			}
		}
	}

	return nil, &ClassifiedError{
		Code:     lastCode,
		Message:  lastErr.Error(),
		Attempts: c.maxRetries,
		Err:      lastErr,
	}
}

func (c *Client) attempt(ctx context.Context, req *Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.resolveModel(req),
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages:    convertMessages(req.Messages),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from inference backend")
	}

	return &Result{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// backoff computes base * 2^(attempt-1) plus a uniform jitter drawn from
// [0, 0.1*attempt) seconds.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseBackoff * time.Duration(1<<(attempt-1))
	jitter := time.Duration(rand.Float64() * 0.1 * float64(attempt) * float64(time.Second)) //nolint:gosec // jitter, not crypto
	return d + jitter
}

func (c *Client) resolveModel(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.model
}

// simulate returns the fixed offline response. Token counts derive from
// input length so they stay deterministic per request.
func (c *Client) simulate(req *Request) *Result {
	var lastUser string
	promptChars := 0
	for _, m := range req.Messages {
		promptChars += len(m.Content)
		if m.Role == "user" {
			lastUser = m.Content
		}
	}
	content := fmt.Sprintf("[simulated] deep review of %q is unavailable offline; the query was classified for manual follow-up.", lastUser)
	return &Result{
		Content: content,
		Usage: Usage{
			PromptTokens:     promptChars / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      promptChars/4 + len(content)/4,
		},
		Attempts:  1,
		Simulated: true,
	}
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := m.Role
		switch role {
		case "system", "user", "assistant":
		default:
			role = openai.ChatMessageRoleUser
		}
		out[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return out
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Helper for creating system prompts.
func SystemPrompt(content string) Message {
	return Message{Role: "system", Content: content}
}

// Helper for creating user messages.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}
