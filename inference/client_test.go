package inference

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a scriptable completion backend. With failUntil == 0 every
// call fails with err; otherwise only the first failUntil calls do.
type fakeAPI struct {
	mu        sync.Mutex
	calls     int
	err       error
	failUntil int
	resp      openai.ChatCompletionResponse
}

func (f *fakeAPI) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil && (f.failUntil == 0 || f.calls <= f.failUntil) {
		return openai.ChatCompletionResponse{}, f.err
	}
	return f.resp, nil
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestClient(api completionAPI) *Client {
	c := NewClient(&Config{
		APIKey:      "test-key",
		Model:       "test-model",
		MaxRetries:  3,
		BaseBackoff: time.Millisecond,
		Timeout:     time.Second,
	})
	c.api = api
	return c
}

func successResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func TestClient_Success(t *testing.T) {
	api := &fakeAPI{resp: successResponse("the answer")}
	c := newTestClient(api)

	result, err := c.Complete(context.Background(), &Request{Messages: []Message{UserMessage("q")}})
	require.NoError(t, err)
	assert.Equal(t, "the answer", result.Content)
	assert.Equal(t, 15, result.Usage.TotalTokens)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, api.callCount())
}

func TestClient_ExhaustsRetries(t *testing.T) {
	tests := []struct {
		name         string
		backendErr   error
		expectedCode ErrorCode
	}{
		{
			name:         "429 classifies as rate_limit",
			backendErr:   &openai.APIError{HTTPStatusCode: 429, Message: "rate limited"},
			expectedCode: ErrRateLimit,
		},
		{
			name:         "401 classifies as auth_error",
			backendErr:   &openai.APIError{HTTPStatusCode: 401, Message: "invalid credentials"},
			expectedCode: ErrAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{err: tt.backendErr}
			c := newTestClient(api)

			_, err := c.Complete(context.Background(), &Request{Messages: []Message{UserMessage("q")}})
			require.Error(t, err)

			var cerr *ClassifiedError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.expectedCode, cerr.Code)
			assert.Equal(t, 3, cerr.Attempts)
			assert.Equal(t, 3, api.callCount(), "always-failing backend gets exactly max_retries attempts")
		})
	}
}

func TestClient_NonRetryableStillCountsRetries(t *testing.T) {
	// auth_error is non-retryable in spirit but still consumes the full
	// attempt budget; there is no early exit.
	api := &fakeAPI{err: &openai.APIError{HTTPStatusCode: 401, Message: "invalid credentials"}}
	c := newTestClient(api)

	_, err := c.Complete(context.Background(), &Request{Messages: []Message{UserMessage("q")}})
	require.Error(t, err)
	assert.Equal(t, 3, api.callCount())
	assert.False(t, ErrAuth.Retryable())
}

func TestClient_RecoversMidRetry(t *testing.T) {
	api := &fakeAPI{
		err:       &openai.APIError{HTTPStatusCode: 503, Message: "overloaded"},
		failUntil: 2,
		resp:      successResponse("recovered"),
	}
	c := newTestClient(api)

	result, err := c.Complete(context.Background(), &Request{Messages: []Message{UserMessage("q")}})
	require.NoError(t, err, "intermediate failures are retried transparently")
	assert.Equal(t, "recovered", result.Content)
	assert.Equal(t, 3, result.Attempts)
}

func TestClient_SimulationMode(t *testing.T) {
	c := NewClient(&Config{Model: "test-model"})
	require.True(t, c.simulated)

	req := &Request{Messages: []Message{UserMessage("lost password")}}

	first, err := c.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.Simulated)
	assert.Contains(t, first.Content, "[simulated]")
	assert.Contains(t, first.Content, "lost password")

	second, err := c.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Content, second.Content, "simulation is deterministic")
	assert.Equal(t, first.Usage, second.Usage)
}

func TestClient_Backoff(t *testing.T) {
	c := newTestClient(nil)
	c.baseBackoff = 100 * time.Millisecond

	// base * 2^(attempt-1) plus jitter in [0, 0.1*attempt) seconds.
	for attempt, base := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
	} {
		d := c.backoff(attempt)
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+time.Duration(float64(attempt)*0.1*float64(time.Second)))
	}
}

func TestClient_ContextCancelledDuringBackoff(t *testing.T) {
	api := &fakeAPI{err: &openai.APIError{HTTPStatusCode: 500, Message: "boom"}}
	c := newTestClient(api)
	c.baseBackoff = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Complete(ctx, &Request{Messages: []Message{UserMessage("q")}})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "cancellation interrupts the backoff sleep")
}
