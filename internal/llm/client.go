// Package llm is the language-model gateway: a thin OpenAI-compatible chat
// completions client with structured-output mode and an explicit bounded
// retry loop for throttled responses. No OpenAI Go SDK is used: none
// appears anywhere in the retrieval pack, and the governing design notes
// call for an explicit loop over a decorator/library in this exact spot.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 8 * time.Second
	maxRetries     = 3
)

// Client is a gateway to an OpenAI-chat-completions-compatible endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	log        zerolog.Logger
	sleep      func(time.Duration) // overridable for tests
}

// New constructs a Client bound to a single model identifier; the recorded
// `agent` string on tasks/deals equals this identifier.
func New(baseURL, apiKey, model string, log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		log:        log,
		sleep:      time.Sleep,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete issues one chat-completion call in JSON-object mode, returning
// the first choice's message content and the tokens reported, retrying on
// 429/rate-limit signals with exponential backoff (1s, 2s, 4s, capped at
// 8s, three retries). Any other error is surfaced immediately.
func (c *Client) Complete(ctx context.Context, system, user string) (content string, tokensUsed int, err error) {
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.1,
	}
	reqBody.ResponseFormat.Type = "json_object"

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, fmt.Errorf("marshaling chat request: %w", err)
	}

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		content, tokensUsed, status, callErr := c.doRequest(ctx, payload)
		if callErr == nil {
			return content, tokensUsed, nil
		}

		if !isThrottled(status, callErr) {
			return "", 0, callErr
		}

		if attempt >= maxRetries {
			return "", 0, &ThrottledError{Attempts: attempt + 1, Cause: callErr}
		}

		c.log.Warn().Err(callErr).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("llm throttled, retrying")
		c.sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) doRequest(ctx context.Context, payload []byte) (content string, tokensUsed int, statusCode int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, resp.StatusCode, err
	}

	if resp.StatusCode >= 300 {
		return "", 0, resp.StatusCode, fmt.Errorf("llm endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, resp.StatusCode, fmt.Errorf("decoding chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", 0, resp.StatusCode, fmt.Errorf("chat response had no choices")
	}
	return parsed.Choices[0].Message.Content, parsed.Usage.TotalTokens, resp.StatusCode, nil
}

// ThrottledError surfaces once the retry budget is exhausted.
type ThrottledError struct {
	Attempts int
	Cause    error
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *ThrottledError) Unwrap() error { return e.Cause }

func isThrottled(status int, err error) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}
