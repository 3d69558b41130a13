package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatResponseBody(content string) []byte {
	resp := chatResponse{}
	resp.Choices = []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}{{}}
	resp.Choices[0].Message.Content = content
	resp.Usage.TotalTokens = 42
	b, _ := json.Marshal(resp)
	return b
}

func TestComplete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(chatResponseBody(`{"category":"sales_lead"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "test-model", zerolog.Nop())
	content, tokens, err := c.Complete(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"category":"sales_lead"}`, content)
	assert.Equal(t, 42, tokens)
}

func TestComplete_RetriesOn429ThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(chatResponseBody(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "test-model", zerolog.Nop())
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }

	content, _, err := c.Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, content)
	assert.Equal(t, 3, calls)
	require.Len(t, slept, 2)
	assert.Equal(t, 1*time.Second, slept[0])
	assert.Equal(t, 2*time.Second, slept[1])
}

func TestComplete_ExhaustsRetryBudget(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limit exceeded"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "test-model", zerolog.Nop())
	c.sleep = func(time.Duration) {}

	_, _, err := c.Complete(context.Background(), "s", "u")
	require.Error(t, err)
	var throttled *ThrottledError
	assert.ErrorAs(t, err, &throttled)
	assert.Equal(t, 4, calls) // initial + 3 retries
}

func TestComplete_NonRetryableErrorSurfacesImmediately(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "test-model", zerolog.Nop())
	_, _, err := c.Complete(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
