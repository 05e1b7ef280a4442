package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func completionHandler(t *testing.T, content string, inspect func(chatCompletionRequest)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test", r.Header.Get("Authorization"))
		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if inspect != nil {
			inspect(req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
		})
	}
}

func TestCompleteJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(completionHandler(t, `{"title":"Soup"}`, func(req chatCompletionRequest) {
		require.Equal(t, "text-model", req.Model)
		require.Equal(t, "json_object", req.ResponseFormat["type"])
		require.Len(t, req.Messages, 2)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Model: "text-model"})
	out, err := c.CompleteJSON(context.Background(), "system", "user")
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"Soup"}`, out)
}

func TestCompleteJSONWithImagesUsesVisionModel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(completionHandler(t, `{}`, func(req chatCompletionRequest) {
		require.Equal(t, "vision-model", req.Model)
		parts, ok := req.Messages[1].Content.([]any)
		require.True(t, ok)
		require.Len(t, parts, 3)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Model: "text-model", VisionModel: "vision-model"})
	_, err := c.CompleteJSONWithImages(context.Background(), "system", "read these", []string{"data:image/png;base64,AA==", "https://img.example/b.jpg"})
	require.NoError(t, err)

	_, err = c.CompleteJSONWithImages(context.Background(), "system", "read", nil)
	require.Error(t, err)
}

func TestRetriesOnTooManyRequests(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		completionHandler(t, `{"ok":true}`, nil)(w, r)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "test", BaseURL: srv.URL}, WithRetry(4, time.Millisecond, 5*time.Millisecond))
	out, err := c.CompleteJSON(context.Background(), "s", "u")
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, out)
	require.EqualValues(t, 3, calls.Load())
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "test", BaseURL: srv.URL}, WithRetry(4, time.Millisecond, time.Millisecond))
	_, err := c.CompleteJSON(context.Background(), "s", "u")
	require.ErrorContains(t, err, "http 401")
	require.EqualValues(t, 1, calls.Load())
}

func TestRequiresAPIKey(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{})
	require.False(t, c.Configured())
	_, err := c.CompleteJSON(context.Background(), "s", "u")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	var out struct {
		Title string `json:"title"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"title\":\"Pie\"}\n```", &out))
	require.Equal(t, "Pie", out.Title)

	require.NoError(t, DecodeJSON(`Sure! {"title":"Tart"} Enjoy.`, &out))
	require.Equal(t, "Tart", out.Title)

	require.Error(t, DecodeJSON("", &out))
	require.Error(t, DecodeJSON("no json here", &out))
}

func TestBackoffCaps(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{}, WithRetry(5, 100*time.Millisecond, 300*time.Millisecond))
	require.Equal(t, 100*time.Millisecond, c.backoff(1))
	require.Equal(t, 200*time.Millisecond, c.backoff(2))
	require.Equal(t, 300*time.Millisecond, c.backoff(3))
	require.Equal(t, 300*time.Millisecond, c.backoff(6))
}
