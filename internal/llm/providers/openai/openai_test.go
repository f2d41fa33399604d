package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
	"github.com/Corphon/NovelIntruder/internal/llm"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const toolCallReply = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1,
  "model": "gpt-4o-mini",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": null,
      "tool_calls": [{
        "id": "call_1",
        "type": "function",
        "function": {"name": "generate_story_script", "arguments": "{\"script_units\":[{\"type\":\"narration\",\"content\":\"dusk\"}]}"}
      }]
    }
  }],
  "usage": {"prompt_tokens": 12, "completion_tokens": 8, "total_tokens": 20}
}`

func newTestProvider(t *testing.T, handler http.HandlerFunc) llm.Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := llm.GetProvider("openai", map[string]string{
		"api_key":  "test-key",
		"base_url": srv.URL + "/",
	})
	require.NoError(t, err)
	return p
}

func TestGenerateStructuredForcesToolCall(t *testing.T) {
	var body map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(toolCallReply))
	})

	resp, err := p.GenerateStructured(context.Background(), llm.StructuredRequest{
		SystemPrompt: "system",
		UserMessage:  "user",
		Schema:       llm.ScriptSchema(models.RequiredCounts{Narration: 3, Dialogue: 2, Interaction: 1}),
		Temperature:  0.7,
		MaxTokens:    800,
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{"script_units":[{"type":"narration","content":"dusk"}]}`, resp.Content)
	assert.Equal(t, 20, resp.TotalTokens)
	assert.Equal(t, "openai", resp.ProviderName)
	assert.Equal(t, "required", body["tool_choice"])
	assert.Len(t, body["tools"], 1)
}

func TestGenerateStructuredClassifiesStatus(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error": {"message": "nope", "type": "server_error"}}`))
		})

		_, err := p.GenerateStructured(context.Background(), llm.StructuredRequest{
			Schema: llm.ScriptSchema(models.RequiredCounts{Narration: 1, Dialogue: 1, Interaction: 1}),
		})
		require.Error(t, err)
		assert.Equal(t, tc.retryable, llm.IsRetryable(err), "status %d", tc.status)
		assert.NotEmpty(t, apperrors.TypeOf(err))
	}
}

func TestInitializeRequiresKey(t *testing.T) {
	_, err := llm.GetProvider("openai", map[string]string{})
	assert.Error(t, err)
}
