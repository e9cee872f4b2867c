package llmclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
	"github.com/taskpilot/taskpilot/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewGeminiClient(config.LLMConfig{
		APIKey:     "test-key",
		Model:      "gemini-test",
		Endpoint:   server.URL,
		APITimeout: 5 * time.Second,
		MaxTokens:  256,
	}, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestGenerate_ReturnsCandidateText(t *testing.T) {
	var captured map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"generated"}]},"finishReason":"STOP"}]}`))
	})

	out, err := client.Generate(context.Background(), schemas.GenerationRequest{
		SystemPrompt: "be terse",
		UserPrompt:   "hello",
		Options:      schemas.GenerationOptions{ForceJSONFormat: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "generated", out)

	// The system instruction and JSON response mode must make it onto the
	// wire.
	require.Contains(t, captured, "system_instruction")
	genCfg := captured["generationConfig"].(map[string]any)
	assert.Equal(t, "application/json", genCfg["response_mime_type"])
}

func TestGenerate_AttachesInlineImage(t *testing.T) {
	var captured map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"seen"}]}}]}`))
	})

	_, err := client.Generate(context.Background(), schemas.GenerationRequest{
		UserPrompt: "what is on screen?",
		ImagePNG:   []byte{0x89, 0x50, 0x4e, 0x47},
	})
	require.NoError(t, err)

	contents := captured["contents"].([]any)
	parts := contents[0].(map[string]any)["parts"].([]any)
	require.Len(t, parts, 2)
	inline := parts[1].(map[string]any)["inline_data"].(map[string]any)
	assert.Equal(t, "image/png", inline["mime_type"])
	assert.NotEmpty(t, inline["data"])
}

func TestGenerate_ErrorStatusSurfaces(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quota"}`, http.StatusTooManyRequests)
	})

	_, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}

func TestGenerate_NoCandidates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	})

	_, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candidates")
}

func TestNewGeminiClient_RequiresAPIKey(t *testing.T) {
	_, err := NewGeminiClient(config.LLMConfig{}, zap.NewNop())
	require.Error(t, err)
}

func TestNewClient_Factory(t *testing.T) {
	_, err := NewClient(config.LLMConfig{Provider: "gemini", APIKey: "k"}, zap.NewNop())
	assert.NoError(t, err)

	_, err = NewClient(config.LLMConfig{Provider: "gpt-9"}, zap.NewNop())
	assert.Error(t, err)
}
