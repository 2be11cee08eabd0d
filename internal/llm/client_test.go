package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trimodal-rag/backend/internal/capability"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithBaseURL("test-key", srv.URL+"/v1", "gpt-test", "embed-test", 0.2, 256)
}

func TestComplete_SendsMessagesAndDefaults(t *testing.T) {
	var got map[string]any
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"entities\":[]}"}}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`))
	})

	out, err := c.Complete(context.Background(), []capability.Message{
		{Role: "system", Content: "extract"},
		{Role: "user", Content: "Kubernetes schedules pods."},
	}, capability.CompletionParams{})
	require.NoError(t, err)
	assert.Equal(t, `{"entities":[]}`, out)

	assert.Equal(t, "gpt-test", got["model"])
	assert.EqualValues(t, 256, got["max_tokens"])
	assert.Len(t, got["messages"], 2)
}

func TestEmbed_PreservesOrder(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "embed-test", req.Model)

		type item struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]item, len(req.Input))
		for i, in := range req.Input {
			data[i] = item{Object: "embedding", Index: i, Embedding: []float32{float32(len(in)), 1}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": req.Model})
	})

	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "abc", "ab"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{1, 1}, vecs[0])
	assert.Equal(t, []float32{3, 1}, vecs[1])
	assert.Equal(t, []float32{2, 1}, vecs[2])

	one, err := c.Embed(context.Background(), "abcd")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 1}, one)
}

func TestEmbed_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad input","type":"invalid_request_error"}}`))
	})

	_, err := c.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad input")
	assert.EqualValues(t, 1, calls.Load())

	status := c.HealthCheck(context.Background())
	assert.False(t, status.Success)
	assert.NotEmpty(t, status.ErrorDetail)
}

func TestEmbedBatch_Empty(t *testing.T) {
	c := NewClient("k", "m", "e", 0, 0)
	out, err := c.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}
