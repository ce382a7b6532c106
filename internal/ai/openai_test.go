package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robomonkey/core/internal/corerr"
)

// roundTripFunc lets a test stub http.Client.Transport with a closure,
// since OpenAIClient.Embed posts to a hardcoded OpenAI URL rather than one
// that's configurable for pointing at an httptest.Server.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func newOpenAIClientWithTransport(t *testing.T, dim int, fn roundTripFunc) *OpenAIClient {
	t.Helper()
	c := NewOpenAIClient(&ClientConfig{APIKey: "test-key", Dim: dim})
	c.http = &http.Client{Transport: fn}
	return c
}

func jsonResponse(status int, body any) *http.Response {
	b, _ := json.Marshal(body)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(string(b))),
		Header:     make(http.Header),
	}
}

func TestOpenAIClientEmbedBatchInOneRequest(t *testing.T) {
	var captured struct {
		Input []string `json:"input"`
		Model string   `json:"model"`
	}
	var requestCount int

	client := newOpenAIClientWithTransport(t, 3, func(req *http.Request) (*http.Response, error) {
		requestCount++
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))
		return jsonResponse(http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{0.4, 0.5, 0.6}},
				{"index": 0, "embedding": []float32{0.1, 0.2, 0.3}},
			},
		}), nil
	})

	vecs, err := client.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, 1, requestCount, "a batch should be a single HTTP call, not one per text")
	assert.Equal(t, []string{"first", "second"}, captured.Input)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vecs[0], "response index 0 must land at vecs[0] regardless of wire order")
	assert.Equal(t, []float32{0.4, 0.5, 0.6}, vecs[1])
}

func TestOpenAIClientEmbedRejectsDimensionMismatch(t *testing.T) {
	client := newOpenAIClientWithTransport(t, 3, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{0.1, 0.2}}},
		}), nil
	})

	_, err := client.Embed(context.Background(), []string{"short vector"})
	require.Error(t, err)
	kind, ok := corerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, corerr.PermanentIO, kind)
}

func TestOpenAIClientEmbedRejectsCountMismatch(t *testing.T) {
	client := newOpenAIClientWithTransport(t, 3, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{0.1, 0.2, 0.3}}},
		}), nil
	})

	_, err := client.Embed(context.Background(), []string{"one", "two"})
	assert.Error(t, err)
}

func TestOpenAIClientEmbedNon200(t *testing.T) {
	client := newOpenAIClientWithTransport(t, 3, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusTooManyRequests, map[string]any{"error": map[string]any{"message": "rate limited"}}), nil
	})

	_, err := client.Embed(context.Background(), []string{"text"})
	assert.Error(t, err)
}

func TestOpenAIClientEmbedMissingAPIKey(t *testing.T) {
	client := NewOpenAIClient(&ClientConfig{Dim: 3})
	_, err := client.Embed(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROVIDER_API_KEY")
}

func TestOpenAIClientEmbedEmptyBatch(t *testing.T) {
	client := newOpenAIClientWithTransport(t, 3, func(req *http.Request) (*http.Response, error) {
		t.Fatal("should not make an HTTP call for an empty batch")
		return nil, nil
	})
	vecs, err := client.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestOpenAIClientDefaultsDimensionByModel(t *testing.T) {
	tests := []struct {
		model string
		dim   int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
	}
	for _, tt := range tests {
		c := NewOpenAIClient(&ClientConfig{EmbedModel: tt.model})
		assert.Equal(t, tt.dim, c.Dim())
	}
}

func TestOpenAIClientSummarizeSetsAuthHeader(t *testing.T) {
	var gotAuth string
	client := newOpenAIClientWithTransport(t, 3, func(req *http.Request) (*http.Response, error) {
		gotAuth = req.Header.Get("Authorization")
		return jsonResponse(http.StatusOK, map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "a summary\nwith a newline"}}},
		}), nil
	})

	summary, err := client.Summarize(context.Background(), "main.go", "go", "package main")
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "a summary with a newline", summary)
}
