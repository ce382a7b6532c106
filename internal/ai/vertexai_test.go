package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVertexAIClientDefaults(t *testing.T) {
	tests := []struct {
		name           string
		config         *ClientConfig
		wantEmbedModel string
		wantSummary    string
		wantDim        int
		wantLocation   string
	}{
		{
			name:           "all defaults, api key auth",
			config:         &ClientConfig{APIKey: "test-key"},
			wantEmbedModel: "text-embedding-005",
			wantSummary:    "gemini-2.0-flash",
			wantDim:        768,
		},
		{
			name:           "service account auth defaults location",
			config:         &ClientConfig{ProjectID: "my-project"},
			wantEmbedModel: "text-embedding-005",
			wantSummary:    "gemini-2.0-flash",
			wantDim:        768,
			wantLocation:   "us-central1",
		},
		{
			name:           "explicit overrides preserved",
			config:         &ClientConfig{APIKey: "test-key", EmbedModel: "custom-embed", SummaryModel: "custom-summary", Dim: 1024},
			wantEmbedModel: "custom-embed",
			wantSummary:    "custom-summary",
			wantDim:        1024,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewVertexAIClient(context.Background(), tt.config)
			require.NoError(t, err)
			require.NotNil(t, client)
			assert.Equal(t, tt.wantEmbedModel, client.config.EmbedModel)
			assert.Equal(t, tt.wantSummary, client.config.SummaryModel)
			assert.Equal(t, tt.wantDim, client.config.Dim)
			if tt.wantLocation != "" {
				assert.Equal(t, tt.wantLocation, client.config.Location)
			}
			assert.Equal(t, tt.wantDim, client.Dim())
		})
	}
}

func TestNewVertexAIClientNilConfig(t *testing.T) {
	_, err := NewVertexAIClient(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config cannot be nil")
}

func TestVertexAIClientEmbedEmptyBatchIsNoop(t *testing.T) {
	client, err := NewVertexAIClient(context.Background(), &ClientConfig{APIKey: "test-key", Dim: 768})
	require.NoError(t, err)

	vecs, err := client.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}
