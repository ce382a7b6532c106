// Package ai implements the embedding provider contract spec.md §6
// describes: embed(list<string>) -> list<vector<dim>>, plus the
// summarization helper the Embedder's siblings use for doc generation.
// Two wire shapes are supported, matching the two REST variants spec.md
// §6 names: OpenAIClient speaks the {model,input} batch-capable variant,
// OllamaClient and VertexAIClient speak the {model,prompt} one-item-per-call
// variant, fanning a batch out into sequential provider calls.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/robomonkey/core/internal/corerr"
)

// Client provides both embedding and summarization capabilities.
type Client interface {
	// Embed maps a batch of strings to fixed-dimension vectors, one per
	// input, in input order (spec.md §6's embedding provider contract).
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Summarize(ctx context.Context, filePath, language, content string) (string, error)
	Dim() int
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderOllama   Provider = "ollama"
	ProviderStub     Provider = "stub"
)

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey       string
	EmbedModel   string
	EmbedBaseURL string
	SummaryModel string
	Dim          int
	ProjectID    string
	Provider     Provider
	Location     string
}

// NewClient creates a new AI client based on configuration
func NewClient(config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	ctx := context.Background()
	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderOllama:
		return NewOllamaClient(config), nil
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// validateDims enforces spec.md §4.3's dimension-safety rule: an embedding
// whose length doesn't match the configured dimension is a fatal
// configuration mismatch, not a retryable provider hiccup.
func validateDims(op string, want int, vecs [][]float32) error {
	for i, v := range vecs {
		if len(v) != want {
			return corerr.New(corerr.PermanentIO, op, fmt.Errorf("embedding %d: got dimension %d, want %d", i, len(v), want))
		}
	}
	return nil
}

// StubClient is a stub implementation of the Client interface for testing
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	return &StubClient{dim: dim}
}

// Embed returns a zero vector of the configured dimension per input,
// deterministic and network-free for tests and the stub provider.
func (s *StubClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, s.dim)
	}
	return out, nil
}

// Summarize implements the summarization functionality
func (s *StubClient) Summarize(ctx context.Context, filePath, language, content string) (string, error) {
	// Simple heuristic summary for testing
	lines := strings.Split(content, "\n")
	for _, line := range lines[:min(5, len(lines))] {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			if len(line) > 10 {
				return line, nil
			}
		}
	}
	return "Code file: " + filePath, nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

// min returns the smaller of two integers
func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
