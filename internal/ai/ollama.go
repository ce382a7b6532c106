package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// OllamaClient talks to a local Ollama instance's /api/embeddings and
// /api/generate endpoints, following the same raw net/http REST shape as
// OpenAIClient (no official Go SDK is part of the pack for Ollama).
type OllamaClient struct {
	config *ClientConfig
	http   *http.Client
	base   string
}

// NewOllamaClient builds a client against config.EmbedBaseURL, defaulting
// to Ollama's standard local port.
func NewOllamaClient(config *ClientConfig) *OllamaClient {
	if config.EmbedModel == "" {
		config.EmbedModel = "nomic-embed-text"
	}
	if config.SummaryModel == "" {
		config.SummaryModel = config.EmbedModel
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	base := config.EmbedBaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	return &OllamaClient{
		config: config,
		http:   &http.Client{Timeout: 30 * time.Second},
		base:   strings.TrimRight(base, "/"),
	}
}

// Embed fans a batch out into sequential calls against Ollama's
// /api/embeddings endpoint, the {model,prompt} "variant (b)" REST shape
// spec.md §6 describes: one item in, one embedding out, per call.
func (c *OllamaClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := c.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	if err := validateDims("OllamaClient.Embed", c.config.Dim, vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (c *OllamaClient) embedOne(ctx context.Context, text string) ([]float32, error) {
	payload := map[string]string{"model": c.config.EmbedModel, "prompt": text}
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/embeddings", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("ollama embedding non-200")
	}
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, errors.New("empty embedding")
	}
	return out.Embedding, nil
}

func (c *OllamaClient) Summarize(ctx context.Context, filePath, language, content string) (string, error) {
	const maxInput = 8000
	if len(content) > maxInput {
		content = content[:maxInput]
	}
	prompt := "Summarize this " + language + " file (" + filePath + ") in at most 240 characters, 1-2 sentences:\n\n" + content

	payload := map[string]any{"model": c.config.SummaryModel, "prompt": prompt, "stream": false}
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/generate", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.New("ollama generate non-200")
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Response), nil
}

func (c *OllamaClient) Dim() int { return c.config.Dim }
