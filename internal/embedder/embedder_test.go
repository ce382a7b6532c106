package embedder

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	calls     int
	failUntil int
	dim       int
	embedFn   func(text string) ([]float32, error)
}

func (f *fakeClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.embedFn != nil {
		v, err := f.embedFn(texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{v}, nil
	}
	if f.calls <= f.failUntil {
		return nil, errors.New("transient provider error")
	}
	return [][]float32{make([]float32, f.dim)}, nil
}

func (f *fakeClient) Summarize(ctx context.Context, filePath, language, content string) (string, error) {
	return "", nil
}

func (f *fakeClient) Dim() int { return f.dim }

func TestEmbedWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	client := &fakeClient{failUntil: 1, dim: 4}
	e := &Embedder{Client: client, MaxRetry: 5, Log: zerolog.Nop()}

	// embedWithRetry sleeps real time between attempts; keep failUntil low
	// enough that this test stays fast.
	v, err := e.embedWithRetry(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, v, 4)
	assert.Equal(t, 2, client.calls)
}

func TestEmbedWithRetryExhaustsAttempts(t *testing.T) {
	client := &fakeClient{failUntil: 100, dim: 4}
	e := &Embedder{Client: client, MaxRetry: 2, Log: zerolog.Nop()}

	_, err := e.embedWithRetry(context.Background(), "hello")
	assert.Error(t, err)
	assert.Equal(t, 2, client.calls)
}

func TestEmbedWithRetryRespectsContextCancellation(t *testing.T) {
	client := &fakeClient{failUntil: 100, dim: 4}
	e := &Embedder{Client: client, MaxRetry: 5, Log: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.embedWithRetry(ctx, "hello")
	assert.Error(t, err)
}
