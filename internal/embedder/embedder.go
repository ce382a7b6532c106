// Package embedder implements the Embedder (spec.md §4.3): it finds
// chunks and documents without a stored vector, fetches them in batches,
// embeds each distinct content of a batch once, and retries transient
// provider failures with exponential backoff. Each distinct content is
// sent to the provider in its own Embed call; several texts are never
// combined into one provider request.
package embedder

import (
	"context"
	"fmt"
	"math"
	"time"

	pgvector "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"

	"github.com/robomonkey/core/internal/ai"
	"github.com/robomonkey/core/internal/corerr"
	"github.com/robomonkey/core/internal/schema"
)

// Stats reports one EmbedMissing run's outcome.
type Stats struct {
	ChunksEmbedded    int
	DocumentsEmbedded int
	Skipped           int
	Failed            int
}

// Embedder computes and persists embeddings for one repo's schema.
type Embedder struct {
	Schema    *schema.Manager
	Client    ai.Client
	BatchSize int
	MaxRetry  int
	Log       zerolog.Logger
}

// New builds an Embedder. batchSize<=0 defaults to 100. BatchSize bounds
// how many rows one query fetches; the provider still receives one text
// per Embed call.
func New(mgr *schema.Manager, client ai.Client, batchSize int, log zerolog.Logger) *Embedder {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Embedder{Schema: mgr, Client: client, BatchSize: batchSize, MaxRetry: 5, Log: log.With().Str("component", "embedder").Logger()}
}

// EmbedMissing embeds every chunk and document in schemaName lacking a
// vector row, deduping identical content within a batch before calling the
// provider (spec.md §4.3's batch-dedup rule). A PermanentIO provider error
// or a vector whose length differs from Client.Dim() aborts the run with a
// PermanentIO error. Other failures are counted in Stats.Failed and leave
// the row without a vector; the run ends once a batch stores nothing.
func (e *Embedder) EmbedMissing(ctx context.Context, schemaName string) (Stats, error) {
	var stats Stats

	sess, err := e.Schema.Scoped(ctx, schemaName)
	if err != nil {
		return stats, err
	}
	defer sess.Release()

	for {
		type row struct {
			id      string
			content string
		}
		rows, err := sess.Conn().Query(ctx, `
SELECT c.id::text, c.content FROM chunk c
LEFT JOIN chunk_embedding ce ON ce.chunk_id = c.id
WHERE ce.chunk_id IS NULL
LIMIT $1`, e.BatchSize)
		if err != nil {
			return stats, corerr.New(corerr.TransientIO, "EmbedMissing.queryChunks", err)
		}
		var batch []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.content); err != nil {
				rows.Close()
				return stats, corerr.New(corerr.TransientIO, "EmbedMissing.scanChunk", err)
			}
			batch = append(batch, r)
		}
		rows.Close()
		if len(batch) == 0 {
			break
		}

		byHash := map[string][]float32{}
		before := stats.ChunksEmbedded
		for _, r := range batch {
			vec, cached := byHash[r.content]
			if !cached {
				v, err := e.embedWithRetry(ctx, r.content)
				if err != nil {
					if kind, _ := corerr.KindOf(err); kind == corerr.PermanentIO {
						return stats, err
					}
					stats.Failed++
					e.Log.Warn().Err(err).Str("chunk_id", r.id).Msg("embed failed")
					continue
				}
				if len(v) != e.Client.Dim() {
					e.Log.Error().Str("chunk_id", r.id).Int("got", len(v)).Int("want", e.Client.Dim()).
						Msg("embedding dimension mismatch, rejecting write")
					return stats, corerr.New(corerr.PermanentIO, "EmbedMissing.dimension", fmt.Errorf("got %d, want %d", len(v), e.Client.Dim()))
				}
				byHash[r.content] = v
				vec = v
			}
			if _, err := sess.Conn().Exec(ctx, `
INSERT INTO chunk_embedding (chunk_id, embedding) VALUES ($1, $2)
ON CONFLICT (chunk_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
				r.id, pgvector.NewVector(vec)); err != nil {
				stats.Failed++
				e.Log.Error().Err(err).Str("chunk_id", r.id).Msg("store embedding failed")
				continue
			}
			stats.ChunksEmbedded++
		}
		if stats.ChunksEmbedded == before {
			break
		}
	}

	for {
		type row struct {
			id      string
			content string
		}
		rows, err := sess.Conn().Query(ctx, `
SELECT d.id::text, d.content FROM document d
LEFT JOIN document_embedding de ON de.document_id = d.id
WHERE de.document_id IS NULL
LIMIT $1`, e.BatchSize)
		if err != nil {
			return stats, corerr.New(corerr.TransientIO, "EmbedMissing.queryDocs", err)
		}
		var batch []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.content); err != nil {
				rows.Close()
				return stats, corerr.New(corerr.TransientIO, "EmbedMissing.scanDoc", err)
			}
			batch = append(batch, r)
		}
		rows.Close()
		if len(batch) == 0 {
			break
		}

		byHash := map[string][]float32{}
		before := stats.DocumentsEmbedded
		for _, r := range batch {
			vec, cached := byHash[r.content]
			if !cached {
				v, err := e.embedWithRetry(ctx, r.content)
				if err != nil {
					if kind, _ := corerr.KindOf(err); kind == corerr.PermanentIO {
						return stats, err
					}
					stats.Failed++
					e.Log.Warn().Err(err).Str("document_id", r.id).Msg("embed failed")
					continue
				}
				if len(v) != e.Client.Dim() {
					return stats, corerr.New(corerr.PermanentIO, "EmbedMissing.dimension", fmt.Errorf("got %d, want %d", len(v), e.Client.Dim()))
				}
				byHash[r.content] = v
				vec = v
			}
			if _, err := sess.Conn().Exec(ctx, `
INSERT INTO document_embedding (document_id, embedding) VALUES ($1, $2)
ON CONFLICT (document_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
				r.id, pgvector.NewVector(vec)); err != nil {
				stats.Failed++
				continue
			}
			stats.DocumentsEmbedded++
		}
		if stats.DocumentsEmbedded == before {
			break
		}
	}

	return stats, nil
}

// embedWithRetry retries transient provider errors with exponential
// backoff before each retry: 1s, 2s, 4s, 8s for the default MaxRetry of 5
// attempts, matching spec.md §4.3's base-1s factor-2 policy. A PermanentIO error (dimension
// mismatch, malformed response) is not retried.
func (e *Embedder) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < e.MaxRetry; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		vecs, err := e.Client.Embed(ctx, []string{text})
		if err == nil {
			return vecs[0], nil
		}
		if kind, ok := corerr.KindOf(err); ok && kind == corerr.PermanentIO {
			return nil, err
		}
		lastErr = err
	}
	return nil, corerr.New(corerr.TransientIO, "embedWithRetry", lastErr)
}
