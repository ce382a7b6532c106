package retriever

import (
	"context"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/robomonkey/core/internal/corerr"
	"github.com/robomonkey/core/internal/schema"
	"github.com/robomonkey/core/pkg/models"
)

// fetchVectorCandidates returns the top-K rows of entityType by cosine
// similarity, matching spec.md §4.5 step 3. Chunks tied to a symbol are
// reported under EntitySymbol as well as EntityChunk, since a symbol has
// no embedding table of its own; requesting EntitySymbol restricts to
// chunks with a non-null symbol_id.
func fetchVectorCandidates(ctx context.Context, sess *schema.Session, entityType models.EntityType, queryVec []float32, topK int) ([]candidate, error) {
	switch entityType {
	case models.EntityChunk, models.EntitySymbol:
		symbolOnly := entityType == models.EntitySymbol
		return queryChunkVector(ctx, sess, queryVec, topK, symbolOnly, entityType)
	case models.EntityDocument:
		return queryDocumentVector(ctx, sess, queryVec, topK)
	default:
		return nil, nil
	}
}

func queryChunkVector(ctx context.Context, sess *schema.Session, queryVec []float32, topK int, symbolOnly bool, reportAs models.EntityType) ([]candidate, error) {
	q := `
SELECT c.id::text, c.symbol_id::text, f.relative_path, f.language, c.start_line, c.end_line, c.content,
  1 - cosine_distance(ce.embedding, $1) AS score
FROM chunk_embedding ce
JOIN chunk c ON c.id = ce.chunk_id
JOIN file f ON f.id = c.file_id
WHERE ($2::bool = false OR c.symbol_id IS NOT NULL)
ORDER BY ce.embedding <=> $1
LIMIT $3`
	rows, err := sess.Conn().Query(ctx, q, pgvector.NewVector(queryVec), symbolOnly, topK)
	if err != nil {
		return nil, corerr.New(corerr.TransientIO, "queryChunkVector", err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var c candidate
		var symbolID *string
		c.entityType = reportAs
		if err := rows.Scan(&c.entityID, &symbolID, &c.filePath, &c.language, &c.startLine, &c.endLine, &c.content, &c.vecScore); err != nil {
			return nil, corerr.New(corerr.TransientIO, "queryChunkVector.scan", err)
		}
		if reportAs == models.EntitySymbol && symbolID != nil {
			c.entityID = *symbolID
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func queryDocumentVector(ctx context.Context, sess *schema.Session, queryVec []float32, topK int) ([]candidate, error) {
	q := `
SELECT d.id::text, d.path, d.content,
  1 - cosine_distance(de.embedding, $1) AS score
FROM document_embedding de
JOIN document d ON d.id = de.document_id
ORDER BY de.embedding <=> $1
LIMIT $2`
	rows, err := sess.Conn().Query(ctx, q, pgvector.NewVector(queryVec), topK)
	if err != nil {
		return nil, corerr.New(corerr.TransientIO, "queryDocumentVector", err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var c candidate
		c.entityType = models.EntityDocument
		if err := rows.Scan(&c.entityID, &c.filePath, &c.content, &c.vecScore); err != nil {
			return nil, corerr.New(corerr.TransientIO, "queryDocumentVector.scan", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// fetchFTSCandidates ranks entityType rows via ts_rank_cd over a
// websearch-style query, matching spec.md §4.5 step 4.
func fetchFTSCandidates(ctx context.Context, sess *schema.Session, entityType models.EntityType, query string, topK int) ([]candidate, error) {
	switch entityType {
	case models.EntityChunk, models.EntitySymbol:
		return queryChunkFTS(ctx, sess, query, topK, entityType == models.EntitySymbol, entityType)
	case models.EntityDocument:
		return queryDocumentFTS(ctx, sess, query, topK)
	default:
		return nil, nil
	}
}

func queryChunkFTS(ctx context.Context, sess *schema.Session, query string, topK int, symbolOnly bool, reportAs models.EntityType) ([]candidate, error) {
	q := `
SELECT c.id::text, c.symbol_id::text, f.relative_path, f.language, c.start_line, c.end_line, c.content,
  ts_rank_cd(c.fts_vector, websearch_to_tsquery('simple', $1)) AS score
FROM chunk c
JOIN file f ON f.id = c.file_id
WHERE c.fts_vector @@ websearch_to_tsquery('simple', $1)
  AND ($2::bool = false OR c.symbol_id IS NOT NULL)
ORDER BY score DESC
LIMIT $3`
	rows, err := sess.Conn().Query(ctx, q, query, symbolOnly, topK)
	if err != nil {
		return nil, corerr.New(corerr.TransientIO, "queryChunkFTS", err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var c candidate
		var symbolID *string
		c.entityType = reportAs
		if err := rows.Scan(&c.entityID, &symbolID, &c.filePath, &c.language, &c.startLine, &c.endLine, &c.content, &c.ftsScore); err != nil {
			return nil, corerr.New(corerr.TransientIO, "queryChunkFTS.scan", err)
		}
		if reportAs == models.EntitySymbol && symbolID != nil {
			c.entityID = *symbolID
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func queryDocumentFTS(ctx context.Context, sess *schema.Session, query string, topK int) ([]candidate, error) {
	q := `
SELECT d.id::text, d.path, d.content,
  ts_rank_cd(d.fts_vector, websearch_to_tsquery('simple', $1)) AS score
FROM document d
WHERE d.fts_vector @@ websearch_to_tsquery('simple', $1)
ORDER BY score DESC
LIMIT $2`
	rows, err := sess.Conn().Query(ctx, q, query, topK)
	if err != nil {
		return nil, corerr.New(corerr.TransientIO, "queryDocumentFTS", err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var c candidate
		c.entityType = models.EntityDocument
		if err := rows.Scan(&c.entityID, &c.filePath, &c.content, &c.ftsScore); err != nil {
			return nil, corerr.New(corerr.TransientIO, "queryDocumentFTS.scan", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// attachTags loads entity_tag rows for every candidate in one query per
// entity type, since there is no way to join against entity_tag's
// polymorphic (entity_type, entity_id) key across multiple tables at once.
func attachTags(ctx context.Context, sess *schema.Session, candidates []*candidate) error {
	byTypeID := map[models.EntityType]map[string]*candidate{}
	for _, c := range candidates {
		m, ok := byTypeID[c.entityType]
		if !ok {
			m = map[string]*candidate{}
			byTypeID[c.entityType] = m
		}
		m[c.entityID] = c
	}

	for entityType, byID := range byTypeID {
		ids := make([]string, 0, len(byID))
		for id := range byID {
			ids = append(ids, id)
		}
		rows, err := sess.Conn().Query(ctx, `
SELECT entity_id::text, tag FROM entity_tag
WHERE entity_type = $1 AND entity_id = ANY($2::uuid[])`, string(entityType), ids)
		if err != nil {
			return corerr.New(corerr.TransientIO, "attachTags", err)
		}
		for rows.Next() {
			var id, tag string
			if err := rows.Scan(&id, &tag); err != nil {
				rows.Close()
				return corerr.New(corerr.TransientIO, "attachTags.scan", err)
			}
			if c, ok := byID[id]; ok {
				c.tags = append(c.tags, tag)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return corerr.New(corerr.TransientIO, "attachTags.rows", err)
		}
	}
	return nil
}
