// Package indexer implements the Indexer (spec.md §4.2): given one file's
// scanned bytes, it parses, chunks, and persists the file/symbol/chunk/edge
// rows inside a single transaction, short-circuiting on an unchanged
// content hash. Run orchestrates a worker pool over a Scanner the same way
// the teacher's Indexer.Run does, generalized from a single chunks table
// to the full per-repo schema.
package indexer

import (
	"context"
	"runtime"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/robomonkey/core/internal/chunker"
	"github.com/robomonkey/core/internal/corerr"
	"github.com/robomonkey/core/internal/parser"
	"github.com/robomonkey/core/internal/scanner"
	"github.com/robomonkey/core/internal/schema"
)

// Stats accumulates counters for one Run and is returned to the caller;
// Run also writes the schema's aggregate counts to repo_index_state.
type Stats struct {
	FilesScanned int
	FilesIndexed int
	FilesSkipped int
	FilesFailed  int
	SymbolCount  int
	ChunkCount   int
	EdgeCount    int
}

// Indexer persists parsed/chunked file content into a repo's schema.
type Indexer struct {
	Schema  *schema.Manager
	Scanner *scanner.Scanner
	Window  int
	Overlap int
	Log     zerolog.Logger
}

// New builds an Indexer for one repo's scanner and schema manager.
func New(mgr *schema.Manager, sc *scanner.Scanner, window, overlap int, log zerolog.Logger) *Indexer {
	if window <= 0 {
		window = chunker.DefaultWindow
	}
	if overlap < 0 {
		overlap = chunker.DefaultOverlap
	}
	return &Indexer{Schema: mgr, Scanner: sc, Window: window, Overlap: overlap, Log: log.With().Str("component", "indexer").Logger()}
}

// Run walks the repo and indexes every file into schemaName, using up to
// maxConcurrent worker goroutines, mirroring the teacher's channel +
// WaitGroup worker pool.
func (ix *Indexer) Run(ctx context.Context, schemaName string, maxConcurrent int) (Stats, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU()
	}
	if maxConcurrent > 8 {
		maxConcurrent = 8
	}

	type workItem struct {
		fi scanner.FileInfo
	}

	workChan := make(chan workItem, maxConcurrent*2)
	var mu sync.Mutex
	var stats Stats
	var firstErr error

	var wg sync.WaitGroup
	for i := 0; i < maxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range workChan {
				res, err := ix.IndexFile(ctx, schemaName, item.fi)
				mu.Lock()
				stats.FilesScanned++
				if err != nil {
					stats.FilesFailed++
					ix.Log.Warn().Err(err).Str("path", item.fi.RelativePath).Msg("index file failed")
					if firstErr == nil && !corerr.Retryable(err) {
						firstErr = err
					}
				} else if res.skipped {
					stats.FilesSkipped++
				} else {
					stats.FilesIndexed++
					stats.SymbolCount += res.symbolCount
					stats.ChunkCount += res.chunkCount
					stats.EdgeCount += res.edgeCount
				}
				mu.Unlock()
			}
		}()
	}

	walkErr := ix.Scanner.Walk(ctx, func(fi scanner.FileInfo) error {
		select {
		case workChan <- workItem{fi: fi}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	close(workChan)
	wg.Wait()

	if sess, err := ix.Schema.Scoped(ctx, schemaName); err == nil {
		if _, err := sess.Conn().Exec(ctx, `
UPDATE repo_index_state SET last_indexed_at = now(),
  file_count = (SELECT count(*) FROM file), symbol_count = (SELECT count(*) FROM symbol),
  chunk_count = (SELECT count(*) FROM chunk), edge_count = (SELECT count(*) FROM edge)`); err != nil {
			ix.Log.Warn().Err(err).Msg("update repo_index_state failed")
		}
		sess.Release()
	}

	if walkErr != nil {
		return stats, corerr.New(corerr.TransientIO, "indexer.Run", walkErr)
	}
	return stats, firstErr
}

type fileResult struct {
	skipped     bool
	symbolCount int
	chunkCount  int
	edgeCount   int
}

// IndexFile parses, chunks and persists one file inside a single
// transaction. If the file's content hash matches what's stored, it is a
// no-op (spec.md §4.2's idempotency rule).
func (ix *Indexer) IndexFile(ctx context.Context, schemaName string, fi scanner.FileInfo) (fileResult, error) {
	raw, err := ix.Scanner.ReadFile(fi.AbsPath)
	if err != nil {
		return fileResult{}, corerr.New(corerr.TransientIO, "IndexFile.read", err)
	}
	content := string(raw)
	hash := parser.ContentHash(content)

	sess, err := ix.Schema.Scoped(ctx, schemaName)
	if err != nil {
		return fileResult{}, err
	}
	defer sess.Release()

	var existingHash string
	err = sess.Conn().QueryRow(ctx, `SELECT content_sha FROM file WHERE relative_path = $1`, fi.RelativePath).Scan(&existingHash)
	switch {
	case err == nil:
		if existingHash == hash {
			return fileResult{skipped: true}, nil
		}
	case err == pgx.ErrNoRows:
		// new file
	default:
		return fileResult{}, corerr.New(corerr.TransientIO, "IndexFile.lookup", err)
	}

	parsed, parseErr := parser.Parse(fi.Language, fi.RelativePath, content)
	if parseErr != nil {
		ix.Log.Warn().Err(parseErr).Str("path", fi.RelativePath).Msg("parse failed, indexing as opaque text")
	}

	tx, err := sess.Conn().Begin(ctx)
	if err != nil {
		return fileResult{}, corerr.New(corerr.TransientIO, "IndexFile.begin", err)
	}
	defer tx.Rollback(ctx)

	var fileID string
	err = tx.QueryRow(ctx, `
INSERT INTO file (relative_path, language, content_sha, modified_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (relative_path) DO UPDATE SET
  language = EXCLUDED.language, content_sha = EXCLUDED.content_sha, modified_at = EXCLUDED.modified_at
RETURNING id`, fi.RelativePath, fi.Language, hash, fi.ModifiedAt).Scan(&fileID)
	if err != nil {
		return fileResult{}, corerr.New(corerr.TransientIO, "IndexFile.upsertFile", err)
	}

	// Stale symbols/chunks/edges for this file are superseded wholesale on
	// every re-parse: deleting the symbols removes their edges through the
	// edge table's ON DELETE CASCADE symbol FKs, while chunks (whose
	// symbol_id FK only sets NULL) are deleted explicitly.
	if _, err := tx.Exec(ctx, `DELETE FROM symbol WHERE file_id = $1`, fileID); err != nil {
		return fileResult{}, corerr.New(corerr.TransientIO, "IndexFile.clearSymbols", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chunk WHERE file_id = $1`, fileID); err != nil {
		return fileResult{}, corerr.New(corerr.TransientIO, "IndexFile.clearChunks", err)
	}

	lines := strings.Split(content, "\n")
	symbolIDs := map[string]string{} // FQN -> id
	for _, sym := range parsed.Symbols {
		body := symbolBody(lines, sym.StartLine, sym.EndLine)
		symHash := parser.ContentHash(body)
		var symID string
		err := tx.QueryRow(ctx, `
INSERT INTO symbol (file_id, fqn, name, kind, signature, docstring, start_line, end_line, content_hash)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (file_id, fqn) DO UPDATE SET
  name=EXCLUDED.name, kind=EXCLUDED.kind, signature=EXCLUDED.signature, docstring=EXCLUDED.docstring,
  start_line=EXCLUDED.start_line, end_line=EXCLUDED.end_line, content_hash=EXCLUDED.content_hash
RETURNING id`, fileID, sym.FQN, sym.Name, string(sym.Kind), sym.Signature, sym.Docstring, sym.StartLine, sym.EndLine, symHash,
		).Scan(&symID)
		if err != nil {
			return fileResult{}, corerr.New(corerr.TransientIO, "IndexFile.upsertSymbol", err)
		}
		symbolIDs[sym.FQN] = symID
	}

	chunkCount := 0
	if len(parsed.Symbols) == 0 {
		for _, c := range chunker.Split(content, ix.Window, ix.Overlap) {
			startLine := strings.Count(content[:c.Start], "\n") + 1
			endLine := startLine + strings.Count(c.Content, "\n")
			if err := upsertChunk(ctx, tx, fileID, nil, c.Content, startLine, endLine, c.ContentHash); err != nil {
				return fileResult{}, err
			}
			chunkCount++
		}
	} else {
		for _, sym := range parsed.Symbols {
			symID := symbolIDs[sym.FQN]
			body := symbolBody(lines, sym.StartLine, sym.EndLine)
			for _, c := range chunker.Split(body, ix.Window, ix.Overlap) {
				startLine := sym.StartLine + strings.Count(body[:c.Start], "\n")
				endLine := startLine + strings.Count(c.Content, "\n")
				if err := upsertChunk(ctx, tx, fileID, &symID, c.Content, startLine, endLine, c.ContentHash); err != nil {
					return fileResult{}, err
				}
				chunkCount++
			}
		}
	}

	// Call-edge resolution is intentionally file-local and name-based: a
	// callee name may match zero, one, or several symbols in this file.
	// confidence = 1/len(candidates) implements spec.md §4.2's ambiguity
	// rule. Callees defined only in other files get no edge, and the Graph
	// Expander follows stored edges only, so such calls are not linked.
	edgeCount := 0
	for _, call := range parsed.Calls {
		srcID, ok := symbolIDs[call.CallerFQN]
		if !ok {
			continue
		}
		candidates := candidatesByName(symbolIDs, call.CalleeName)
		if len(candidates) == 0 {
			continue
		}
		confidence := 1.0 / float64(len(candidates))
		for _, dstID := range candidates {
			if _, err := tx.Exec(ctx, `
INSERT INTO edge (src_symbol_id, dst_symbol_id, type, evidence_file_id, evidence_start_line, evidence_end_line, confidence)
VALUES ($1,$2,'CALLS',$3,$4,$4,$5)
ON CONFLICT (src_symbol_id, dst_symbol_id, type, evidence_file_id, evidence_start_line, evidence_end_line) DO NOTHING`,
				srcID, dstID, fileID, call.Line, confidence); err != nil {
				return fileResult{}, corerr.New(corerr.TransientIO, "IndexFile.insertCallEdge", err)
			}
			edgeCount++
		}
	}
	for _, inh := range parsed.Inherits {
		srcID, ok := symbolIDs[inh.SubFQN]
		if !ok {
			continue
		}
		for _, dstID := range candidatesByName(symbolIDs, inh.BaseName) {
			if _, err := tx.Exec(ctx, `
INSERT INTO edge (src_symbol_id, dst_symbol_id, type, evidence_file_id, evidence_start_line, evidence_end_line, confidence)
VALUES ($1,$2,'INHERITS',$3,$4,$4,1.0)
ON CONFLICT (src_symbol_id, dst_symbol_id, type, evidence_file_id, evidence_start_line, evidence_end_line) DO NOTHING`,
				srcID, dstID, fileID, inh.Line); err != nil {
				return fileResult{}, corerr.New(corerr.TransientIO, "IndexFile.insertInheritEdge", err)
			}
			edgeCount++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fileResult{}, corerr.New(corerr.TransientIO, "IndexFile.commit", err)
	}
	return fileResult{symbolCount: len(parsed.Symbols), chunkCount: chunkCount, edgeCount: edgeCount}, nil
}

func upsertChunk(ctx context.Context, tx pgx.Tx, fileID string, symbolID *string, content string, startLine, endLine int, hash string) error {
	_, err := tx.Exec(ctx, `
INSERT INTO chunk (file_id, symbol_id, content, start_line, end_line, content_hash)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (file_id, start_line, end_line, content_hash) DO NOTHING`,
		fileID, symbolID, content, startLine, endLine, hash)
	if err != nil {
		return corerr.New(corerr.TransientIO, "upsertChunk", err)
	}
	return nil
}

func symbolBody(lines []string, startLine, endLine int) string {
	if startLine < 1 {
		startLine = 1
	}
	if endLine > len(lines) {
		endLine = len(lines)
	}
	if startLine > endLine {
		return ""
	}
	return strings.Join(lines[startLine-1:endLine], "\n")
}

func candidatesByName(symbolIDs map[string]string, name string) []string {
	var out []string
	for fqn, id := range symbolIDs {
		if fqn == name || strings.HasSuffix(fqn, "."+name) {
			out = append(out, id)
		}
	}
	return out
}
