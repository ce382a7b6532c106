// Package graph implements the Graph Expander (spec.md §4.6): a
// breadth-first traversal over CALLS edges that accumulates context
// chunks around a starting symbol, bounded by depth and a token budget.
// No pack example carries a call graph, so this is new code written in
// the teacher's plain-Go, explicit-error-return style.
package graph

import (
	"context"
	"errors"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/robomonkey/core/internal/corerr"
	"github.com/robomonkey/core/internal/schema"
	"github.com/robomonkey/core/pkg/models"
)

// Direction selects which side of a CALLS edge to traverse.
type Direction string

const (
	Callers Direction = "callers"
	Callees Direction = "callees"
)

// DefaultBudgetTokens matches spec.md §4.6's CONTEXT_BUDGET_TOKENS default.
const DefaultBudgetTokens = 12000

// Node is one chunk of context returned by Expand, tagged with the BFS
// layer it was discovered at (0 = the starting symbol).
type Node struct {
	SymbolID  string
	FQN       string
	FilePath  string
	StartLine int
	EndLine   int
	Content   string
	Layer     int
}

// Expander walks the call graph of one repo's schema.
type Expander struct {
	Schema *schema.Manager
}

// New builds an Expander.
func New(mgr *schema.Manager) *Expander {
	return &Expander{Schema: mgr}
}

type edgeRow struct {
	src, dst string
}

// Expand performs BFS from startSymbolID to depth (clamped to [1,2]),
// following CALLS edges in the requested direction, and returns
// definition chunks plus one surrounding-file chunk per visited symbol,
// deduplicated by (file_id, start_line, end_line), ordered by BFS layer
// then file path then start_line. Chunks are collected while summing
// estimated tokens (chars ÷ 4); once the sum exceeds budgetTokens no
// further chunk is added, so the chunk that crosses the budget is still
// returned. budgetTokens<=0 uses DefaultBudgetTokens.
func (e *Expander) Expand(ctx context.Context, schemaName, startSymbolID string, depth int, dir Direction, budgetTokens int) ([]Node, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > 2 {
		depth = 2
	}
	if budgetTokens <= 0 {
		budgetTokens = DefaultBudgetTokens
	}

	sess, err := e.Schema.Scoped(ctx, schemaName)
	if err != nil {
		return nil, err
	}
	defer sess.Release()

	layerOf := map[string]int{startSymbolID: 0}
	frontier := []string{startSymbolID}
	order := []string{startSymbolID}

	for layer := 1; layer <= depth && len(frontier) > 0; layer++ {
		next, err := neighbors(ctx, sess, frontier, dir)
		if err != nil {
			return nil, err
		}
		var fresh []string
		for _, id := range next {
			if _, seen := layerOf[id]; seen {
				continue
			}
			layerOf[id] = layer
			fresh = append(fresh, id)
			order = append(order, id)
		}
		frontier = fresh
	}

	type key struct {
		fileID             string
		startLine, endLine int
	}
	seenChunks := map[key]bool{}
	var nodes []Node
	budgetUsed := 0

	for _, symbolID := range order {
		chunks, err := contextChunksForSymbol(ctx, sess, symbolID)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			k := key{c.fileID, c.startLine, c.endLine}
			if seenChunks[k] {
				continue
			}
			seenChunks[k] = true

			node := Node{
				SymbolID:  symbolID,
				FQN:       c.fqn,
				FilePath:  c.filePath,
				StartLine: c.startLine,
				EndLine:   c.endLine,
				Content:   c.content,
				Layer:     layerOf[symbolID],
			}
			nodes = append(nodes, node)
			budgetUsed += len(c.content) / 4
			if budgetUsed > budgetTokens {
				sortNodes(nodes)
				return nodes, nil
			}
		}
	}

	sortNodes(nodes)
	return nodes, nil
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Layer != b.Layer {
			return a.Layer < b.Layer
		}
		if a.FilePath != b.FilePath {
			return a.FilePath < b.FilePath
		}
		return a.StartLine < b.StartLine
	})
}

func neighbors(ctx context.Context, sess *schema.Session, symbolIDs []string, dir Direction) ([]string, error) {
	var q string
	switch dir {
	case Callers:
		q = `SELECT DISTINCT src_symbol_id::text FROM edge WHERE type = $1 AND dst_symbol_id = ANY($2::uuid[])`
	default:
		q = `SELECT DISTINCT dst_symbol_id::text FROM edge WHERE type = $1 AND src_symbol_id = ANY($2::uuid[])`
	}
	rows, err := sess.Conn().Query(ctx, q, string(models.EdgeCalls), symbolIDs)
	if err != nil {
		return nil, corerr.New(corerr.TransientIO, "neighbors", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, corerr.New(corerr.TransientIO, "neighbors.scan", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type contextChunk struct {
	fqn                string
	fileID             string
	filePath           string
	startLine, endLine int
	content            string
}

// contextChunksForSymbol returns the symbol's own definition chunk plus
// the nearest other chunk in the same file (the "surrounding-file chunk"
// spec.md §4.6 calls for), when one exists.
func contextChunksForSymbol(ctx context.Context, sess *schema.Session, symbolID string) ([]contextChunk, error) {
	var own contextChunk
	var ok bool
	err := sess.Conn().QueryRow(ctx, `
SELECT s.fqn, c.file_id::text, f.relative_path, c.start_line, c.end_line, c.content
FROM symbol s
JOIN chunk c ON c.symbol_id = s.id
JOIN file f ON f.id = c.file_id
WHERE s.id = $1
ORDER BY c.start_line
LIMIT 1`, symbolID).Scan(&own.fqn, &own.fileID, &own.filePath, &own.startLine, &own.endLine, &own.content)
	if err == nil {
		ok = true
	} else if !isNoRows(err) {
		return nil, corerr.New(corerr.TransientIO, "contextChunksForSymbol.own", err)
	}
	if !ok {
		return nil, nil
	}

	var nearby contextChunk
	nearbyOK := false
	err = sess.Conn().QueryRow(ctx, `
SELECT s2.fqn, c2.file_id::text, f.relative_path, c2.start_line, c2.end_line, c2.content
FROM chunk c2
JOIN file f ON f.id = c2.file_id
LEFT JOIN symbol s2 ON s2.id = c2.symbol_id
WHERE c2.file_id = $1 AND NOT (c2.start_line = $2 AND c2.end_line = $3)
ORDER BY abs(c2.start_line - $2)
LIMIT 1`, own.fileID, own.startLine, own.endLine).Scan(&nearby.fqn, &nearby.fileID, &nearby.filePath, &nearby.startLine, &nearby.endLine, &nearby.content)
	if err == nil {
		nearbyOK = true
	} else if !isNoRows(err) {
		return nil, corerr.New(corerr.TransientIO, "contextChunksForSymbol.nearby", err)
	}

	if nearbyOK {
		return []contextChunk{own, nearby}, nil
	}
	return []contextChunk{own}, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
