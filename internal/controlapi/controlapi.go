// Package controlapi implements the Control API (spec.md §9's "dynamic
// dispatch on tool name" redesign): a registry mapping an operation name
// to a typed handler, each validated at the boundary and returning a
// structured response carrying schema_name and an optional error field.
// This package is transport-agnostic — the actual stdio JSON-RPC framing
// spec.md §1 calls out as external is not built here; cmd/daemon exposes
// this registry over a small loopback HTTP listener instead, following
// the teacher's cmd/api/main.go mux/auth/hlog shape.
package controlapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/robomonkey/core/internal/controlplane"
	"github.com/robomonkey/core/internal/corerr"
	"github.com/robomonkey/core/internal/graph"
	"github.com/robomonkey/core/internal/retriever"
	"github.com/robomonkey/core/internal/schema"
	"github.com/robomonkey/core/internal/tagger"
	"github.com/robomonkey/core/pkg/models"
)

// Handler processes one operation's raw JSON arguments and returns a
// value JSON-encodable as the response body, or an error.
type Handler func(ctx context.Context, raw json.RawMessage) (any, error)

// API is the name->handler registry spec.md §9 asks for, backed by the
// Schema Manager, Hybrid Retriever, Graph Expander, job Queue and Tagger.
type API struct {
	Schema    *schema.Manager
	Retriever *retriever.Retriever
	Graph     *graph.Expander
	Queue     *controlplane.Queue
	Tagger    *tagger.Tagger
	Pool      *controlplane.Pool
	Log       zerolog.Logger
	handlers  map[string]Handler
}

// New wires every spec.md §9 RPC surface operation into the registry.
func New(mgr *schema.Manager, retr *retriever.Retriever, exp *graph.Expander, q *controlplane.Queue, tg *tagger.Tagger, pool *controlplane.Pool, log zerolog.Logger) *API {
	a := &API{
		Schema:    mgr,
		Retriever: retr,
		Graph:     exp,
		Queue:     q,
		Tagger:    tg,
		Pool:      pool,
		Log:       log.With().Str("component", "controlapi").Logger(),
		handlers:  map[string]Handler{},
	}
	a.handlers["ping"] = a.ping
	a.handlers["list_repos"] = a.listRepos
	a.handlers["index_status"] = a.indexStatus
	a.handlers["hybrid_search"] = a.hybridSearch
	a.handlers["symbol_lookup"] = a.symbolLookup
	a.handlers["symbol_context"] = a.symbolContext
	a.handlers["callers"] = a.callers
	a.handlers["callees"] = a.callees
	a.handlers["doc_search"] = a.docSearch
	a.handlers["list_tags"] = a.listTags
	a.handlers["tag_entity"] = a.tagEntity
	a.handlers["enqueue_reindex_file"] = a.enqueueReindexFile
	a.handlers["enqueue_reindex_many"] = a.enqueueReindexMany
	a.handlers["daemon_status"] = a.daemonStatus
	return a
}

// Operations lists every registered operation name, sorted, for
// introspection; cmd/daemon logs it at startup (all operations share the
// one /rpc route).
func (a *API) Operations() []string {
	names := make([]string, 0, len(a.handlers))
	for name := range a.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// envelope is the shape Dispatch returns when a handler fails: the error
// kind and a human-readable why. Dispatch sets neither SchemaName nor
// Result; a successful call returns the handler's own value instead.
type envelope struct {
	SchemaName string `json:"schema_name,omitempty"`
	Error      string `json:"error,omitempty"`
	Why        string `json:"why,omitempty"`
	Result     any    `json:"result,omitempty"`
}

// Dispatch looks up name and invokes it, translating a corerr.CoreError
// into the {error, why} shape spec.md §7's propagation rule requires
// instead of letting driver internals leak to the RPC client.
func (a *API) Dispatch(ctx context.Context, name string, raw json.RawMessage) (any, error) {
	h, ok := a.handlers[name]
	if !ok {
		return nil, corerr.New(corerr.NotFound, "Dispatch", errUnknownOperation(name))
	}
	result, err := h(ctx, raw)
	if err != nil {
		return errEnvelope(err), nil
	}
	return result, nil
}

func errEnvelope(err error) envelope {
	kind, _ := corerr.KindOf(err)
	if kind == "" {
		kind = corerr.TransientIO
	}
	return envelope{Error: string(kind), Why: err.Error()}
}

type unknownOperationError struct{ name string }

func (e unknownOperationError) Error() string { return "unknown operation: " + e.name }
func errUnknownOperation(name string) error   { return unknownOperationError{name: name} }

func (a *API) ping(ctx context.Context, raw json.RawMessage) (any, error) {
	return map[string]bool{"pong": true}, nil
}

func (a *API) listRepos(ctx context.Context, raw json.RawMessage) (any, error) {
	repos, err := a.Schema.ListRepos(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"repos": repos}, nil
}

type repoRequest struct {
	Repo string `json:"repo"`
}

func (a *API) indexStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	var req repoRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, corerr.New(corerr.ParseFailure, "indexStatus.unmarshal", err)
	}
	repo, err := a.Schema.Resolve(ctx, req.Repo)
	if err != nil {
		return nil, err
	}
	sess, err := a.Schema.Scoped(ctx, repo.SchemaName)
	if err != nil {
		return nil, err
	}
	defer sess.Release()

	var st models.IndexState
	err = sess.Conn().QueryRow(ctx, `
SELECT coalesce(last_indexed_at, 'epoch'::timestamptz), coalesce(last_marker, ''), file_count, symbol_count,
  chunk_count, edge_count, coalesce(last_error, ''), coalesce(embedding_dim, 0)
FROM repo_index_state`).Scan(&st.LastIndexedAt, &st.LastMarker, &st.FileCount, &st.SymbolCount, &st.ChunkCount, &st.EdgeCount, &st.LastError, &st.EmbeddingDim)
	if err != nil {
		return nil, corerr.New(corerr.TransientIO, "indexStatus.query", err)
	}
	st.RepoID = repo.Name
	return map[string]any{"schema_name": repo.SchemaName, "index_state": st}, nil
}

type hybridSearchRequest struct {
	Query   string            `json:"query"`
	Repo    string            `json:"repo"`
	TopK    int               `json:"top_k"`
	Filters retriever.Filters `json:"filters"`
}

func (a *API) hybridSearch(ctx context.Context, raw json.RawMessage) (any, error) {
	var req hybridSearchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, corerr.New(corerr.ParseFailure, "hybridSearch.unmarshal", err)
	}
	repo, err := a.Schema.Resolve(ctx, req.Repo)
	if err != nil {
		return nil, err
	}
	opts := retriever.DefaultOptions()
	if req.TopK > 0 {
		opts.FinalTopK = req.TopK
	}
	results, err := a.Retriever.Search(ctx, repo.SchemaName, req.Query, req.Filters, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{"schema_name": repo.SchemaName, "results": results}, nil
}

type docSearchRequest struct {
	Repo  string `json:"repo"`
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

func (a *API) docSearch(ctx context.Context, raw json.RawMessage) (any, error) {
	var req docSearchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, corerr.New(corerr.ParseFailure, "docSearch.unmarshal", err)
	}
	repo, err := a.Schema.Resolve(ctx, req.Repo)
	if err != nil {
		return nil, err
	}
	opts := retriever.DefaultOptions()
	if req.TopK > 0 {
		opts.FinalTopK = req.TopK
	}
	f := retriever.Filters{EntityTypes: []models.EntityType{models.EntityDocument}}
	results, err := a.Retriever.Search(ctx, repo.SchemaName, req.Query, f, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{"schema_name": repo.SchemaName, "results": results}, nil
}

type symbolLookupRequest struct {
	Repo     string `json:"repo"`
	FQN      string `json:"fqn"`
	SymbolID string `json:"symbol_id"`
}

func (a *API) symbolLookup(ctx context.Context, raw json.RawMessage) (any, error) {
	var req symbolLookupRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, corerr.New(corerr.ParseFailure, "symbolLookup.unmarshal", err)
	}
	repo, err := a.Schema.Resolve(ctx, req.Repo)
	if err != nil {
		return nil, err
	}
	sess, err := a.Schema.Scoped(ctx, repo.SchemaName)
	if err != nil {
		return nil, err
	}
	defer sess.Release()

	var s models.Symbol
	var filePath string
	var q string
	var arg string
	if req.SymbolID != "" {
		q = `SELECT s.id::text, s.file_id::text, f.relative_path, s.fqn, s.name, s.kind, coalesce(s.signature,''), coalesce(s.docstring,''), s.start_line, s.end_line, s.content_hash FROM symbol s JOIN file f ON f.id = s.file_id WHERE s.id = $1`
		arg = req.SymbolID
	} else {
		q = `SELECT s.id::text, s.file_id::text, f.relative_path, s.fqn, s.name, s.kind, coalesce(s.signature,''), coalesce(s.docstring,''), s.start_line, s.end_line, s.content_hash FROM symbol s JOIN file f ON f.id = s.file_id WHERE s.fqn = $1`
		arg = req.FQN
	}
	var kind string
	err = sess.Conn().QueryRow(ctx, q, arg).Scan(&s.ID, &s.FileID, &filePath, &s.FQN, &s.Name, &kind, &s.Signature, &s.Docstring, &s.StartLine, &s.EndLine, &s.ContentHash)
	if err != nil {
		return nil, corerr.New(corerr.NotFound, "symbolLookup", err)
	}
	s.Kind = models.SymbolKind(kind)
	return map[string]any{"schema_name": repo.SchemaName, "symbol": s, "file_path": filePath}, nil
}

type symbolContextRequest struct {
	Repo     string `json:"repo"`
	FQN      string `json:"fqn"`
	SymbolID string `json:"symbol_id"`
	Depth    int    `json:"depth"`
	Budget   int    `json:"budget"`
}

func (a *API) symbolContext(ctx context.Context, raw json.RawMessage) (any, error) {
	var req symbolContextRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, corerr.New(corerr.ParseFailure, "symbolContext.unmarshal", err)
	}
	repo, symbolID, err := a.resolveSymbolID(ctx, req.Repo, req.FQN, req.SymbolID)
	if err != nil {
		return nil, err
	}
	nodes, err := a.Graph.Expand(ctx, repo.SchemaName, symbolID, req.Depth, graph.Callees, req.Budget)
	if err != nil {
		return nil, err
	}
	return map[string]any{"schema_name": repo.SchemaName, "nodes": nodes}, nil
}

type edgeRequest struct {
	Repo     string `json:"repo"`
	Symbol   string `json:"symbol"`
	SymbolID string `json:"symbol_id"`
	Depth    int    `json:"depth"`
}

func (a *API) callers(ctx context.Context, raw json.RawMessage) (any, error) {
	return a.traverse(ctx, raw, graph.Callers)
}

func (a *API) callees(ctx context.Context, raw json.RawMessage) (any, error) {
	return a.traverse(ctx, raw, graph.Callees)
}

func (a *API) traverse(ctx context.Context, raw json.RawMessage, dir graph.Direction) (any, error) {
	var req edgeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, corerr.New(corerr.ParseFailure, "traverse.unmarshal", err)
	}
	repo, symbolID, err := a.resolveSymbolID(ctx, req.Repo, req.Symbol, req.SymbolID)
	if err != nil {
		return nil, err
	}
	if req.Depth <= 0 {
		req.Depth = 1
	}
	nodes, err := a.Graph.Expand(ctx, repo.SchemaName, symbolID, req.Depth, dir, 0)
	if err != nil {
		return nil, err
	}
	return map[string]any{"schema_name": repo.SchemaName, "nodes": nodes}, nil
}

// resolveSymbolID resolves repoName to a schema and fqn/symbolID to a
// concrete symbol UUID, so every graph operation accepts either form.
func (a *API) resolveSymbolID(ctx context.Context, repoName, fqn, symbolID string) (*models.Repo, string, error) {
	repo, err := a.Schema.Resolve(ctx, repoName)
	if err != nil {
		return nil, "", err
	}
	if symbolID != "" {
		return repo, symbolID, nil
	}
	sess, err := a.Schema.Scoped(ctx, repo.SchemaName)
	if err != nil {
		return nil, "", err
	}
	defer sess.Release()

	var id string
	err = sess.Conn().QueryRow(ctx, `SELECT id::text FROM symbol WHERE fqn = $1`, fqn).Scan(&id)
	if err != nil {
		return nil, "", corerr.New(corerr.NotFound, "resolveSymbolID", err)
	}
	return repo, id, nil
}

func (a *API) listTags(ctx context.Context, raw json.RawMessage) (any, error) {
	var req repoRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, corerr.New(corerr.ParseFailure, "listTags.unmarshal", err)
	}
	repo, err := a.Schema.Resolve(ctx, req.Repo)
	if err != nil {
		return nil, err
	}
	sess, err := a.Schema.Scoped(ctx, repo.SchemaName)
	if err != nil {
		return nil, err
	}
	defer sess.Release()

	rows, err := sess.Conn().Query(ctx, `SELECT name, coalesce(description, '') FROM tag ORDER BY name`)
	if err != nil {
		return nil, corerr.New(corerr.TransientIO, "listTags.query", err)
	}
	defer rows.Close()

	type tagRow struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}
	var tags []tagRow
	for rows.Next() {
		var t tagRow
		if err := rows.Scan(&t.Name, &t.Description); err != nil {
			return nil, corerr.New(corerr.TransientIO, "listTags.scan", err)
		}
		tags = append(tags, t)
	}
	return map[string]any{"schema_name": repo.SchemaName, "tags": tags}, rows.Err()
}

type tagEntityRequest struct {
	Repo       string            `json:"repo"`
	EntityType models.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Tag        string            `json:"tag"`
	Source     models.TagSource  `json:"source"`
	Confidence float64           `json:"confidence"`
}

// tagEntity records a manual or external tag assignment. Source defaults
// to MANUAL and confidence to 1.0 when the caller omits them; a
// caller-supplied source (including RULE_BASED or SEMANTIC_MATCH) is
// stored as given.
func (a *API) tagEntity(ctx context.Context, raw json.RawMessage) (any, error) {
	var req tagEntityRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, corerr.New(corerr.ParseFailure, "tagEntity.unmarshal", err)
	}
	if req.Source == "" {
		req.Source = models.TagManual
	}
	if req.Confidence <= 0 {
		req.Confidence = 1.0
	}
	repo, err := a.Schema.Resolve(ctx, req.Repo)
	if err != nil {
		return nil, err
	}
	sess, err := a.Schema.Scoped(ctx, repo.SchemaName)
	if err != nil {
		return nil, err
	}
	defer sess.Release()

	if _, err := sess.Conn().Exec(ctx, `INSERT INTO tag (name) VALUES ($1) ON CONFLICT DO NOTHING`, req.Tag); err != nil {
		return nil, corerr.New(corerr.TransientIO, "tagEntity.ensureTag", err)
	}
	_, err = sess.Conn().Exec(ctx, `
INSERT INTO entity_tag (entity_type, entity_id, tag, source, confidence)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (entity_type, entity_id, tag) DO UPDATE SET source = EXCLUDED.source, confidence = EXCLUDED.confidence`,
		string(req.EntityType), req.EntityID, req.Tag, string(req.Source), req.Confidence)
	if err != nil {
		return nil, corerr.New(corerr.TransientIO, "tagEntity.insert", err)
	}
	return map[string]any{"schema_name": repo.SchemaName, "tagged": true}, nil
}

type reindexFileRequest struct {
	Repo string `json:"repo"`
	Path string `json:"path"`
}

func (a *API) enqueueReindexFile(ctx context.Context, raw json.RawMessage) (any, error) {
	var req reindexFileRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, corerr.New(corerr.ParseFailure, "enqueueReindexFile.unmarshal", err)
	}
	repo, err := a.Schema.Resolve(ctx, req.Repo)
	if err != nil {
		return nil, err
	}
	id, err := a.Queue.Enqueue(ctx, repo.Name, repo.SchemaName, models.JobReindexFile, req, 5, req.Path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"schema_name": repo.SchemaName, "job_id": id}, nil
}

type reindexManyRequest struct {
	Repo  string   `json:"repo"`
	Paths []string `json:"paths"`
}

// enqueueReindexMany derives its dedup_key from a stable hash of the
// sorted path list (spec.md §9 open question 5), so a future file-watcher
// batching many paths together never produces duplicate pending jobs for
// the same set.
func (a *API) enqueueReindexMany(ctx context.Context, raw json.RawMessage) (any, error) {
	var req reindexManyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, corerr.New(corerr.ParseFailure, "enqueueReindexMany.unmarshal", err)
	}
	repo, err := a.Schema.Resolve(ctx, req.Repo)
	if err != nil {
		return nil, err
	}
	id, err := a.Queue.Enqueue(ctx, repo.Name, repo.SchemaName, models.JobReindexMany, req, 5, pathsDedupKey(req.Paths))
	if err != nil {
		return nil, err
	}
	return map[string]any{"schema_name": repo.SchemaName, "job_id": id}, nil
}

func pathsDedupKey(paths []string) string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, p := range sorted {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) daemonStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	pending, err := a.Queue.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	status := map[string]any{
		"pending_jobs": pending,
		"now":          time.Now().UTC(),
	}
	if a.Pool != nil {
		status["pool"] = a.Pool.Status()
	}
	return status, nil
}
