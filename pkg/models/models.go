// Package models defines the entities shared across the indexing and
// retrieval pipeline. Types here are persistence-agnostic: they describe
// the shape of a row, not how it is stored.
package models

import "time"

// EntityType enumerates the kinds of rows that can carry tags or be
// returned from hybrid search.
type EntityType string

const (
	EntityChunk    EntityType = "chunk"
	EntityDocument EntityType = "document"
	EntitySymbol   EntityType = "symbol"
	EntityFile     EntityType = "file"
)

// SymbolKind enumerates the kinds of symbols the Parser Façade can report.
type SymbolKind string

const (
	SymbolFunction  SymbolKind = "function"
	SymbolMethod    SymbolKind = "method"
	SymbolClass     SymbolKind = "class"
	SymbolInterface SymbolKind = "interface"
)

// EdgeType enumerates the directed relations between two symbols.
type EdgeType string

const (
	EdgeCalls      EdgeType = "CALLS"
	EdgeImports    EdgeType = "IMPORTS"
	EdgeInherits   EdgeType = "INHERITS"
	EdgeImplements EdgeType = "IMPLEMENTS"
)

// DocumentType enumerates the kinds of documentation records.
type DocumentType string

const (
	DocFile          DocumentType = "DOC_FILE"
	DocGeneratedSumm DocumentType = "GENERATED_SUMMARY"
)

// DocumentSource enumerates how a document's content originated.
type DocumentSource string

const (
	SourceHuman    DocumentSource = "HUMAN"
	SourceGenerate DocumentSource = "GENERATED"
)

// TagSource enumerates how an entity_tag row was produced.
type TagSource string

const (
	TagRuleBased     TagSource = "RULE_BASED"
	TagSemanticMatch TagSource = "SEMANTIC_MATCH"
	TagLLMSuggestion TagSource = "LLM_SUGGESTION"
	TagManual        TagSource = "MANUAL"
)

// Repo describes a registered repository and the per-repo schema it
// resolves to.
type Repo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	RootPath   string    `json:"root_path"`
	SchemaName string    `json:"schema_name"`
	Enabled    bool      `json:"enabled"`
	AutoIndex  bool      `json:"auto_index"`
	AutoEmbed  bool      `json:"auto_embed"`
	AutoWatch  bool      `json:"auto_watch"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
}

// IndexState mirrors repo_index_state: a one-to-one aggregate of the most
// recent index run for a repo.
type IndexState struct {
	RepoID        string    `json:"repo_id"`
	LastIndexedAt time.Time `json:"last_indexed_at"`
	LastMarker    string    `json:"last_marker"`
	FileCount     int       `json:"file_count"`
	SymbolCount   int       `json:"symbol_count"`
	ChunkCount    int       `json:"chunk_count"`
	EdgeCount     int       `json:"edge_count"`
	LastError     string    `json:"last_error,omitempty"`
	EmbeddingDim  int       `json:"embedding_dim,omitempty"`
}

// File is one row of the per-repo file table.
type File struct {
	ID           string    `json:"id"`
	RepoID       string    `json:"repo_id"`
	RelativePath string    `json:"relative_path"`
	Language     string    `json:"language"`
	ContentSHA   string    `json:"content_sha"`
	ModifiedAt   time.Time `json:"modified_at"`
}

// Symbol is one row of the per-repo symbol table.
type Symbol struct {
	ID          string     `json:"id"`
	RepoID      string     `json:"repo_id"`
	FileID      string     `json:"file_id"`
	FQN         string     `json:"fqn"`
	Name        string     `json:"name"`
	Kind        SymbolKind `json:"kind"`
	Signature   string     `json:"signature,omitempty"`
	Docstring   string     `json:"docstring,omitempty"`
	StartLine   int        `json:"start_line"`
	EndLine     int        `json:"end_line"`
	ContentHash string     `json:"content_hash"`
}

// Edge is one row of the per-repo edge table.
type Edge struct {
	ID                string   `json:"id"`
	RepoID            string   `json:"repo_id"`
	SrcSymbolID       string   `json:"src_symbol_id"`
	DstSymbolID       string   `json:"dst_symbol_id"`
	Type              EdgeType `json:"type"`
	EvidenceFileID    string   `json:"evidence_file_id"`
	EvidenceStartLine int      `json:"evidence_start_line"`
	EvidenceEndLine   int      `json:"evidence_end_line"`
	Confidence        float64  `json:"confidence"`
}

// Chunk is one row of the per-repo chunk table.
type Chunk struct {
	ID          string    `json:"id"`
	RepoID      string    `json:"repo_id"`
	FileID      string    `json:"file_id"`
	SymbolID    *string   `json:"symbol_id,omitempty"`
	Path        string    `json:"path"`
	Content     string    `json:"content"`
	StartLine   int       `json:"start_line"`
	EndLine     int       `json:"end_line"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Document is one row of the per-repo document table.
type Document struct {
	ID        string         `json:"id"`
	RepoID    string         `json:"repo_id"`
	Path      string         `json:"path"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Type      DocumentType   `json:"type"`
	Source    DocumentSource `json:"source"`
	CreatedAt time.Time      `json:"created_at"`
}

// EntityTag is one row of the per-repo entity_tag table.
type EntityTag struct {
	RepoID     string     `json:"repo_id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Tag        string     `json:"tag"`
	Source     TagSource  `json:"source"`
	Confidence float64    `json:"confidence"`
}

// TagRule is one row of the per-repo tag_rule table.
type TagRule struct {
	ID      string  `json:"id"`
	RepoID  string  `json:"repo_id"`
	Match   string  `json:"match_type"` // PATH|IMPORT|REGEX|SYMBOL
	Pattern string  `json:"pattern"`
	Tag     string  `json:"tag"`
	Weight  float64 `json:"weight"`
}

// SearchResult is one ranked row returned by the Hybrid Retriever, carrying
// the explainability fields spec.md §4.5 step 11 requires.
type SearchResult struct {
	EntityType  EntityType `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	FilePath    string     `json:"file_path"`
	StartLine   int        `json:"start_line"`
	EndLine     int        `json:"end_line"`
	Content     string     `json:"content"`
	VecRank     int        `json:"vec_rank"`
	VecScore    float64    `json:"vec_score"`
	FtsRank     int        `json:"fts_rank"`
	FtsScore    float64    `json:"fts_score"`
	MatchedTags []string   `json:"matched_tags,omitempty"`
	FinalScore  float64    `json:"final_score"`
	Why         string     `json:"why"`
}

// JobType enumerates the durable job kinds the Control Plane dispatches.
type JobType string

const (
	JobFullIndex        JobType = "FULL_INDEX"
	JobReindexFile      JobType = "REINDEX_FILE"
	JobReindexMany      JobType = "REINDEX_MANY"
	JobEmbedMissing     JobType = "EMBED_MISSING"
	JobEmbedChunk       JobType = "EMBED_CHUNK"
	JobDocsScan         JobType = "DOCS_SCAN"
	JobSummarizeMissing JobType = "SUMMARIZE_MISSING"
	JobTagRulesSync     JobType = "TAG_RULES_SYNC"
)

// JobStatus enumerates the lifecycle states of a queued job.
type JobStatus string

const (
	StatusPending JobStatus = "PENDING"
	StatusClaimed JobStatus = "CLAIMED"
	StatusDone    JobStatus = "DONE"
	StatusFailed  JobStatus = "FAILED"
	StatusRetry   JobStatus = "RETRY"
)

// Job is one row of control.job_queue.
type Job struct {
	ID           int64     `json:"id"`
	RepoName     string    `json:"repo_name"`
	SchemaName   string    `json:"schema_name"`
	Type         JobType   `json:"job_type"`
	Payload      []byte    `json:"payload"`
	Priority     int       `json:"priority"`
	Status       JobStatus `json:"status"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
	RunAfter     time.Time `json:"run_after"`
	ClaimedAt    time.Time `json:"claimed_at,omitempty"`
	ClaimedBy    string    `json:"claimed_by,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	Error        string    `json:"error,omitempty"`
	ErrorDetail  string    `json:"error_detail,omitempty"`
	DedupKey     string    `json:"dedup_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
