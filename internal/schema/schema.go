// Package schema implements the Schema Manager (spec.md §4.1): per-repo
// schema creation, repo-name resolution, and search_path-scoped sessions
// that guarantee queries never cross repository boundaries.
package schema

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/robomonkey/core/internal/corerr"
	"github.com/robomonkey/core/pkg/models"
)

const controlSchema = "control"

// Manager owns the connection pool and mediates every schema-scoped
// operation. Mirrors the teacher's Store in shape (pgxpool.Pool field,
// context-first methods) but adds the multi-tenant layer the teacher
// never needed.
type Manager struct {
	pool   *pgxpool.Pool
	prefix string
	log    zerolog.Logger
}

// New creates a Manager connected to url, with schema names prefixed by
// prefix (used as given, defaulting to "robomonkey_" if empty).
func New(ctx context.Context, url, prefix string, log zerolog.Logger) (*Manager, error) {
	if prefix == "" {
		prefix = "robomonkey_"
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, corerr.New(corerr.PermanentIO, "schema.New", err)
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, corerr.New(corerr.TransientIO, "schema.New", err)
	}
	return &Manager{pool: p, prefix: prefix, log: log.With().Str("component", "schema").Logger()}, nil
}

func (m *Manager) Pool() *pgxpool.Pool { return m.pool }
func (m *Manager) Close()              { m.pool.Close() }

// Ping checks database connectivity, the same shape as the teacher's
// Store.Ping.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return m.pool.Ping(ctx)
}

var sanitizeRe = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeName implements the §4.1 rule: lowercase, replace non-alphanumerics
// with underscore, collapse runs, ensure leading letter.
func SanitizeName(repoName string) string {
	s := strings.ToLower(repoName)
	s = sanitizeRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "repo"
	}
	if !((s[0] >= 'a' && s[0] <= 'z')) {
		s = "r_" + s
	}
	return s
}

// SchemaNameFor returns the full schema name (prefix + sanitized repo name)
// this Manager would create/resolve for repoName.
func (m *Manager) SchemaNameFor(repoName string) string {
	return m.prefix + SanitizeName(repoName)
}

// MigrateControlSchema creates the shared control schema (repo_registry,
// job_queue, daemon_instance, job_stats) if it does not already exist.
func (m *Manager) MigrateControlSchema(ctx context.Context) error {
	const q = `
CREATE SCHEMA IF NOT EXISTS control;

CREATE TABLE IF NOT EXISTS control.repo_registry (
  name          TEXT PRIMARY KEY,
  schema_name   TEXT UNIQUE NOT NULL,
  root_path     TEXT NOT NULL,
  enabled       BOOLEAN NOT NULL DEFAULT TRUE,
  auto_index    BOOLEAN NOT NULL DEFAULT FALSE,
  auto_embed    BOOLEAN NOT NULL DEFAULT FALSE,
  auto_watch    BOOLEAN NOT NULL DEFAULT FALSE,
  config        JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_seen     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS control.job_queue (
  id            BIGSERIAL PRIMARY KEY,
  repo_name     TEXT NOT NULL REFERENCES control.repo_registry(name),
  schema_name   TEXT NOT NULL,
  job_type      TEXT NOT NULL,
  payload       JSONB NOT NULL DEFAULT '{}'::jsonb,
  priority      INT NOT NULL DEFAULT 0,
  status        TEXT NOT NULL DEFAULT 'PENDING',
  attempts      INT NOT NULL DEFAULT 0,
  max_attempts  INT NOT NULL DEFAULT 5,
  run_after     TIMESTAMPTZ NOT NULL DEFAULT now(),
  claimed_at    TIMESTAMPTZ,
  claimed_by    TEXT,
  started_at    TIMESTAMPTZ,
  completed_at  TIMESTAMPTZ,
  error         TEXT,
  error_detail  TEXT,
  dedup_key     TEXT,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS job_queue_dedup_uidx
  ON control.job_queue (repo_name, job_type, dedup_key)
  WHERE status IN ('PENDING','CLAIMED') AND dedup_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS job_queue_dispatch_idx
  ON control.job_queue (priority DESC, run_after ASC, created_at ASC)
  WHERE status = 'PENDING';

CREATE TABLE IF NOT EXISTS control.daemon_instance (
  id              TEXT PRIMARY KEY,
  status          TEXT NOT NULL DEFAULT 'RUNNING',
  last_heartbeat  TIMESTAMPTZ NOT NULL DEFAULT now(),
  started_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS control.job_stats (
  job_type      TEXT NOT NULL,
  status        TEXT NOT NULL,
  day           DATE NOT NULL DEFAULT CURRENT_DATE,
  count         BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (job_type, status, day)
);
`
	_, err := m.pool.Exec(ctx, q)
	if err != nil {
		return corerr.New(corerr.TransientIO, "MigrateControlSchema", err)
	}
	return nil
}

// CreateSchema creates the per-repo schema and applies the per-repo DDL. If
// the schema already exists it fails with SchemaExists unless force is set,
// in which case it drops and recreates.
func (m *Manager) CreateSchema(ctx context.Context, schemaName string, force bool) error {
	exists, err := m.schemaExists(ctx, schemaName)
	if err != nil {
		return err
	}
	if exists {
		if !force {
			return corerr.New(corerr.SchemaConflict, "create_schema", fmt.Errorf("schema %q already exists", schemaName))
		}
		if _, err := m.pool.Exec(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %q CASCADE`, schemaName)); err != nil {
			return corerr.New(corerr.TransientIO, "CreateSchema", err)
		}
	}

	if _, err := m.pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA %q`, schemaName)); err != nil {
		return corerr.New(corerr.TransientIO, "CreateSchema", err)
	}
	if err := m.applyRepoDDL(ctx, schemaName); err != nil {
		return err
	}
	m.log.Info().Str("schema", schemaName).Msg("schema created")
	return nil
}

func (m *Manager) schemaExists(ctx context.Context, schemaName string) (bool, error) {
	var exists bool
	err := m.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`,
		schemaName,
	).Scan(&exists)
	if err != nil {
		return false, corerr.New(corerr.TransientIO, "schemaExists", err)
	}
	return exists, nil
}

// applyRepoDDL creates every per-repo table, index and vector index from
// spec.md §3, scoped to schemaName. Full-text vectors are generated
// columns on chunk and document; symbol has no full-text vector and no
// triggers are created. Table/schema identifiers
// cannot be bind parameters, so this follows the teacher's own
// fmt.Sprintf-into-DDL idiom (Store.Migrate).
func (m *Manager) applyRepoDDL(ctx context.Context, schemaName string) error {
	const tmpl = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE %[1]q.file (
  id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  relative_path TEXT NOT NULL,
  language      TEXT,
  content_sha   TEXT NOT NULL,
  modified_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (relative_path)
);

CREATE TABLE %[1]q.symbol (
  id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  file_id       UUID NOT NULL REFERENCES %[1]q.file(id) ON DELETE CASCADE,
  fqn           TEXT NOT NULL,
  name          TEXT NOT NULL,
  kind          TEXT NOT NULL,
  signature     TEXT,
  docstring     TEXT,
  start_line    INT NOT NULL,
  end_line      INT NOT NULL,
  content_hash  TEXT NOT NULL,
  UNIQUE (file_id, fqn)
);
CREATE INDEX ON %[1]q.symbol (name);

CREATE TABLE %[1]q.edge (
  id                  UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  src_symbol_id       UUID NOT NULL REFERENCES %[1]q.symbol(id) ON DELETE CASCADE,
  dst_symbol_id       UUID NOT NULL REFERENCES %[1]q.symbol(id) ON DELETE CASCADE,
  type                TEXT NOT NULL,
  evidence_file_id    UUID NOT NULL REFERENCES %[1]q.file(id) ON DELETE CASCADE,
  evidence_start_line INT NOT NULL,
  evidence_end_line   INT NOT NULL,
  confidence          DOUBLE PRECISION NOT NULL,
  UNIQUE (src_symbol_id, dst_symbol_id, type, evidence_file_id, evidence_start_line, evidence_end_line)
);
CREATE INDEX ON %[1]q.edge (src_symbol_id, type);
CREATE INDEX ON %[1]q.edge (dst_symbol_id, type);

CREATE TABLE %[1]q.chunk (
  id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  file_id       UUID NOT NULL REFERENCES %[1]q.file(id) ON DELETE CASCADE,
  symbol_id     UUID REFERENCES %[1]q.symbol(id) ON DELETE SET NULL,
  content       TEXT NOT NULL,
  start_line    INT NOT NULL,
  end_line      INT NOT NULL,
  content_hash  TEXT NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  fts_vector    tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(content, ''))) STORED,
  UNIQUE (file_id, start_line, end_line, content_hash)
);
CREATE INDEX ON %[1]q.chunk USING GIN (fts_vector);
CREATE INDEX ON %[1]q.chunk (content_hash);

CREATE TABLE %[1]q.chunk_embedding (
  chunk_id    UUID PRIMARY KEY REFERENCES %[1]q.chunk(id) ON DELETE CASCADE,
  embedding   vector(%[2]d) NOT NULL
);
CREATE INDEX ON %[1]q.chunk_embedding USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE TABLE %[1]q.document (
  id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  path        TEXT NOT NULL,
  title       TEXT,
  content     TEXT NOT NULL,
  type        TEXT NOT NULL,
  source      TEXT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  fts_vector  tsvector GENERATED ALWAYS AS (
    setweight(to_tsvector('simple', coalesce(title, '')), 'A') ||
    setweight(to_tsvector('simple', coalesce(content, '')), 'B')
  ) STORED,
  UNIQUE (path, type)
);
CREATE INDEX ON %[1]q.document USING GIN (fts_vector);

CREATE TABLE %[1]q.document_embedding (
  document_id UUID PRIMARY KEY REFERENCES %[1]q.document(id) ON DELETE CASCADE,
  embedding   vector(%[2]d) NOT NULL
);
CREATE INDEX ON %[1]q.document_embedding USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE TABLE %[1]q.tag (
  name         TEXT PRIMARY KEY,
  description  TEXT
);

CREATE TABLE %[1]q.entity_tag (
  entity_type  TEXT NOT NULL,
  entity_id    UUID NOT NULL,
  tag          TEXT NOT NULL REFERENCES %[1]q.tag(name) ON DELETE CASCADE,
  source       TEXT NOT NULL,
  confidence   DOUBLE PRECISION NOT NULL DEFAULT 1.0,
  PRIMARY KEY (entity_type, entity_id, tag)
);
CREATE INDEX ON %[1]q.entity_tag (tag);

CREATE TABLE %[1]q.tag_rule (
  id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  match_type   TEXT NOT NULL,
  pattern      TEXT NOT NULL,
  tag          TEXT NOT NULL,
  weight       DOUBLE PRECISION NOT NULL DEFAULT 1.0
);

CREATE TABLE %[1]q.repo_index_state (
  last_indexed_at TIMESTAMPTZ,
  last_marker     TEXT,
  file_count      INT NOT NULL DEFAULT 0,
  symbol_count    INT NOT NULL DEFAULT 0,
  chunk_count     INT NOT NULL DEFAULT 0,
  edge_count      INT NOT NULL DEFAULT 0,
  last_error      TEXT,
  embedding_dim   INT
);
INSERT INTO %[1]q.repo_index_state DEFAULT VALUES;
`
	// embeddings_dimension defaults to 0 at schema-creation time if the
	// caller hasn't configured a provider yet; vector(0) is invalid in
	// pgvector, so fall back to a provisional 1536 and let the Embedder's
	// dimension-safety check (spec.md §4.3) catch a later mismatch.
	dim := 1536
	ddl := fmt.Sprintf(tmpl, schemaName, dim)
	if _, err := m.pool.Exec(ctx, ddl); err != nil {
		return corerr.New(corerr.TransientIO, "applyRepoDDL", err)
	}
	return nil
}

// Register inserts repoName into the control registry, rejecting a schema
// collision pointing at a different root path unless force is set.
func (m *Manager) Register(ctx context.Context, repoName, rootPath, schemaName string, force bool) (*models.Repo, error) {
	var existingRoot string
	err := m.pool.QueryRow(ctx,
		`SELECT root_path FROM control.repo_registry WHERE schema_name = $1`, schemaName,
	).Scan(&existingRoot)
	switch {
	case err == nil:
		if existingRoot != rootPath && !force {
			return nil, corerr.New(corerr.SchemaConflict, "register",
				fmt.Errorf("schema %q already registered for root %q", schemaName, existingRoot))
		}
	case err == pgx.ErrNoRows:
		// no collision
	default:
		return nil, corerr.New(corerr.TransientIO, "Register", err)
	}

	const q = `
INSERT INTO control.repo_registry (name, schema_name, root_path, enabled, auto_index, auto_embed, auto_watch)
VALUES ($1, $2, $3, TRUE, FALSE, FALSE, FALSE)
ON CONFLICT (name) DO UPDATE SET
  schema_name = EXCLUDED.schema_name,
  root_path   = EXCLUDED.root_path,
  updated_at  = now()
RETURNING name, schema_name, root_path, enabled, auto_index, auto_embed, auto_watch, created_at, updated_at;`

	var r models.Repo
	if err := m.pool.QueryRow(ctx, q, repoName, schemaName, rootPath).Scan(
		&r.Name, &r.SchemaName, &r.RootPath, &r.Enabled, &r.AutoIndex, &r.AutoEmbed, &r.AutoWatch, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, corerr.New(corerr.TransientIO, "Register", err)
	}
	return &r, nil
}

// Resolve looks up a repo by name in the registry.
func (m *Manager) Resolve(ctx context.Context, name string) (*models.Repo, error) {
	const q = `
SELECT name, schema_name, root_path, enabled, auto_index, auto_embed, auto_watch, created_at, updated_at, coalesce(last_seen, 'epoch'::timestamptz)
FROM control.repo_registry WHERE name = $1;`

	var r models.Repo
	err := m.pool.QueryRow(ctx, q, name).Scan(
		&r.Name, &r.SchemaName, &r.RootPath, &r.Enabled, &r.AutoIndex, &r.AutoEmbed, &r.AutoWatch, &r.CreatedAt, &r.UpdatedAt, &r.LastSeen,
	)
	if err == pgx.ErrNoRows {
		return nil, corerr.New(corerr.NotFound, "resolve_repo", fmt.Errorf("repo %q not found", name))
	}
	if err != nil {
		return nil, corerr.New(corerr.TransientIO, "Resolve", err)
	}
	return &r, nil
}

// ListRepos returns every registered repository.
func (m *Manager) ListRepos(ctx context.Context) ([]models.Repo, error) {
	rows, err := m.pool.Query(ctx, `
SELECT name, schema_name, root_path, enabled, auto_index, auto_embed, auto_watch, created_at, updated_at, coalesce(last_seen, 'epoch'::timestamptz)
FROM control.repo_registry ORDER BY name;`)
	if err != nil {
		return nil, corerr.New(corerr.TransientIO, "ListRepos", err)
	}
	defer rows.Close()

	var out []models.Repo
	for rows.Next() {
		var r models.Repo
		if err := rows.Scan(&r.Name, &r.SchemaName, &r.RootPath, &r.Enabled, &r.AutoIndex, &r.AutoEmbed, &r.AutoWatch, &r.CreatedAt, &r.UpdatedAt, &r.LastSeen); err != nil {
			return nil, corerr.New(corerr.TransientIO, "ListRepos", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Session is a connection pinned to a per-repo search_path, per spec.md
// §4.1 scoped()'s contract. Every query issued through a Session resolves
// unqualified table names inside schemaName, then public.
type Session struct {
	conn       *pgxpool.Conn
	SchemaName string
}

// Scoped acquires a pooled connection and sets its search_path to
// schemaName. The caller MUST call Release on every exit path (including
// error paths in the caller), which this type's Release enforces by
// resetting search_path before returning the connection to the pool.
func (m *Manager) Scoped(ctx context.Context, schemaName string) (*Session, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, corerr.New(corerr.TransientIO, "Scoped", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf(`SET search_path = %s, public`, pgx.Identifier{schemaName}.Sanitize())); err != nil {
		conn.Release()
		return nil, corerr.New(corerr.TransientIO, "Scoped", err)
	}
	return &Session{conn: conn, SchemaName: schemaName}, nil
}

// Conn exposes the underlying pgx connection for query execution.
func (s *Session) Conn() *pgxpool.Conn { return s.conn }

// Release resets the search_path and returns the connection to the pool.
// Safe to call multiple times; only the first call has effect.
func (s *Session) Release() {
	if s.conn == nil {
		return
	}
	_, _ = s.conn.Exec(context.Background(), `RESET search_path`)
	s.conn.Release()
	s.conn = nil
}
