// Package tagger implements the Tagger (spec.md §4.4): it applies
// tag_rule rows (PATH/REGEX/SYMBOL match types; IMPORT rules match
// nothing) against indexed entities and records the resulting entity_tag
// rows. Only rule-based tags are produced; there is no similarity-based
// tagging.
package tagger

import (
	"context"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/robomonkey/core/internal/corerr"
	"github.com/robomonkey/core/internal/schema"
	"github.com/robomonkey/core/pkg/models"
)

// Tagger evaluates tag_rule rows against files/symbols within one repo's
// schema-scoped session.
type Tagger struct {
	Schema *schema.Manager
}

// New returns a Tagger bound to mgr.
func New(mgr *schema.Manager) *Tagger {
	return &Tagger{Schema: mgr}
}

type rule struct {
	ID      string
	Match   string
	Pattern string
	Tag     string
	Weight  float64
}

// SyncRules re-evaluates every tag_rule against the current file, chunk
// and symbol tables in schemaName and upserts an entity_tag row for every
// match, keeping the higher confidence on a repeat. entity_tag rows from
// earlier runs that no longer match are not removed. It backs the
// TAG_RULES_SYNC job (spec.md §4.4).
func (tg *Tagger) SyncRules(ctx context.Context, schemaName string) (int, error) {
	sess, err := tg.Schema.Scoped(ctx, schemaName)
	if err != nil {
		return 0, err
	}
	defer sess.Release()

	rows, err := sess.Conn().Query(ctx, `SELECT id, match_type, pattern, tag, weight FROM tag_rule`)
	if err != nil {
		return 0, corerr.New(corerr.TransientIO, "SyncRules.loadRules", err)
	}
	var rules []rule
	for rows.Next() {
		var r rule
		if err := rows.Scan(&r.ID, &r.Match, &r.Pattern, &r.Tag, &r.Weight); err != nil {
			rows.Close()
			return 0, corerr.New(corerr.TransientIO, "SyncRules.scanRule", err)
		}
		rules = append(rules, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, corerr.New(corerr.TransientIO, "SyncRules.loadRules", err)
	}

	applied := 0
	for _, r := range rules {
		if _, err := sess.Conn().Exec(ctx, `
INSERT INTO tag (name) VALUES ($1) ON CONFLICT DO NOTHING`, r.Tag); err != nil {
			return applied, corerr.New(corerr.TransientIO, "SyncRules.ensureTag", err)
		}
		n, err := tg.applyRule(ctx, sess.Conn(), r)
		if err != nil {
			return applied, err
		}
		applied += n
	}
	return applied, nil
}

// conn is the subset of *pgxpool.Conn this package needs, narrowed so
// applyRule can be exercised against a fake in unit tests without a real
// pool.
type conn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

func (tg *Tagger) applyRule(ctx context.Context, c conn, r rule) (int, error) {
	switch r.Match {
	case "PATH":
		return matchAndTag(ctx, c, r, `SELECT id::text, relative_path FROM file`, models.EntityFile, func(value string) bool {
			return globMatch(r.Pattern, value)
		})
	case "IMPORT":
		// Imports are not persisted, so an IMPORT rule has nothing to match
		// against and tags no entity.
		return 0, nil
	case "REGEX":
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return 0, corerr.New(corerr.PermanentIO, "applyRule.compileRegex", err)
		}
		return matchAndTag(ctx, c, r, `SELECT id::text, content FROM chunk`, models.EntityChunk, re.MatchString)
	case "SYMBOL":
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return 0, corerr.New(corerr.PermanentIO, "applyRule.compileRegex", err)
		}
		return matchAndTag(ctx, c, r, `SELECT id::text, fqn FROM symbol`, models.EntitySymbol, re.MatchString)
	default:
		return 0, nil
	}
}

func matchAndTag(ctx context.Context, c conn, r rule, query string, entityType models.EntityType, match func(string) bool) (int, error) {
	rows, err := c.Query(ctx, query)
	if err != nil {
		return 0, corerr.New(corerr.TransientIO, "matchAndTag.query", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, value string
		if err := rows.Scan(&id, &value); err != nil {
			return 0, corerr.New(corerr.TransientIO, "matchAndTag.scan", err)
		}
		if match(value) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, corerr.New(corerr.TransientIO, "matchAndTag.rows", err)
	}

	applied := 0
	for _, id := range ids {
		_, err := c.Exec(ctx, `
INSERT INTO entity_tag (entity_type, entity_id, tag, source, confidence)
VALUES ($1, $2, $3, 'RULE_BASED', $4)
ON CONFLICT (entity_type, entity_id, tag) DO UPDATE SET confidence = GREATEST(entity_tag.confidence, EXCLUDED.confidence)`,
			string(entityType), id, r.Tag, r.Weight)
		if err != nil {
			return applied, corerr.New(corerr.TransientIO, "matchAndTag.insertTag", err)
		}
		applied++
	}
	return applied, nil
}

// globMatch implements the limited glob syntax spec.md §4.4 documents for
// PATH rules: '*' matches any run of non-separator characters, '**'
// matches across separators.
func globMatch(pattern, value string) bool {
	re := globToRegex(pattern)
	return re.MatchString(value)
}

func globToRegex(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	i := 0
	for i < len(pattern) {
		switch {
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i += 2
		case pattern[i] == '*':
			b.WriteString("[^/]*")
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return regexp.MustCompile(`^$`)
	}
	return re
}
