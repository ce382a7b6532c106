// Package retriever implements the Hybrid Retriever (spec.md §4.5): it
// fuses pgvector cosine-similarity candidates with Postgres full-text
// search candidates into one ranked, explainable result list. The fusion
// shape — per-source candidate CTEs, MAX()-window min-max normalization,
// one weighted score, ORDER BY score DESC LIMIT — is lifted directly from
// the teacher's internal/store/store.go Search method; SPEC_FULL extends
// it to multiple entity types, tag filtering, and the deterministic
// tie-break and fallback-normalization rules the fused formula here
// computes in Go rather than in one subquery.
package retriever

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/robomonkey/core/internal/ai"
	"github.com/robomonkey/core/internal/corerr"
	"github.com/robomonkey/core/internal/schema"
	"github.com/robomonkey/core/pkg/models"
)

// Filters narrows the candidate set before normalization and fusion.
type Filters struct {
	PathPrefix  string
	Language    string
	EntityTypes []models.EntityType
	TagsAny     []string
	TagsAll     []string
}

// Options overrides the default top-K parameters from spec.md §4.5.
type Options struct {
	VectorTopK int
	FTSTopK    int
	FinalTopK  int
}

// DefaultOptions matches spec.md §4.5's stated defaults.
func DefaultOptions() Options {
	return Options{VectorTopK: 30, FTSTopK: 30, FinalTopK: 12}
}

// Retriever runs hybrid search against one repo's schema.
type Retriever struct {
	Schema *schema.Manager
	Embed  ai.Client
}

// New builds a Retriever.
func New(mgr *schema.Manager, embed ai.Client) *Retriever {
	return &Retriever{Schema: mgr, Embed: embed}
}

type candidate struct {
	entityType models.EntityType
	entityID   string
	filePath   string
	language   string
	startLine  int
	endLine    int
	content    string
	vecScore   float64
	vecRank    int
	hasVec     bool
	ftsScore   float64
	ftsRank    int
	hasFTS     bool
	tags       []string
}

func candidateKey(entityType models.EntityType, entityID string) string {
	return string(entityType) + "/" + entityID
}

// Search runs the full §4.5 pipeline: embed the query, gather vector and
// FTS candidates per requested entity type, union and filter them,
// min-max normalize each source, fuse, and return the top FinalTopK.
func (r *Retriever) Search(ctx context.Context, schemaName, query string, f Filters, opts Options) ([]models.SearchResult, error) {
	if opts.VectorTopK <= 0 {
		opts.VectorTopK = 30
	}
	if opts.FTSTopK <= 0 {
		opts.FTSTopK = 30
	}
	if opts.FinalTopK <= 0 {
		opts.FinalTopK = 12
	}

	sess, err := r.Schema.Scoped(ctx, schemaName)
	if err != nil {
		return nil, err
	}
	defer sess.Release()

	entityTypes := f.EntityTypes
	if len(entityTypes) == 0 {
		entityTypes = []models.EntityType{models.EntityChunk, models.EntityDocument}
	}

	queryVecs, err := r.Embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, corerr.New(corerr.TransientIO, "Search.embed", err)
	}
	queryVec := queryVecs[0]

	byKey := map[string]*candidate{}

	for _, et := range entityTypes {
		vecRows, err := fetchVectorCandidates(ctx, sess, et, queryVec, opts.VectorTopK)
		if err != nil {
			return nil, err
		}
		for rank, c := range vecRows {
			key := candidateKey(et, c.entityID)
			existing, ok := byKey[key]
			if !ok {
				cc := c
				cc.vecScore, cc.vecRank, cc.hasVec = c.vecScore, rank, true
				byKey[key] = &cc
				continue
			}
			existing.vecScore, existing.vecRank, existing.hasVec = c.vecScore, rank, true
		}

		ftsRows, err := fetchFTSCandidates(ctx, sess, et, query, opts.FTSTopK)
		if err != nil {
			return nil, err
		}
		for rank, c := range ftsRows {
			key := candidateKey(et, c.entityID)
			existing, ok := byKey[key]
			if !ok {
				cc := c
				cc.ftsScore, cc.ftsRank, cc.hasFTS = c.ftsScore, rank, true
				byKey[key] = &cc
				continue
			}
			existing.ftsScore, existing.ftsRank, existing.hasFTS = c.ftsScore, rank, true
		}
	}

	candidates := make([]*candidate, 0, len(byKey))
	for _, c := range byKey {
		candidates = append(candidates, c)
	}

	if err := attachTags(ctx, sess, candidates); err != nil {
		return nil, err
	}

	candidates = applyFilters(candidates, f)

	normalizeVec := normalizationRange(candidates, func(c *candidate) (float64, bool) { return c.vecScore, c.hasVec })
	normalizeFTS := normalizationRange(candidates, func(c *candidate) (float64, bool) { return c.ftsScore, c.hasFTS })

	results := make([]models.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		vecNorm := normalizedScore(c.vecScore, c.hasVec, normalizeVec)
		ftsNorm := normalizedScore(c.ftsScore, c.hasFTS, normalizeFTS)
		matched := matchedTags(c.tags, f.TagsAny, f.TagsAll)
		tagBoost := tagBoost(len(matched))
		final := 0.55*vecNorm + 0.35*ftsNorm + 0.10*tagBoost

		results = append(results, models.SearchResult{
			EntityType:  c.entityType,
			EntityID:    c.entityID,
			FilePath:    c.filePath,
			StartLine:   c.startLine,
			EndLine:     c.endLine,
			Content:     c.content,
			VecRank:     rankOrDefault(c.hasVec, c.vecRank),
			VecScore:    c.vecScore,
			FtsRank:     rankOrDefault(c.hasFTS, c.ftsRank),
			FtsScore:    c.ftsScore,
			MatchedTags: matched,
			FinalScore:  final,
			Why:         explain(vecNorm, ftsNorm, tagBoost),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		if a.VecRank != b.VecRank {
			return a.VecRank < b.VecRank
		}
		if a.FtsRank != b.FtsRank {
			return a.FtsRank < b.FtsRank
		}
		return a.EntityID < b.EntityID
	})

	if len(results) > opts.FinalTopK {
		results = results[:opts.FinalTopK]
	}
	return results, nil
}

func rankOrDefault(has bool, rank int) int {
	if !has {
		return -1
	}
	return rank
}

// scoreRange is the min/max span across one source's surviving candidates.
// fallback is set when fewer than two candidates survived, triggering the
// fallback-to-1.0 rule in normalizedScore.
type scoreRange struct {
	min, max float64
	fallback bool
}

// normalizationRange returns the min/max score across surviving candidates
// for one source, or the fallback marker if fewer than two survived.
func normalizationRange(candidates []*candidate, extract func(*candidate) (float64, bool)) scoreRange {
	count := 0
	min, max := math.Inf(1), math.Inf(-1)
	for _, c := range candidates {
		score, has := extract(c)
		if !has {
			continue
		}
		count++
		if score < min {
			min = score
		}
		if score > max {
			max = score
		}
	}
	if count < 2 {
		return scoreRange{fallback: true}
	}
	return scoreRange{min: min, max: max}
}

// normalizedScore implements spec.md §4.5 step 7: min-max normalize to
// [0,1] across surviving candidates, or fall back to 1.0 for a source with
// fewer than two survivors, or when every survivor has the identical score
// (min == max would otherwise divide by zero).
func normalizedScore(score float64, has bool, r scoreRange) float64 {
	if !has {
		return 0
	}
	if r.fallback || r.max == r.min {
		return 1.0
	}
	return (score - r.min) / (r.max - r.min)
}

// tagBoost implements spec.md §4.5 step 8.
func tagBoost(matchedCount int) float64 {
	b := 0.25 * float64(matchedCount)
	if b > 1.0 {
		return 1.0
	}
	return b
}

func matchedTags(entityTags, tagsAny, tagsAll []string) []string {
	set := map[string]bool{}
	for _, t := range entityTags {
		set[t] = true
	}
	var matched []string
	seen := map[string]bool{}
	for _, t := range tagsAny {
		if set[t] && !seen[t] {
			matched = append(matched, t)
			seen[t] = true
		}
	}
	for _, t := range tagsAll {
		if set[t] && !seen[t] {
			matched = append(matched, t)
			seen[t] = true
		}
	}
	return matched
}

func applyFilters(candidates []*candidate, f Filters) []*candidate {
	out := candidates[:0]
	for _, c := range candidates {
		if f.PathPrefix != "" && !strings.HasPrefix(c.filePath, f.PathPrefix) {
			continue
		}
		if f.Language != "" && c.language != f.Language {
			continue
		}
		if !passesTagFilters(c.tags, f.TagsAny, f.TagsAll) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func passesTagFilters(tags, tagsAny, tagsAll []string) bool {
	set := map[string]bool{}
	for _, t := range tags {
		set[t] = true
	}
	if len(tagsAny) > 0 {
		any := false
		for _, t := range tagsAny {
			if set[t] {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	for _, t := range tagsAll {
		if !set[t] {
			return false
		}
	}
	return true
}

func explain(vecNorm, ftsNorm, tagBoost float64) string {
	return fmt.Sprintf("vector=%.3f fts=%.3f tagBoost=%.3f", vecNorm, ftsNorm, tagBoost)
}
