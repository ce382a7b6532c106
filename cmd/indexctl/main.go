// cmd/indexctl is the one-shot operator CLI: register a local repo root,
// run a full index, embed missing vectors, and sync tag rules without
// standing up the daemon's worker pool. Grounded on the teacher's
// cmd/indexer/main.go (provider switch, config.Load, fail-fast logging),
// minus the git-clone-to-temp step since every repo here is a local path
// registered into the control schema rather than pulled from a URL.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"

	"github.com/robomonkey/core/internal/ai"
	"github.com/robomonkey/core/internal/config"
	"github.com/robomonkey/core/internal/embedder"
	"github.com/robomonkey/core/internal/indexer"
	"github.com/robomonkey/core/internal/scanner"
	"github.com/robomonkey/core/internal/schema"
	"github.com/robomonkey/core/internal/tagger"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	command := os.Args[1]
	os.Args = append(os.Args[:1], os.Args[2:]...)

	fs := pflag.NewFlagSet("robomonkey-indexctl", pflag.ExitOnError)
	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	if cfg.RepoName == "" {
		log.Fatal("--repo-name is required")
	}

	ctx := context.Background()
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	mgr, err := schema.New(ctx, cfg.Database, cfg.SchemaPrefix, logger)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer mgr.Close()
	if err := mgr.MigrateControlSchema(ctx); err != nil {
		log.Fatalf("failed to migrate control schema: %v", err)
	}

	switch command {
	case "register":
		runRegister(ctx, mgr, cfg)
	case "index":
		schemaName := mustResolveSchema(ctx, mgr, cfg.RepoName)
		runIndex(ctx, mgr, schemaName, cfg)
	case "embed":
		schemaName := mustResolveSchema(ctx, mgr, cfg.RepoName)
		runEmbed(ctx, mgr, schemaName, cfg)
	case "tags":
		schemaName := mustResolveSchema(ctx, mgr, cfg.RepoName)
		runTags(ctx, mgr, schemaName)
	case "all":
		schemaName := runRegister(ctx, mgr, cfg)
		runIndex(ctx, mgr, schemaName, cfg)
		runEmbed(ctx, mgr, schemaName, cfg)
		runTags(ctx, mgr, schemaName)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: indexctl <register|index|embed|tags|all> --repo-name NAME --repo-root PATH [flags]")
}

func mustResolveSchema(ctx context.Context, mgr *schema.Manager, repoName string) string {
	repo, err := mgr.Resolve(ctx, repoName)
	if err != nil {
		log.Fatalf("repo %q is not registered, run 'indexctl register' first: %v", repoName, err)
	}
	return repo.SchemaName
}

func runRegister(ctx context.Context, mgr *schema.Manager, cfg config.Specification) string {
	if cfg.RepoRoot == "" {
		log.Fatal("--repo-root is required to register a repo")
	}
	schemaName := mgr.SchemaNameFor(cfg.RepoName)
	if err := mgr.CreateSchema(ctx, schemaName, false); err != nil {
		log.Printf("schema %s already exists, continuing: %v", schemaName, err)
	}
	if _, err := mgr.Register(ctx, cfg.RepoName, cfg.RepoRoot, schemaName, true); err != nil {
		log.Fatalf("failed to register repo: %v", err)
	}
	log.Printf("registered %q at %s -> schema %s", cfg.RepoName, cfg.RepoRoot, schemaName)
	return schemaName
}

func runIndex(ctx context.Context, mgr *schema.Manager, schemaName string, cfg config.Specification) {
	root := cfg.RepoRoot
	if root == "" {
		repo, err := mgr.Resolve(ctx, cfg.RepoName)
		if err != nil {
			log.Fatalf("failed to resolve repo root: %v", err)
		}
		root = repo.RootPath
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("indexing "+cfg.RepoName),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWriter(os.Stderr),
	)
	stop := spin(bar)
	defer stop()

	sc := scanner.New(root)
	ix := indexer.New(mgr, sc, cfg.MaxChunkLength, -1, zerolog.New(os.Stderr).With().Timestamp().Logger())

	start := time.Now()
	stats, err := ix.Run(ctx, schemaName, cfg.GlobalMaxConcurrent)
	stop()
	if err != nil {
		log.Fatalf("index run failed: %v", err)
	}
	fmt.Fprintf(os.Stderr, "\nindexed %d files (%d skipped, %d failed), %d symbols, %d chunks, %d edges in %s\n",
		stats.FilesIndexed, stats.FilesSkipped, stats.FilesFailed, stats.SymbolCount, stats.ChunkCount, stats.EdgeCount, time.Since(start).Round(time.Millisecond))
}

func runEmbed(ctx context.Context, mgr *schema.Manager, schemaName string, cfg config.Specification) {
	clientConfig, err := embeddingClientConfig(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	client, err := ai.NewClient(clientConfig)
	if err != nil {
		log.Fatalf("failed to create embedding client: %v", err)
	}
	if client.Dim() == 0 {
		log.Fatal("embedding dimension must be set (--embeddings-dimension)")
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("embedding "+cfg.RepoName),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWriter(os.Stderr),
	)
	stop := spin(bar)
	defer stop()

	emb := embedder.New(mgr, client, cfg.EmbedBatchSize, zerolog.New(os.Stderr).With().Timestamp().Logger())
	start := time.Now()
	stats, err := emb.EmbedMissing(ctx, schemaName)
	stop()
	if err != nil {
		log.Fatalf("embed run failed: %v", err)
	}
	fmt.Fprintf(os.Stderr, "\nembedded %d chunks, %d documents (%d skipped, %d failed) in %s\n",
		stats.ChunksEmbedded, stats.DocumentsEmbedded, stats.Skipped, stats.Failed, time.Since(start).Round(time.Millisecond))
}

func runTags(ctx context.Context, mgr *schema.Manager, schemaName string) {
	tg := tagger.New(mgr)
	n, err := tg.SyncRules(ctx, schemaName)
	if err != nil {
		log.Fatalf("tag rule sync failed: %v", err)
	}
	log.Printf("applied %d tag rules", n)
}

// spin renders an indeterminate spinner while a long-running call is in
// flight, since Indexer.Run and Embedder.EmbedMissing report stats only
// on completion rather than per-item progress. Returns a stop func, safe
// to call more than once.
func spin(bar *progressbar.ProgressBar) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()
	var once bool
	return func() {
		if once {
			return
		}
		once = true
		close(done)
		<-stopped
		_ = bar.Finish()
	}
}

func embeddingClientConfig(cfg config.Specification) (*ai.ClientConfig, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return &ai.ClientConfig{APIKey: cfg.APIKey, EmbedModel: cfg.EmbedModel, SummaryModel: cfg.SummaryModel, Dim: cfg.Dim, ProjectID: cfg.ProjectID, Provider: ai.ProviderOpenAI}, nil
	case "vertexai", "google":
		return &ai.ClientConfig{APIKey: cfg.APIKey, EmbedModel: cfg.EmbedModel, SummaryModel: cfg.SummaryModel, Dim: cfg.Dim, ProjectID: cfg.ProjectID, Location: cfg.Location, Provider: ai.ProviderVertexAI}, nil
	case "ollama":
		return &ai.ClientConfig{EmbedModel: cfg.EmbedModel, EmbedBaseURL: cfg.EmbedBaseURL, SummaryModel: cfg.SummaryModel, Dim: cfg.Dim, Provider: ai.ProviderOllama}, nil
	case "stub":
		return &ai.ClientConfig{Dim: cfg.Dim, Provider: ai.ProviderStub}, nil
	default:
		return nil, fmt.Errorf("unsupported embeddings provider: %s", cfg.Provider)
	}
}
