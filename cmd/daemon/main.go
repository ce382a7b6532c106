// cmd/daemon runs the background service: the Control Plane worker pool
// draining FULL_INDEX/REINDEX_FILE/REINDEX_MANY/EMBED_MISSING/TAG_RULES_SYNC
// jobs, and a loopback HTTP listener exposing the Control API registry plus
// a Prometheus /metrics endpoint. Structure follows the teacher's
// cmd/api/main.go (flags, config, zerolog, hlog-wrapped mux).
package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/pflag"

	"github.com/robomonkey/core/internal/ai"
	"github.com/robomonkey/core/internal/auth"
	"github.com/robomonkey/core/internal/config"
	"github.com/robomonkey/core/internal/controlapi"
	"github.com/robomonkey/core/internal/controlplane"
	"github.com/robomonkey/core/internal/embedder"
	"github.com/robomonkey/core/internal/graph"
	"github.com/robomonkey/core/internal/indexer"
	"github.com/robomonkey/core/internal/retriever"
	"github.com/robomonkey/core/internal/scanner"
	"github.com/robomonkey/core/internal/schema"
	"github.com/robomonkey/core/internal/tagger"
	"github.com/robomonkey/core/pkg/models"
)

func main() {
	fs := pflag.NewFlagSet("robomonkey-daemon", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	logger.Info().Str("provider", cfg.Provider).Bool("auth_enabled", cfg.Auth.Enabled).Msg("starting robomonkey daemon")

	clientConfig, err := embeddingClientConfig(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	embedClient, err := ai.NewClient(clientConfig)
	if err != nil {
		log.Fatalf("failed to create embedding client: %v", err)
	}

	auth.InitializeAuth(cfg.Auth.JwtSecret, cfg.Auth.Enabled)
	if cfg.Auth.Enabled {
		token, err := auth.GenerateToken("daemon-admin", 30*24*time.Hour)
		if err != nil {
			log.Fatalf("failed to mint admin token: %v", err)
		}
		logger.Info().Msg("admin bearer token (send as 'Authorization: Bearer <token>' on /rpc): " + token)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := schema.New(ctx, cfg.Database, cfg.SchemaPrefix, logger)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer mgr.Close()
	if err := mgr.MigrateControlSchema(ctx); err != nil {
		log.Fatalf("failed to migrate control schema: %v", err)
	}

	if cfg.RepoName != "" && cfg.RepoRoot != "" {
		schemaName := mgr.SchemaNameFor(cfg.RepoName)
		if err := mgr.CreateSchema(ctx, schemaName, false); err != nil {
			logger.Warn().Err(err).Str("schema", schemaName).Msg("schema already exists, continuing")
		}
		if _, err := mgr.Register(ctx, cfg.RepoName, cfg.RepoRoot, schemaName, true); err != nil {
			log.Fatalf("failed to register repo %q: %v", cfg.RepoName, err)
		}
		logger.Info().Str("repo", cfg.RepoName).Str("schema", schemaName).Msg("repo registered")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	queue := controlplane.NewQueue(mgr.Pool())
	pool := controlplane.NewPool(queue, daemonID(), reg, logger)
	pool.GlobalMaxConcurrent = cfg.GlobalMaxConcurrent
	pool.MaxConcurrentPerRepo = cfg.MaxConcurrentPerRepo
	pool.PollInterval = time.Duration(cfg.PollIntervalSec) * time.Second
	pool.HeartbeatInterval = time.Duration(cfg.HeartbeatIntervalSec) * time.Second
	pool.DeadThreshold = time.Duration(cfg.DeadThresholdSec) * time.Second
	pool.RetentionDays = cfg.RetentionDays

	registerHandlers(pool, mgr, embedClient, cfg, logger)

	if err := pool.Start(ctx); err != nil {
		log.Fatalf("failed to start worker pool: %v", err)
	}
	defer func() {
		if err := pool.Stop(10 * time.Second); err != nil {
			logger.Warn().Err(err).Msg("worker pool did not stop cleanly")
		}
	}()

	retr := retriever.New(mgr, embedClient)
	exp := graph.New(mgr)
	tg := tagger.New(mgr)
	capi := controlapi.New(mgr, retr, exp, queue, tg, pool, logger)

	handler := buildHTTPHandler(capi, logger, reg)
	srv := &http.Server{Addr: "127.0.0.1:" + strconv.Itoa(cfg.Port), Handler: handler}

	go func() {
		logger.Info().Str("addr", srv.Addr).Strs("operations", capi.Operations()).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("control API server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server did not shut down cleanly")
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
		return nil, &unsupportedProviderError{cfg.Provider}
	}
}

type unsupportedProviderError struct{ provider string }

func (e *unsupportedProviderError) Error() string { return "unsupported embeddings provider: " + e.provider }

// registerHandlers binds each durable job type to the component that
// actually does the work, the same shape the Control Plane's
// Pool.Register doc comment describes.
func registerHandlers(pool *controlplane.Pool, mgr *schema.Manager, embedClient ai.Client, cfg config.Specification, logger zerolog.Logger) {
	ix := indexer.New(mgr, nil, cfg.MaxChunkLength, -1, logger)
	emb := embedder.New(mgr, embedClient, cfg.EmbedBatchSize, logger)
	tg := tagger.New(mgr)

	pool.Register(models.JobFullIndex, func(ctx context.Context, job models.Job) error {
		var payload struct {
			RepoRoot string `json:"repo_root"`
		}
		_ = json.Unmarshal(job.Payload, &payload)
		root := payload.RepoRoot
		if root == "" {
			root = cfg.RepoRoot
		}
		ix.Scanner = scanner.New(root)
		_, err := ix.Run(ctx, job.SchemaName, cfg.GlobalMaxConcurrent)
		return err
	})
	pool.Register(models.JobReindexFile, func(ctx context.Context, job models.Job) error {
		var payload struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return err
		}
		if ix.Scanner == nil {
			ix.Scanner = scanner.New(cfg.RepoRoot)
		}
		_, err := ix.IndexFile(ctx, job.SchemaName, fileInfoFor(cfg.RepoRoot, payload.Path))
		return err
	})
	pool.Register(models.JobReindexMany, func(ctx context.Context, job models.Job) error {
		var payload struct {
			Paths []string `json:"paths"`
		}
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return err
		}
		if ix.Scanner == nil {
			ix.Scanner = scanner.New(cfg.RepoRoot)
		}
		for _, path := range payload.Paths {
			if _, err := ix.IndexFile(ctx, job.SchemaName, fileInfoFor(cfg.RepoRoot, path)); err != nil {
				return err
			}
		}
		return nil
	})
	pool.Register(models.JobEmbedMissing, func(ctx context.Context, job models.Job) error {
		_, err := emb.EmbedMissing(ctx, job.SchemaName)
		return err
	})
	pool.Register(models.JobTagRulesSync, func(ctx context.Context, job models.Job) error {
		_, err := tg.SyncRules(ctx, job.SchemaName)
		return err
	})
}

func buildHTTPHandler(capi *controlapi.API, logger zerolog.Logger, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/rpc", auth.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Op   string          `json:"op"`
			Args json.RawMessage `json:"args"`
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		result, err := capi.Dispatch(ctx, req.Op, req.Args)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("failed to encode response")
		}
	}))

	return hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(mux),
	)
}

// fileInfoFor builds the scanner.FileInfo a targeted reindex needs without
// a full repo walk, mirroring the fields Scanner.Walk populates.
func fileInfoFor(repoRoot, relativePath string) scanner.FileInfo {
	return scanner.FileInfo{
		AbsPath:      filepath.Join(repoRoot, relativePath),
		RelativePath: relativePath,
		Language:     scanner.GuessLanguage(relativePath),
	}
}

func daemonID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
