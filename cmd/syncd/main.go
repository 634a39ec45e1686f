// Command syncd is the long-running daemon: one Sync Orchestrator, one
// Embed Worker, and an HTTP surface exposing a health endpoint plus the
// Job Intake functions a chat-service command dispatcher calls.
// Bootstrap order mirrors the teacher's cmd/agentd/main.go: load .env,
// load config, init logging, init OTel, build collaborators, serve.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/genai"

	"chatsync/internal/chatservice"
	"chatsync/internal/chunking"
	"chatsync/internal/config"
	"chatsync/internal/embedclient"
	"chatsync/internal/embedworker"
	"chatsync/internal/jobs"
	"chatsync/internal/lease"
	"chatsync/internal/llm"
	"chatsync/internal/llm/anthropic"
	"chatsync/internal/llm/gemini"
	"chatsync/internal/llm/openai"
	"chatsync/internal/notify"
	"chatsync/internal/orchestrator"
	"chatsync/internal/rerank"
	"chatsync/internal/retrieval"
	"chatsync/internal/store"
	"chatsync/internal/telemetry"
	"chatsync/internal/tokencount"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	telemetry.InitLogger(cfg.Telemetry.LogPath, cfg.Telemetry.LogLevel)

	ctx := context.Background()
	shutdown, err := telemetry.InitOTel(ctx, cfg.Telemetry)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdown = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdown(context.Background()) }()

	relStore, err := store.Open(ctx, cfg.Database.URL, cfg.Gemini.EmbeddingDim)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer relStore.Close()

	vector, err := openVectorBackend(cfg, relStore)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open vector store")
	}
	if closer, ok := vector.(interface{ Close() error }); ok {
		defer func() { _ = closer.Close() }()
	}

	leaseStore, err := buildLeaseStore(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("lease store unavailable, falling back to no-op leases")
		leaseStore = lease.Noop{}
	}

	notifier, waiter := buildNotify(cfg)
	if closer, ok := notifier.(interface{ Close() error }); ok {
		defer func() { _ = closer.Close() }()
	}

	fetcher, err := chatservice.New(cfg.Discord.Token)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build chat-service fetcher")
	}

	embedder := embedclient.New(embedclient.Config{Model: cfg.Gemini.EmbeddingModel, Dimension: cfg.Gemini.EmbeddingDim}, embedclient.NewKeyPool(cfg.Gemini.APIKeys))

	// Precise token counting (spec.md §4.1's countPrecisely) calls the
	// same genai count-tokens endpoint the embedding/generation clients
	// use; config.Load already guarantees at least one Gemini key.
	countClient, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.Gemini.APIKeys[0]})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build token-count client")
	}
	counter := tokencount.New(countClient, cfg.Chat.Model, tokencount.Config{MaxTokens: cfg.Tokens.MaxInputTokens, SafetyMargin: cfg.Tokens.SafetyMargin})

	generator, err := buildGenerator(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build chat generator")
	}

	reranker := buildReranker(cfg)

	chunker := chunking.New(chunking.Config{
		MaxTokensPerWindow: cfg.Chunking.MaxTokensPerWindow,
		SoftGapMinutes:     cfg.Chunking.SoftGapMinutes,
		OverlapMessages:    cfg.Chunking.OverlapMessages,
	}, counter)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.FetchConcurrency = cfg.Sync.FetchConcurrency
	orchCfg.ThreadConcurrency = cfg.Sync.FetchConcurrency
	runner := orchestrator.New(relStore, fetcher, leaseStore, notifier, chunker, orchCfg)

	adapter := vectorAdapter{Store: relStore, vector: vector}
	worker := embedworker.New(adapter, embedder, counter, waiter, embedworker.DefaultConfig())
	retrievalSvc := retrieval.New(adapter, embedder, reranker, generator, retrieval.DefaultConfig())
	jobsSvc := jobs.New(relStore, retrievalSvc)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	go runSyncLoop(workerCtx, runner)
	go worker.Run(workerCtx)

	if err := orchestrator.ReapStaleJobs(ctx, relStore, leaseStore); err != nil {
		log.Warn().Err(err).Msg("startup lease-reap sweep failed")
	}

	mux := buildMux(jobsSvc)
	handler := otelhttp.NewHandler(mux, "syncd")

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info().Str("addr", addr).Msg("syncd listening")
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

// runSyncLoop polls for queued sync_operations indefinitely, sleeping
// briefly between empty polls (spec.md §5's "one long-running Sync
// Runner" scheduling model).
func runSyncLoop(ctx context.Context, runner *orchestrator.Runner) {
	for {
		if ctx.Err() != nil {
			return
		}
		ran, err := runner.PollOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("sync poll failed")
		}
		if !ran {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

// buildMux wires the request handler spec.md §5 names as the third
// long-running component (alongside the Sync Runner and Embed Worker).
// The real chat-service command dispatcher (slash commands, interaction
// tokens) is an external collaborator per spec.md §1; these HTTP routes
// are the plain equivalent a local operator or that dispatcher calls.
func buildMux(jobsSvc *jobs.Service) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/sync", jsonHandler(func(ctx context.Context, r *http.Request) (any, error) {
		guildID := r.URL.Query().Get("guild_id")
		requestedBy := r.URL.Query().Get("requested_by")
		return jobsSvc.Enqueue(ctx, guildID, requestedBy)
	}))
	mux.HandleFunc("/jobs/", jsonHandler(func(ctx context.Context, r *http.Request) (any, error) {
		id := r.URL.Path[len("/jobs/"):]
		return jobsSvc.Status(ctx, id)
	}))
	mux.HandleFunc("/chat", jsonHandler(func(ctx context.Context, r *http.Request) (any, error) {
		q := r.URL.Query()
		return jobsSvc.Chat(ctx, q.Get("guild_id"), q.Get("channel_id"), q.Get("user_id"), q.Get("query"))
	}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, jobs.HelpText)
	})
	return mux
}

func jsonHandler(fn func(ctx context.Context, r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLog := telemetry.LoggerWithTrace(r.Context())
		result, err := fn(r.Context(), r)
		if err != nil {
			reqLog.Error().Err(err).Str("path", r.URL.Path).Msg("request handler error")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			reqLog.Error().Err(err).Msg("encode response failed")
		}
	}
}

// vectorBackend is the narrow interface either vector store
// implementation (Postgres halfvec or Qdrant) satisfies.
type vectorBackend interface {
	UpsertEmbedding(ctx context.Context, windowID, guildID string, vector []float32) error
	MatchWindowsInGuild(ctx context.Context, queryEmbedding []float32, guildID string, limit int) ([]store.MatchResult, error)
}

// postgresVectorBackend adapts *store.Store's guild-agnostic
// UpsertEmbedding (guild id lives on the joined message_windows row) to
// vectorBackend's explicit guildID parameter, so both backends present
// the same shape to vectorAdapter.
type postgresVectorBackend struct{ *store.Store }

func (p postgresVectorBackend) UpsertEmbedding(ctx context.Context, windowID, _ string, vector []float32) error {
	return p.Store.UpsertEmbedding(ctx, windowID, vector)
}

func openVectorBackend(cfg config.Config, relStore *store.Store) (vectorBackend, error) {
	if cfg.Database.Backend == "qdrant" {
		qv, err := store.OpenQdrantVectorStore(cfg.Database.QdrantDSN, cfg.Database.QdrantCollection, cfg.Gemini.EmbeddingDim)
		if err != nil {
			return nil, fmt.Errorf("open qdrant vector store: %w", err)
		}
		return qv, nil
	}
	return postgresVectorBackend{Store: relStore}, nil
}

// vectorAdapter composes the relational Store with whichever
// vectorBackend is configured, satisfying both embedworker.Store and
// retrieval.MatchStore without either package knowing about the backend
// split.
type vectorAdapter struct {
	*store.Store
	vector vectorBackend
}

func (a vectorAdapter) UpsertEmbedding(ctx context.Context, windowID string, vector []float32) error {
	guildID, err := a.Store.WindowGuildID(ctx, windowID)
	if err != nil {
		return err
	}
	return a.vector.UpsertEmbedding(ctx, windowID, guildID, vector)
}

func (a vectorAdapter) MatchWindowsInGuild(ctx context.Context, queryEmbedding []float32, guildID string, limit int) ([]store.MatchResult, error) {
	return a.vector.MatchWindowsInGuild(ctx, queryEmbedding, guildID, limit)
}

func buildLeaseStore(cfg config.Config) (lease.Store, error) {
	if cfg.Redis.Addr == "" {
		return lease.Noop{}, nil
	}
	return lease.NewRedis(cfg.Redis.Addr)
}

func buildNotify(cfg config.Config) (notify.Notifier, notify.Waiter) {
	if len(cfg.Kafka.Brokers) == 0 {
		return notify.Noop{}, notify.Noop{}
	}
	return notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic), notify.NewKafkaWaiter(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
}

func buildGenerator(ctx context.Context, cfg config.Config) (llm.Generator, error) {
	switch cfg.Chat.Provider {
	case "anthropic":
		if cfg.Chat.AnthropicAPIKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required for CHAT_PROVIDER=anthropic")
		}
		return anthropic.New(cfg.Chat.AnthropicAPIKey, cfg.Chat.AnthropicModel), nil
	case "openai":
		if cfg.Chat.OpenAIAPIKey == "" {
			return nil, errors.New("OPENAI_API_KEY is required for CHAT_PROVIDER=openai")
		}
		return openai.New(cfg.Chat.OpenAIAPIKey, cfg.Chat.OpenAIModel), nil
	default:
		if len(cfg.Gemini.APIKeys) == 0 {
			return nil, errors.New("at least one GEMINI_API_KEY is required for CHAT_PROVIDER=gemini")
		}
		return gemini.New(ctx, cfg.Gemini.APIKeys[0], cfg.Chat.Model)
	}
}

func buildReranker(cfg config.Config) rerank.Reranker {
	if cfg.Rerank.Provider != "cohere" || cfg.Rerank.CohereAPIKey == "" {
		return rerank.Noop{}
	}
	return rerank.NewCohere(cfg.Rerank.CohereAPIKey, cfg.Rerank.Model, telemetry.NewHTTPClient(nil))
}
