// Package config loads runtime configuration from the environment into a
// single validated value, replacing scattered os.Getenv reads.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the fully resolved runtime configuration for the sync daemon.
type Config struct {
	Discord  DiscordConfig
	Database DatabaseConfig
	Gemini   GeminiConfig
	Chat     ChatConfig
	Rerank   RerankConfig
	Chunking ChunkingConfig
	Tokens   TokenConfig
	Sync     SyncConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Telemetry TelemetryConfig

	Port int
}

// DiscordConfig carries the chat-service credentials. Consumed only by
// internal/chatservice; the sync/embed/retrieval core never reads these.
type DiscordConfig struct {
	Token     string
	AppID     string
	PublicKey string
}

// DatabaseConfig points at the relational + vector store.
type DatabaseConfig struct {
	URL            string
	SupabaseURL    string
	SupabaseAnonKey string
	// Backend selects the VectorStore implementation: "postgres" (default)
	// or "qdrant".
	Backend      string
	QdrantDSN    string
	QdrantCollection string
}

// GeminiConfig holds the embedding/LLM credential pool and model names.
type GeminiConfig struct {
	APIKeys       []string
	EmbeddingModel string
	EmbeddingDim   int
}

// ChatConfig selects and configures the generative model provider.
type ChatConfig struct {
	Provider string // "gemini" (default) | "anthropic" | "openai"
	Model    string

	AnthropicAPIKey string
	AnthropicModel  string

	OpenAIAPIKey string
	OpenAIModel  string
}

// RerankConfig selects the rerank collaborator.
type RerankConfig struct {
	Provider string // "none" (default) | "cohere"
	Model    string
	TopK     int
	CohereAPIKey string
}

// ChunkingConfig mirrors internal/chunking's tunables.
type ChunkingConfig struct {
	MaxTokensPerWindow int
	SoftGapMinutes     int
	OverlapMessages    int
}

// TokenConfig mirrors internal/tokencount's tunables.
type TokenConfig struct {
	MaxInputTokens int
	SafetyMargin   int
}

// SyncConfig tunes the orchestrator's fan-out and polling behavior.
type SyncConfig struct {
	FetchConcurrency  int
	TopCandidatesLimit int
}

// RedisConfig points at the lease/heartbeat store. Empty Addr disables
// leasing; the startup sweep then resets every running job to queued.
type RedisConfig struct {
	Addr string
}

// KafkaConfig points at the best-effort wake-up notification bus. Empty
// Brokers disables notifications; the embed worker still polls.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// TelemetryConfig configures logging and tracing.
type TelemetryConfig struct {
	LogLevel    string
	LogPath     string
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from the environment (and an optional .env file,
// which overrides pre-existing OS environment variables so local repo
// configuration deterministically controls development runs).
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		Discord: DiscordConfig{
			Token:     strings.TrimSpace(os.Getenv("DISCORD_TOKEN")),
			AppID:     strings.TrimSpace(os.Getenv("DISCORD_APP_ID")),
			PublicKey: strings.TrimSpace(os.Getenv("DISCORD_PUBLIC_KEY")),
		},
		Database: DatabaseConfig{
			URL:              firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("DB_URL"), os.Getenv("POSTGRES_DSN")),
			SupabaseURL:      strings.TrimSpace(os.Getenv("SUPABASE_URL")),
			SupabaseAnonKey:  strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
			Backend:          strings.ToLower(firstNonEmpty(os.Getenv("VECTOR_BACKEND"), "postgres")),
			QdrantDSN:        strings.TrimSpace(os.Getenv("QDRANT_DSN")),
			QdrantCollection: firstNonEmpty(os.Getenv("QDRANT_COLLECTION"), "message_embeddings"),
		},
		Gemini: GeminiConfig{
			APIKeys:        geminiKeyPool(),
			EmbeddingModel: firstNonEmpty(os.Getenv("EMBEDDING_MODEL"), "gemini-embedding-001"),
			EmbeddingDim:   intFromEnv("EMBEDDING_DIM", 3072),
		},
		Chat: ChatConfig{
			Provider:        strings.ToLower(firstNonEmpty(os.Getenv("CHAT_PROVIDER"), "gemini")),
			Model:           firstNonEmpty(os.Getenv("CHAT_MODEL"), "gemini-2.5-flash-lite"),
			AnthropicAPIKey: strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
			AnthropicModel:  firstNonEmpty(os.Getenv("ANTHROPIC_MODEL"), "claude-3-5-haiku-latest"),
			OpenAIAPIKey:    strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			OpenAIModel:     firstNonEmpty(os.Getenv("OPENAI_MODEL"), "gpt-4o-mini"),
		},
		Rerank: RerankConfig{
			Provider:     strings.ToLower(firstNonEmpty(os.Getenv("RERANK_PROVIDER"), "none")),
			Model:        strings.TrimSpace(os.Getenv("RERANK_MODEL")),
			TopK:         intFromEnv("RERANK_TOPK", 5),
			CohereAPIKey: strings.TrimSpace(os.Getenv("COHERE_API_KEY")),
		},
		Chunking: ChunkingConfig{
			MaxTokensPerWindow: intFromEnv("MAX_TOKENS_PER_WINDOW", 1200),
			SoftGapMinutes:     intFromEnv("SOFT_GAP_MINUTES", 5),
			OverlapMessages:    intFromEnv("OVERLAP_MESSAGES", 0),
		},
		Tokens: TokenConfig{
			MaxInputTokens: intFromEnv("MAX_INPUT_TOKENS", 2048),
			SafetyMargin:   intFromEnv("LLM_TOKEN_SAFETY_MARGIN", 128),
		},
		Sync: SyncConfig{
			FetchConcurrency:   intFromEnv("DISCORD_FETCH_CONCURRENCY", 15),
			TopCandidatesLimit: intFromEnv("TOP_CANDIDATES_LIMIT", 50),
		},
		Redis: RedisConfig{
			Addr: strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		},
		Kafka: KafkaConfig{
			Brokers: parseCommaSeparatedList(firstNonEmpty(os.Getenv("KAFKA_BROKERS"), os.Getenv("KAFKA_BOOTSTRAP_SERVERS"))),
			Topic:   firstNonEmpty(os.Getenv("KAFKA_NOTIFY_TOPIC"), "chatsync.embed-queue.wake"),
			GroupID: firstNonEmpty(os.Getenv("KAFKA_GROUP_ID"), "chatsync-embed-worker"),
		},
		Telemetry: TelemetryConfig{
			LogLevel:     strings.TrimSpace(os.Getenv("LOG_LEVEL")),
			LogPath:      strings.TrimSpace(os.Getenv("LOG_PATH")),
			OTLPEndpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
			ServiceName:  firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "chatsync"),
		},
		Port: intFromEnv("PORT", 8080),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Database.URL == "" && c.Database.Backend != "qdrant" {
		return fmt.Errorf("config: DATABASE_URL (or DB_URL/POSTGRES_DSN) is required")
	}
	if len(c.Gemini.APIKeys) == 0 {
		return fmt.Errorf("config: at least one GEMINI_API_KEY is required")
	}
	return nil
}

// geminiKeyPool reads GEMINI_API_KEY plus the numbered fallbacks
// GEMINI_API_KEY2..GEMINI_API_KEY20 into an equivalent-credential pool.
func geminiKeyPool() []string {
	var keys []string
	if v := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); v != "" {
		keys = append(keys, v)
	}
	for i := 2; i <= 20; i++ {
		if v := strings.TrimSpace(os.Getenv(fmt.Sprintf("GEMINI_API_KEY%d", i))); v != "" {
			keys = append(keys, v)
		}
	}
	return keys
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func intFromEnv(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func parseCommaSeparatedList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
