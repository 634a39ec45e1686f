// Package retrieval implements Retrieval & Answering: embed the user's
// query, match windows via the vector RPC, reconstruct ordering,
// optionally rerank, build a prompt, and call the generative model.
// Grounded on internal/rag/service's retrieve-then-generate shape,
// rewritten around this domain's window/citation model instead of that
// package's generic document-chunk/graph-expand pipeline.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/embedclient"
	"chatsync/internal/llm"
	"chatsync/internal/rerank"
	"chatsync/internal/store"
)

// MatchStore is the narrow persistence interface retrieval depends on.
type MatchStore interface {
	MatchWindowsInGuild(ctx context.Context, queryEmbedding []float32, guildID string, limit int) ([]store.MatchResult, error)
	WindowsByID(ctx context.Context, windowIDs []string) (map[string]store.Window, error)
}

// Config holds retrieval's tunables, matching spec.md §4.6's defaults.
type Config struct {
	MatchLimit      int     // candidates requested from the vector RPC (default 200)
	RetainTop       int     // windows retained after reconstruction (default 15)
	RerankTopK      int     // candidates kept after reranking (default 5)
	Temperature     float64 // default 0.3
	TopP            float64 // default 0.9
	MaxOutputTokens int     // default 2048
	ChatServiceBase string  // base URL used to build citation jump links
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		MatchLimit:      200,
		RetainTop:       15,
		RerankTopK:      5,
		Temperature:     0.3,
		TopP:            0.9,
		MaxOutputTokens: 2048,
		ChatServiceBase: "https://discord.com",
	}
}

// Citation is one source reference returned alongside an answer.
type Citation struct {
	Label    string
	JumpLink string
}

// Answer is the result of Answer.
type Answer struct {
	Answer    string
	Citations []Citation
	LatencyMs int64
}

// Service answers questions against a guild's synchronized context.
type Service struct {
	store    MatchStore
	embedder embedclient.Embedder
	reranker rerank.Reranker
	generator llm.Generator
	cfg      Config
}

// New builds a Service. reranker may be rerank.Noop{} when
// RERANK_PROVIDER=none.
func New(s MatchStore, embedder embedclient.Embedder, reranker rerank.Reranker, generator llm.Generator, cfg Config) *Service {
	return &Service{store: s, embedder: embedder, reranker: reranker, generator: generator, cfg: cfg}
}

// Request is the input to Answer.
type Request struct {
	GuildID   string
	ChannelID string
	UserID    string
	Query     string
}

var emptyResultAnswer = "まだ同期されたコンテキストがありません。ギルドの同期を実行してから、もう一度お試しください。"

// Answer implements spec.md §4.6's seven steps.
func (s *Service) Answer(ctx context.Context, req Request) (Answer, error) {
	start := time.Now()

	queryVector, err := embedclient.EmbedQuery(ctx, s.embedder, req.Query)
	if err != nil {
		return Answer{}, fmt.Errorf("embed query: %w", err)
	}

	matches, err := s.store.MatchWindowsInGuild(ctx, queryVector, req.GuildID, matchLimitOrDefault(s.cfg.MatchLimit))
	if err != nil {
		return Answer{}, fmt.Errorf("match windows: %w", err)
	}
	if len(matches) == 0 {
		return Answer{Answer: emptyResultAnswer, Citations: nil, LatencyMs: elapsedMs(start)}, nil
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.WindowID
	}
	windowsByID, err := s.store.WindowsByID(ctx, ids)
	if err != nil {
		return Answer{}, fmt.Errorf("fetch windows: %w", err)
	}

	ordered := reconstructOrdering(matches, windowsByID)
	if len(ordered) == 0 {
		return Answer{Answer: emptyResultAnswer, Citations: nil, LatencyMs: elapsedMs(start)}, nil
	}

	retainTop := retainTopOrDefault(s.cfg.RetainTop)
	if len(ordered) > retainTop {
		ordered = ordered[:retainTop]
	}

	selected := s.rerankOrdered(ctx, req.Query, ordered)

	prompt := buildPrompt(req.UserID, req.Query, selected)
	text, err := s.generator.Generate(ctx, prompt, s.cfg.Temperature, s.cfg.TopP, maxOutputTokensOrDefault(s.cfg.MaxOutputTokens))
	if err != nil {
		return Answer{}, fmt.Errorf("generate answer: %w", err)
	}

	return Answer{
		Answer:    text,
		Citations: s.citations(req.GuildID, selected),
		LatencyMs: elapsedMs(start),
	}, nil
}

func elapsedMs(start time.Time) int64 { return time.Since(start).Milliseconds() }

func matchLimitOrDefault(n int) int {
	if n <= 0 {
		return 200
	}
	return n
}

func retainTopOrDefault(n int) int {
	if n <= 0 {
		return 15
	}
	return n
}

func maxOutputTokensOrDefault(n int) int {
	if n <= 0 {
		return 2048
	}
	return n
}

// reconstructOrdering walks matches in their RPC-returned (ascending
// cosine-distance) order, dropping any window whose row is missing —
// referential drift between message_embeddings and message_windows.
func reconstructOrdering(matches []store.MatchResult, windowsByID map[string]store.Window) []store.Window {
	out := make([]store.Window, 0, len(matches))
	for _, m := range matches {
		w, ok := windowsByID[m.WindowID]
		if !ok {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (s *Service) rerankOrdered(ctx context.Context, query string, windows []store.Window) []store.Window {
	if _, isNoop := s.reranker.(rerank.Noop); isNoop {
		return sliceTopK(windows, rerankTopKOrDefault(s.cfg.RerankTopK))
	}

	candidates := make([]rerank.Candidate, len(windows))
	for i, w := range windows {
		candidates[i] = rerank.Candidate{Index: i, Text: w.Text}
	}

	idxs, err := s.reranker.Rerank(ctx, query, candidates, rerankTopKOrDefault(s.cfg.RerankTopK))
	if err != nil {
		// Fall back to slice-top-K on any rerank error (spec.md §4.6 step 4).
		return sliceTopK(windows, rerankTopKOrDefault(s.cfg.RerankTopK))
	}

	out := make([]store.Window, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, windows[idx])
	}
	return out
}

func rerankTopKOrDefault(n int) int {
	if n <= 0 {
		return 5
	}
	return n
}

func sliceTopK(windows []store.Window, topK int) []store.Window {
	if topK > len(windows) {
		topK = len(windows)
	}
	return windows[:topK]
}

// buildPrompt assembles the instruction/context/question blocks of
// spec.md §4.6 step 5.
func buildPrompt(userID, query string, windows []store.Window) string {
	var b strings.Builder
	b.WriteString("あなたは同期されたチャット履歴に基づいて質問に回答するアシスタントです。")
	b.WriteString("日本語で回答し、関連する情報源がある場合は引用してください。\n\n")

	for i, w := range windows {
		fmt.Fprintf(&b, "[#%d] (%s – %s)\n%s\n\n", i+1, w.StartAt.Format(time.RFC3339), w.EndAt.Format(time.RFC3339), w.Text)
	}

	fmt.Fprintf(&b, "ユーザー(%s)の質問: %s\n", userID, query)
	return b.String()
}

// citations returns the first 3 selected windows as citation links
// (spec.md §4.6 step 7).
func (s *Service) citations(guildID string, windows []store.Window) []Citation {
	n := 3
	if len(windows) < n {
		n = len(windows)
	}
	out := make([]Citation, n)
	for i := 0; i < n; i++ {
		w := windows[i]
		out[i] = Citation{
			Label:    fmt.Sprintf("[#%d] %s", i+1, w.StartAt.Format("2006-01-02 15:04")),
			JumpLink: fmt.Sprintf("%s/channels/%s/%s/%s", s.cfg.ChatServiceBase, guildID, w.ChannelID, w.FirstMessageID()),
		}
	}
	return out
}
