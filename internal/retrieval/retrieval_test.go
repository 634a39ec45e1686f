package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatsync/internal/embedclient"
	"chatsync/internal/rerank"
	"chatsync/internal/store"

	"github.com/stretchr/testify/require"
)

type fakeMatchStore struct {
	matches []store.MatchResult
	windows map[string]store.Window
	err     error
}

func (f *fakeMatchStore) MatchWindowsInGuild(ctx context.Context, queryEmbedding []float32, guildID string, limit int) ([]store.MatchResult, error) {
	return f.matches, f.err
}
func (f *fakeMatchStore) WindowsByID(ctx context.Context, windowIDs []string) (map[string]store.Window, error) {
	return f.windows, nil
}

type fakeGenerator struct {
	prompt string
	resp   string
	err    error
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, temperature, topP float64, maxOutputTokens int) (string, error) {
	f.prompt = prompt
	return f.resp, f.err
}

func TestAnswer_EmptyMatchesReturnsCannedAnswer(t *testing.T) {
	fs := &fakeMatchStore{}
	gen := &fakeGenerator{resp: "should not be called"}
	svc := New(fs, embedclient.NewDeterministic(8, 1), rerank.Noop{}, gen, DefaultConfig())

	ans, err := svc.Answer(context.Background(), Request{GuildID: "g1", Query: "hi"})
	require.NoError(t, err)
	require.Equal(t, emptyResultAnswer, ans.Answer)
	require.Empty(t, ans.Citations)
	require.Empty(t, gen.prompt)
}

func TestAnswer_HappyPathBuildsPromptAndCitations(t *testing.T) {
	now := time.Now()
	fs := &fakeMatchStore{
		matches: []store.MatchResult{
			{WindowID: "w-1", Similarity: 0.9},
			{WindowID: "w-2", Similarity: 0.8},
		},
		windows: map[string]store.Window{
			"w-1": {WindowID: "w-1", ChannelID: "c-1", MessageIDs: []string{"m-1"}, StartAt: now, EndAt: now, Text: "alpha"},
			"w-2": {WindowID: "w-2", ChannelID: "c-1", MessageIDs: []string{"m-2"}, StartAt: now, EndAt: now, Text: "beta"},
		},
	}
	gen := &fakeGenerator{resp: "the answer"}
	svc := New(fs, embedclient.NewDeterministic(8, 1), rerank.Noop{}, gen, DefaultConfig())

	ans, err := svc.Answer(context.Background(), Request{GuildID: "g1", UserID: "u1", Query: "what happened?"})
	require.NoError(t, err)
	require.Equal(t, "the answer", ans.Answer)
	require.Len(t, ans.Citations, 2)
	require.Contains(t, gen.prompt, "alpha")
	require.Contains(t, gen.prompt, "what happened?")
	require.Contains(t, ans.Citations[0].JumpLink, "g1/c-1/m-1")
}

func TestAnswer_DropsWindowsMissingFromLookup(t *testing.T) {
	now := time.Now()
	fs := &fakeMatchStore{
		matches: []store.MatchResult{{WindowID: "w-1"}, {WindowID: "w-missing"}},
		windows: map[string]store.Window{
			"w-1": {WindowID: "w-1", ChannelID: "c-1", MessageIDs: []string{"m-1"}, StartAt: now, EndAt: now, Text: "alpha"},
		},
	}
	gen := &fakeGenerator{resp: "ok"}
	svc := New(fs, embedclient.NewDeterministic(8, 1), rerank.Noop{}, gen, DefaultConfig())

	ans, err := svc.Answer(context.Background(), Request{GuildID: "g1", Query: "q"})
	require.NoError(t, err)
	require.Len(t, ans.Citations, 1)
}

type erroringReranker struct{}

func (erroringReranker) Rerank(ctx context.Context, query string, candidates []rerank.Candidate, topK int) ([]int, error) {
	return nil, errors.New("rerank unavailable")
}

func TestAnswer_RerankErrorFallsBackToSliceTopK(t *testing.T) {
	now := time.Now()
	fs := &fakeMatchStore{
		matches: []store.MatchResult{{WindowID: "w-1"}},
		windows: map[string]store.Window{
			"w-1": {WindowID: "w-1", ChannelID: "c-1", MessageIDs: []string{"m-1"}, StartAt: now, EndAt: now, Text: "alpha"},
		},
	}
	gen := &fakeGenerator{resp: "ok"}
	svc := New(fs, embedclient.NewDeterministic(8, 1), erroringReranker{}, gen, DefaultConfig())

	ans, err := svc.Answer(context.Background(), Request{GuildID: "g1", Query: "q"})
	require.NoError(t, err)
	require.Equal(t, "ok", ans.Answer)
}

func TestBuildPrompt_IncludesInstructionContextAndQuestion(t *testing.T) {
	now := time.Now()
	windows := []store.Window{{Text: "context text", StartAt: now, EndAt: now}}
	prompt := buildPrompt("user-9", "why?", windows)
	require.Contains(t, prompt, "context text")
	require.Contains(t, prompt, "user-9")
	require.Contains(t, prompt, "why?")
}
