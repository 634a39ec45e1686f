package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		_ = os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t, "MAX_TOKENS_PER_WINDOW", "SOFT_GAP_MINUTES", "RERANK_PROVIDER", "CHAT_MODEL", "PORT")
	os.Setenv("DATABASE_URL", "postgres://localhost/chatsync")
	os.Setenv("GEMINI_API_KEY", "key-1")
	t.Cleanup(func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("GEMINI_API_KEY")
	})

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 1200, cfg.Chunking.MaxTokensPerWindow)
	require.Equal(t, 5, cfg.Chunking.SoftGapMinutes)
	require.Equal(t, "none", cfg.Rerank.Provider)
	require.Equal(t, "gemini-2.5-flash-lite", cfg.Chat.Model)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, []string{"key-1"}, cfg.Gemini.APIKeys)
}

func TestLoad_GeminiKeyPool(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/chatsync")
	os.Setenv("GEMINI_API_KEY", "key-1")
	os.Setenv("GEMINI_API_KEY2", "key-2")
	os.Setenv("GEMINI_API_KEY5", "key-5")
	t.Cleanup(func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("GEMINI_API_KEY")
		os.Unsetenv("GEMINI_API_KEY2")
		os.Unsetenv("GEMINI_API_KEY5")
	})

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"key-1", "key-2", "key-5"}, cfg.Gemini.APIKeys)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	clearEnv(t, "DATABASE_URL", "DB_URL", "POSTGRES_DSN")
	os.Setenv("GEMINI_API_KEY", "key-1")
	t.Cleanup(func() { os.Unsetenv("GEMINI_API_KEY") })

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_MissingGeminiKey(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/chatsync")
	clearEnv(t, "GEMINI_API_KEY", "GEMINI_API_KEY2")
	t.Cleanup(func() { os.Unsetenv("DATABASE_URL") })

	_, err := Load()
	require.Error(t, err)
}

func TestParseCommaSeparatedList(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, parseCommaSeparatedList(" a, b ,c"))
	require.Nil(t, parseCommaSeparatedList("  "))
}

func TestFirstNonEmpty(t *testing.T) {
	require.Equal(t, "b", firstNonEmpty("", "  ", "b", "c"))
	require.Equal(t, "", firstNonEmpty("", "  "))
}
