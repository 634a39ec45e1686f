// Package tokencount estimates and precisely counts tokens for text bound
// for an embedding or generation call, with truncation to a hard limit.
package tokencount

import (
	"context"
	"strings"
	"time"
	"unicode"

	"google.golang.org/genai"
)

// Config mirrors the environment-tunable defaults named in the external
// interface: maxTokens and safetyMargin.
type Config struct {
	MaxTokens    int
	SafetyMargin int
}

// DefaultConfig matches the documented defaults (2048 / 128).
func DefaultConfig() Config {
	return Config{MaxTokens: 2048, SafetyMargin: 128}
}

// breakChars is the set snapped backward to when truncating. All entries
// rank equally: snapToBreak stops at the closest one, whichever it is.
var breakChars = []rune{'\n', '。', '、', '.', ',', ' ', '}', ']', ')'}

// Counter exposes estimate/countPrecisely/truncate/ensureWithinLimit over a
// genai client used for precise counts. Errors from the remote count never
// surface — failures degrade to the local estimate.
type Counter struct {
	client *genai.Client
	model  string
	cfg    Config
}

// New builds a Counter. client may be nil, in which case countPrecisely
// always falls back to Estimate (useful for tests).
func New(client *genai.Client, model string, cfg Config) *Counter {
	return &Counter{client: client, model: model, cfg: cfg}
}

// Estimate is a local, zero-I/O lower bound on token count: it approximates
// sub-word tokenization by counting word/punctuation boundaries and further
// splitting long words by a fixed average sub-word length, rather than
// treating every whitespace-delimited run as a single token.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	const avgSubwordChars = 4

	count := 0
	wordLen := 0
	flushWord := func() {
		if wordLen == 0 {
			return
		}
		n := wordLen / avgSubwordChars
		if wordLen%avgSubwordChars != 0 {
			n++
		}
		count += n
		wordLen = 0
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flushWord()
		case unicode.IsPunct(r):
			flushWord()
			count++
		default:
			wordLen++
		}
	}
	flushWord()
	return count
}

// Estimate is also exposed as a method so Counter satisfies interfaces that
// expect all four operations on one receiver.
func (c *Counter) Estimate(text string) int {
	return Estimate(text)
}

// CountPrecisely calls the model's count-tokens endpoint, retrying up to 5
// attempts with exponential backoff starting at 250ms and doubling per
// attempt. On exhaustion (or when no client is configured) it falls back to
// Estimate; the error is never surfaced to the caller.
func (c *Counter) CountPrecisely(ctx context.Context, text string) int {
	if c.client == nil {
		return Estimate(text)
	}

	const maxAttempts = 5
	wait := 250 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := c.client.Models.CountTokens(ctx, c.model, genai.Text(text), nil)
		if err == nil && resp != nil {
			return int(resp.TotalTokens)
		}
		if err != nil && !isRetryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return Estimate(text)
		case <-time.After(wait):
		}
		wait *= 2
	}
	return Estimate(text)
}

func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, sig := range []string{"429", "500", "502", "503", "504", "rate limit", "overloaded", "unavailable", "resource_exhausted", "deadline_exceeded", "timeout", "econnreset", "etimedout"} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Truncate binary-searches the largest prefix whose precise token count is
// <= limit, then snaps backward to the nearest break character within the
// last 100 characters so the cut doesn't land mid-word.
func (c *Counter) Truncate(ctx context.Context, text string, limit int) string {
	if c.CountPrecisely(ctx, text) <= limit {
		return text
	}

	runes := []rune(text)
	lo, hi := 0, len(runes)
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		candidate := string(runes[:mid])
		if c.CountPrecisely(ctx, candidate) <= limit {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}

	cut := snapToBreak(runes, best)
	return string(runes[:cut])
}

// snapToBreak looks backward from idx, within the last 100 runes, for the
// closest occurrence of a break character, preferring not to cut mid-word.
func snapToBreak(runes []rune, idx int) int {
	if idx <= 0 || idx > len(runes) {
		if idx > len(runes) {
			return len(runes)
		}
		return idx
	}
	floor := idx - 100
	if floor < 0 {
		floor = 0
	}
	for i := idx - 1; i >= floor; i-- {
		for _, b := range breakChars {
			if runes[i] == b {
				return i + 1
			}
		}
	}
	return idx
}

// Result is the output of EnsureWithinLimit.
type Result struct {
	Text      string
	Tokens    int
	Truncated bool
}

// EnsureWithinLimit returns text unchanged (with its estimated token count)
// when it's cheaply within budget; otherwise it counts precisely and, if
// still over, truncates to maxTokens-safetyMargin.
func (c *Counter) EnsureWithinLimit(ctx context.Context, text string) Result {
	budget := c.cfg.MaxTokens - c.cfg.SafetyMargin
	if est := Estimate(text); est <= budget {
		return Result{Text: text, Tokens: est}
	}

	precise := c.CountPrecisely(ctx, text)
	if precise <= budget {
		return Result{Text: text, Tokens: precise}
	}

	truncated := c.Truncate(ctx, text, budget)
	return Result{Text: truncated, Tokens: c.CountPrecisely(ctx, truncated), Truncated: true}
}
