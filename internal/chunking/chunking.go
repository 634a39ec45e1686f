// Package chunking groups an ordered sequence of messages from one
// channel-date (or thread-date) partition into token-bounded windows, with
// soft breaks on time gaps and top-level messages.
package chunking

import (
	"context"
	"strings"
	"time"

	"chatsync/internal/tokencount"
)

// Config holds the chunker's tunables, mirroring the external defaults.
type Config struct {
	MaxTokensPerWindow int
	SoftGapMinutes     int
	OverlapMessages    int
}

// DefaultConfig matches the documented defaults (1200 / 5 / 0).
func DefaultConfig() Config {
	return Config{MaxTokensPerWindow: 1200, SoftGapMinutes: 5, OverlapMessages: 0}
}

// Message is one input item to the chunker.
type Message struct {
	ID         string
	Content    string
	CreatedAt  time.Time
	IsTopLevel bool
}

// Window is one emitted, bounded-token concatenation of consecutive
// messages.
type Window struct {
	Seq           int
	MessageIDs    []string
	StartAt       time.Time
	EndAt         time.Time
	TokenEstimate int
	Text          string
}

// Chunker turns a time-ordered message sequence into windows. It is a
// strategy object so callers can inject a Counter for truncation behavior
// (ensureWithinLimit), matching the DI convention used across the rest of
// the pipeline.
type Chunker struct {
	cfg     Config
	counter *tokencount.Counter
}

// New builds a Chunker. counter may be nil; windows are then not truncated
// and their TokenEstimate is the local estimate (no precise count, no
// remote call).
func New(cfg Config, counter *tokencount.Counter) *Chunker {
	return &Chunker{cfg: cfg, counter: counter}
}

type buffer struct {
	messages []Message
}

func (b *buffer) reset()     { b.messages = b.messages[:0] }
func (b *buffer) empty() bool { return len(b.messages) == 0 }

func (b *buffer) tokenEstimate() int {
	total := 0
	for _, m := range b.messages {
		total += tokencount.Estimate(m.Content)
	}
	return total
}

// Chunk runs the single-pass windowing algorithm described in the
// component design: a rolling buffer with a running token budget, flushed
// on overflow or a soft break (time gap or a top-level message), with the
// trailing overlapMessages carried into the next window.
func (c *Chunker) Chunk(messages []Message) []Window {
	if len(messages) == 0 {
		return nil
	}

	softGap := time.Duration(c.cfg.SoftGapMinutes) * time.Minute
	buf := &buffer{}
	var windows []Window
	seq := 1
	var lastTimestamp time.Time

	flush := func() {
		if buf.empty() {
			return
		}
		windows = append(windows, c.emit(seq, buf.messages))
		seq++
		overlap := c.cfg.OverlapMessages
		if overlap > len(buf.messages) {
			overlap = len(buf.messages)
		}
		carried := append([]Message(nil), buf.messages[len(buf.messages)-overlap:]...)
		buf.reset()
		buf.messages = append(buf.messages, carried...)
	}

	for i, m := range messages {
		gap := time.Duration(0)
		if i > 0 {
			gap = m.CreatedAt.Sub(lastTimestamp)
		}
		wouldOverflow := buf.tokenEstimate()+tokencount.Estimate(m.Content) > c.cfg.MaxTokensPerWindow
		softBreak := (i > 0 && gap > softGap) || m.IsTopLevel

		if !buf.empty() && (wouldOverflow || softBreak) {
			flush()
		}

		buf.messages = append(buf.messages, m)
		lastTimestamp = m.CreatedAt
	}
	flush()

	return windows
}

func (c *Chunker) emit(seq int, messages []Message) Window {
	ids := make([]string, len(messages))
	parts := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
		parts[i] = m.Content
	}
	text := strings.Join(parts, "\n")

	tokens := tokencount.Estimate(text)
	if c.counter != nil {
		res := c.counter.EnsureWithinLimit(context.Background(), text)
		text = res.Text
		tokens = res.Tokens
	}

	return Window{
		Seq:           seq,
		MessageIDs:    ids,
		StartAt:       messages[0].CreatedAt,
		EndAt:         messages[len(messages)-1].CreatedAt,
		TokenEstimate: tokens,
		Text:          text,
	}
}
