// Package embedworker implements the Embed Worker: it drains
// embed_queue in priority order, resolves each window's text, embeds it,
// and upserts the resulting vector, backing off when the queue runs dry.
// Grounded on the teacher's internal/orchestrator/kafka.go worker-pool
// shape (bounded-concurrency consumer loop over a semaphore) and
// internal/embedclient's retry/backoff idiom for the per-window embed
// call.
package embedworker

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/semaphore"

	"chatsync/internal/embedclient"
	"chatsync/internal/notify"
	"chatsync/internal/store"
	"chatsync/internal/telemetry"
	"chatsync/internal/tokencount"

	"github.com/rs/zerolog/log"
)

// Store is the narrow persistence interface the worker depends on.
type Store interface {
	ClaimBatch(ctx context.Context, batchSize int) ([]store.QueueRow, error)
	WindowText(ctx context.Context, windowID string) (string, error)
	UpsertEmbedding(ctx context.Context, windowID string, vector []float32) error
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	IncrementAttemptsOrFail(ctx context.Context, id string, maxAttempts int) error
}

// Config holds the worker's tunables, matching spec.md §4.5's defaults.
type Config struct {
	BatchSize    int
	Concurrency  int
	PollInterval time.Duration
	MaxIdleSleep time.Duration
	MaxAttempts  int
}

// DefaultConfig matches the documented defaults (batchSize 500,
// concurrency 15, maxAttempts 5, idle backoff capped at 30s).
func DefaultConfig() Config {
	return Config{
		BatchSize:    500,
		Concurrency:  15,
		PollInterval: time.Second,
		MaxIdleSleep: 30 * time.Second,
		MaxAttempts:  5,
	}
}

// Worker is the Embed Worker.
type Worker struct {
	store   Store
	embed   embedclient.Embedder
	counter *tokencount.Counter
	waiter  notify.Waiter
	cfg     Config
}

// New builds a Worker. waiter may be notify.Noop{} in degraded mode.
func New(s Store, embedder embedclient.Embedder, counter *tokencount.Counter, waiter notify.Waiter, cfg Config) *Worker {
	return &Worker{store: s, embed: embedder, counter: counter, waiter: waiter, cfg: cfg}
}

// Run drives the claim/process/backoff loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	idleCount := 0
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := w.RunOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("embed worker batch claim failed")
			w.sleep(ctx, idleCount)
			idleCount++
			continue
		}
		if n == 0 {
			w.sleep(ctx, idleCount)
			idleCount++
			continue
		}
		idleCount = 0
	}
}

// RunOnce claims and processes a single batch, returning the number of
// rows claimed (0 means the queue was empty).
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	rows, err := w.store.ClaimBatch(ctx, batchSizeOrDefault(w.cfg.BatchSize))
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	sem := semaphore.NewWeighted(int64(concurrencyOrDefault(w.cfg.Concurrency)))
	done := make(chan struct{}, len(rows))
	for _, row := range rows {
		row := row
		if err := sem.Acquire(ctx, 1); err != nil {
			done <- struct{}{}
			continue
		}
		go func() {
			defer sem.Release(1)
			defer func() { done <- struct{}{} }()
			w.processWindow(ctx, row)
		}()
	}
	for range rows {
		<-done
	}
	return len(rows), nil
}

func batchSizeOrDefault(n int) int {
	if n <= 0 {
		return 500
	}
	return n
}

func concurrencyOrDefault(n int) int {
	if n <= 0 {
		return 15
	}
	return n
}

// processWindow implements spec.md §4.5's five steps for one queue row.
func (w *Worker) processWindow(ctx context.Context, row store.QueueRow) {
	wlog := telemetry.LoggerWithTrace(ctx)

	text, err := w.store.WindowText(ctx, row.WindowID)
	if err != nil {
		wlog.Error().Err(err).Str("window_id", row.WindowID).Msg("resolve window text failed")
		w.incrementOrFail(ctx, row.ID)
		return
	}
	if text == "" {
		// Neither a stored text column nor any resolvable message
		// content: terminal, no amount of retrying will fix this.
		if err := w.store.MarkFailed(ctx, row.ID); err != nil {
			wlog.Warn().Err(err).Str("queue_id", row.ID).Msg("mark failed errored")
		}
		return
	}

	if w.counter != nil {
		res := w.counter.EnsureWithinLimit(ctx, text)
		if res.Truncated {
			wlog.Warn().Str("window_id", row.WindowID).Int("tokens", res.Tokens).Msg("window text truncated before embedding")
		}
		text = res.Text
	}

	vector, err := embedclient.EmbedWindow(ctx, w.embed, text)
	if err != nil {
		wlog.Warn().Err(err).Str("window_id", row.WindowID).Msg("embed call failed")
		w.incrementOrFail(ctx, row.ID)
		return
	}

	if err := w.store.UpsertEmbedding(ctx, row.WindowID, vector); err != nil {
		wlog.Warn().Err(err).Str("window_id", row.WindowID).Msg("upsert embedding failed")
		w.incrementOrFail(ctx, row.ID)
		return
	}

	if err := w.store.MarkDone(ctx, row.ID); err != nil {
		wlog.Warn().Err(err).Str("queue_id", row.ID).Msg("mark done failed")
	}
}

func (w *Worker) incrementOrFail(ctx context.Context, id string) {
	maxAttempts := w.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if err := w.store.IncrementAttemptsOrFail(ctx, id, maxAttempts); err != nil {
		// Per spec.md §4.5: the step that marks failed is not itself
		// retried on a DB error, only logged.
		log.Warn().Err(err).Str("queue_id", id).Msg("increment attempts failed")
	}
}

// sleep backs off for min(pollInterval * 1.5^idleCount, maxIdleSleep),
// waking early if the waiter signals a new window was enqueued.
func (w *Worker) sleep(ctx context.Context, idleCount int) {
	poll := w.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	maxSleep := w.cfg.MaxIdleSleep
	if maxSleep <= 0 {
		maxSleep = 30 * time.Second
	}

	wait := computeBackoff(poll, maxSleep, idleCount)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var wake <-chan struct{}
	if w.waiter != nil {
		wake = w.waiter.Wake()
	}

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-wake:
	}
}

// computeBackoff implements spec.md §4.5's idle sleep formula:
// min(pollInterval * 1.5^idleCount, maxSleep).
func computeBackoff(poll, maxSleep time.Duration, idleCount int) time.Duration {
	wait := time.Duration(float64(poll) * math.Pow(1.5, float64(idleCount)))
	if wait > maxSleep {
		return maxSleep
	}
	return wait
}
