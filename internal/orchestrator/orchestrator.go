// Package orchestrator implements the Sync Orchestrator (Runner): it
// claims queued sync_operations, fetches messages via an injected
// Fetcher, persists them, chunks and enqueues embed_queue rows, waits for
// the Embed Worker to drain them, and updates the guild's cursor.
// Grounded on the teacher's cmd/agentd daemon-loop shape for the
// long-running-goroutine-with-ticker pattern, and on
// internal/orchestrator/kafka.go's worker-pool/backoff idiom for the
// bounded-retry structure (though this package's job-claim loop is new:
// the teacher's package at this import path solved a different,
// Kafka-command-dispatch problem — see DESIGN.md).
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"chatsync/internal/apperrors"
	"chatsync/internal/chatservice"
	"chatsync/internal/chunking"
	"chatsync/internal/lease"
	"chatsync/internal/notify"
	"chatsync/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Store is the narrow persistence interface the runner depends on;
// *store.Store satisfies it structurally.
type Store interface {
	ClaimNextQueued(ctx context.Context) (*store.SyncOperation, error)
	UpdateProgress(ctx context.Context, id string, p store.Progress) error
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, reason string) error
	UpsertMessagesBatch(ctx context.Context, batch []store.Message) error
	UpsertWindowsAndEnqueue(ctx context.Context, windows []store.Window) ([]string, error)
	CountReadyForGuild(ctx context.Context, guildID string) (int, error)
	MessageIDWithMaxCreatedAt(ctx context.Context, messageIDs []string) (string, error)
	UpsertCursor(ctx context.Context, guildID string, lastMessageID string, syncedAt time.Time) error
	GetCursor(ctx context.Context, guildID string) (*store.Cursor, error)
}

// Config holds the runner's fan-out/polling tunables.
type Config struct {
	FetchConcurrency int // channel-level container semaphore (default 15)
	ThreadConcurrency int // distinct thread-level semaphore, avoids self-deadlock
	ThreadTimeout     time.Duration // per-thread fetch wall clock (default 30s)
	PersistBatchSize  int // messages per upsert batch (default 50)
	PersistRetries    int // per-batch retry attempts (default 3)
	EmbedPollInterval time.Duration // await-embeddings poll tick (default 5s)
	EmbedWaitTimeout  time.Duration // await-embeddings ceiling (default 30m)
	LeaseTTL          time.Duration // redis lease TTL (default 2x poll interval)
	RunnerID          string
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		FetchConcurrency:  15,
		ThreadConcurrency: 15,
		ThreadTimeout:     30 * time.Second,
		PersistBatchSize:  50,
		PersistRetries:    3,
		EmbedPollInterval: 5 * time.Second,
		EmbedWaitTimeout:  30 * time.Minute,
		LeaseTTL:          10 * time.Second,
		RunnerID:          "runner-1",
	}
}

// Runner is the Sync Orchestrator.
type Runner struct {
	store   Store
	fetcher chatservice.Fetcher
	lease   lease.Store
	notifier notify.Notifier
	chunker *chunking.Chunker
	cfg     Config
}

// New builds a Runner.
func New(s Store, fetcher chatservice.Fetcher, ls lease.Store, n notify.Notifier, chunker *chunking.Chunker, cfg Config) *Runner {
	return &Runner{store: s, fetcher: fetcher, lease: ls, notifier: n, chunker: chunker, cfg: cfg}
}

// PollOnce claims and fully runs at most one queued job. It returns
// (false, nil) when there was no queued job to claim (the caller's poll
// loop should sleep and try again).
func (r *Runner) PollOnce(ctx context.Context) (bool, error) {
	op, err := r.store.ClaimNextQueued(ctx)
	if err != nil {
		return false, err
	}
	if op == nil {
		return false, nil
	}

	ok, err := r.lease.Acquire(ctx, op.ID, r.cfg.RunnerID, r.cfg.LeaseTTL)
	if err != nil {
		log.Warn().Err(err).Str("job_id", op.ID).Msg("lease acquire failed, proceeding without lease")
	} else if !ok {
		// Another runner already holds the lease for a job we just
		// claimed to 'running' — should not happen under the
		// claim-then-lease ordering above, but if it does, leave the
		// job alone; the lease holder owns it.
		return true, nil
	}
	defer func() { _ = r.lease.Release(context.Background(), op.ID) }()

	r.runJob(ctx, op)
	return true, nil
}

func (r *Runner) renewLease(ctx context.Context, jobID string) {
	if err := r.lease.Renew(ctx, jobID, r.cfg.LeaseTTL); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("lease renew failed")
	}
}

func (r *Runner) runJob(ctx context.Context, op *store.SyncOperation) {
	messages, err := r.fetchPhase(ctx, op)
	if err != nil {
		r.fail(ctx, op.ID, err)
		return
	}

	if err := r.persistPhase(ctx, op, messages); err != nil {
		r.fail(ctx, op.ID, err)
		return
	}

	if err := r.chunkAndEnqueuePhase(ctx, op, messages); err != nil {
		r.fail(ctx, op.ID, err)
		return
	}

	r.awaitEmbeddingsPhase(ctx, op)

	if err := r.cursorUpdatePhase(ctx, op, messages); err != nil {
		r.fail(ctx, op.ID, err)
		return
	}

	if err := r.store.CompleteJob(ctx, op.ID); err != nil {
		log.Error().Err(err).Str("job_id", op.ID).Msg("failed to mark job completed")
	}
}

func (r *Runner) fail(ctx context.Context, jobID string, err error) {
	log.Error().Err(err).Str("job_id", jobID).Msg("sync job failed")
	if ferr := r.store.FailJob(ctx, jobID, err.Error()); ferr != nil {
		log.Error().Err(ferr).Str("job_id", jobID).Msg("failed to mark job failed")
	}
}

func (r *Runner) progress(ctx context.Context, jobID string, processed, total int, message string) {
	if err := r.store.UpdateProgress(ctx, jobID, store.Progress{Processed: processed, Total: total, Message: message}); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("progress update failed")
	}
}

// fetchPhase drains every container for the job's scope, 0-30% of
// progress, fanning out under two distinct semaphores (channel vs thread)
// per spec.md §4.4's anti-deadlock requirement.
func (r *Runner) fetchPhase(ctx context.Context, op *store.SyncOperation) ([]chatservice.RawMessage, error) {
	r.renewLease(ctx, op.ID)

	since := op.Since
	if op.Mode == "delta" && since == nil {
		if cur, err := r.store.GetCursor(ctx, op.GuildID); err == nil && cur != nil {
			since = cur.LastSyncedAt
		}
	}

	containers, err := r.fetcher.Containers(ctx, op.GuildID, op.Scope, op.TargetIDs)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSyncEnqueueFailed, "list containers", err)
	}
	total := len(containers)
	if total == 0 {
		r.progress(ctx, op.ID, 30, 100, "no containers to fetch")
		return nil, nil
	}

	channelSem := semaphore.NewWeighted(int64(max1(r.cfg.FetchConcurrency)))
	threadSem := semaphore.NewWeighted(int64(max1(r.cfg.ThreadConcurrency)))

	type result struct {
		msgs []chatservice.RawMessage
	}
	results := make([]result, total)

	var completed int32
	done := make(chan struct{})
	errs := make(chan error, total)

	for i, c := range containers {
		go func(i int, c chatservice.Container) {
			defer func() { done <- struct{}{} }()

			sem := channelSem
			if c.IsThread {
				sem = threadSem
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				errs <- err
				return
			}
			defer sem.Release(1)

			fetchCtx := ctx
			var cancel context.CancelFunc
			if c.IsThread {
				fetchCtx, cancel = context.WithTimeout(ctx, r.cfg.ThreadTimeout)
				defer cancel()
			}

			msgs, err := r.fetcher.FetchMessages(fetchCtx, op.GuildID, c, since, nil)
			if err != nil {
				if c.IsThread && fetchCtx.Err() != nil {
					// Per-thread timeout: skip with a logged warning, the
					// rest of the job proceeds (spec.md §4.4/§5).
					log.Warn().Str("thread_id", c.ID).Msg("thread fetch timed out, skipping")
					return
				}
				errs <- err
				return
			}
			results[i] = result{msgs: msgs}
		}(i, c)
	}

	for i := 0; i < total; i++ {
		<-done
		completed++
		r.progress(ctx, op.ID, int(float64(completed)/float64(total)*30), 100, "fetching messages")
	}
	close(errs)
	for err := range errs {
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeSyncEnqueueFailed, "fetch containers", err)
		}
	}

	var all []chatservice.RawMessage
	for _, res := range results {
		all = append(all, res.msgs...)
	}
	// Fetch ordering across containers is not guaranteed; sort ascending
	// by created_at before chunking (spec.md §5).
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	r.progress(ctx, op.ID, 30, 100, fmt.Sprintf("fetched %d messages", len(all)))
	return all, nil
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// persistPhase upserts messages in batches of PersistBatchSize, 30-50% of
// progress, retrying each batch up to PersistRetries times with
// exponential backoff before failing the job.
func (r *Runner) persistPhase(ctx context.Context, op *store.SyncOperation, messages []chatservice.RawMessage) error {
	r.renewLease(ctx, op.ID)

	if len(messages) == 0 {
		r.progress(ctx, op.ID, 50, 100, "no messages to persist")
		return nil
	}

	batchSize := max1(r.cfg.PersistBatchSize)
	total := len(messages)
	for start := 0; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}
		batch := toStoreMessages(op.GuildID, messages[start:end])

		if err := retryWithBackoff(ctx, max1(r.cfg.PersistRetries), func() error {
			return r.store.UpsertMessagesBatch(ctx, batch)
		}); err != nil {
			return apperrors.Wrap(apperrors.CodeMessageSaveFailed, "persist message batch", err)
		}

		pct := 30 + int(float64(end)/float64(total)*20)
		r.progress(ctx, op.ID, pct, 100, fmt.Sprintf("persisted %d/%d messages", end, total))
	}
	return nil
}

func toStoreMessages(guildID string, raw []chatservice.RawMessage) []store.Message {
	out := make([]store.Message, len(raw))
	for i, m := range raw {
		createdAt := m.CreatedAt
		out[i] = store.Message{
			MessageID:    m.MessageID,
			GuildID:      guildID,
			ChannelID:    m.ChannelID,
			ContentMD:    strPtr(m.ContentMD),
			ContentPlain: strPtr(m.ContentMD),
			CreatedAt:    &createdAt,
			EditedAt:     m.EditedAt,
			JumpLink:     strPtr(m.JumpLink),
		}
		if m.ThreadID != "" {
			out[i].ThreadID = strPtr(m.ThreadID)
		}
		if m.AuthorID != "" {
			out[i].AuthorID = strPtr(m.AuthorID)
		}
	}
	return out
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// retryWithBackoff retries fn up to attempts times with backoff 2^attempt
// seconds, matching spec.md §4.4 phase 2's batch-retry policy.
func retryWithBackoff(ctx context.Context, attempts int, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		wait := time.Duration(1<<uint(attempt)) * time.Second
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

// chunkAndEnqueuePhase partitions messages by (threadID ?? channelID,
// date), runs the chunking engine per partition, and upserts windows +
// embed_queue rows, 50-90% of progress.
func (r *Runner) chunkAndEnqueuePhase(ctx context.Context, op *store.SyncOperation, messages []chatservice.RawMessage) error {
	r.renewLease(ctx, op.ID)

	if len(messages) == 0 {
		r.progress(ctx, op.ID, 90, 100, "no messages to chunk")
		return nil
	}

	partitions := partitionByContainerDate(messages)

	keys := make([]partitionKey, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].containerID != keys[j].containerID {
			return keys[i].containerID < keys[j].containerID
		}
		return keys[i].date < keys[j].date
	})

	var allWindows []store.Window
	for _, k := range keys {
		msgs := partitions[k]
		chunkMsgs := make([]chunking.Message, len(msgs))
		for i, m := range msgs {
			chunkMsgs[i] = chunking.Message{ID: m.MessageID, Content: m.ContentMD, CreatedAt: m.CreatedAt, IsTopLevel: m.IsTopLevel}
		}
		windows := r.chunker.Chunk(chunkMsgs)
		for _, w := range windows {
			allWindows = append(allWindows, toStoreWindow(op.GuildID, k, w))
		}
	}

	queued, err := r.store.UpsertWindowsAndEnqueue(ctx, allWindows)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeWindowSaveFailed, "upsert windows", err)
	}
	if len(queued) > 0 {
		if err := r.notifier.Publish(ctx, op.GuildID); err != nil {
			log.Warn().Err(err).Str("job_id", op.ID).Msg("embed-queue wake-up publish failed")
		}
	}

	r.progress(ctx, op.ID, 90, 100, fmt.Sprintf("enqueued %d windows", len(allWindows)))
	return nil
}

type partitionKey struct {
	containerID string // threadID if set, else channelID
	channelID   string
	threadID    string
	date        string
}

func partitionByContainerDate(messages []chatservice.RawMessage) map[partitionKey][]chatservice.RawMessage {
	out := make(map[partitionKey][]chatservice.RawMessage)
	for _, m := range messages {
		containerID := m.ChannelID
		if m.ThreadID != "" {
			containerID = m.ThreadID
		}
		k := partitionKey{
			containerID: containerID,
			channelID:   m.ChannelID,
			threadID:    m.ThreadID,
			date:        m.CreatedAt.UTC().Format("2006-01-02"),
		}
		out[k] = append(out[k], m)
	}
	return out
}

func toStoreWindow(guildID string, k partitionKey, w chunking.Window) store.Window {
	sw := store.Window{
		WindowID:   uuid.NewString(),
		GuildID:    guildID,
		ChannelID:  k.channelID,
		Date:       k.date,
		Seq:        w.Seq,
		MessageIDs: w.MessageIDs,
		StartAt:    w.StartAt,
		EndAt:      w.EndAt,
		TokenEst:   w.TokenEstimate,
		Text:       w.Text,
	}
	if k.threadID != "" {
		sw.ThreadID = strPtr(k.threadID)
	}
	return sw
}

// awaitEmbeddingsPhase polls embed_queue every EmbedPollInterval until no
// ready rows remain for the guild, 90-99% of progress, bounded by
// EmbedWaitTimeout; after 3 consecutive query errors it assumes
// completion rather than blocking the job forever (spec.md §4.4 step 4).
func (r *Runner) awaitEmbeddingsPhase(ctx context.Context, op *store.SyncOperation) {
	r.renewLease(ctx, op.ID)

	deadline := time.Now().Add(r.cfg.EmbedWaitTimeout)
	consecutiveErrors := 0
	ticker := time.NewTicker(r.cfg.EmbedPollInterval)
	defer ticker.Stop()

	for {
		remaining, err := r.store.CountReadyForGuild(ctx, op.GuildID)
		if err != nil {
			consecutiveErrors++
			log.Warn().Err(err).Str("job_id", op.ID).Msg("embed-wait count query failed")
			if consecutiveErrors >= 3 {
				log.Warn().Str("job_id", op.ID).Msg("embed-wait assuming completion after repeated query errors")
				return
			}
		} else {
			consecutiveErrors = 0
			if remaining == 0 {
				r.progress(ctx, op.ID, 99, 100, "embeddings complete")
				return
			}
			r.progress(ctx, op.ID, 90, 100, fmt.Sprintf("%d windows awaiting embedding", remaining))
		}

		if time.Now().After(deadline) {
			log.Warn().Str("job_id", op.ID).Msg("embed-wait timed out, proceeding")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.renewLease(ctx, op.ID)
		}
	}
}

// cursorUpdatePhase upserts sync_cursors using the id of the message with
// the maximum created_at across all fetched messages (never array
// position, per spec.md §9 open question 2), 99-100% of progress.
func (r *Runner) cursorUpdatePhase(ctx context.Context, op *store.SyncOperation, messages []chatservice.RawMessage) error {
	if len(messages) == 0 {
		r.progress(ctx, op.ID, 100, 100, "no cursor update needed")
		return nil
	}

	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.MessageID
	}
	lastID, err := r.store.MessageIDWithMaxCreatedAt(ctx, ids)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeSyncCursorReadFailed, "resolve cursor message", err)
	}
	if lastID == "" {
		r.progress(ctx, op.ID, 100, 100, "no cursor update needed")
		return nil
	}

	if err := r.store.UpsertCursor(ctx, op.GuildID, lastID, time.Now()); err != nil {
		return apperrors.Wrap(apperrors.CodeSyncCursorReadFailed, "upsert cursor", err)
	}
	r.progress(ctx, op.ID, 100, 100, "sync complete")
	return nil
}

// ReapStaleJobs resets sync_operations rows stuck at status=running whose
// lease has expired (or, in Noop-lease single-runner deployments, every
// running row) back to queued. Call once at startup, per spec.md §9 open
// question 1.
func ReapStaleJobs(ctx context.Context, s interface {
	RunningJobIDs(ctx context.Context) ([]string, error)
	ResetToQueued(ctx context.Context, id string) error
}, ls lease.Store) error {
	ids, err := s.RunningJobIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		held, err := ls.Held(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("lease check failed during reap sweep")
			continue
		}
		if held {
			continue
		}
		if err := s.ResetToQueued(ctx, id); err != nil {
			log.Error().Err(err).Str("job_id", id).Msg("failed to reap stale job")
		}
	}
	return nil
}
