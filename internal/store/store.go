// Package store implements the relational schema of §3/§6: channels,
// threads, messages, message_windows, message_embeddings, embed_queue,
// sync_operations, sync_cursors, and the sync_chunks bookkeeping table,
// plus the match_windows_in_guild vector RPC. It owns idempotent DDL the
// way internal/persistence/databases/postgres_vector.go ensured its
// "embeddings" table, generalized to this domain's exact schema.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// Message mirrors the messages table (spec.md §3/§6).
type Message struct {
	MessageID    string
	GuildID      string
	CategoryID   *string
	ChannelID    string
	ThreadID     *string
	AuthorID     *string
	ContentMD    *string
	ContentPlain *string
	CreatedAt    *time.Time
	EditedAt     *time.Time
	DeletedAt    *time.Time
	JumpLink     *string
}

// Window mirrors the message_windows table.
type Window struct {
	WindowID   string
	GuildID    string
	CategoryID *string
	ChannelID  string
	ThreadID   *string
	Date       string // calendar date, "2006-01-02"
	Seq        int
	MessageIDs []string
	StartAt    time.Time
	EndAt      time.Time
	TokenEst   int
	Text       string
}

// QueueRow mirrors embed_queue.
type QueueRow struct {
	ID        string
	WindowID  string
	Priority  int
	Status    string // ready|done|failed
	Attempts  int
	UpdatedAt time.Time
}

// Progress mirrors sync_operations.progress.
type Progress struct {
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Message   string `json:"message"`
}

// SyncOperation mirrors sync_operations.
type SyncOperation struct {
	ID          string
	GuildID     string
	Scope       string // guild|channel|thread
	Mode        string // full|delta
	TargetIDs   []string
	Since       *time.Time
	RequestedBy string
	Status      string // queued|running|completed|failed
	Progress    Progress
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Cursor mirrors sync_cursors.
type Cursor struct {
	GuildID       string
	LastMessageID *string
	LastSyncedAt  *time.Time
}

// Store is the Postgres-backed implementation of every persistence
// interface the orchestrator, embed worker, retrieval, and job-intake
// packages depend on. Each consuming package declares its own narrow
// interface (per spec.md §9's dependency-injection note); Store satisfies
// all of them structurally.
type Store struct {
	pool      *pgxpool.Pool
	dimension int
}

// Open connects to Postgres, registers the pgvector/halfvec codec on every
// pooled connection (mirroring internal/persistence/databases/pool.go's
// newPgPool, plus the vector type registration pgvector-go requires), and
// ensures the schema exists.
func Open(ctx context.Context, dsn string, dimension int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 16
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool, dimension: dimension}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

// NewWithPool wraps an already-open pool without registering the vector
// codec or running the schema DDL; cmd/syncd uses Open for both vector
// backends.
func NewWithPool(pool *pgxpool.Pool, dimension int) *Store {
	return &Store{pool: pool, dimension: dimension}
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) ensureSchema(ctx context.Context) error {
	vecType := "halfvec"
	if s.dimension > 0 {
		vecType = fmt.Sprintf("halfvec(%d)", s.dimension)
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE EXTENSION IF NOT EXISTS pgcrypto`,
		`CREATE TABLE IF NOT EXISTS channels (
			channel_id TEXT PRIMARY KEY,
			guild_id TEXT NOT NULL,
			category_id TEXT,
			name TEXT,
			type TEXT,
			last_scanned_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			guild_id TEXT NOT NULL,
			channel_id TEXT NOT NULL REFERENCES channels(channel_id),
			name TEXT,
			archived BOOLEAN NOT NULL DEFAULT false,
			last_scanned_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			guild_id TEXT NOT NULL,
			category_id TEXT,
			channel_id TEXT NOT NULL,
			thread_id TEXT,
			author_id TEXT,
			content_md TEXT,
			content_plain TEXT,
			created_at TIMESTAMPTZ,
			edited_at TIMESTAMPTZ,
			deleted_at TIMESTAMPTZ,
			mentions JSONB,
			attachments JSONB,
			jump_link TEXT,
			token_count INT,
			allowed_role_ids TEXT[],
			allowed_user_ids TEXT[]
		)`,
		`CREATE INDEX IF NOT EXISTS messages_guild_created_idx ON messages(guild_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS message_windows (
			window_id TEXT PRIMARY KEY,
			guild_id TEXT NOT NULL,
			category_id TEXT,
			channel_id TEXT NOT NULL,
			thread_id TEXT,
			date DATE NOT NULL,
			window_seq INT NOT NULL,
			message_ids TEXT[] NOT NULL,
			start_at TIMESTAMPTZ NOT NULL,
			end_at TIMESTAMPTZ NOT NULL,
			token_est INT,
			text TEXT,
			UNIQUE(channel_id, date, window_seq)
		)`,
		`CREATE INDEX IF NOT EXISTS message_windows_guild_idx ON message_windows(guild_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS message_embeddings (
			window_id TEXT PRIMARY KEY REFERENCES message_windows(window_id) ON DELETE CASCADE,
			embedding %s,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, vecType),
		`CREATE INDEX IF NOT EXISTS message_embeddings_hnsw_idx ON message_embeddings
			USING hnsw (embedding halfvec_cosine_ops) WITH (m = 16, ef_construction = 64)`,
		`CREATE TABLE IF NOT EXISTS embed_queue (
			id TEXT PRIMARY KEY,
			window_id TEXT NOT NULL UNIQUE REFERENCES message_windows(window_id) ON DELETE CASCADE,
			priority INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'ready',
			attempts INT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS embed_queue_claim_idx ON embed_queue(status, priority DESC, updated_at ASC)`,
		`CREATE TABLE IF NOT EXISTS sync_operations (
			id TEXT PRIMARY KEY,
			guild_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			mode TEXT NOT NULL,
			target_ids TEXT[],
			since TIMESTAMPTZ,
			requested_by TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			progress JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS sync_operations_queued_idx ON sync_operations(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			guild_id TEXT PRIMARY KEY,
			last_message_id TEXT,
			last_synced_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS sync_chunks (
			id TEXT PRIMARY KEY,
			op_id TEXT NOT NULL REFERENCES sync_operations(id) ON DELETE CASCADE,
			target_id TEXT NOT NULL,
			date DATE NOT NULL,
			cursor TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

// UpsertChannel registers or refreshes a channel row.
func (s *Store) UpsertChannel(ctx context.Context, channelID, guildID string, categoryID, name, typ *string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO channels(channel_id, guild_id, category_id, name, type)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (channel_id) DO UPDATE SET
	guild_id = EXCLUDED.guild_id, category_id = EXCLUDED.category_id,
	name = EXCLUDED.name, type = EXCLUDED.type, last_scanned_at = now()
`, channelID, guildID, categoryID, name, typ)
	return err
}

// UpsertThread registers or refreshes a thread row.
func (s *Store) UpsertThread(ctx context.Context, threadID, guildID, channelID string, name *string, archived bool) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO threads(thread_id, guild_id, channel_id, name, archived)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (thread_id) DO UPDATE SET
	name = EXCLUDED.name, archived = EXCLUDED.archived, last_scanned_at = now()
`, threadID, guildID, channelID, name, archived)
	return err
}

// UpsertMessagesBatch upserts a batch of messages keyed by message_id, the
// conflict key spec.md §4.4 phase 2 requires. Callers are expected to
// batch by 50 and retry the whole call on failure (the retry/backoff
// itself lives in internal/orchestrator).
func (s *Store) UpsertMessagesBatch(ctx context.Context, batch []Message) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, m := range batch {
		_, err := tx.Exec(ctx, `
INSERT INTO messages(message_id, guild_id, category_id, channel_id, thread_id, author_id,
	content_md, content_plain, created_at, edited_at, deleted_at, jump_link)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (message_id) DO UPDATE SET
	guild_id = EXCLUDED.guild_id, category_id = EXCLUDED.category_id,
	channel_id = EXCLUDED.channel_id, thread_id = EXCLUDED.thread_id,
	author_id = EXCLUDED.author_id, content_md = EXCLUDED.content_md,
	content_plain = EXCLUDED.content_plain, created_at = EXCLUDED.created_at,
	edited_at = EXCLUDED.edited_at, deleted_at = EXCLUDED.deleted_at,
	jump_link = EXCLUDED.jump_link
`, m.MessageID, m.GuildID, m.CategoryID, m.ChannelID, m.ThreadID, m.AuthorID,
			m.ContentMD, m.ContentPlain, m.CreatedAt, m.EditedAt, m.DeletedAt, m.JumpLink)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// UpsertWindowsAndEnqueue upserts windows on conflict (channel_id, date,
// window_seq), then inserts one ready embed_queue row per newly-created
// window_id, ignoring duplicates on the window_id UNIQUE constraint
// (spec.md §4.4 phase 3). Returns the set of window ids actually queued.
func (s *Store) UpsertWindowsAndEnqueue(ctx context.Context, windows []Window) ([]string, error) {
	if len(windows) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	queued := make([]string, 0, len(windows))
	for _, w := range windows {
		// On a (channel_id, date, window_seq) conflict the existing row keeps
		// its window_id; RETURNING yields that id, not w.WindowID.
		var windowID string
		err := tx.QueryRow(ctx, `
INSERT INTO message_windows(window_id, guild_id, category_id, channel_id, thread_id, date,
	window_seq, message_ids, start_at, end_at, token_est, text)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (channel_id, date, window_seq) DO UPDATE SET
	message_ids = EXCLUDED.message_ids, start_at = EXCLUDED.start_at,
	end_at = EXCLUDED.end_at, token_est = EXCLUDED.token_est, text = EXCLUDED.text
RETURNING window_id
`, w.WindowID, w.GuildID, w.CategoryID, w.ChannelID, w.ThreadID, w.Date,
			w.Seq, w.MessageIDs, w.StartAt, w.EndAt, w.TokenEst, w.Text).Scan(&windowID)
		if err != nil {
			return nil, fmt.Errorf("upsert window: %w", err)
		}

		tag, err := tx.Exec(ctx, `
INSERT INTO embed_queue(id, window_id, priority, status)
VALUES ($1, $2, 0, 'ready')
ON CONFLICT (window_id) DO NOTHING
`, uuid.NewString(), windowID)
		if err != nil {
			return nil, fmt.Errorf("enqueue window: %w", err)
		}
		if tag.RowsAffected() > 0 {
			queued = append(queued, windowID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return queued, nil
}

// CountReadyForGuild counts embed_queue rows with status='ready' whose
// window belongs to guildID, per spec.md §4.4 phase 4. The join replaces
// the naive IN-list batching spec.md describes (batching by 500 ids) with
// a single indexed join, which is equivalent and avoids N/500 round trips.
func (s *Store) CountReadyForGuild(ctx context.Context, guildID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
SELECT count(*) FROM embed_queue q
JOIN message_windows w ON w.window_id = q.window_id
WHERE w.guild_id = $1 AND q.status = 'ready'
`, guildID).Scan(&n)
	return n, err
}

// MaxCreatedAt returns the maximum created_at across the given message ids,
// used to compute the cursor correctly regardless of fetch/array order
// (spec.md §9 open question 2).
func (s *Store) MaxCreatedAt(ctx context.Context, messageIDs []string) (*time.Time, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var t *time.Time
	err := s.pool.QueryRow(ctx, `SELECT max(created_at) FROM messages WHERE message_id = ANY($1)`, messageIDs).Scan(&t)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// MessageIDWithMaxCreatedAt returns the id of the message with the latest
// created_at among messageIDs (ties broken by message_id), the concrete
// value sync_cursors.last_message_id should be set to.
func (s *Store) MessageIDWithMaxCreatedAt(ctx context.Context, messageIDs []string) (string, error) {
	if len(messageIDs) == 0 {
		return "", nil
	}
	var id string
	err := s.pool.QueryRow(ctx, `
SELECT message_id FROM messages WHERE message_id = ANY($1)
ORDER BY created_at DESC NULLS LAST, message_id DESC LIMIT 1
`, messageIDs).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	return id, err
}

// UpsertCursor sets sync_cursors for guildID.
func (s *Store) UpsertCursor(ctx context.Context, guildID string, lastMessageID string, syncedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO sync_cursors(guild_id, last_message_id, last_synced_at)
VALUES ($1, $2, $3)
ON CONFLICT (guild_id) DO UPDATE SET
	last_message_id = EXCLUDED.last_message_id, last_synced_at = EXCLUDED.last_synced_at
`, guildID, lastMessageID, syncedAt)
	return err
}

// GetCursor reads the guild's sync cursor, if any.
func (s *Store) GetCursor(ctx context.Context, guildID string) (*Cursor, error) {
	var c Cursor
	c.GuildID = guildID
	err := s.pool.QueryRow(ctx, `SELECT last_message_id, last_synced_at FROM sync_cursors WHERE guild_id = $1`, guildID).
		Scan(&c.LastMessageID, &c.LastSyncedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertSyncOperation enqueues a new queued sync_operations row.
func (s *Store) InsertSyncOperation(ctx context.Context, op SyncOperation) (string, error) {
	id := op.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO sync_operations(id, guild_id, scope, mode, target_ids, since, requested_by, status, progress)
VALUES ($1,$2,$3,$4,$5,$6,$7,'queued','{"processed":0,"total":0,"message":""}'::jsonb)
`, id, op.GuildID, op.Scope, op.Mode, op.TargetIDs, op.Since, op.RequestedBy)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ClaimNextQueued atomically transitions the oldest queued job to running.
// The UPDATE's WHERE clause is conditional on status still being 'queued',
// so a losing updater under concurrent runners affects zero rows and the
// caller simply reports "no job claimed" (spec.md §4.4's race contract).
func (s *Store) ClaimNextQueued(ctx context.Context) (*SyncOperation, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
SELECT id FROM sync_operations WHERE status = 'queued' ORDER BY created_at ASC LIMIT 1
`).Scan(&id)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE sync_operations SET status = 'running', updated_at = now()
WHERE id = $1 AND status = 'queued'
`, id)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		// Another runner won the race for this row; caller retries later.
		return nil, nil
	}
	return s.GetSyncOperation(ctx, id)
}

// GetSyncOperation reads a sync_operations row by id.
func (s *Store) GetSyncOperation(ctx context.Context, id string) (*SyncOperation, error) {
	var op SyncOperation
	var targetIDs []string
	var since *time.Time
	var progress []byte
	err := s.pool.QueryRow(ctx, `
SELECT id, guild_id, scope, mode, target_ids, since, requested_by, status, progress, created_at, updated_at
FROM sync_operations WHERE id = $1
`, id).Scan(&op.ID, &op.GuildID, &op.Scope, &op.Mode, &targetIDs, &since, &op.RequestedBy,
		&op.Status, &progress, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	op.TargetIDs = targetIDs
	op.Since = since
	op.Progress = decodeProgress(progress)
	return &op, nil
}

// UpdateProgress updates a running job's progress without changing status.
func (s *Store) UpdateProgress(ctx context.Context, id string, p Progress) error {
	_, err := s.pool.Exec(ctx, `
UPDATE sync_operations SET progress = $2, updated_at = now() WHERE id = $1
`, id, encodeProgress(p))
	return err
}

// CompleteJob transitions a running job to completed.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE sync_operations SET status = 'completed', progress = jsonb_set(progress, '{processed}', '100'), updated_at = now()
WHERE id = $1 AND status = 'running'
`, id)
	return err
}

// FailJob transitions a running job to failed, recording reason in the
// progress message.
func (s *Store) FailJob(ctx context.Context, id string, reason string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE sync_operations SET status = 'failed', progress = jsonb_set(progress, '{message}', to_jsonb($2::text)), updated_at = now()
WHERE id = $1 AND status = 'running'
`, id, reason)
	return err
}

func encodeProgress(p Progress) []byte {
	b, _ := json.Marshal(p)
	return b
}

func decodeProgress(b []byte) Progress {
	var p Progress
	_ = json.Unmarshal(b, &p)
	return p
}

// ClaimBatch selects up to batchSize ready embed_queue rows ordered by
// priority DESC, updated_at ASC (spec.md §4.5 step 1).
func (s *Store) ClaimBatch(ctx context.Context, batchSize int) ([]QueueRow, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, window_id, priority, status, attempts, updated_at FROM embed_queue
WHERE status = 'ready' ORDER BY priority DESC, updated_at ASC LIMIT $1
`, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueRow
	for rows.Next() {
		var r QueueRow
		if err := rows.Scan(&r.ID, &r.WindowID, &r.Priority, &r.Status, &r.Attempts, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// WindowText resolves a window's embeddable text: the stored text column
// if non-null, else the concatenation of its messages' content_plain in
// message_ids order (spec.md §4.5 step 1).
func (s *Store) WindowText(ctx context.Context, windowID string) (string, error) {
	var text *string
	var messageIDs []string
	err := s.pool.QueryRow(ctx, `SELECT text, message_ids FROM message_windows WHERE window_id = $1`, windowID).
		Scan(&text, &messageIDs)
	if err != nil {
		return "", err
	}
	if text != nil && *text != "" {
		return *text, nil
	}
	if len(messageIDs) == 0 {
		return "", nil
	}

	rows, err := s.pool.Query(ctx, `SELECT message_id, content_plain FROM messages WHERE message_id = ANY($1)`, messageIDs)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	byID := make(map[string]string, len(messageIDs))
	for rows.Next() {
		var id string
		var content *string
		if err := rows.Scan(&id, &content); err != nil {
			return "", err
		}
		if content != nil {
			byID[id] = *content
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	out := ""
	for i, id := range messageIDs {
		c, ok := byID[id]
		if !ok {
			continue // referential drift: message deleted after windowing
		}
		if i > 0 && out != "" {
			out += "\n"
		}
		out += c
	}
	return out, nil
}

// WindowGuildID returns a window's guild_id, used by the qdrant-backend
// adapter to carry guild_id in vector payloads without changing
// embedworker's narrow Store interface.
func (s *Store) WindowGuildID(ctx context.Context, windowID string) (string, error) {
	var guildID string
	err := s.pool.QueryRow(ctx, `SELECT guild_id FROM message_windows WHERE window_id = $1`, windowID).Scan(&guildID)
	return guildID, err
}

// MarkDone transitions a queue row to done.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE embed_queue SET status = 'done', updated_at = now() WHERE id = $1`, id)
	return err
}

// MarkFailed transitions a queue row to failed (terminal; never retried).
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE embed_queue SET status = 'failed', updated_at = now() WHERE id = $1`, id)
	return err
}

// IncrementAttemptsOrFail increments attempts; if the result reaches
// maxAttempts the row is marked failed in the same statement, otherwise it
// is left ready for a later retry cycle (spec.md §4.5's failure policy).
func (s *Store) IncrementAttemptsOrFail(ctx context.Context, id string, maxAttempts int) error {
	_, err := s.pool.Exec(ctx, `
UPDATE embed_queue SET
	attempts = attempts + 1,
	status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'ready' END,
	updated_at = now()
WHERE id = $1
`, id, maxAttempts)
	return err
}

// UpsertEmbedding writes a window's embedding, overwriting on conflict
// (spec.md §3's "overwriting is allowed" invariant).
func (s *Store) UpsertEmbedding(ctx context.Context, windowID string, vector []float32) error {
	hv := pgvector.NewHalfVector(vector)
	_, err := s.pool.Exec(ctx, `
INSERT INTO message_embeddings(window_id, embedding, updated_at) VALUES ($1, $2, now())
ON CONFLICT (window_id) DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = now()
`, windowID, hv)
	return err
}

// MatchResult is one row returned by MatchWindowsInGuild.
type MatchResult struct {
	WindowID   string
	Similarity float64
}

// MatchWindowsInGuild implements the match_windows_in_guild RPC: nearest
// neighbors by cosine distance within one guild, similarity = 1 -
// cosine_distance, ordered ascending by distance (spec.md §6).
func (s *Store) MatchWindowsInGuild(ctx context.Context, queryEmbedding []float32, guildID string, limit int) ([]MatchResult, error) {
	if limit <= 0 {
		limit = 200
	}
	hv := pgvector.NewHalfVector(queryEmbedding)
	rows, err := s.pool.Query(ctx, `
SELECT e.window_id, 1 - (e.embedding <=> $1) AS similarity
FROM message_embeddings e
JOIN message_windows w ON w.window_id = e.window_id
WHERE w.guild_id = $2
ORDER BY e.embedding <=> $1 ASC
LIMIT $3
`, hv, guildID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MatchResult
	for rows.Next() {
		var r MatchResult
		if err := rows.Scan(&r.WindowID, &r.Similarity); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// WindowsByID fetches window rows for retrieval's reconstruction step
// (spec.md §4.6 step 3); rows not present in the result simply don't
// appear in the output map, signalling referential drift to the caller.
func (s *Store) WindowsByID(ctx context.Context, windowIDs []string) (map[string]Window, error) {
	if len(windowIDs) == 0 {
		return map[string]Window{}, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT window_id, guild_id, channel_id, thread_id, date, window_seq, message_ids, start_at, end_at, token_est, text
FROM message_windows WHERE window_id = ANY($1)
`, windowIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Window, len(windowIDs))
	for rows.Next() {
		var w Window
		var text *string
		if err := rows.Scan(&w.WindowID, &w.GuildID, &w.ChannelID, &w.ThreadID, &w.Date, &w.Seq,
			&w.MessageIDs, &w.StartAt, &w.EndAt, &w.TokenEst, &text); err != nil {
			return nil, err
		}
		if text != nil {
			w.Text = *text
		}
		out[w.WindowID] = w
	}
	return out, rows.Err()
}

// FirstMessageID returns the first element of a window's message_ids,
// used to build citation jump links.
func (w Window) FirstMessageID() string {
	if len(w.MessageIDs) == 0 {
		return ""
	}
	return w.MessageIDs[0]
}

// RunningJobIDs lists sync_operations ids currently in status='running',
// the candidate set for the startup lease-reap sweep.
func (s *Store) RunningJobIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM sync_operations WHERE status = 'running'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetToQueued transitions a job stuck at running (lease expired, no
// owner alive) back to queued so a runner picks it up again.
func (s *Store) ResetToQueued(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE sync_operations SET status = 'queued', updated_at = now()
WHERE id = $1 AND status = 'running'
`, id)
	return err
}

// CountOrphanedWindowRefs counts message_windows rows that reference at
// least one message_id no longer present in messages, an operator-invoked
// consistency check for the reference-drift open question (spec.md §9
// open question 3) — advisory only, not a background job.
func (s *Store) CountOrphanedWindowRefs(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
SELECT count(*) FROM message_windows w
WHERE EXISTS (
	SELECT 1 FROM unnest(w.message_ids) mid
	WHERE NOT EXISTS (SELECT 1 FROM messages m WHERE m.message_id = mid)
)
`).Scan(&n)
	return n, err
}
