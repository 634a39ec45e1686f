// Package jobs is the Job Intake surface: plain Go functions an external
// command dispatcher (slash-command parsing, interaction tokens,
// deferred replies) calls to translate the three chat-service commands —
// sync, chat, help — into sync_operations inserts, status reads, and
// retrieval answers. The dispatcher itself stays an external collaborator
// per spec.md §1's non-goal; this package only exposes the functions it
// would call.
package jobs

import (
	"context"

	"chatsync/internal/apperrors"
	"chatsync/internal/retrieval"
	"chatsync/internal/store"
)

// Store is the narrow persistence interface Job Intake depends on.
type Store interface {
	InsertSyncOperation(ctx context.Context, op store.SyncOperation) (string, error)
	GetSyncOperation(ctx context.Context, id string) (*store.SyncOperation, error)
	GetCursor(ctx context.Context, guildID string) (*store.Cursor, error)
}

// Answerer is the retrieval collaborator Chat depends on.
type Answerer interface {
	Answer(ctx context.Context, req retrieval.Request) (retrieval.Answer, error)
}

// Service implements the three command handlers.
type Service struct {
	store    Store
	answerer Answerer
}

// New builds a Service.
func New(s Store, answerer Answerer) *Service {
	return &Service{store: s, answerer: answerer}
}

// SyncReply is what the sync command replies with (ephemeral, per
// spec.md §6's command surface).
type SyncReply struct {
	JobID    string
	Progress store.Progress
}

// Enqueue starts a guild-scope sync job and returns the ephemeral reply
// the sync command sends back immediately. Mode is delta iff a cursor
// already exists for the guild, full otherwise (spec.md §3).
func (s *Service) Enqueue(ctx context.Context, guildID, requestedBy string) (SyncReply, error) {
	mode := "full"
	if cur, err := s.store.GetCursor(ctx, guildID); err == nil && cur != nil {
		mode = "delta"
	}

	id, err := s.store.InsertSyncOperation(ctx, store.SyncOperation{
		GuildID:     guildID,
		Scope:       "guild",
		Mode:        mode,
		RequestedBy: requestedBy,
	})
	if err != nil {
		return SyncReply{}, apperrors.Wrap(apperrors.CodeSyncEnqueueFailed, "insert sync operation", err)
	}
	return SyncReply{JobID: id, Progress: store.Progress{Processed: 0, Total: 100}}, nil
}

// Status reads a job's current progress, for progress replies after the
// initial sync reply.
func (s *Service) Status(ctx context.Context, jobID string) (*store.SyncOperation, error) {
	op, err := s.store.GetSyncOperation(ctx, jobID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSyncCursorReadFailed, "read sync operation", err)
	}
	return op, nil
}

// Chat answers a retrieval-augmented question, surfacing CHAT_FAILED on
// any generation failure per spec.md §7's error table.
func (s *Service) Chat(ctx context.Context, guildID, channelID, userID, query string) (retrieval.Answer, error) {
	ans, err := s.answerer.Answer(ctx, retrieval.Request{
		GuildID:   guildID,
		ChannelID: channelID,
		UserID:    userID,
		Query:     query,
	})
	if err != nil {
		return retrieval.Answer{}, apperrors.Wrap(apperrors.CodeChatFailed, "generate answer", err)
	}
	return ans, nil
}

// HelpText is the static help command reply.
const HelpText = `Commands:
  /sync - synchronize this server's chat history into the searchable index
  /chat <query> - ask a question answered from synchronized context
  /help - show this message`

// Help returns the static help reply text.
func (s *Service) Help(context.Context) string { return HelpText }
