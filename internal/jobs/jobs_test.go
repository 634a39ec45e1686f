package jobs

import (
	"context"
	"errors"
	"testing"

	"chatsync/internal/retrieval"
	"chatsync/internal/store"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	inserted  store.SyncOperation
	getOp     *store.SyncOperation
	getErr    error
	insertErr error
	cursor    *store.Cursor
}

func (f *fakeStore) InsertSyncOperation(ctx context.Context, op store.SyncOperation) (string, error) {
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.inserted = op
	return "job-123", nil
}
func (f *fakeStore) GetSyncOperation(ctx context.Context, id string) (*store.SyncOperation, error) {
	return f.getOp, f.getErr
}
func (f *fakeStore) GetCursor(ctx context.Context, guildID string) (*store.Cursor, error) {
	return f.cursor, nil
}

type fakeAnswerer struct {
	answer retrieval.Answer
	err    error
	req    retrieval.Request
}

func (f *fakeAnswerer) Answer(ctx context.Context, req retrieval.Request) (retrieval.Answer, error) {
	f.req = req
	return f.answer, f.err
}

func TestEnqueue_InsertsGuildScopeDeltaJobWhenCursorExists(t *testing.T) {
	fs := &fakeStore{cursor: &store.Cursor{GuildID: "guild-1"}}
	svc := New(fs, &fakeAnswerer{})

	reply, err := svc.Enqueue(context.Background(), "guild-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, "job-123", reply.JobID)
	require.Equal(t, "guild", fs.inserted.Scope)
	require.Equal(t, "delta", fs.inserted.Mode)
	require.Equal(t, "guild-1", fs.inserted.GuildID)
}

func TestEnqueue_InsertsFullJobWhenNoCursorExists(t *testing.T) {
	fs := &fakeStore{}
	svc := New(fs, &fakeAnswerer{})

	reply, err := svc.Enqueue(context.Background(), "guild-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, "job-123", reply.JobID)
	require.Equal(t, "full", fs.inserted.Mode)
}

func TestEnqueue_WrapsStoreErrorWithStableCode(t *testing.T) {
	fs := &fakeStore{insertErr: errors.New("db down")}
	svc := New(fs, &fakeAnswerer{})

	_, err := svc.Enqueue(context.Background(), "guild-1", "user-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "SYNC_ENQUEUE_FAILED")
}

func TestStatus_ReturnsOperation(t *testing.T) {
	fs := &fakeStore{getOp: &store.SyncOperation{ID: "job-123", Status: "running"}}
	svc := New(fs, &fakeAnswerer{})

	op, err := svc.Status(context.Background(), "job-123")
	require.NoError(t, err)
	require.Equal(t, "running", op.Status)
}

func TestChat_DelegatesToAnswerer(t *testing.T) {
	fa := &fakeAnswerer{answer: retrieval.Answer{Answer: "42"}}
	svc := New(&fakeStore{}, fa)

	ans, err := svc.Chat(context.Background(), "guild-1", "chan-1", "user-1", "what is it?")
	require.NoError(t, err)
	require.Equal(t, "42", ans.Answer)
	require.Equal(t, "what is it?", fa.req.Query)
}

func TestChat_WrapsAnswererErrorAsChatFailed(t *testing.T) {
	fa := &fakeAnswerer{err: errors.New("llm down")}
	svc := New(&fakeStore{}, fa)

	_, err := svc.Chat(context.Background(), "guild-1", "chan-1", "user-1", "q")
	require.Error(t, err)
	require.Contains(t, err.Error(), "CHAT_FAILED")
}

func TestHelp_ReturnsStaticText(t *testing.T) {
	svc := New(&fakeStore{}, &fakeAnswerer{})
	require.Contains(t, svc.Help(context.Background()), "/sync")
}
