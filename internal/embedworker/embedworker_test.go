package embedworker

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatsync/internal/embedclient"
	"chatsync/internal/notify"
	"chatsync/internal/store"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	rows         []store.QueueRow
	text         map[string]string
	textErr      error
	embeddings   map[string][]float32
	done         map[string]bool
	failed       map[string]bool
	incremented  map[string]int
	upsertErr    error
	claimedTwice bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		text:        map[string]string{},
		embeddings:  map[string][]float32{},
		done:        map[string]bool{},
		failed:      map[string]bool{},
		incremented: map[string]int{},
	}
}

func (f *fakeStore) ClaimBatch(ctx context.Context, batchSize int) ([]store.QueueRow, error) {
	if f.claimedTwice {
		return nil, nil
	}
	f.claimedTwice = true
	return f.rows, nil
}
func (f *fakeStore) WindowText(ctx context.Context, windowID string) (string, error) {
	return f.text[windowID], f.textErr
}
func (f *fakeStore) UpsertEmbedding(ctx context.Context, windowID string, vector []float32) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.embeddings[windowID] = vector
	return nil
}
func (f *fakeStore) MarkDone(ctx context.Context, id string) error {
	f.done[id] = true
	return nil
}
func (f *fakeStore) MarkFailed(ctx context.Context, id string) error {
	f.failed[id] = true
	return nil
}
func (f *fakeStore) IncrementAttemptsOrFail(ctx context.Context, id string, maxAttempts int) error {
	f.incremented[id]++
	return nil
}

func TestRunOnce_EmptyQueueReturnsZero(t *testing.T) {
	fs := newFakeStore()
	fs.claimedTwice = true // pre-empty the queue
	w := New(fs, embedclient.NewDeterministic(8, 1), nil, notify.Noop{}, DefaultConfig())

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRunOnce_ProcessesWindowEndToEnd(t *testing.T) {
	fs := newFakeStore()
	fs.rows = []store.QueueRow{{ID: "q-1", WindowID: "w-1", Status: "ready"}}
	fs.text["w-1"] = "hello world"
	w := New(fs, embedclient.NewDeterministic(8, 1), nil, notify.Noop{}, DefaultConfig())

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, fs.done["q-1"])
	require.False(t, fs.failed["q-1"])
	require.Len(t, fs.embeddings["w-1"], 8)
}

func TestProcessWindow_EmptyTextMarksFailedTerminal(t *testing.T) {
	fs := newFakeStore()
	row := store.QueueRow{ID: "q-1", WindowID: "w-1"}
	w := New(fs, embedclient.NewDeterministic(8, 1), nil, notify.Noop{}, DefaultConfig())

	w.processWindow(context.Background(), row)

	require.True(t, fs.failed["q-1"])
	require.Equal(t, 0, fs.incremented["q-1"])
}

func TestProcessWindow_UpsertErrorIncrementsAttempts(t *testing.T) {
	fs := newFakeStore()
	fs.text["w-1"] = "hello"
	fs.upsertErr = errors.New("db down")
	row := store.QueueRow{ID: "q-1", WindowID: "w-1"}
	w := New(fs, embedclient.NewDeterministic(8, 1), nil, notify.Noop{}, DefaultConfig())

	w.processWindow(context.Background(), row)

	require.Equal(t, 1, fs.incremented["q-1"])
	require.False(t, fs.done["q-1"])
}

func TestSleep_WakesEarlyOnNotifierSignal(t *testing.T) {
	fs := newFakeStore()
	ch := make(chan struct{}, 1)
	ch <- struct{}{}
	w := New(fs, embedclient.NewDeterministic(8, 1), nil, fakeWaiter{ch: ch}, Config{PollInterval: time.Minute, MaxIdleSleep: time.Minute})

	start := time.Now()
	w.sleep(context.Background(), 0)
	require.Less(t, time.Since(start), 5*time.Second)
}

type fakeWaiter struct{ ch chan struct{} }

func (f fakeWaiter) Wake() <-chan struct{} { return f.ch }
func (f fakeWaiter) Close() error          { return nil }

func TestSleep_CapsAtMaxIdleSleep(t *testing.T) {
	wait := computeBackoff(time.Second, 30*time.Second, 10)
	require.Equal(t, 30*time.Second, wait)
}
