package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatsync/pkg/message"
	"github.com/lrhodin/chatsync/pkg/msgstore"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *msgstore.Store {
	t.Helper()
	return msgstore.New("chan-1", zerolog.Nop(), msgstore.WithClock(func() time.Time { return base }))
}

func add(s *msgstore.Store, id, sender string, status message.Status) {
	s.ApplyIncoming(&message.Message{
		ID:        id,
		SenderID:  sender,
		Content:   id,
		Status:    status,
		CreatedAt: base,
		UpdatedAt: base,
	})
}

func TestApplyIsMonotonic(t *testing.T) {
	s := newStore(t)
	add(s, "m1", "alice", message.StatusSent)
	tr := NewTracker(s, "alice", 0, zerolog.Nop())

	require.True(t, tr.Apply("m1", message.StatusRead))
	require.False(t, tr.Apply("m1", message.StatusDelivered), "late delivered must not regress read")
	require.False(t, tr.Apply("m1", message.StatusRead))
	require.False(t, tr.Apply("m1", message.StatusFailed))
	require.False(t, tr.Apply("missing", message.StatusRead))
	require.Equal(t, message.StatusRead, s.Get("m1").Status)
}

func TestReceiptBeforeEchoIsDropped(t *testing.T) {
	s := newStore(t)
	tr := NewTracker(s, "alice", 0, zerolog.Nop())
	pid := s.ApplyLocalSend(msgstore.Draft{SenderID: "alice", Content: "hello"})

	// The server id isn't in the log yet, so the receipt has nothing to move.
	require.False(t, tr.Apply("m1", message.StatusDelivered))

	s.ApplyIncoming(&message.Message{
		ID:            "m1",
		ProvisionalID: pid,
		SenderID:      "alice",
		Content:       "hello",
		CreatedAt:     base,
		UpdatedAt:     base,
	})
	require.Equal(t, message.StatusSent, s.Get("m1").Status)
	require.True(t, tr.Apply("m1", message.StatusDelivered))
}

func TestApplyBatchRead(t *testing.T) {
	s := newStore(t)
	add(s, "m1", "alice", message.StatusSent)
	add(s, "m2", "alice", message.StatusRead)
	add(s, "m3", "alice", message.StatusDelivered)
	tr := NewTracker(s, "alice", 0, zerolog.Nop())

	require.Equal(t, 2, tr.ApplyBatchRead([]string{"m1", "m2", "m3", "gone"}))
	for _, id := range []string{"m1", "m2", "m3"} {
		require.Equal(t, message.StatusRead, s.Get(id).Status, id)
	}
}

func TestMarkFailedOnlyForPendingSends(t *testing.T) {
	s := newStore(t)
	tr := NewTracker(s, "alice", 0, zerolog.Nop())
	pid := s.ApplyLocalSend(msgstore.Draft{SenderID: "alice", Content: "hi"})

	require.True(t, tr.MarkFailed(pid))
	require.Equal(t, message.StatusFailed, s.Get(pid).Status)
	require.False(t, tr.MarkFailed(pid))

	add(s, "m1", "alice", message.StatusSent)
	require.False(t, tr.MarkFailed("m1"), "confirmed messages can't fail")
}

func TestReadInference(t *testing.T) {
	s := newStore(t)
	add(s, "own", "alice", message.StatusDelivered)
	add(s, "peer", "bob", message.StatusDelivered)
	tr := NewTracker(s, "alice", 2*time.Second, zerolog.Nop())

	now := base.Add(time.Second)
	tr.SetClock(func() time.Time { return now })

	// Seen within the debounce window: not read yet.
	require.True(t, tr.Seen("own", "bob"))
	require.Equal(t, message.StatusDelivered, s.Get("own").Status)
	require.Empty(t, tr.InferRead(now))

	// The viewer seeing their own message never counts.
	tr.Seen("peer", "bob")
	now = base.Add(5 * time.Second)
	require.Equal(t, []string{"own"}, tr.InferRead(now))
	require.Equal(t, message.StatusRead, s.Get("own").Status)
	require.Equal(t, message.StatusDelivered, s.Get("peer").Status)
}

func TestReadInferenceIgnoresOwnView(t *testing.T) {
	s := newStore(t)
	add(s, "own", "alice", message.StatusSent)
	tr := NewTracker(s, "alice", time.Second, zerolog.Nop())
	tr.SetClock(func() time.Time { return base.Add(time.Minute) })

	tr.Seen("own", "alice")
	require.Equal(t, message.StatusSent, s.Get("own").Status)

	tr.Seen("own", "carol")
	require.Equal(t, message.StatusRead, s.Get("own").Status)
}

type recordingReader struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (r *recordingReader) MarkRead(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), ids...))
	return r.err
}

func (r *recordingReader) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

func TestReceiptBatcherNeverIncludesOwnMessages(t *testing.T) {
	s := newStore(t)
	add(s, "m1", "bob", message.StatusSent)
	add(s, "m2", "alice", message.StatusSent)
	add(s, "m3", "carol", message.StatusSent)
	pid := s.ApplyLocalSend(msgstore.Draft{SenderID: "alice", Content: "local"})

	api := &recordingReader{}
	b := NewReceiptBatcher(api, s, "alice", time.Hour, zerolog.Nop())
	defer b.Stop()

	b.Observe("m1", "m2", pid, "m3", "m1", "unknown")
	require.Equal(t, []string{"m1", "m3"}, b.Pending())

	require.NoError(t, b.Flush(context.Background()))
	require.Equal(t, [][]string{{"m1", "m3"}}, api.Calls())

	// Already flushed ids are not sent twice.
	b.Observe("m1", "m2")
	require.Empty(t, b.Pending())
	require.NoError(t, b.Flush(context.Background()))
	require.Len(t, api.Calls(), 1)
}

func TestReceiptBatcherFlushesAfterQuietPeriod(t *testing.T) {
	s := newStore(t)
	add(s, "m1", "bob", message.StatusSent)
	add(s, "m2", "bob", message.StatusSent)

	api := &recordingReader{}
	b := NewReceiptBatcher(api, s, "alice", 20*time.Millisecond, zerolog.Nop())
	defer b.Stop()

	b.Observe("m1")
	b.Observe("m2")
	require.Eventually(t, func() bool { return len(api.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"m1", "m2"}, api.Calls()[0])
}

func TestReceiptBatcherWaitsForVisibility(t *testing.T) {
	s := newStore(t)
	add(s, "m1", "bob", message.StatusSent)

	api := &recordingReader{}
	b := NewReceiptBatcher(api, s, "alice", 10*time.Millisecond, zerolog.Nop())
	defer b.Stop()

	b.SetVisible(false)
	b.Observe("m1")
	require.NoError(t, b.Flush(context.Background()))
	time.Sleep(40 * time.Millisecond)
	require.Empty(t, api.Calls())
	require.Equal(t, []string{"m1"}, b.Pending())

	b.SetVisible(true)
	require.Eventually(t, func() bool { return len(api.Calls()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestReceiptBatcherStopCancelsPending(t *testing.T) {
	s := newStore(t)
	add(s, "m1", "bob", message.StatusSent)

	api := &recordingReader{}
	b := NewReceiptBatcher(api, s, "alice", 10*time.Millisecond, zerolog.Nop())
	b.Observe("m1")
	b.Stop()

	time.Sleep(40 * time.Millisecond)
	require.Empty(t, api.Calls())
	b.Observe("m1")
	require.Empty(t, b.Pending())
}

func TestReceiptBatcherReportsFailure(t *testing.T) {
	s := newStore(t)
	add(s, "m1", "bob", message.StatusSent)

	api := &recordingReader{err: errors.New("boom")}
	b := NewReceiptBatcher(api, s, "alice", 10*time.Millisecond, zerolog.Nop())
	defer b.Stop()

	errs := make(chan error, 1)
	b.OnError(func(err error) { errs <- err })
	b.Observe("m1")

	select {
	case err := <-errs:
		require.EqualError(t, err, "boom")
	case <-time.After(time.Second):
		t.Fatal("flush failure was not reported")
	}
	// Not retried automatically.
	time.Sleep(40 * time.Millisecond)
	require.Len(t, api.Calls(), 1)
	require.Empty(t, b.Pending())
}
