package transport

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestChanSourceDeliversThenEOF(t *testing.T) {
	ctx := context.Background()
	src := NewChanSource(4)
	require.NoError(t, src.Emit(ctx, "message:deleted", map[string]string{"messageId": "m1"}))
	require.NoError(t, src.Emit(ctx, "messages:read", map[string][]string{"messageIds": {"m2"}}))
	src.Close()
	src.Close()

	ev, err := src.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "message:deleted", ev.Name)
	require.JSONEq(t, `{"messageId":"m1"}`, string(ev.Payload))

	ev, err = src.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "messages:read", ev.Name)

	_, err = src.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.ErrorIs(t, src.Emit(ctx, "x", nil), io.ErrClosedPipe)
}

func TestChanSourceNextHonorsContext(t *testing.T) {
	src := NewChanSource(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := src.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func nextWithin(t *testing.T, tail *FileTail) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := tail.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestFileTailFollowsAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	old, err := NewEvent("message:deleted", map[string]string{"messageId": "old"})
	require.NoError(t, err)
	require.NoError(t, AppendEvent(path, old))

	tail, err := OpenFileTail(path, false, zerolog.Nop())
	require.NoError(t, err)
	defer tail.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		f, _ := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
		// Garbage and a line written in two pieces.
		_, _ = f.WriteString("not json\n")
		_, _ = f.WriteString(`{"name":"message:deleted",`)
		_ = f.Sync()
		time.Sleep(20 * time.Millisecond)
		_, _ = f.WriteString(`"payload":{"messageId":"new"}}` + "\n")
		_ = f.Close()
	}()

	ev := nextWithin(t, tail)
	require.Equal(t, "message:deleted", ev.Name)
	require.JSONEq(t, `{"messageId":"new"}`, string(ev.Payload))
}

func TestFileTailReplaysFromStartAndWaitsForCreation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	tail, err := OpenFileTail(path, true, zerolog.Nop())
	require.NoError(t, err)
	defer tail.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		ev, _ := NewEvent("message:status-update", map[string]string{"messageId": "m1", "status": "read"})
		_ = AppendEvent(path, ev)
	}()

	ev := nextWithin(t, tail)
	require.Equal(t, "message:status-update", ev.Name)
}

func TestFileTailStopsOnContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	tail, err := OpenFileTail(path, true, zerolog.Nop())
	require.NoError(t, err)
	defer tail.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tail.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
