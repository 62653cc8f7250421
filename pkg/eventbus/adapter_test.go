package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatsync/pkg/delivery"
	"github.com/lrhodin/chatsync/pkg/message"
	"github.com/lrhodin/chatsync/pkg/msgstore"
	"github.com/lrhodin/chatsync/pkg/notify"
	"github.com/lrhodin/chatsync/pkg/reactions"
	"github.com/lrhodin/chatsync/pkg/transport"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeServer struct {
	mu      sync.Mutex
	window  []*message.Message
	err     error
	fetches int
	read    [][]string
}

func (f *fakeServer) History(_ context.Context, _ string, _ time.Time, _ string, _ int) ([]*message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return f.window, nil
}

func (f *fakeServer) MarkRead(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, ids)
	return nil
}

func (f *fakeServer) AddReaction(context.Context, string, string) error    { return nil }
func (f *fakeServer) RemoveReaction(context.Context, string, string) error { return nil }
func (f *fakeServer) AttachmentAction(context.Context, string, int, string, string) ([]message.Attachment, error) {
	return nil, nil
}

type fixture struct {
	adapter  *Adapter
	store    *msgstore.Store
	server   *fakeServer
	receipts *delivery.ReceiptBatcher
	hub      *notify.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zerolog.Nop()
	store := msgstore.New("chan-1", log)
	server := &fakeServer{}
	hub := notify.NewHub()
	tracker := delivery.NewTracker(store, "alice", 0, log)
	receipts := delivery.NewReceiptBatcher(server, store, "alice", time.Hour, log)
	t.Cleanup(receipts.Stop)
	adapter := New(Options{
		Store:     store,
		Tracker:   tracker,
		Reactions: reactions.NewAggregator(store, server, hub, log),
		Receipts:  receipts,
		Fetcher:   server,
		Hub:       hub,
	}, log)
	return &fixture{adapter: adapter, store: store, server: server, receipts: receipts, hub: hub}
}

func (f *fixture) dispatch(t *testing.T, name string, payload any) error {
	t.Helper()
	ev, err := transport.NewEvent(name, payload)
	require.NoError(t, err)
	return f.adapter.Dispatch(context.Background(), ev)
}

func newMsg(id, sender string) *message.Message {
	return &message.Message{
		ID:              id,
		ConversationRef: "chan-1",
		SenderID:        sender,
		Content:         "hello",
		CreatedAt:       base,
		UpdatedAt:       base,
		Attachments:     []message.Attachment{{SourceURL: "https://cdn/a.ogg"}},
	}
}

func TestDispatchAllEvents(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.dispatch(t, EventMessageNew, newMsg("m1", "alice")))
	require.NoError(t, f.dispatch(t, EventMessageNew, newMsg("m1", "alice")))
	require.NoError(t, f.dispatch(t, EventMessageNew, newMsg("m2", "bob")))
	require.Equal(t, 2, f.store.Len())

	require.NoError(t, f.dispatch(t, EventMessageEdited, map[string]any{
		"messageId": "m2", "content": "edited", "updatedAt": base.Add(time.Minute),
	}))
	require.Equal(t, "edited", f.store.Get("m2").Content)
	require.True(t, f.store.Get("m2").IsEdited(message.DefaultEditedThreshold))

	require.NoError(t, f.dispatch(t, EventStatusUpdate, map[string]string{"messageId": "m1", "status": "delivered"}))
	require.Equal(t, message.StatusDelivered, f.store.Get("m1").Status)
	require.NoError(t, f.dispatch(t, EventStatusUpdate, map[string]string{"messageId": "m1", "status": "sent"}))
	require.Equal(t, message.StatusDelivered, f.store.Get("m1").Status)

	require.NoError(t, f.dispatch(t, EventMessagesRead, map[string][]string{"messageIds": {"m1", "m2"}}))
	require.Equal(t, message.StatusRead, f.store.Get("m1").Status)

	require.NoError(t, f.dispatch(t, EventReactionUpdate, map[string]any{
		"messageId": "m2", "reactions": map[string][]string{"👍": {"carol"}},
	}))
	require.True(t, f.store.Get("m2").Reactions.Has("👍", "carol"))

	changed := 0
	f.hub.AttachmentsChanged.Subscribe(func(notify.AttachmentsChanged) { changed++ })
	require.NoError(t, f.dispatch(t, EventAttachmentsUpdated, map[string]any{
		"messageId":   "m2",
		"attachments": []map[string]string{{"sourceUrl": "https://cdn/b.mp4"}},
	}))
	atts, _ := f.store.Attachments("m2")
	require.Equal(t, "https://cdn/b.mp4", atts[0].SourceURL)
	require.Equal(t, 1, changed)

	require.NoError(t, f.dispatch(t, EventMessageDeleted, map[string]string{"messageId": "m2"}))
	require.Nil(t, f.store.Get("m2"))
}

func TestDispatchSeenInfersRead(t *testing.T) {
	f := newFixture(t)
	old := newMsg("m1", "alice")
	old.Status = message.StatusDelivered
	old.CreatedAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.dispatch(t, EventMessageNew, old))

	require.NoError(t, f.dispatch(t, EventMessageSeen, map[string]any{"messageId": "m1", "userIds": []string{"bob"}}))
	require.Equal(t, message.StatusRead, f.store.Get("m1").Status)
}

func TestDispatchIgnoresOtherConversationsAndUnknownEvents(t *testing.T) {
	f := newFixture(t)
	other := newMsg("x1", "bob")
	other.ConversationRef = "chan-2"
	require.NoError(t, f.dispatch(t, EventMessageNew, other))
	require.NoError(t, f.dispatch(t, "typing:start", map[string]string{"userId": "bob"}))
	require.NoError(t, f.dispatch(t, EventMessageDeleted, map[string]string{"messageId": "not-here"}))
	require.Zero(t, f.store.Len())
}

func TestDispatchMalformedPayload(t *testing.T) {
	f := newFixture(t)
	err := f.adapter.Dispatch(context.Background(), transport.Event{Name: EventMessageDeleted, Payload: []byte(`{"messageId":`)})
	require.ErrorIs(t, err, ErrMalformedPayload)

	err = f.dispatch(t, EventMessageEdited, map[string]string{"content": "x"})
	require.ErrorIs(t, err, ErrMalformedPayload)

	err = f.dispatch(t, EventStatusUpdate, map[string]string{"messageId": "m1", "status": "exploded"})
	require.ErrorIs(t, err, ErrMalformedPayload)

	err = f.adapter.Dispatch(context.Background(), transport.Event{Name: EventMessageNew})
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestReconnectMergesAndKeepsLocalSends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pid := f.store.ApplyLocalSend(msgstore.Draft{SenderID: "alice", Content: "offline draft"})

	// No refresh while nothing changed.
	require.NoError(t, f.adapter.SetConnectivity(ctx, true))
	require.Zero(t, f.server.fetches)

	f.server.window = []*message.Message{newMsg("m1", "bob"), newMsg("m2", "bob")}
	require.NoError(t, f.adapter.SetConnectivity(ctx, false))
	require.NoError(t, f.adapter.SetConnectivity(ctx, true))
	require.Equal(t, 1, f.server.fetches)
	require.Equal(t, 3, f.store.Len())
	require.NotNil(t, f.store.Get(pid))
}

func TestRefreshFailureKeepsLogAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.dispatch(t, EventMessageNew, newMsg("m1", "bob")))
	var notices []notify.Notice
	f.hub.Notices.Subscribe(func(n notify.Notice) { notices = append(notices, n) })

	f.server.err = errors.New("offline")
	require.NoError(t, f.adapter.SetVisibility(ctx, false))
	require.Error(t, f.adapter.SetVisibility(ctx, true))
	require.Equal(t, 1, f.store.Len())
	require.Len(t, notices, 1)
	require.Equal(t, "refresh", notices[0].Op)
}

func TestVisibilityDrivesReceipts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.dispatch(t, EventMessageNew, newMsg("m1", "bob")))

	require.NoError(t, f.adapter.SetVisibility(ctx, false))
	f.receipts.Observe("m1")
	require.NoError(t, f.receipts.Flush(ctx))
	require.Empty(t, f.server.read)

	require.NoError(t, f.adapter.SetVisibility(ctx, true))
	require.NoError(t, f.receipts.Flush(ctx))
	require.Equal(t, [][]string{{"m1"}}, f.server.read)
}

func TestRunPumpsSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := transport.NewChanSource(8)
	require.NoError(t, src.Emit(ctx, EventMessageNew, newMsg("m1", "bob")))
	require.NoError(t, src.Publish(ctx, transport.Event{Name: EventMessageDeleted, Payload: []byte("garbage")}))
	require.NoError(t, src.Emit(ctx, EventMessageNew, newMsg("m2", "bob")))
	src.Close()

	require.NoError(t, f.adapter.Run(ctx, src))
	require.Equal(t, 2, f.store.Len())
}
