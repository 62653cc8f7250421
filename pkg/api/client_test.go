package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/lrhodin/chatsync/pkg/message"
	"github.com/lrhodin/chatsync/pkg/syncerr"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

type fakeServer struct {
	mu       sync.Mutex
	requests []recorded
	status   int
	reply    string
}

func (s *fakeServer) handle(ctx *fasthttp.RequestCtx) {
	s.mu.Lock()
	s.requests = append(s.requests, recorded{
		Method: string(ctx.Method()),
		Path:   string(ctx.Path()),
		Query:  string(ctx.QueryArgs().QueryString()),
		Auth:   string(ctx.Request.Header.Peek("Authorization")),
		Body:   string(ctx.PostBody()),
	})
	status, reply := s.status, s.reply
	s.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(reply)
}

func (s *fakeServer) last(t *testing.T) recorded {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.requests)
	return s.requests[len(s.requests)-1]
}

func (s *fakeServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newTestClient(t *testing.T) (*Client, *fakeServer) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	fs := &fakeServer{}
	srv := &fasthttp.Server{Handler: fs.handle}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	c, err := NewClient(Options{
		BaseURL: "http://chat.test/",
		Token:   "secret",
		Dial:    func(string) (net.Conn, error) { return ln.Dial() },
	}, zerolog.Nop())
	require.NoError(t, err)
	return c, fs
}

func TestHistory(t *testing.T) {
	c, fs := newTestClient(t)
	fs.reply = `[{"id":"m1","conversationRef":"general","senderId":"bob","content":"hi",
		"reactions":{"👍":["alice"]},"status":"delivered",
		"createdAt":"2024-03-01T09:00:00Z","updatedAt":"2024-03-01T09:00:00Z"}]`

	before := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	msgs, err := c.History(context.Background(), "general", before, "m9", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, message.StatusDelivered, msgs[0].Status)
	require.True(t, msgs[0].Reactions.Has("👍", "alice"))

	req := fs.last(t)
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "/conversations/general/messages", req.Path)
	require.Equal(t, "before=2024-03-02T00%3A00%3A00Z&beforeId=m9&limit=50", req.Query)
	require.Equal(t, "Bearer secret", req.Auth)

	_, err = c.History(context.Background(), "general", time.Time{}, "m9", 10)
	require.NoError(t, err)
	require.Equal(t, "limit=10", fs.last(t).Query, "an id without a time is not a cursor")
}

func TestMarkReadSkipsEmpty(t *testing.T) {
	c, fs := newTestClient(t)
	require.NoError(t, c.MarkRead(context.Background(), nil))
	require.Zero(t, fs.count())

	require.NoError(t, c.MarkRead(context.Background(), []string{"m1", "m2"}))
	req := fs.last(t)
	require.Equal(t, "POST", req.Method)
	require.Equal(t, "/messages/read", req.Path)
	require.JSONEq(t, `{"messageIds":["m1","m2"]}`, req.Body)
}

func TestReactions(t *testing.T) {
	c, fs := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.AddReaction(ctx, "m1", "🎉"))
	req := fs.last(t)
	require.Equal(t, "POST", req.Method)
	require.Equal(t, "/messages/m1/reactions", req.Path)
	require.JSONEq(t, `{"emoji":"🎉"}`, req.Body)

	require.NoError(t, c.RemoveReaction(ctx, "m1", "🎉"))
	require.Equal(t, "DELETE", fs.last(t).Method)
}

func TestAttachmentAction(t *testing.T) {
	c, fs := newTestClient(t)
	fs.reply = `{"attachments":[{"sourceUrl":"https://cdn/a.ogg","reactions":{"🔥":["alice"]}}]}`

	atts, err := c.AttachmentAction(context.Background(), "m1", 0, "react", "🔥")
	require.NoError(t, err)
	require.Len(t, atts, 1)
	require.True(t, atts[0].Reactions.Has("🔥", "alice"))

	req := fs.last(t)
	require.Equal(t, "/messages/m1/attachments/0/actions", req.Path)
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(req.Body), &body))
	require.Equal(t, map[string]string{"action": "react", "emoji": "🔥"}, body)

	fs.reply = `{"attachments":[]}`
	atts, err = c.AttachmentAction(context.Background(), "m1", 0, "delete", "")
	require.NoError(t, err)
	require.NotNil(t, atts)
	require.Empty(t, atts)
	require.JSONEq(t, `{"action":"delete"}`, fs.last(t).Body)
}

func TestErrorStatusIsNetworkError(t *testing.T) {
	c, fs := newTestClient(t)
	fs.status = http.StatusForbidden
	fs.reply = `{"error":"forbidden","message":"not a member"}`

	err := c.AddReaction(context.Background(), "m1", "👍")
	require.True(t, syncerr.IsNetwork(err))
	var se *syncerr.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusForbidden, se.Status)
	require.Contains(t, err.Error(), "not a member")
}

func TestCancelledContextDoesNotSend(t *testing.T) {
	c, fs := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.AddReaction(ctx, "m1", "👍")
	require.True(t, syncerr.IsNetwork(err))
	require.Zero(t, fs.count())
}

func TestNewClientValidatesURL(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "chat.test"}, zerolog.Nop())
	require.Error(t, err)
}
