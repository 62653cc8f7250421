package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/delivery"
	"github.com/lrhodin/chatsync/pkg/eventbus"
	"github.com/lrhodin/chatsync/pkg/history"
	"github.com/lrhodin/chatsync/pkg/mediacache"
	"github.com/lrhodin/chatsync/pkg/msgstore"
	"github.com/lrhodin/chatsync/pkg/notify"
	"github.com/lrhodin/chatsync/pkg/reactions"
	"github.com/lrhodin/chatsync/pkg/transport"
)

// TickInterval is how often Run evaluates read inference and the send
// timeout.
const TickInterval = time.Second

var ErrNoAttachment = errors.New("message has no such attachment")

// Conversation is the state of one open message view. Its components share
// one store and one notification hub; media services come from the session.
type Conversation struct {
	Ref       string
	Store     *msgstore.Store
	Tracker   *delivery.Tracker
	Receipts  *delivery.ReceiptBatcher
	Reactions *reactions.Aggregator
	Pager     *history.Pager
	Events    *eventbus.Adapter
	Hub       *notify.Hub

	session   *Session
	log       zerolog.Logger
	closeOnce sync.Once

	// handles holds every reference this view took through PlayAttachment.
	handlesMu sync.Mutex
	handles   []*mediacache.Handle
}

func newConversation(s *Session, ref string) *Conversation {
	log := s.log.With().Str("conversation", ref).Logger()
	hub := notify.NewHub()
	store := msgstore.New(ref, s.log,
		msgstore.WithClock(s.now),
		msgstore.WithChangeHook(hub.MessageChanged.Publish),
	)
	syncCfg := &s.cfg.Sync
	tracker := delivery.NewTracker(store, s.ViewerID(), syncCfg.ReadInferenceAgeDuration(), s.log)
	tracker.SetClock(s.now)
	receipts := delivery.NewReceiptBatcher(s.server, store, s.ViewerID(), syncCfg.ReceiptQuietPeriodDuration(), s.log)
	receipts.OnError(func(err error) {
		hub.Notices.Publish(notify.Notice{Op: "mark-read", Err: err})
	})
	agg := reactions.NewAggregator(store, s.server, hub, s.log)
	return &Conversation{
		Ref:       ref,
		Store:     store,
		Tracker:   tracker,
		Receipts:  receipts,
		Reactions: agg,
		Pager:     history.NewPager(s.server, syncCfg.PageSize, s.log),
		Events: eventbus.New(eventbus.Options{
			Store:       store,
			Tracker:     tracker,
			Reactions:   agg,
			Receipts:    receipts,
			Fetcher:     s.server,
			RefreshSize: syncCfg.RefreshSize,
			Hub:         hub,
		}, s.log),
		Hub:     hub,
		session: s,
		log:     log,
	}
}

// Send inserts the draft as a provisional message from the viewer and
// returns its provisional id. Delivery happens over the push transport; the
// echo carrying the same provisional id confirms it.
func (c *Conversation) Send(draft msgstore.Draft) string {
	if draft.SenderID == "" {
		draft.SenderID = c.session.ViewerID()
	}
	pid := c.Store.ApplyLocalSend(draft)
	c.log.Debug().Str("provisional_id", pid).Msg("Queued local send")
	return pid
}

// Retry re-arms a failed send.
func (c *Conversation) Retry(provisionalID string) bool {
	return c.Store.Retry(provisionalID)
}

func (c *Conversation) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	return c.Reactions.Toggle(ctx, messageID, emoji, c.session.ViewerID())
}

func (c *Conversation) ToggleAttachmentReaction(ctx context.Context, messageID string, index int, emoji string) error {
	return c.Reactions.ToggleAttachment(ctx, messageID, index, emoji, c.session.ViewerID())
}

func (c *Conversation) DeleteAttachment(ctx context.Context, messageID string, index int) error {
	atts, _ := c.Store.Attachments(messageID)
	if err := c.Reactions.DeleteAttachment(ctx, messageID, index); err != nil {
		return err
	}
	if index >= 0 && index < len(atts) {
		c.releaseURL(atts[index].SourceURL)
	}
	return nil
}

// MarkVisible tells the receipt batcher these messages were on screen.
func (c *Conversation) MarkVisible(keys ...string) {
	c.Receipts.Observe(keys...)
}

// IsEdited reports whether the message shows as edited under the configured
// threshold.
func (c *Conversation) IsEdited(key string) bool {
	msg := c.Store.Get(key)
	return msg != nil && msg.IsEdited(c.session.cfg.Sync.EditedThresholdDuration())
}

func (c *Conversation) LoadOlder(ctx context.Context, vp history.Viewport) (int, error) {
	added, err := c.Pager.LoadOlderInto(ctx, c.Store, vp)
	if err != nil && !errors.Is(err, history.ErrLoadInProgress) {
		c.Hub.Notices.Publish(notify.Notice{Op: "load-older", Err: err})
	}
	return added, err
}

// PlayAttachment returns a playable handle for one attachment, downloading
// it into the shared cache first if needed.
func (c *Conversation) PlayAttachment(ctx context.Context, messageID string, index int, progress mediacache.ProgressFunc) (*mediacache.Handle, error) {
	atts, ok := c.Store.Attachments(messageID)
	if !ok || index < 0 || index >= len(atts) || atts[index].SourceURL == "" {
		return nil, fmt.Errorf("%w: %s[%d]", ErrNoAttachment, messageID, index)
	}
	h, err := c.session.Media.Play(ctx, atts[index].SourceURL, messageID, progress)
	if err != nil {
		c.Hub.Notices.Publish(notify.Notice{Op: "download", Err: err})
		return nil, err
	}
	c.handlesMu.Lock()
	c.handles = append(c.handles, h)
	c.handlesMu.Unlock()
	return h, nil
}

// ReleaseAttachment gives back one handle obtained from PlayAttachment. The
// file stays while other holders still use it.
func (c *Conversation) ReleaseAttachment(h *mediacache.Handle) {
	c.handlesMu.Lock()
	for i, held := range c.handles {
		if held == h {
			c.handles = append(c.handles[:i], c.handles[i+1:]...)
			c.handlesMu.Unlock()
			c.session.Media.Handles.ReleaseHandle(h)
			return
		}
	}
	c.handlesMu.Unlock()
}

func (c *Conversation) releaseURL(sourceURL string) {
	c.handlesMu.Lock()
	var drop []*mediacache.Handle
	kept := c.handles[:0]
	for _, held := range c.handles {
		if held.SourceURL == sourceURL {
			drop = append(drop, held)
		} else {
			kept = append(kept, held)
		}
	}
	c.handles = kept
	c.handlesMu.Unlock()
	for _, h := range drop {
		c.session.Media.Handles.ReleaseHandle(h)
	}
}

// CachedMedia lists what the cache holds for one message.
func (c *Conversation) CachedMedia(ctx context.Context, messageID string) ([]mediacache.EntryInfo, error) {
	return c.session.Media.Cache.ListByMessage(ctx, messageID)
}

// Tick runs the time-driven rules: read inference for the viewer's own
// messages and, when a send timeout is configured, failing sends that were
// never confirmed.
func (c *Conversation) Tick() {
	c.Tracker.InferRead(c.session.now())
	if timeout := c.session.cfg.Sync.SendTimeoutDuration(); timeout > 0 {
		for _, pid := range c.Store.PendingOlderThan(timeout) {
			if c.Tracker.MarkFailed(pid) {
				c.log.Warn().Str("provisional_id", pid).Msg("Send was never confirmed, marking failed")
			}
		}
	}
}

// Run pumps push events from src into the conversation and ticks the
// time-driven rules until src is exhausted or ctx ends.
func (c *Conversation) Run(ctx context.Context, src transport.Source) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Tick()
			}
		}
	}()
	err := c.Events.Run(ctx, src)
	cancel()
	wg.Wait()
	return err
}

// Close stops pending receipts, gives back every media handle this
// conversation took and detaches it from the session. Handles other
// conversations still hold stay valid.
func (c *Conversation) Close() {
	c.session.forget(c.Ref)
	c.teardown()
}

func (c *Conversation) teardown() {
	c.closeOnce.Do(func() {
		c.Receipts.Stop()
		c.handlesMu.Lock()
		held := c.handles
		c.handles = nil
		c.handlesMu.Unlock()
		for _, h := range held {
			c.session.Media.Handles.ReleaseHandle(h)
		}
		c.log.Debug().Msg("Conversation closed")
	})
}
