package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/msgstore"
)

// DefaultReceiptQuietPeriod is how long the batcher waits after the last
// visible message before sending one read-receipt call.
const DefaultReceiptQuietPeriod = time.Second

// MarkReader sends read receipts for a batch of message ids.
type MarkReader interface {
	MarkRead(ctx context.Context, messageIDs []string) error
}

// ReceiptBatcher collects ids of messages that scrolled into view and sends
// them as one call after a quiet period. It only flushes while the view is
// in the foreground; ids observed in the background wait until it returns.
// Messages written by the viewer are never included.
type ReceiptBatcher struct {
	mu       sync.Mutex
	api      MarkReader
	store    *msgstore.Store
	viewerID string
	quiet    time.Duration
	log      zerolog.Logger
	onError  func(error)

	ctx    context.Context
	cancel context.CancelFunc

	pending []string
	queued  map[string]struct{}
	sent    map[string]struct{}
	visible bool
	stopped bool
	timer   *time.Timer
}

func NewReceiptBatcher(api MarkReader, store *msgstore.Store, viewerID string, quiet time.Duration, log zerolog.Logger) *ReceiptBatcher {
	if quiet <= 0 {
		quiet = DefaultReceiptQuietPeriod
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ReceiptBatcher{
		api:      api,
		store:    store,
		viewerID: viewerID,
		quiet:    quiet,
		log:      log.With().Str("component", "read_receipts").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		queued:   make(map[string]struct{}),
		sent:     make(map[string]struct{}),
		visible:  true,
	}
}

// OnError sets the function failed flushes are reported to. Failed batches
// are not retried.
func (b *ReceiptBatcher) OnError(fn func(error)) {
	b.mu.Lock()
	b.onError = fn
	b.mu.Unlock()
}

// eligible reports whether a read receipt for key makes sense at all.
func (b *ReceiptBatcher) eligible(key string) bool {
	msg := b.store.Get(key)
	return msg != nil && !msg.IsProvisional() && msg.SenderID != b.viewerID
}

// Observe queues messages that became visible in the viewport.
func (b *ReceiptBatcher) Observe(keys ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	added := false
	for _, key := range keys {
		if _, ok := b.queued[key]; ok {
			continue
		}
		if _, ok := b.sent[key]; ok {
			continue
		}
		if !b.eligible(key) {
			continue
		}
		b.queued[key] = struct{}{}
		b.pending = append(b.pending, key)
		added = true
	}
	if added && b.visible {
		b.scheduleLocked()
	}
}

func (b *ReceiptBatcher) scheduleLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.quiet, func() {
		if err := b.Flush(b.ctx); err != nil {
			b.reportError(err)
		}
	})
}

func (b *ReceiptBatcher) reportError(err error) {
	b.mu.Lock()
	fn := b.onError
	b.mu.Unlock()
	b.log.Warn().Err(err).Msg("Failed to send read receipts")
	if fn != nil {
		fn(err)
	}
}

// SetVisible records whether the view is in the foreground. Going to the
// background holds pending ids; coming back schedules a flush.
func (b *ReceiptBatcher) SetVisible(visible bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || b.visible == visible {
		return
	}
	b.visible = visible
	if !visible {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		return
	}
	if len(b.pending) > 0 {
		b.scheduleLocked()
	}
}

// Pending returns the ids waiting for the next flush.
func (b *ReceiptBatcher) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.pending))
	copy(out, b.pending)
	return out
}

// Flush sends everything pending as one call. It does nothing while the
// view is hidden, after Stop, or when no eligible ids remain.
func (b *ReceiptBatcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped || !b.visible || len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = nil
	b.queued = make(map[string]struct{})
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	// Re-check: a message may have been deleted while it sat in the queue.
	ids := batch[:0:0]
	for _, key := range batch {
		if b.eligible(key) {
			ids = append(ids, key)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := b.api.MarkRead(ctx, ids); err != nil {
		return err
	}
	b.mu.Lock()
	for _, key := range ids {
		b.sent[key] = struct{}{}
	}
	b.mu.Unlock()
	b.log.Debug().Int("count", len(ids)).Msg("Sent read receipts")
	return nil
}

// Stop cancels the pending flush and any in-flight call. Called when the
// conversation view is torn down; pending ids are discarded.
func (b *ReceiptBatcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = nil
	b.queued = make(map[string]struct{})
	b.mu.Unlock()
	b.cancel()
}
