// chatsync - Message synchronization and media cache engine for team chat.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package history pages older messages into a conversation log while
// keeping the reader's scroll position stable.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/message"
	"github.com/lrhodin/chatsync/pkg/msgstore"
)

const DefaultPageSize = 50

var ErrLoadInProgress = errors.New("history load already in progress")

// Fetcher retrieves up to limit messages of a conversation ordered strictly
// before the cursor (before, beforeID): older messages, plus messages at the
// same instant whose id sorts lower. An empty beforeID makes the cursor
// exclusive on time alone. A zero time means the latest messages.
type Fetcher interface {
	History(ctx context.Context, conversationRef string, before time.Time, beforeID string, limit int) ([]*message.Message, error)
}

type Pager struct {
	api      Fetcher
	pageSize int
	log      zerolog.Logger

	mu      sync.Mutex
	loading bool
	hasMore bool
}

func NewPager(api Fetcher, pageSize int, log zerolog.Logger) *Pager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Pager{
		api:      api,
		pageSize: pageSize,
		log:      log.With().Str("component", "history").Logger(),
		hasMore:  true,
	}
}

// HasMore is false once a page came back shorter than the page size.
func (p *Pager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

func (p *Pager) PageSize() int {
	return p.pageSize
}

// LoadOlder fetches one page before the (before, beforeID) cursor. Only one
// load runs at a time per pager; overlapping calls get ErrLoadInProgress.
func (p *Pager) LoadOlder(ctx context.Context, conversationRef string, before time.Time, beforeID string) ([]*message.Message, error) {
	p.mu.Lock()
	if p.loading {
		p.mu.Unlock()
		return nil, ErrLoadInProgress
	}
	p.loading = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.loading = false
		p.mu.Unlock()
	}()

	page, err := p.api.History(ctx, conversationRef, before, beforeID, p.pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load history of %s: %w", conversationRef, err)
	}
	p.mu.Lock()
	p.hasMore = len(page) >= p.pageSize
	p.mu.Unlock()
	p.log.Debug().
		Str("conversation", conversationRef).
		Time("before", before).
		Str("before_id", beforeID).
		Int("count", len(page)).
		Msg("Loaded history page")
	return page, nil
}

// LoadOlderInto fetches the page before the store's oldest confirmed record,
// prepends what the store doesn't have yet and restores the viewport's
// visual anchor. A nil viewport skips the scroll adjustment.
func (p *Pager) LoadOlderInto(ctx context.Context, store *msgstore.Store, vp Viewport) (int, error) {
	if !p.HasMore() {
		return 0, nil
	}
	// Records sharing the oldest timestamp are told apart by id, the same
	// way the store orders them.
	var before time.Time
	var beforeID string
	if oldest := store.Oldest(); oldest != nil {
		before, beforeID = oldest.CreatedAt, oldest.ID
	}
	var anchor ScrollAnchor
	if vp != nil {
		anchor = Capture(vp)
	}
	page, err := p.LoadOlder(ctx, store.Conversation(), before, beforeID)
	if err != nil {
		return 0, err
	}
	added := store.PrependOlder(page)
	if vp != nil && added > 0 {
		vp.Relayout()
		anchor.Restore(vp)
	}
	return added, nil
}
