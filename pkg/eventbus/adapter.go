// chatsync - Message synchronization and media cache engine for team chat.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package eventbus turns named push events into calls on a conversation's
// store, delivery tracker and reaction aggregator, and refreshes the log
// when connectivity or visibility comes back.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/delivery"
	"github.com/lrhodin/chatsync/pkg/history"
	"github.com/lrhodin/chatsync/pkg/message"
	"github.com/lrhodin/chatsync/pkg/msgstore"
	"github.com/lrhodin/chatsync/pkg/notify"
	"github.com/lrhodin/chatsync/pkg/reactions"
	"github.com/lrhodin/chatsync/pkg/transport"
)

// Push event names.
const (
	EventMessageNew         = "message:new"
	EventMessageEdited      = "message:edited"
	EventMessageDeleted     = "message:deleted"
	EventStatusUpdate       = "message:status-update"
	EventMessagesRead       = "messages:read"
	EventReactionUpdate     = "message:reaction-update"
	EventAttachmentsUpdated = "message:attachments-updated"
	EventMessageSeen        = "message:seen"
)

const DefaultRefreshSize = 50

var ErrMalformedPayload = errors.New("malformed event payload")

type editedPayload struct {
	MessageID string    `json:"messageId"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type messageRefPayload struct {
	MessageID string `json:"messageId"`
}

type statusPayload struct {
	MessageID string         `json:"messageId"`
	Status    message.Status `json:"status"`
}

type readPayload struct {
	MessageIDs []string `json:"messageIds"`
}

type reactionPayload struct {
	MessageID string              `json:"messageId"`
	Reactions message.ReactionSet `json:"reactions"`
}

type attachmentsPayload struct {
	MessageID   string               `json:"messageId"`
	Attachments []message.Attachment `json:"attachments"`
}

type seenPayload struct {
	MessageID string   `json:"messageId"`
	UserIDs   []string `json:"userIds"`
}

type Options struct {
	Store     *msgstore.Store
	Tracker   *delivery.Tracker
	Reactions *reactions.Aggregator
	// Receipts is optional; when set, visibility changes are forwarded.
	Receipts *delivery.ReceiptBatcher
	// Fetcher is used for merge-refreshes. Without it, refreshes are skipped.
	Fetcher     history.Fetcher
	RefreshSize int
	Hub         *notify.Hub
}

// Adapter holds no business logic of its own: every event is decoded and
// handed to the component that owns the affected state.
type Adapter struct {
	store       *msgstore.Store
	tracker     *delivery.Tracker
	reactions   *reactions.Aggregator
	receipts    *delivery.ReceiptBatcher
	fetcher     history.Fetcher
	refreshSize int
	hub         *notify.Hub
	log         zerolog.Logger

	mu      sync.Mutex
	online  bool
	visible bool
}

func New(opts Options, log zerolog.Logger) *Adapter {
	if opts.RefreshSize <= 0 {
		opts.RefreshSize = DefaultRefreshSize
	}
	return &Adapter{
		store:       opts.Store,
		tracker:     opts.Tracker,
		reactions:   opts.Reactions,
		receipts:    opts.Receipts,
		fetcher:     opts.Fetcher,
		refreshSize: opts.RefreshSize,
		hub:         opts.Hub,
		log:         log.With().Str("component", "eventbus").Str("conversation", opts.Store.Conversation()).Logger(),
		online:      true,
		visible:     true,
	}
}

func decode[T any](ev transport.Event) (T, error) {
	var out T
	if len(ev.Payload) == 0 {
		return out, fmt.Errorf("%w: %s has no payload", ErrMalformedPayload, ev.Name)
	}
	if err := json.Unmarshal(ev.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, ev.Name, err)
	}
	return out, nil
}

func requireID(name, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s without messageId", ErrMalformedPayload, name)
	}
	return nil
}

// Dispatch applies one push event. Unknown event names are ignored, as are
// events about messages this conversation doesn't hold. A payload that
// can't be decoded is an error.
func (a *Adapter) Dispatch(ctx context.Context, ev transport.Event) error {
	log := a.log.With().Str("event", ev.Name).Logger()
	switch ev.Name {
	case EventMessageNew:
		msg, err := decode[message.Message](ev)
		if err != nil {
			return err
		}
		if msg.ConversationRef != "" && msg.ConversationRef != a.store.Conversation() {
			return nil
		}
		outcome := a.store.ApplyIncoming(&msg)
		log.Debug().Str("message_id", msg.ID).Stringer("outcome", outcome).Msg("Applied pushed message")
	case EventMessageEdited:
		p, err := decode[editedPayload](ev)
		if err == nil {
			err = requireID(ev.Name, p.MessageID)
		}
		if err != nil {
			return err
		}
		a.store.Edit(p.MessageID, p.Content, p.UpdatedAt)
	case EventMessageDeleted:
		p, err := decode[messageRefPayload](ev)
		if err == nil {
			err = requireID(ev.Name, p.MessageID)
		}
		if err != nil {
			return err
		}
		a.store.Delete(p.MessageID)
	case EventStatusUpdate:
		p, err := decode[statusPayload](ev)
		if err == nil {
			err = requireID(ev.Name, p.MessageID)
		}
		if err != nil {
			return err
		}
		a.tracker.Apply(p.MessageID, p.Status)
	case EventMessagesRead:
		p, err := decode[readPayload](ev)
		if err != nil {
			return err
		}
		a.tracker.ApplyBatchRead(p.MessageIDs)
	case EventReactionUpdate:
		p, err := decode[reactionPayload](ev)
		if err == nil {
			err = requireID(ev.Name, p.MessageID)
		}
		if err != nil {
			return err
		}
		a.reactions.ApplyRemote(p.MessageID, p.Reactions)
	case EventAttachmentsUpdated:
		p, err := decode[attachmentsPayload](ev)
		if err == nil {
			err = requireID(ev.Name, p.MessageID)
		}
		if err != nil {
			return err
		}
		a.reactions.ApplyRemoteAttachments(p.MessageID, p.Attachments)
	case EventMessageSeen:
		p, err := decode[seenPayload](ev)
		if err == nil {
			err = requireID(ev.Name, p.MessageID)
		}
		if err != nil {
			return err
		}
		a.tracker.Seen(p.MessageID, p.UserIDs...)
	default:
		log.Debug().Msg("Ignoring unknown event")
	}
	return nil
}

// SetConnectivity records whether the push transport is connected. Coming
// back online triggers a merge-refresh since events may have been missed.
func (a *Adapter) SetConnectivity(ctx context.Context, online bool) error {
	a.mu.Lock()
	cameBack := online && !a.online
	a.online = online
	a.mu.Unlock()
	if !cameBack {
		return nil
	}
	a.log.Info().Msg("Connectivity restored, refreshing")
	_, err := a.Refresh(ctx)
	return err
}

// SetVisibility records whether the conversation is in the foreground.
// Becoming visible refreshes the log and lets pending read receipts go out.
func (a *Adapter) SetVisibility(ctx context.Context, visible bool) error {
	a.mu.Lock()
	cameBack := visible && !a.visible
	a.visible = visible
	a.mu.Unlock()
	if a.receipts != nil {
		a.receipts.SetVisible(visible)
	}
	if !cameBack {
		return nil
	}
	_, err := a.Refresh(ctx)
	return err
}

// Refresh fetches the latest window and merges it into the store. A failure
// leaves the log untouched and is reported as a notice.
func (a *Adapter) Refresh(ctx context.Context) (msgstore.MergeStats, error) {
	if a.fetcher == nil {
		return msgstore.MergeStats{}, nil
	}
	fetched, err := a.fetcher.History(ctx, a.store.Conversation(), time.Time{}, "", a.refreshSize)
	if err != nil {
		a.log.Warn().Err(err).Msg("Merge-refresh failed")
		if a.hub != nil {
			a.hub.Notices.Publish(notify.Notice{Op: "refresh", Err: err})
		}
		return msgstore.MergeStats{}, fmt.Errorf("failed to refresh %s: %w", a.store.Conversation(), err)
	}
	return a.store.MergeRefresh(fetched), nil
}

// Run pumps events from src until it's exhausted or ctx ends. Events that
// fail to apply are logged and skipped.
func (a *Adapter) Run(ctx context.Context, src transport.Source) error {
	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
		if err = a.Dispatch(ctx, ev); err != nil {
			a.log.Warn().Err(err).Str("event", ev.Name).Msg("Dropping event")
		}
	}
}
