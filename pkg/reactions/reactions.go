// chatsync - Message synchronization and media cache engine for team chat.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package reactions applies emoji reactions optimistically and rolls them
// back when the server refuses.
package reactions

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/message"
	"github.com/lrhodin/chatsync/pkg/msgstore"
	"github.com/lrhodin/chatsync/pkg/notify"
)

// Attachment actions understood by the server.
const (
	ActionReact   = "react"
	ActionUnreact = "unreact"
	ActionDelete  = "delete"
)

// API is the subset of the server API the aggregator calls.
type API interface {
	AddReaction(ctx context.Context, messageID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, emoji string) error
	// AttachmentAction applies action to one attachment and returns the
	// message's resulting attachment list.
	AttachmentAction(ctx context.Context, messageID string, index int, action, emoji string) ([]message.Attachment, error)
}

type Aggregator struct {
	store *msgstore.Store
	api   API
	hub   *notify.Hub
	log   zerolog.Logger
}

func NewAggregator(store *msgstore.Store, api API, hub *notify.Hub, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		store: store,
		api:   api,
		hub:   hub,
		log:   log.With().Str("component", "reactions").Logger(),
	}
}

// Toggle flips userID's emoji reaction on a message. The local set changes
// first; if the server call fails the flip is undone and the error returned.
func (a *Aggregator) Toggle(ctx context.Context, messageID, emoji, userID string) error {
	var had bool
	err := a.store.UpdateReactions(messageID, func(r message.ReactionSet) message.ReactionSet {
		had = r.Has(emoji, userID)
		return r.With(emoji, userID, !had)
	})
	if err != nil {
		return err
	}
	if had {
		err = a.api.RemoveReaction(ctx, messageID, emoji)
	} else {
		err = a.api.AddReaction(ctx, messageID, emoji)
	}
	if err != nil {
		// Undo only our own flip; other users' reactions that arrived
		// meanwhile stay.
		_ = a.store.UpdateReactions(messageID, func(r message.ReactionSet) message.ReactionSet {
			return r.With(emoji, userID, had)
		})
		a.fail("toggleReaction", err)
		return fmt.Errorf("failed to toggle %s on %s: %w", emoji, messageID, err)
	}
	return nil
}

// ToggleAttachment is Toggle scoped to one attachment. On success the
// server's attachment list replaces the local one.
func (a *Aggregator) ToggleAttachment(ctx context.Context, messageID string, index int, emoji, userID string) error {
	var had bool
	err := a.store.UpdateAttachmentReactions(messageID, index, func(r message.ReactionSet) message.ReactionSet {
		had = r.Has(emoji, userID)
		return r.With(emoji, userID, !had)
	})
	if err != nil {
		return err
	}
	a.publish(messageID)

	action := ActionReact
	if had {
		action = ActionUnreact
	}
	atts, err := a.api.AttachmentAction(ctx, messageID, index, action, emoji)
	if err != nil {
		_ = a.store.UpdateAttachmentReactions(messageID, index, func(r message.ReactionSet) message.ReactionSet {
			return r.With(emoji, userID, had)
		})
		a.publish(messageID)
		a.fail("toggleAttachmentReaction", err)
		return fmt.Errorf("failed to toggle %s on attachment %d of %s: %w", emoji, index, messageID, err)
	}
	a.install(messageID, atts)
	return nil
}

// DeleteAttachment removes one attachment optimistically and restores the
// previous list if the server refuses.
func (a *Aggregator) DeleteAttachment(ctx context.Context, messageID string, index int) error {
	prev, ok := a.store.Attachments(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", msgstore.ErrNotFound, messageID)
	}
	if index < 0 || index >= len(prev) {
		return fmt.Errorf("%w: %d of %d on %s", msgstore.ErrAttachmentIndex, index, len(prev), messageID)
	}
	next := make([]message.Attachment, 0, len(prev)-1)
	next = append(next, prev[:index]...)
	next = append(next, prev[index+1:]...)
	a.store.SetAttachments(messageID, next)
	a.publish(messageID)

	atts, err := a.api.AttachmentAction(ctx, messageID, index, ActionDelete, "")
	if err != nil {
		a.store.SetAttachments(messageID, prev)
		a.publish(messageID)
		a.fail("deleteAttachment", err)
		return fmt.Errorf("failed to delete attachment %d of %s: %w", index, messageID, err)
	}
	a.install(messageID, atts)
	return nil
}

// ApplyRemote installs a reaction set pushed by the server.
func (a *Aggregator) ApplyRemote(messageID string, reactions message.ReactionSet) bool {
	return a.store.SetReactions(messageID, reactions)
}

// ApplyRemoteAttachments installs an attachment list pushed by the server.
func (a *Aggregator) ApplyRemoteAttachments(messageID string, atts []message.Attachment) bool {
	if !a.store.SetAttachments(messageID, atts) {
		return false
	}
	a.publish(messageID)
	return true
}

func (a *Aggregator) install(messageID string, atts []message.Attachment) {
	if atts == nil {
		return
	}
	if a.store.SetAttachments(messageID, atts) {
		a.publish(messageID)
	}
}

func (a *Aggregator) publish(messageID string) {
	if a.hub != nil {
		a.hub.AttachmentsChanged.Publish(notify.AttachmentsChanged{MessageID: messageID})
	}
}

func (a *Aggregator) fail(op string, err error) {
	a.log.Warn().Err(err).Str("op", op).Msg("Reverted optimistic change")
	if a.hub != nil {
		a.hub.Notices.Publish(notify.Notice{Op: op, Err: err})
	}
}
