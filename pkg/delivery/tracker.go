// chatsync - Message synchronization and media cache engine for team chat.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package delivery drives the sending → sent → delivered → read state
// machine of messages in a store and batches outgoing read receipts.
package delivery

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/message"
	"github.com/lrhodin/chatsync/pkg/msgstore"
)

// DefaultReadInferenceAge is how old a message must be before a peer in its
// seen-by set counts as having read it. A peer whose screen merely flashed
// past the message within this window doesn't count; messages seen right
// around the threshold may go either way.
const DefaultReadInferenceAge = 2 * time.Second

type Tracker struct {
	store    *msgstore.Store
	viewerID string
	readAge  time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewTracker(store *msgstore.Store, viewerID string, readAge time.Duration, log zerolog.Logger) *Tracker {
	if readAge <= 0 {
		readAge = DefaultReadInferenceAge
	}
	return &Tracker{
		store:    store,
		viewerID: viewerID,
		readAge:  readAge,
		now:      time.Now,
		log:      log.With().Str("component", "delivery").Logger(),
	}
}

// SetClock overrides time.Now.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Apply moves a message forward to status. Events naming a state at or
// before the current one are ignored, as is failed, which only MarkFailed
// can reach. Returns whether the status changed.
func (t *Tracker) Apply(key string, status message.Status) bool {
	if status == message.StatusFailed || !status.Valid() {
		t.log.Debug().Str("message_id", key).Str("status", string(status)).
			Msg("Ignoring status update that can't come from the server")
		return false
	}
	var prev message.Status
	_, applied := t.store.UpdateStatus(key, func(cur message.Status) (message.Status, bool) {
		prev = cur
		return status, cur.Advances(status)
	})
	if applied {
		t.log.Debug().Str("message_id", key).
			Str("from", string(prev)).Str("to", string(status)).
			Msg("Status advanced")
	}
	return applied
}

// ApplyBatchRead marks every named message read and returns how many moved.
func (t *Tracker) ApplyBatchRead(ids []string) int {
	moved := 0
	for _, id := range ids {
		if t.Apply(id, message.StatusRead) {
			moved++
		}
	}
	return moved
}

// MarkFailed is the explicit rollback for a local send that was never
// confirmed.
func (t *Tracker) MarkFailed(provisionalID string) bool {
	ok := t.store.MarkFailed(provisionalID)
	if ok {
		t.log.Info().Str("provisional_id", provisionalID).Msg("Marked local send as failed")
	}
	return ok
}

// Seen records that users have seen a message and re-runs read inference
// for it.
func (t *Tracker) Seen(key string, users ...string) bool {
	if !t.store.AddSeenBy(key, users...) {
		return false
	}
	if msg := t.store.Get(key); msg != nil && t.shouldInferRead(msg, t.now()) {
		t.Apply(key, message.StatusRead)
	}
	return true
}

func (t *Tracker) shouldInferRead(msg *message.Message, now time.Time) bool {
	if msg.SenderID != t.viewerID || msg.IsProvisional() {
		return false
	}
	if msg.Status == message.StatusRead || msg.Status == message.StatusFailed {
		return false
	}
	if now.Sub(msg.CreatedAt) <= t.readAge {
		return false
	}
	for user := range msg.SeenBy {
		if user != t.viewerID {
			return true
		}
	}
	return false
}

// InferRead sweeps the viewer's own messages and marks read those a peer has
// seen once they're older than the inference age at now. Returns the ids it
// moved.
func (t *Tracker) InferRead(now time.Time) []string {
	candidates := t.store.Select(func(msg *message.Message) bool {
		return t.shouldInferRead(msg, now)
	})
	var moved []string
	for _, msg := range candidates {
		if t.Apply(msg.Key(), message.StatusRead) {
			moved = append(moved, msg.Key())
		}
	}
	return moved
}
