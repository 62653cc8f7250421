// chatsync - Message synchronization and media cache engine for team chat.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package msgstore keeps the ordered, deduplicated message log of one open
// conversation and reconciles optimistic local sends with their server
// counterparts.
package msgstore

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/message"
	"github.com/lrhodin/chatsync/pkg/notify"
	"github.com/lrhodin/chatsync/pkg/syncerr"
)

var (
	ErrNotFound        = errors.New("message not found")
	ErrAttachmentIndex = errors.New("attachment index out of range")
)

// Outcome describes what ApplyIncoming did with a server message.
type Outcome int

const (
	OutcomeRejected Outcome = iota
	OutcomeInserted
	OutcomeReconciled
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeReconciled:
		return "reconciled"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}

// Draft is the content of a message the local user is about to send.
type Draft struct {
	SenderID    string
	Content     string
	Attachments []message.Attachment
	ReplyRef    *message.ReplyRef
}

type Option func(*Store)

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides provisional id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// WithChangeHook registers a function called after every record mutation,
// outside the store lock.
func WithChangeHook(fn func(notify.MessageChanged)) Option {
	return func(s *Store) { s.onChange = fn }
}

// Store is the message log of one conversation. Every exported method is one
// atomic step; ordering across calls is never assumed; all merges are keyed
// by id so duplicated or reordered input converges to the same log.
type Store struct {
	mu           sync.Mutex
	conversation string
	log          zerolog.Logger
	now          func() time.Time
	newID        func() string
	onChange     func(notify.MessageChanged)

	// records is kept sorted with message.Compare.
	records []*message.Message
	byKey   map[string]*message.Message
}

func New(conversation string, log zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		conversation: conversation,
		log:          log.With().Str("component", "msgstore").Str("conversation", conversation).Logger(),
		now:          time.Now,
		newID:        func() string { return "local-" + uuid.NewString() },
		byKey:        make(map[string]*message.Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Conversation() string {
	return s.conversation
}

func (s *Store) emit(events ...notify.MessageChanged) {
	if s.onChange == nil {
		return
	}
	for _, ev := range events {
		s.onChange(ev)
	}
}

// ApplyLocalSend inserts a provisional record in the sending state and
// returns its provisional id. Nothing here touches the network.
func (s *Store) ApplyLocalSend(draft Draft) string {
	now := s.now()
	rec := &message.Message{
		ProvisionalID:   s.newID(),
		ConversationRef: s.conversation,
		SenderID:        draft.SenderID,
		Content:         draft.Content,
		Attachments:     message.CloneAttachments(draft.Attachments),
		Status:          message.StatusSending,
		CreatedAt:       now,
		UpdatedAt:       now,
		ReplyRef:        draft.ReplyRef.Clone(),
	}
	s.mu.Lock()
	s.insertLocked(rec)
	s.mu.Unlock()
	s.emit(notify.MessageChanged{Key: rec.ProvisionalID})
	return rec.ProvisionalID
}

// confirmedStatus picks the status of a record once its provisional copy is
// confirmed. A server copy without a status still proves the message was
// sent. The higher of the two wins: when a refresh already put the server
// record in the log, receipts may have moved it past what the echo carries.
// Receipts for ids the log doesn't hold yet are dropped, so a provisional
// record itself never gets past sending.
func confirmedStatus(existing, server message.Status) message.Status {
	if server == message.StatusUnknown || server == message.StatusFailed {
		server = message.StatusSent
	}
	return message.Max(existing, server)
}

// ApplyIncoming merges one server-confirmed message into the log.
func (s *Store) ApplyIncoming(msg *message.Message) Outcome {
	if msg == nil || msg.ID == "" {
		s.log.Warn().Msg("Dropping incoming message without server id")
		return OutcomeRejected
	}
	incoming := msg.Clone()
	if incoming.ConversationRef == "" {
		incoming.ConversationRef = s.conversation
	}

	s.mu.Lock()
	outcome, events := s.applyIncomingLocked(incoming, "applyIncoming")
	s.mu.Unlock()
	s.emit(events...)
	return outcome
}

func (s *Store) applyIncomingLocked(incoming *message.Message, op string) (Outcome, []notify.MessageChanged) {
	if incoming.ProvisionalID != "" {
		if prov, ok := s.byKey[incoming.ProvisionalID]; ok && prov.IsProvisional() {
			if existing, dup := s.byKey[incoming.ID]; dup {
				// The confirmed copy got here first (e.g. through a refresh);
				// the provisional record is the duplicate.
				s.removeLocked(prov.ProvisionalID)
				existing.Status = confirmedStatus(prov.Status, existing.Status)
				existing.ProvisionalID = prov.ProvisionalID
				s.log.Warn().
					Err(syncerr.Conflict(op, fmt.Errorf("server id %s already present", incoming.ID))).
					Str("provisional_id", prov.ProvisionalID).
					Msg("Dropped provisional duplicate during reconciliation")
				return OutcomeReconciled, []notify.MessageChanged{
					{Key: prov.ProvisionalID, Deleted: true},
					{Key: existing.ID},
				}
			}
			incoming.Status = confirmedStatus(prov.Status, incoming.Status)
			s.removeLocked(prov.ProvisionalID)
			s.insertLocked(incoming)
			s.log.Debug().
				Str("provisional_id", prov.ProvisionalID).
				Str("message_id", incoming.ID).
				Str("status", string(incoming.Status)).
				Msg("Reconciled local send with server copy")
			return OutcomeReconciled, []notify.MessageChanged{
				{Key: prov.ProvisionalID, Deleted: true},
				{Key: incoming.ID},
			}
		}
	}
	if _, ok := s.byKey[incoming.ID]; ok {
		s.log.Debug().Str("message_id", incoming.ID).Msg("Ignoring duplicate delivery")
		return OutcomeDuplicate, nil
	}
	if incoming.Status == message.StatusUnknown {
		incoming.Status = message.StatusSent
	}
	s.insertLocked(incoming)
	return OutcomeInserted, []notify.MessageChanged{{Key: incoming.ID}}
}

func (s *Store) insertLocked(rec *message.Message) {
	i, _ := slices.BinarySearchFunc(s.records, rec, message.Compare)
	s.records = slices.Insert(s.records, i, rec)
	s.byKey[rec.Key()] = rec
}

func (s *Store) removeLocked(key string) *message.Message {
	rec, ok := s.byKey[key]
	if !ok {
		return nil
	}
	delete(s.byKey, key)
	if i := slices.Index(s.records, rec); i >= 0 {
		s.records = slices.Delete(s.records, i, i+1)
	}
	return rec
}

// resortLocked restores order after bulk appends.
func (s *Store) resortLocked() {
	message.Sort(s.records)
}

// Get returns a copy of the record stored under key, or nil.
func (s *Store) Get(key string) *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[key]
	if !ok {
		return nil
	}
	return rec.Clone()
}

func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[key]
	return ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Snapshot returns copies of every record in log order.
func (s *Store) Snapshot() []*message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*message.Message, len(s.records))
	for i, rec := range s.records {
		out[i] = rec.Clone()
	}
	return out
}

// Select returns copies of the records matching pred, in log order.
func (s *Store) Select(pred func(*message.Message) bool) []*message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*message.Message
	for _, rec := range s.records {
		if pred(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Oldest returns a copy of the earliest server-confirmed record, or nil.
// Provisional records are skipped since the server doesn't know them.
func (s *Store) Oldest() *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if !rec.IsProvisional() {
			return rec.Clone()
		}
	}
	return nil
}
