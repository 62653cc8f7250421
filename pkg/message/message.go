// chatsync - Message synchronization and media cache engine for team chat.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package message holds the data model shared by the sync engine: messages,
// attachments, delivery status and reaction sets.
package message

import (
	"slices"
	"time"
)

// DefaultEditedThreshold is the updatedAt/createdAt gap above which a message
// is shown as edited. Messages touched by a status change a few hundred
// milliseconds after creation can land on either side of it.
const DefaultEditedThreshold = time.Second

// ReplyRef points at another message, optionally at one of its attachments.
type ReplyRef struct {
	MessageID       string `json:"messageId"`
	AttachmentIndex *int   `json:"attachmentIndex,omitempty"`
}

func (r *ReplyRef) Clone() *ReplyRef {
	if r == nil {
		return nil
	}
	out := *r
	if r.AttachmentIndex != nil {
		idx := *r.AttachmentIndex
		out.AttachmentIndex = &idx
	}
	return &out
}

type Attachment struct {
	SourceURL   string      `json:"sourceUrl"`
	DisplayName string      `json:"displayName,omitempty"`
	MimeType    string      `json:"mimeType,omitempty"`
	Reactions   ReactionSet `json:"reactions,omitempty"`
}

func (a Attachment) Clone() Attachment {
	a.Reactions = a.Reactions.Clone()
	return a
}

// Message is one record of a conversation log. Before the server confirms a
// local send, ID is empty and ProvisionalID identifies the record.
type Message struct {
	ID              string       `json:"id,omitempty"`
	ProvisionalID   string       `json:"provisionalId,omitempty"`
	ConversationRef string       `json:"conversationRef"`
	SenderID        string       `json:"senderId"`
	Content         string       `json:"content"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	Reactions       ReactionSet  `json:"reactions,omitempty"`
	Status          Status       `json:"status,omitempty"`
	SeenBy          UserSet      `json:"seenBy,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
	ReplyRef        *ReplyRef    `json:"replyRef,omitempty"`
}

// Key returns the identity the message is stored under: the server id when
// known, the provisional id otherwise.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ProvisionalID
}

// IsProvisional reports whether the record is still waiting for its server
// counterpart.
func (m *Message) IsProvisional() bool {
	return m.ID == "" && m.ProvisionalID != ""
}

// IsEdited applies the updatedAt/createdAt gap heuristic.
func (m *Message) IsEdited(threshold time.Duration) bool {
	if m.UpdatedAt.IsZero() || m.CreatedAt.IsZero() {
		return false
	}
	return m.UpdatedAt.Sub(m.CreatedAt) > threshold
}

// Clone returns a deep copy so callers can't mutate store-owned state.
func (m *Message) Clone() *Message {
	out := *m
	if m.Attachments != nil {
		out.Attachments = make([]Attachment, len(m.Attachments))
		for i, att := range m.Attachments {
			out.Attachments[i] = att.Clone()
		}
	}
	out.Reactions = m.Reactions.Clone()
	out.SeenBy = m.SeenBy.Clone()
	out.ReplyRef = m.ReplyRef.Clone()
	return &out
}

// Less orders messages by creation time, breaking ties by key.
func Less(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Key() < b.Key()
}

// Compare is Less in the form slices.SortFunc wants.
func Compare(a, b *Message) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	default:
		return 0
	}
}

// Sort orders msgs in place by creation time.
func Sort(msgs []*Message) {
	slices.SortStableFunc(msgs, Compare)
}

// CloneAttachments deep-copies an attachment list.
func CloneAttachments(atts []Attachment) []Attachment {
	if atts == nil {
		return nil
	}
	out := make([]Attachment, len(atts))
	for i, att := range atts {
		out[i] = att.Clone()
	}
	return out
}
