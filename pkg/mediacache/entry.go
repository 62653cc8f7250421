// chatsync - Message synchronization and media cache engine for team chat.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package mediacache stores downloaded attachment bytes durably, streams new
// downloads into it and hands out playable handles for cached media.
package mediacache

import (
	"context"
	"time"
)

// Blob is a complete downloaded attachment.
type Blob struct {
	Data     []byte
	MimeType string
}

// EntryInfo is the metadata of a cache entry, without its bytes.
type EntryInfo struct {
	SourceURL       string    `json:"sourceUrl"`
	MimeType        string    `json:"mimeType"`
	OwningMessageID string    `json:"owningMessageId,omitempty"`
	DownloadedAt    time.Time `json:"downloadedAt"`
	SizeBytes       int64     `json:"sizeBytes"`
}

// Entry is one cached attachment. Entries are written once and never
// modified in place.
type Entry struct {
	EntryInfo
	Data []byte
}

func (e *Entry) Blob() *Blob {
	return &Blob{Data: e.Data, MimeType: e.MimeType}
}

type Stats struct {
	Count      int   `json:"count"`
	TotalBytes int64 `json:"totalBytes"`
}

// Backend is a key-value store of cache entries keyed by source URL.
type Backend interface {
	// Get returns nil without error when url isn't cached.
	Get(ctx context.Context, url string) (*Entry, error)
	Has(ctx context.Context, url string) (bool, error)
	// Put inserts or replaces the entry for entry.SourceURL.
	Put(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, url string) error
	// List returns metadata ordered by download time. A non-empty owner
	// restricts the result to one message.
	List(ctx context.Context, owner string) ([]EntryInfo, error)
	// Clear drops every entry.
	Clear(ctx context.Context) error
	Close() error
	Name() string
}

// timeKeyLayout is fixed width so lexical order matches time order.
const timeKeyLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeKeyLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeKeyLayout, s)
}
