// chatsync - Message synchronization and media cache engine for team chat.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package mediacache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/syncerr"
)

// Cache is the durable store of downloaded attachments. Every backend error
// comes back as a storage error. There is no eviction; entries stay until
// deleted or cleared.
type Cache struct {
	backend Backend
	metrics *Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewCache(backend Backend, metrics *Metrics, log zerolog.Logger) *Cache {
	return &Cache{
		backend: backend,
		metrics: metrics,
		log:     log.With().Str("component", "media_cache").Str("backend", backend.Name()).Logger(),
		now:     time.Now,
	}
}

// SetClock overrides time.Now for download timestamps.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Degraded is true when the cache only lives in memory.
func (c *Cache) Degraded() bool {
	_, ok := c.backend.(*MemoryBackend)
	return ok
}

func (c *Cache) Backend() string {
	return c.backend.Name()
}

func (c *Cache) IsCached(ctx context.Context, url string) bool {
	ok, err := c.backend.Has(ctx, url)
	if err != nil {
		c.log.Warn().Err(syncerr.Storage("isCached", err)).Str("url", url).Msg("Cache lookup failed")
		return false
	}
	return ok
}

// Get returns the cached entry for url, or nil when it isn't cached.
func (c *Cache) Get(ctx context.Context, url string) (*Entry, error) {
	e, err := c.backend.Get(ctx, url)
	if err != nil {
		return nil, syncerr.Storage("get", err)
	}
	c.metrics.lookup(e != nil)
	return e, nil
}

// Put stores a complete blob under url, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, url string, blob *Blob, owner string) error {
	e := &Entry{
		EntryInfo: EntryInfo{
			SourceURL:       url,
			MimeType:        blob.MimeType,
			OwningMessageID: owner,
			DownloadedAt:    c.now().UTC(),
			SizeBytes:       int64(len(blob.Data)),
		},
		Data: blob.Data,
	}
	if err := c.backend.Put(ctx, e); err != nil {
		return syncerr.Storage("put", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, url string) error {
	if err := c.backend.Delete(ctx, url); err != nil {
		return syncerr.Storage("delete", err)
	}
	return nil
}

// ListAll returns metadata for every entry, oldest download first.
func (c *Cache) ListAll(ctx context.Context) ([]EntryInfo, error) {
	infos, err := c.backend.List(ctx, "")
	if err != nil {
		return nil, syncerr.Storage("listAll", err)
	}
	return infos, nil
}

func (c *Cache) ListByMessage(ctx context.Context, messageID string) ([]EntryInfo, error) {
	if messageID == "" {
		return nil, nil
	}
	infos, err := c.backend.List(ctx, messageID)
	if err != nil {
		return nil, syncerr.Storage("listByMessage", err)
	}
	return infos, nil
}

// Stats scans every entry. Cost grows with the cache size.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	infos, err := c.backend.List(ctx, "")
	if err != nil {
		return Stats{}, syncerr.Storage("stats", err)
	}
	var s Stats
	for _, info := range infos {
		s.Count++
		s.TotalBytes += info.SizeBytes
	}
	return s, nil
}

// ClearAll drops every entry. Callers holding playable handles must release
// them first; Media.ClearAll does that.
func (c *Cache) ClearAll(ctx context.Context) error {
	if err := c.backend.Clear(ctx); err != nil {
		return syncerr.Storage("clearAll", err)
	}
	c.log.Info().Msg("Cleared media cache")
	return nil
}

func (c *Cache) Close() error {
	return c.backend.Close()
}

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
	DriverMemory = "memory"
)

// OpenBackend opens the durable backend named by driver under dir.
func OpenBackend(ctx context.Context, driver, dir string, log zerolog.Logger) (Backend, error) {
	if driver != DriverMemory {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	switch driver {
	case "", DriverSQLite:
		return OpenSQLite(ctx, filepath.Join(dir, "media-cache.db"), log)
	case DriverPebble:
		return OpenPebble(filepath.Join(dir, "media-cache"))
	case DriverMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownDriver, driver)
	}
}

var ErrUnknownDriver = errors.New("unknown media cache driver")

// Open opens the configured backend. If the durable store can't be opened
// the cache falls back to memory: downloads still work but nothing
// persists. The returned error is the storage error that caused the
// fallback, for display; the cache is usable either way.
func Open(ctx context.Context, driver, dir string, metrics *Metrics, log zerolog.Logger) (*Cache, error) {
	backend, err := OpenBackend(ctx, driver, dir, log)
	if err != nil {
		err = syncerr.Storage("open", err)
		log.Err(err).Str("driver", driver).Msg("Media cache unavailable, continuing without local cache")
		return NewCache(NewMemoryBackend(), metrics, log), err
	}
	return NewCache(backend, metrics, log), nil
}
