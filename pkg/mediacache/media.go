package mediacache

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
)

// Media ties the cache, downloader and handle registry together. One Media
// is shared by every conversation of a session.
type Media struct {
	Cache      *Cache
	Downloader *Downloader
	Handles    *Registry
	log        zerolog.Logger
}

type MediaOptions struct {
	Client    *http.Client
	ChunkSize int
	HandleDir string
	Metrics   *Metrics
}

func NewMedia(cache *Cache, opts MediaOptions, log zerolog.Logger) *Media {
	return &Media{
		Cache:      cache,
		Downloader: NewDownloader(cache, opts.Client, opts.ChunkSize, opts.Metrics, log),
		Handles:    NewRegistry(cache, opts.HandleDir, opts.Metrics, log),
		log:        log,
	}
}

// Play returns a playable handle for url and takes one reference on it,
// which the caller gives back with Handles.Release. Cached media needs no
// network; anything else is downloaded first.
func (m *Media) Play(ctx context.Context, url, owner string, progress ProgressFunc) (*Handle, error) {
	h, err := m.Handles.Acquire(ctx, url)
	if err == nil {
		return h, nil
	} else if !errors.Is(err, ErrNotCached) {
		m.log.Warn().Err(err).Str("url", url).Msg("Couldn't use cached media, downloading instead")
	}
	blob, err := m.Downloader.Download(ctx, url, owner, progress)
	if err != nil {
		return nil, err
	}
	if m.Cache.IsCached(ctx, url) {
		return m.Handles.Acquire(ctx, url)
	}
	// Storing failed; play from the bytes we have.
	return m.Handles.acquireBlob(url, blob)
}

// Delete revokes any handle for url, whoever holds it, and removes it from
// the cache.
func (m *Media) Delete(ctx context.Context, url string) error {
	m.Handles.Revoke(url)
	return m.Cache.Delete(ctx, url)
}

// ClearAll revokes every handle and empties the cache.
func (m *Media) ClearAll(ctx context.Context) error {
	m.Handles.ReleaseAll()
	return m.Cache.ClearAll(ctx)
}

func (m *Media) Close() error {
	m.Handles.ReleaseAll()
	return m.Cache.Close()
}
