package mediacache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNotCached = errors.New("media not cached")

// Handle is a process-local URL a media player can open.
type Handle struct {
	SourceURL string
	URL       string
	MimeType  string

	path string
}

// Registry hands out at most one playable handle per source url. Each handle
// is a private temp file shared by every holder; it is counted per Acquire
// and lives until the matching number of Release calls, or until a forced
// Revoke.
type Registry struct {
	cache   *Cache
	dir     string
	metrics *Metrics
	log     zerolog.Logger

	mu      sync.Mutex
	handles map[string]*handleRef
}

type handleRef struct {
	handle *Handle
	refs   int
}

// NewRegistry creates a registry writing handle files under dir. An empty
// dir uses the system temp directory.
func NewRegistry(cache *Cache, dir string, metrics *Metrics, log zerolog.Logger) *Registry {
	return &Registry{
		cache:   cache,
		dir:     dir,
		metrics: metrics,
		log:     log.With().Str("component", "media_handles").Logger(),
		handles: make(map[string]*handleRef),
	}
}

// Acquire returns the existing handle for sourceURL or creates one from the
// cached bytes, taking one reference either way. It never touches the
// network.
func (r *Registry) Acquire(ctx context.Context, sourceURL string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.handles[sourceURL]; ok {
		ref.refs++
		return ref.handle, nil
	}
	entry, err := r.cache.Get(ctx, sourceURL)
	if err != nil {
		return nil, err
	} else if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, sourceURL)
	}
	return r.createLocked(sourceURL, entry.Blob())
}

// acquireBlob installs a handle for bytes the caller already holds, used
// when a download succeeded but couldn't be stored.
func (r *Registry) acquireBlob(sourceURL string, blob *Blob) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.handles[sourceURL]; ok {
		ref.refs++
		return ref.handle, nil
	}
	return r.createLocked(sourceURL, blob)
}

func (r *Registry) createLocked(sourceURL string, blob *Blob) (*Handle, error) {
	f, err := os.CreateTemp(r.dir, "chatsync-media-"+uuid.NewString()+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create media handle: %w", err)
	}
	path := f.Name()
	_, err = f.Write(blob.Data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write media handle: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	h := &Handle{
		SourceURL: sourceURL,
		URL:       (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(),
		MimeType:  blob.MimeType,
		path:      path,
	}
	r.handles[sourceURL] = &handleRef{handle: h, refs: 1}
	r.metrics.handles(len(r.handles))
	r.log.Debug().Str("url", sourceURL).Str("handle", h.URL).Msg("Created playable handle")
	return h, nil
}

// Has reports whether a handle for sourceURL is live.
func (r *Registry) Has(sourceURL string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[sourceURL]
	return ok
}

// Refs is the number of outstanding references to the handle for sourceURL.
func (r *Registry) Refs(sourceURL string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.handles[sourceURL]; ok {
		return ref.refs
	}
	return 0
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Release drops one reference to the handle for sourceURL and revokes it
// when none are left. The cache entry stays.
func (r *Registry) Release(sourceURL string) {
	r.release(sourceURL, nil)
}

// ReleaseHandle is Release for a specific handle. It does nothing when h was
// already revoked, so a stale holder can't drop a newer handle's reference.
func (r *Registry) ReleaseHandle(h *Handle) {
	if h != nil {
		r.release(h.SourceURL, h)
	}
}

func (r *Registry) release(sourceURL string, h *Handle) {
	r.mu.Lock()
	ref, ok := r.handles[sourceURL]
	if !ok || (h != nil && ref.handle != h) {
		r.mu.Unlock()
		return
	}
	ref.refs--
	if ref.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.handles, sourceURL)
	r.metrics.handles(len(r.handles))
	r.mu.Unlock()
	r.revoke(ref.handle)
}

// Revoke removes the handle for sourceURL regardless of its holders, for
// media that no longer exists.
func (r *Registry) Revoke(sourceURL string) {
	r.mu.Lock()
	ref, ok := r.handles[sourceURL]
	if ok {
		delete(r.handles, sourceURL)
		r.metrics.handles(len(r.handles))
	}
	r.mu.Unlock()
	if ok {
		r.revoke(ref.handle)
	}
}

// ReleaseAll revokes every handle.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*handleRef)
	r.metrics.handles(0)
	r.mu.Unlock()
	for _, ref := range handles {
		r.revoke(ref.handle)
	}
}

func (r *Registry) revoke(h *Handle) {
	if err := os.Remove(h.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.Warn().Err(err).Str("url", h.SourceURL).Msg("Failed to remove playable handle")
	}
}
