package mediacache

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryBackend keeps entries for the life of the process only. It backs the
// cache when the durable store can't be opened.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*Entry)}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Get(_ context.Context, url string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[url]
	if !ok {
		return nil, nil
	}
	return &Entry{EntryInfo: e.EntryInfo, Data: bytes.Clone(e.Data)}, nil
}

func (b *MemoryBackend) Has(_ context.Context, url string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[url]
	return ok, nil
}

func (b *MemoryBackend) Put(_ context.Context, e *Entry) error {
	b.mu.Lock()
	b.entries[e.SourceURL] = &Entry{EntryInfo: e.EntryInfo, Data: bytes.Clone(e.Data)}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, url string) error {
	b.mu.Lock()
	delete(b.entries, url)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) List(_ context.Context, owner string) ([]EntryInfo, error) {
	b.mu.Lock()
	var out []EntryInfo
	for _, e := range b.entries {
		if owner == "" || e.OwningMessageID == owner {
			out = append(out, e.EntryInfo)
		}
	}
	b.mu.Unlock()
	sortInfos(out)
	return out, nil
}

func (b *MemoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	b.entries = make(map[string]*Entry)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

func sortInfos(infos []EntryInfo) {
	slices.SortFunc(infos, func(a, b EntryInfo) int {
		if c := a.DownloadedAt.Compare(b.DownloadedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SourceURL, b.SourceURL)
	})
}
