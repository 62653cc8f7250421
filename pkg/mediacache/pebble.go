package mediacache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	neturl "net/url"

	"github.com/cockroachdb/pebble"
)

// Key layout:
//
//	m/<url>                   JSON EntryInfo
//	d/<url>                   raw bytes
//	t/<downloadedAt>/<url>    ordering index, empty value
//	o/<owner>/<url>           per-message index, empty value
//
// The owner segment is path-escaped so an id containing a slash can't
// share a prefix with another owner's entries.
const (
	prefixMeta  = "m/"
	prefixData  = "d/"
	prefixTime  = "t/"
	prefixOwner = "o/"
)

// PebbleBackend keeps the cache in a pebble key-value store.
type PebbleBackend struct {
	db *pebble.DB
}

func OpenPebble(path string) (*PebbleBackend, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open media cache store: %w", err)
	}
	return &PebbleBackend{db: db}, nil
}

func (b *PebbleBackend) Name() string { return "pebble" }

func timeKey(info *EntryInfo) []byte {
	return []byte(prefixTime + formatTime(info.DownloadedAt) + "/" + info.SourceURL)
}

func ownerPrefix(owner string) string {
	return prefixOwner + neturl.PathEscape(owner) + "/"
}

func ownerKey(info *EntryInfo) []byte {
	return []byte(ownerPrefix(info.OwningMessageID) + info.SourceURL)
}

func (b *PebbleBackend) get(key []byte) ([]byte, bool, error) {
	val, closer, err := b.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	out := append([]byte{}, val...)
	_ = closer.Close()
	return out, true, nil
}

func (b *PebbleBackend) info(url string) (*EntryInfo, error) {
	raw, found, err := b.get([]byte(prefixMeta + url))
	if err != nil || !found {
		return nil, err
	}
	var info EntryInfo
	if err = json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("bad metadata for %s: %w", url, err)
	}
	return &info, nil
}

func (b *PebbleBackend) Get(_ context.Context, url string) (*Entry, error) {
	info, err := b.info(url)
	if err != nil || info == nil {
		return nil, err
	}
	data, found, err := b.get([]byte(prefixData + url))
	if err != nil {
		return nil, err
	} else if !found {
		// Metadata without bytes means a torn write; treat it as absent.
		return nil, nil
	}
	return &Entry{EntryInfo: *info, Data: data}, nil
}

func (b *PebbleBackend) Has(_ context.Context, url string) (bool, error) {
	_, found, err := b.get([]byte(prefixMeta + url))
	return found, err
}

func (b *PebbleBackend) Put(_ context.Context, e *Entry) error {
	meta, err := json.Marshal(&e.EntryInfo)
	if err != nil {
		return err
	}
	old, err := b.info(e.SourceURL)
	if err != nil {
		return err
	}
	batch := b.db.NewBatch()
	defer batch.Close()
	if old != nil {
		_ = batch.Delete(timeKey(old), nil)
		if old.OwningMessageID != "" {
			_ = batch.Delete(ownerKey(old), nil)
		}
	}
	_ = batch.Set([]byte(prefixMeta+e.SourceURL), meta, nil)
	_ = batch.Set([]byte(prefixData+e.SourceURL), e.Data, nil)
	_ = batch.Set(timeKey(&e.EntryInfo), nil, nil)
	if e.OwningMessageID != "" {
		_ = batch.Set(ownerKey(&e.EntryInfo), nil, nil)
	}
	return batch.Commit(pebble.Sync)
}

func (b *PebbleBackend) Delete(_ context.Context, url string) error {
	old, err := b.info(url)
	if err != nil || old == nil {
		return err
	}
	batch := b.db.NewBatch()
	defer batch.Close()
	_ = batch.Delete([]byte(prefixMeta+url), nil)
	_ = batch.Delete([]byte(prefixData+url), nil)
	_ = batch.Delete(timeKey(old), nil)
	if old.OwningMessageID != "" {
		_ = batch.Delete(ownerKey(old), nil)
	}
	return batch.Commit(pebble.Sync)
}

// List walks the time index (or the owner index) and loads each entry's
// metadata.
func (b *PebbleBackend) List(_ context.Context, owner string) ([]EntryInfo, error) {
	prefix := []byte(prefixTime)
	if owner != "" {
		prefix = []byte(ownerPrefix(owner))
	}
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []EntryInfo
	for iter.First(); iter.Valid(); iter.Next() {
		rest := string(iter.Key()[len(prefix):])
		url := rest
		if owner == "" {
			// Skip the fixed-width timestamp and its separator.
			url = rest[len(timeKeyLayout)+1:]
		}
		info, err := b.info(url)
		if err != nil {
			return nil, err
		} else if info != nil {
			out = append(out, *info)
		}
	}
	if err = iter.Error(); err != nil {
		return nil, err
	}
	if owner != "" {
		sortInfos(out)
	}
	return out, nil
}

// Clear removes the whole keyspace with one range deletion. The prefixes
// sort d < m < o < t, so [d/, t0) spans all of them.
func (b *PebbleBackend) Clear(_ context.Context) error {
	return b.db.DeleteRange([]byte(prefixData), prefixUpperBound([]byte(prefixTime)), pebble.Sync)
}

func (b *PebbleBackend) Close() error {
	return b.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
