package mediacache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/syncerr"
)

const DefaultChunkSize = 64 * 1024

// ProgressFunc receives the integer download percentage after each chunk.
// It's only called when the server declared a total size.
type ProgressFunc func(percent int)

// Downloader streams attachments into the cache. Concurrent downloads of the
// same url aren't merged; callers can check InFlight first.
type Downloader struct {
	cache     *Cache
	client    *http.Client
	chunkSize int
	metrics   *Metrics
	log       zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]int
}

func NewDownloader(cache *Cache, client *http.Client, chunkSize int, metrics *Metrics, log zerolog.Logger) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Downloader{
		cache:     cache,
		client:    client,
		chunkSize: chunkSize,
		metrics:   metrics,
		log:       log.With().Str("component", "media_download").Logger(),
		inFlight:  make(map[string]int),
	}
}

// InFlight reports whether a download of url is running.
func (d *Downloader) InFlight(url string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight[url] > 0
}

func (d *Downloader) track(url string, delta int) {
	d.mu.Lock()
	d.inFlight[url] += delta
	if d.inFlight[url] <= 0 {
		delete(d.inFlight, url)
	}
	d.mu.Unlock()
}

// Download returns the blob for url, from the cache when present and
// otherwise by streaming it from the network and storing it. A failure
// discards everything received so far; nothing is retried. If only storing
// fails, the blob is still returned so it can be played right away.
func (d *Downloader) Download(ctx context.Context, url, owner string, progress ProgressFunc) (*Blob, error) {
	log := d.log.With().Str("url", url).Logger()
	if entry, err := d.cache.Get(ctx, url); err != nil {
		log.Warn().Err(err).Msg("Cache read failed, downloading instead")
	} else if entry != nil {
		return entry.Blob(), nil
	}

	d.track(url, 1)
	defer d.track(url, -1)

	blob, err := d.fetch(ctx, url, progress)
	if err != nil {
		d.metrics.download("error", 0)
		log.Warn().Err(err).Msg("Attachment download failed")
		return nil, err
	}
	d.metrics.download("ok", len(blob.Data))

	if err = d.cache.Put(ctx, url, blob, owner); err != nil {
		log.Err(err).Msg("Failed to store downloaded attachment, serving it uncached")
	} else {
		log.Debug().Int("size", len(blob.Data)).Str("mime_type", blob.MimeType).Msg("Cached attachment")
	}
	return blob, nil
}

func (d *Downloader) fetch(ctx context.Context, url string, progress ProgressFunc) (*Blob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, syncerr.Network("download", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, syncerr.Stream("download", ctx.Err())
		}
		return nil, syncerr.Network("download", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, syncerr.NetworkStatus("download", resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status))
	}

	total := resp.ContentLength
	var chunks [][]byte
	var received int64
	buf := make([]byte, d.chunkSize)
	for {
		n, readErr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			chunks = append(chunks, append([]byte(nil), buf[:n]...))
			received += int64(n)
			if progress != nil && total > 0 {
				progress(percent(received, total))
			}
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		} else if readErr != nil {
			return nil, syncerr.Stream("download", readErr)
		}
	}
	if total > 0 && received != total {
		return nil, syncerr.Stream("download", fmt.Errorf("got %d of %d bytes", received, total))
	}

	data := make([]byte, 0, received)
	for _, chunk := range chunks {
		data = append(data, chunk...)
	}
	return &Blob{Data: data, MimeType: mediaType(resp.Header.Get("Content-Type"), data)}, nil
}

func percent(received, total int64) int {
	p := int(received * 100 / total)
	if p > 100 {
		p = 100
	}
	return p
}

// mediaType prefers the declared type and sniffs the bytes when the server
// didn't say anything useful.
func mediaType(declared string, data []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	return mimetype.Detect(data).String()
}
