package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileTail follows a JSONL file of events, one {"name", "payload"} object
// per line, yielding lines as they're appended. A file replaced by a new one
// (log rotation) is reopened from the start.
type FileTail struct {
	path    string
	watcher *fsnotify.Watcher
	log     zerolog.Logger

	file    *os.File
	reader  *bufio.Reader
	partial []byte
}

// OpenFileTail starts following path. With fromStart the existing contents
// are replayed first; otherwise only lines appended from now on are read.
// The file doesn't need to exist yet.
func OpenFileTail(path string, fromStart bool, log zerolog.Logger) (*FileTail, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory so creation and rotation are seen too.
	if err = watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	t := &FileTail{
		path:    abs,
		watcher: watcher,
		log:     log.With().Str("component", "file_tail").Str("path", abs).Logger(),
	}
	if err = t.open(fromStart); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return t, nil
}

func (t *FileTail) open(fromStart bool) error {
	if t.file != nil {
		_ = t.file.Close()
		t.file, t.reader, t.partial = nil, nil, nil
	}
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	if !fromStart {
		if _, err = f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return err
		}
	}
	t.file = f
	t.reader = bufio.NewReader(f)
	return nil
}

// Next returns the next complete line as an event. Lines that aren't valid
// events are logged and skipped.
func (t *FileTail) Next(ctx context.Context) (Event, error) {
	for {
		if t.reader != nil {
			line, err := t.reader.ReadBytes('\n')
			if err == nil {
				if len(t.partial) > 0 {
					line = append(t.partial, line...)
					t.partial = nil
				}
				line = bytes.TrimSpace(line)
				if len(line) == 0 {
					continue
				}
				var ev Event
				if err = json.Unmarshal(line, &ev); err != nil || ev.Name == "" {
					t.log.Warn().Err(err).Bytes("line", line).Msg("Skipping malformed event line")
					continue
				}
				return ev, nil
			} else if !errors.Is(err, io.EOF) {
				return Event{}, err
			}
			// Keep the unterminated tail until the writer finishes the line.
			t.partial = append(t.partial, line...)
		}
		if err := t.wait(ctx); err != nil {
			return Event{}, err
		}
	}
}

func (t *FileTail) wait(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return io.EOF
			}
			if ev.Name != t.path {
				continue
			}
			if ev.Has(fsnotify.Create) {
				t.log.Debug().Msg("Event log created or rotated, reopening")
				return t.open(true)
			}
			if ev.Has(fsnotify.Write) {
				return nil
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return io.EOF
			}
			t.log.Warn().Err(err).Msg("File watcher error")
		}
	}
}

func (t *FileTail) Close() error {
	err := t.watcher.Close()
	if t.file != nil {
		_ = t.file.Close()
	}
	return err
}

// AppendEvent writes ev as one line to the JSONL file at path.
func AppendEvent(path string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err = f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
