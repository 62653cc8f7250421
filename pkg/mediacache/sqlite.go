package mediacache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS media_cache (
	source_url        TEXT PRIMARY KEY,
	data              BLOB NOT NULL,
	mime_type         TEXT NOT NULL DEFAULT '',
	owning_message_id TEXT NOT NULL DEFAULT '',
	downloaded_at     TEXT NOT NULL,
	size_bytes        BIGINT NOT NULL
)`

var sqliteIndexes = []string{
	`CREATE INDEX IF NOT EXISTS media_cache_downloaded_at_idx ON media_cache (downloaded_at)`,
	`CREATE INDEX IF NOT EXISTS media_cache_owner_idx ON media_cache (owning_message_id, downloaded_at)`,
}

// SQLiteBackend keeps the cache in a single sqlite table.
type SQLiteBackend struct {
	db *dbutil.Database
}

// OpenSQLite opens (creating if needed) the cache database at path.
func OpenSQLite(ctx context.Context, path string, log zerolog.Logger) (*SQLiteBackend, error) {
	uri := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open media cache database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "media_cache").Logger())
	b := &SQLiteBackend{db: db}
	if err = b.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) ensureSchema(ctx context.Context) error {
	queries := append([]string{sqliteSchema}, sqliteIndexes...)
	for _, query := range queries {
		if _, err := b.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure media cache schema: %w", err)
		}
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, url string) (*Entry, error) {
	var e Entry
	var downloadedAt string
	err := b.db.QueryRow(ctx, `
		SELECT source_url, data, mime_type, owning_message_id, downloaded_at, size_bytes
		FROM media_cache WHERE source_url=$1
	`, url).Scan(&e.SourceURL, &e.Data, &e.MimeType, &e.OwningMessageID, &downloadedAt, &e.SizeBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if e.DownloadedAt, err = parseTime(downloadedAt); err != nil {
		return nil, fmt.Errorf("bad downloaded_at for %s: %w", url, err)
	}
	return &e, nil
}

func (b *SQLiteBackend) Has(ctx context.Context, url string) (bool, error) {
	var count int
	err := b.db.QueryRow(ctx, `SELECT COUNT(*) FROM media_cache WHERE source_url=$1`, url).Scan(&count)
	return count > 0, err
}

func (b *SQLiteBackend) Put(ctx context.Context, e *Entry) error {
	data := e.Data
	if data == nil {
		data = []byte{}
	}
	_, err := b.db.Exec(ctx, `
		INSERT INTO media_cache (source_url, data, mime_type, owning_message_id, downloaded_at, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_url) DO UPDATE SET
			data=excluded.data,
			mime_type=excluded.mime_type,
			owning_message_id=excluded.owning_message_id,
			downloaded_at=excluded.downloaded_at,
			size_bytes=excluded.size_bytes
	`, e.SourceURL, data, e.MimeType, e.OwningMessageID, formatTime(e.DownloadedAt), e.SizeBytes)
	return err
}

func (b *SQLiteBackend) Delete(ctx context.Context, url string) error {
	_, err := b.db.Exec(ctx, `DELETE FROM media_cache WHERE source_url=$1`, url)
	return err
}

func (b *SQLiteBackend) List(ctx context.Context, owner string) ([]EntryInfo, error) {
	const columns = `SELECT source_url, mime_type, owning_message_id, downloaded_at, size_bytes FROM media_cache`
	var rows dbutil.Rows
	var err error
	if owner == "" {
		rows, err = b.db.Query(ctx, columns+` ORDER BY downloaded_at, source_url`)
	} else {
		rows, err = b.db.Query(ctx, columns+` WHERE owning_message_id=$1 ORDER BY downloaded_at, source_url`, owner)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EntryInfo
	for rows.Next() {
		var info EntryInfo
		var downloadedAt string
		if err := rows.Scan(&info.SourceURL, &info.MimeType, &info.OwningMessageID, &downloadedAt, &info.SizeBytes); err != nil {
			return nil, err
		}
		if info.DownloadedAt, err = parseTime(downloadedAt); err != nil {
			return nil, fmt.Errorf("bad downloaded_at for %s: %w", info.SourceURL, err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Clear drops and recreates the table.
func (b *SQLiteBackend) Clear(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, `DROP TABLE IF EXISTS media_cache`); err != nil {
		return fmt.Errorf("failed to drop media cache table: %w", err)
	}
	return b.ensureSchema(ctx)
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
