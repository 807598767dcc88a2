package mediacache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	genlog "github.com/ChuLiYu/genflow/internal/log"
	"github.com/ChuLiYu/genflow/pkg/types"
)

// PreviewEntry is a cached effect preview with its catalog metadata.
type PreviewEntry struct {
	EffectID     int
	Title        string
	PreviewURL   string
	Data         []byte
	LastAccessed time.Time
	CreatedAt    time.Time
}

// PreviewCache stores effect preview clips in SQLite.
type PreviewCache struct {
	db *sql.DB
	o  options
}

const previewSchema = `
CREATE TABLE IF NOT EXISTS effect_previews (
	effect_id     INTEGER PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	preview_url   TEXT NOT NULL DEFAULT '',
	data          BLOB NOT NULL,
	last_accessed INTEGER NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_effect_previews_last_accessed ON effect_previews(last_accessed);
`

// OpenPreviewCache opens (or creates) the database at dbPath and drops
// entries not accessed within ttl. A non-positive ttl skips the sweep.
func OpenPreviewCache(ctx context.Context, dbPath string, ttl time.Duration, opts ...Option) (*PreviewCache, error) {
	// pragmas in the DSN apply to every pooled connection
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("mediacache: open preview db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mediacache: ping preview db: %w", err)
	}
	if _, err := db.ExecContext(ctx, previewSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mediacache: migrate preview db: %w", err)
	}

	pc := &PreviewCache{db: db, o: buildOptions(opts)}
	if ttl > 0 {
		if _, err := pc.EvictOlderThan(ctx, ttl); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return pc, nil
}

func (p *PreviewCache) Close() error { return p.db.Close() }

func (p *PreviewCache) nowMillis() int64 { return p.o.now().UnixMilli() }

// Get returns the preview bytes for effectID and refreshes its access time.
func (p *PreviewCache) Get(ctx context.Context, effectID int) ([]byte, bool, error) {
	entry, ok, err := p.Entry(ctx, effectID)
	if err != nil || !ok {
		return nil, ok, err
	}
	return entry.Data, true, nil
}

// Entry is Get with metadata.
func (p *PreviewCache) Entry(ctx context.Context, effectID int) (PreviewEntry, bool, error) {
	now := p.nowMillis()
	res, err := p.db.ExecContext(ctx, `UPDATE effect_previews SET last_accessed = ? WHERE effect_id = ?`, now, effectID)
	if err != nil {
		return PreviewEntry{}, false, fmt.Errorf("mediacache: touch preview %d: %w", effectID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		p.o.observer.CacheMiss(TierPreview)
		return PreviewEntry{}, false, nil
	}

	var e PreviewEntry
	var accessed, created int64
	err = p.db.QueryRowContext(ctx,
		`SELECT effect_id, title, preview_url, data, last_accessed, created_at FROM effect_previews WHERE effect_id = ?`,
		effectID,
	).Scan(&e.EffectID, &e.Title, &e.PreviewURL, &e.Data, &accessed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		// evicted between the two statements
		p.o.observer.CacheMiss(TierPreview)
		return PreviewEntry{}, false, nil
	}
	if err != nil {
		return PreviewEntry{}, false, fmt.Errorf("mediacache: read preview %d: %w", effectID, err)
	}
	e.LastAccessed = time.UnixMilli(accessed)
	e.CreatedAt = time.UnixMilli(created)
	p.o.observer.CacheHit(TierPreview)
	return e, true, nil
}

// Put stores (or replaces) the preview for effect.
func (p *PreviewCache) Put(ctx context.Context, effect types.Effect, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyMedia
	}
	now := p.nowMillis()
	_, err := p.db.ExecContext(ctx, `
	INSERT INTO effect_previews (effect_id, title, preview_url, data, last_accessed, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(effect_id) DO UPDATE SET
		title = excluded.title,
		preview_url = excluded.preview_url,
		data = excluded.data,
		last_accessed = excluded.last_accessed
	`, effect.ID, effect.Title, effect.Preview, data, now, now)
	if err != nil {
		return fmt.Errorf("mediacache: put preview %d: %w", effect.ID, err)
	}
	p.o.logger.Debug().Int(genlog.FieldEffectID, effect.ID).Int("bytes", len(data)).Msg("preview cached")
	return nil
}

// EvictOlderThan drops previews not accessed within maxAge.
func (p *PreviewCache) EvictOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := p.o.now().Add(-maxAge).UnixMilli()
	res, err := p.db.ExecContext(ctx, `DELETE FROM effect_previews WHERE last_accessed < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mediacache: evict previews: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		p.o.observer.CacheEvicted(TierPreview, int(n))
		p.o.logger.Info().Int64("previews", n).Dur("max_age", maxAge).Msg("preview cache evicted")
	}
	return int(n), nil
}

// Delete drops one preview.
func (p *PreviewCache) Delete(ctx context.Context, effectID int) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM effect_previews WHERE effect_id = ?`, effectID)
	if err != nil {
		return false, fmt.Errorf("mediacache: delete preview %d: %w", effectID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Clear drops every preview.
func (p *PreviewCache) Clear(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM effect_previews`)
	if err != nil {
		return 0, fmt.Errorf("mediacache: clear previews: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Len counts cached previews.
func (p *PreviewCache) Len(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM effect_previews`).Scan(&n); err != nil {
		return 0, fmt.Errorf("mediacache: count previews: %w", err)
	}
	return n, nil
}
