package mediacache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	genlog "github.com/ChuLiYu/genflow/internal/log"
)

var ErrEmptyMedia = errors.New("mediacache: empty media")

const maxNameLen = 64

// FileCache stores one file per remote URL under dir. Writes are published
// atomically so a reader never sees a partial file.
type FileCache struct {
	dir string
	mu  sync.Mutex // serialises publish/delete/evict against each other
	o   options
}

// NewFileCache creates dir if needed.
func NewFileCache(dir string, opts ...Option) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mediacache: create %s: %w", dir, err)
	}
	return &FileCache{dir: dir, o: buildOptions(opts)}, nil
}

// Dir returns the cache directory.
func (c *FileCache) Dir() string { return c.dir }

// canonicalURL drops query and fragment and lowercases scheme and host, so
// re-signed links to the same object share one entry.
func canonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.EscapedPath()
}

// Key returns the file name used for rawURL: a digest of the canonical URL
// followed by the URL's last path component.
func Key(rawURL string) string {
	canon := canonicalURL(rawURL)
	sum := sha256.Sum256([]byte(canon))
	digest := hex.EncodeToString(sum[:8])

	base := ""
	if u, err := url.Parse(canon); err == nil {
		base = path.Base(u.Path)
	}
	base = sanitize(base)
	if base == "" || base == "." || base == "/" {
		return digest
	}
	return digest + "-" + base
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.TrimLeft(b.String(), ".")
	if len(s) > maxNameLen {
		s = s[len(s)-maxNameLen:]
	}
	return s
}

func (c *FileCache) pathFor(rawURL string) string {
	return filepath.Join(c.dir, Key(rawURL))
}

// Get returns the local path for rawURL. A hit refreshes the entry's
// modification time, which is what eviction measures.
func (c *FileCache) Get(rawURL string) (string, bool) {
	p := c.pathFor(rawURL)
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		c.o.observer.CacheMiss(TierFile)
		return "", false
	}
	now := c.o.now()
	if err := os.Chtimes(p, now, now); err != nil {
		c.o.logger.Debug().Err(err).Str(genlog.FieldPath, p).Msg("refresh mtime failed")
	}
	c.o.observer.CacheHit(TierFile)
	return p, true
}

// Put publishes data for rawURL and returns its path.
func (c *FileCache) Put(rawURL string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyMedia
	}
	p := c.pathFor(rawURL)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := renameio.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("mediacache: publish %s: %w", p, err)
	}
	now := c.o.now()
	if err := os.Chtimes(p, now, now); err != nil {
		c.o.logger.Debug().Err(err).Str(genlog.FieldPath, p).Msg("stamp mtime failed")
	}
	c.o.logger.Debug().Str(genlog.FieldURL, rawURL).Str(genlog.FieldPath, p).Int("bytes", len(data)).Msg("media cached")
	return p, nil
}

// Delete removes the entry for rawURL.
func (c *FileCache) Delete(rawURL string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := os.Remove(c.pathFor(rawURL))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mediacache: delete: %w", err)
	}
	return true, nil
}

// Clear removes every cached file.
func (c *FileCache) Clear() (int, error) {
	return c.evict(func(fs.FileInfo) bool { return true })
}

// EvictOlderThan removes files not accessed within maxAge.
func (c *FileCache) EvictOlderThan(maxAge time.Duration) (int, error) {
	cutoff := c.o.now().Add(-maxAge)
	return c.evict(func(info fs.FileInfo) bool { return info.ModTime().Before(cutoff) })
}

func (c *FileCache) evict(match func(fs.FileInfo) bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("mediacache: list %s: %w", c.dir, err)
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !match(info) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		c.o.observer.CacheEvicted(TierFile, removed)
		c.o.logger.Info().Int("files", removed).Msg("file cache evicted")
	}
	return removed, errors.Join(errs...)
}

// Usage reports file count and total bytes.
func (c *FileCache) Usage() (files int, bytes int64, err error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if info, err := e.Info(); err == nil {
			files++
			bytes += info.Size()
		}
	}
	return files, bytes, nil
}
