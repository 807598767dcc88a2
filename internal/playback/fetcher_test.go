package playback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/genflow/internal/mediacache"
	"github.com/ChuLiYu/genflow/pkg/types"
)

type slowDownloader struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (d *slowDownloader) Download(ctx context.Context, rawURL string) ([]byte, error) {
	d.calls.Add(1)
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	return []byte("bytes:" + rawURL), nil
}

func newFetcher(t *testing.T, dl Downloader) (*Fetcher, *mediacache.FileCache) {
	t.Helper()
	dir := t.TempDir()
	files, err := mediacache.NewFileCache(filepath.Join(dir, "media"))
	require.NoError(t, err)
	previews, err := mediacache.OpenPreviewCache(context.Background(), filepath.Join(dir, "previews.db"), mediacache.DefaultTTL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = previews.Close() })
	return New(files, previews, dl, zerolog.Nop()), files
}

func TestVideoReadThrough(t *testing.T) {
	dl := &slowDownloader{}
	f, files := newFetcher(t, dl)
	const u = "https://cdn.example.com/v/1001.mp4"

	p, err := f.Video(context.Background(), u)
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "bytes:"+u, string(data))

	cached, ok := files.Get(u)
	require.True(t, ok)
	assert.Equal(t, p, cached)

	_, err = f.Video(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, int32(1), dl.calls.Load(), "second read is a cache hit")
}

func TestVideoConcurrentMissesShareDownload(t *testing.T) {
	dl := &slowDownloader{delay: 50 * time.Millisecond}
	f, _ := newFetcher(t, dl)

	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.Video(context.Background(), "https://cdn.example.com/v/9.mp4")
			assert.NoError(t, err)
			paths[i] = p
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), dl.calls.Load())
	for _, p := range paths {
		assert.Equal(t, paths[0], p)
	}
}

func TestVideoDownloadErrorNotCached(t *testing.T) {
	boom := errors.New("boom")
	dl := &slowDownloader{err: boom}
	f, files := newFetcher(t, dl)

	_, err := f.Video(context.Background(), "https://cdn.example.com/v/1.mp4")
	assert.ErrorIs(t, err, boom)
	_, ok := files.Get("https://cdn.example.com/v/1.mp4")
	assert.False(t, ok)

	_, err = f.Video(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrNoURL)
}

func TestVideoCallerCancellation(t *testing.T) {
	dl := &slowDownloader{delay: 200 * time.Millisecond}
	f, files := newFetcher(t, dl)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Video(ctx, "https://cdn.example.com/v/2.mp4")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the detached download still lands in the cache
	assert.Eventually(t, func() bool {
		_, ok := files.Get("https://cdn.example.com/v/2.mp4")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPreviewPrefersSmallRendition(t *testing.T) {
	dl := &slowDownloader{}
	f, _ := newFetcher(t, dl)
	effect := types.Effect{ID: 3, Title: "Kiss", Preview: "https://x/kiss.mp4", PreviewSmall: "https://x/kiss_s.mp4"}

	data, err := f.Preview(context.Background(), effect)
	require.NoError(t, err)
	assert.Equal(t, "bytes:https://x/kiss_s.mp4", string(data))

	_, err = f.Preview(context.Background(), effect)
	require.NoError(t, err)
	assert.Equal(t, int32(1), dl.calls.Load())

	_, err = f.Preview(context.Background(), types.Effect{ID: 4})
	assert.ErrorIs(t, err, ErrNoURL)
}
