// Package playback resolves media for playback: cache first, network on a
// miss, with concurrent misses for the same object sharing one download.
package playback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	genlog "github.com/ChuLiYu/genflow/internal/log"
	"github.com/ChuLiYu/genflow/internal/mediacache"
	"github.com/ChuLiYu/genflow/pkg/types"
)

var ErrNoURL = errors.New("playback: media url is empty")

// Downloader is satisfied by *apiclient.Client.
type Downloader interface {
	Download(ctx context.Context, rawURL string) ([]byte, error)
}

// Fetcher reads through the media cache.
type Fetcher struct {
	files    *mediacache.FileCache
	previews *mediacache.PreviewCache // optional
	dl       Downloader
	group    singleflight.Group
	logger   zerolog.Logger
}

// New builds a fetcher. previews may be nil when effect previews are not
// cached.
func New(files *mediacache.FileCache, previews *mediacache.PreviewCache, dl Downloader, logger zerolog.Logger) *Fetcher {
	return &Fetcher{files: files, previews: previews, dl: dl, logger: logger}
}

// Video returns a local path for the result video at rawURL.
func (f *Fetcher) Video(ctx context.Context, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", ErrNoURL
	}
	if p, ok := f.files.Get(rawURL); ok {
		return p, nil
	}

	v, err := f.shared(ctx, "video:"+mediacache.Key(rawURL), func(dctx context.Context) (any, error) {
		// another flight may have landed while we queued
		if p, ok := f.files.Get(rawURL); ok {
			return p, nil
		}
		data, err := f.dl.Download(dctx, rawURL)
		if err != nil {
			return nil, err
		}
		return f.files.Put(rawURL, data)
	})
	if err != nil {
		return "", fmt.Errorf("playback: fetch video: %w", err)
	}
	return v.(string), nil
}

// Preview returns the preview clip bytes for effect, preferring the small
// rendition when the catalog offers one.
func (f *Fetcher) Preview(ctx context.Context, effect types.Effect) ([]byte, error) {
	if f.previews == nil {
		return nil, errors.New("playback: preview cache not configured")
	}
	if data, ok, err := f.previews.Get(ctx, effect.ID); err != nil {
		return nil, err
	} else if ok {
		return data, nil
	}

	src := strings.TrimSpace(effect.PreviewSmall)
	if src == "" {
		src = strings.TrimSpace(effect.Preview)
	}
	if src == "" {
		return nil, ErrNoURL
	}

	v, err := f.shared(ctx, "preview:"+strconv.Itoa(effect.ID), func(dctx context.Context) (any, error) {
		data, err := f.dl.Download(dctx, src)
		if err != nil {
			return nil, err
		}
		if err := f.previews.Put(dctx, effect, data); err != nil {
			f.logger.Warn().Err(err).Int(genlog.FieldEffectID, effect.ID).Msg("preview not cached")
		}
		return data, nil
	})
	if err != nil {
		return nil, fmt.Errorf("playback: fetch preview: %w", err)
	}
	return v.([]byte), nil
}

// shared runs fn once per key. The download is detached from any single
// caller's cancellation; each caller still stops waiting when its own ctx
// ends.
func (f *Fetcher) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := f.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			f.logger.Debug().Str("key", key).Msg("joined in-flight download")
		}
		return res.Val, res.Err
	}
}
