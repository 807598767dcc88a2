// Package mediacache keeps downloaded media on local disk. It has two tiers:
// a file tier for result videos keyed by remote URL, and an SQLite tier for
// effect preview clips keyed by effect id. Entries expire by last access.
// Neither tier touches the network.
package mediacache

import (
	"time"

	"github.com/rs/zerolog"

	genlog "github.com/ChuLiYu/genflow/internal/log"
)

// DefaultTTL is measured from last access.
const DefaultTTL = 7 * 24 * time.Hour

// Tier names reported to the Observer.
const (
	TierFile    = "file"
	TierPreview = "preview"
)

// Observer receives cache accounting. metrics.Collector implements it.
type Observer interface {
	CacheHit(tier string)
	CacheMiss(tier string)
	CacheEvicted(tier string, n int)
}

type nopObserver struct{}

func (nopObserver) CacheHit(string)          {}
func (nopObserver) CacheMiss(string)         {}
func (nopObserver) CacheEvicted(string, int) {}

type options struct {
	logger   zerolog.Logger
	observer Observer
	now      func() time.Time
}

// Option configures either tier.
type Option func(*options)

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver attaches hit/miss/eviction accounting.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   genlog.WithComponent("mediacache"),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
