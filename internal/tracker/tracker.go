// Package tracker is the keyed timer registry that drives status polling.
// Each tracked job owns at most one repeating timer; starting a key that is
// already running cancels the old timer before the new one is installed.
// Every timer carries an epoch so that late work scheduled by a cancelled
// timer can be recognised and dropped by the consumer.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is the poll interval shared by every job.
const DefaultInterval = 5 * time.Second

// Tick is delivered to the fire callback.
type Tick struct {
	Key   string
	Epoch uint64
	Retry bool // delivered by a one-shot retry rather than the repeating timer
}

// FireFunc receives ticks. It runs on the timer goroutine; it must not block
// and must not call back into the Registry or take a lock held around
// Registry calls, since Stop waits for the timer goroutine to exit.
type FireFunc func(Tick)

type timer struct {
	epoch  uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns every poll timer.
type Registry struct {
	mu       sync.Mutex
	interval time.Duration
	fire     FireFunc
	epoch    uint64
	timers   map[string]*timer
	retries  map[string]*time.Timer
	closed   bool
	logger   zerolog.Logger
}

// New returns a registry ticking every interval (DefaultInterval if <= 0).
func New(interval time.Duration, fire FireFunc, logger zerolog.Logger) *Registry {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Registry{
		interval: interval,
		fire:     fire,
		timers:   make(map[string]*timer),
		retries:  make(map[string]*time.Timer),
		logger:   logger,
	}
}

// Interval returns the poll interval.
func (r *Registry) Interval() time.Duration { return r.interval }

// Start (re)starts the repeating timer for key and returns its epoch. Any
// previous timer for key is cancelled and fully stopped first, so two timers
// for one key never fire concurrently. Returns 0 after Close.
func (r *Registry) Start(key string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0
	}
	if old, ok := r.timers[key]; ok {
		r.stopLocked(key, old)
		r.logger.Debug().Str("key", key).Uint64("epoch", old.epoch).Msg("restarting timer")
	}

	r.epoch++
	ctx, cancel := context.WithCancel(context.Background())
	t := &timer{epoch: r.epoch, cancel: cancel, done: make(chan struct{})}
	r.timers[key] = t

	go r.run(ctx, key, t)
	return t.epoch
}

func (r *Registry) run(ctx context.Context, key string, t *timer) {
	defer close(t.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a cancel racing with the tick wins
			if ctx.Err() != nil {
				return
			}
			r.fire(Tick{Key: key, Epoch: t.epoch})
		}
	}
}

// stopLocked cancels t and waits for its goroutine. The goroutine never takes
// r.mu, so waiting under the lock cannot deadlock.
func (r *Registry) stopLocked(key string, t *timer) {
	t.cancel()
	<-t.done
	delete(r.timers, key)
	if rt, ok := r.retries[key]; ok {
		rt.Stop()
		delete(r.retries, key)
	}
}

// Stop cancels key's timer and any pending retry. It reports whether a
// repeating timer was running.
func (r *Registry) Stop(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[key]
	if !ok {
		if rt, pending := r.retries[key]; pending {
			rt.Stop()
			delete(r.retries, key)
		}
		return false
	}
	r.stopLocked(key, t)
	return true
}

// StopAll cancels every timer and retry.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopAllLocked()
}

func (r *Registry) stopAllLocked() {
	for key, t := range r.timers {
		r.stopLocked(key, t)
	}
	for key, rt := range r.retries {
		rt.Stop()
		delete(r.retries, key)
	}
}

// Close stops everything and refuses further starts.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.stopAllLocked()
}

// RetryAfter schedules exactly one delayed tick for key, replacing a pending
// one. The tick carries the current timer epoch when key is tracked, or
// epoch 0 otherwise.
func (r *Registry) RetryAfter(key string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if rt, ok := r.retries[key]; ok {
		rt.Stop()
	}
	var epoch uint64
	if t, ok := r.timers[key]; ok {
		epoch = t.epoch
	}

	var rt *time.Timer
	rt = time.AfterFunc(delay, func() {
		r.mu.Lock()
		current, ok := r.retries[key]
		if !ok || current != rt {
			r.mu.Unlock()
			return
		}
		delete(r.retries, key)
		r.mu.Unlock()
		r.fire(Tick{Key: key, Epoch: epoch, Retry: true})
	})
	r.retries[key] = rt
}

// Active reports whether key has a running timer.
func (r *Registry) Active(key string) bool {
	_, ok := r.Epoch(key)
	return ok
}

// Epoch returns the epoch of key's running timer.
func (r *Registry) Epoch(key string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[key]
	if !ok {
		return 0, false
	}
	return t.epoch, true
}

// PendingRetry reports whether a one-shot retry is scheduled for key.
func (r *Registry) PendingRetry(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.retries[key]
	return ok
}

// Len returns the number of running timers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Keys returns the keys with running timers.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.timers))
	for k := range r.timers {
		keys = append(keys, k)
	}
	return keys
}
