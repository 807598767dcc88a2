// Package gate implements the concurrency gate that caps the number of
// generation jobs in flight at once. Excess submissions are rejected, never
// queued.
package gate

import (
	"errors"
	"sync"
)

// DefaultCap is the number of generations a session may run concurrently.
const DefaultCap = 2

// ErrMaxGenerationsReached is returned when every slot is taken.
var ErrMaxGenerationsReached = errors.New("maximum concurrent generations reached")

// Gate hands out at most cap slots. A slot is held under a caller-chosen key
// (the job's stable local key) so that releasing it is idempotent per key:
// duplicate completion signals cannot drive the count negative or free a slot
// owned by another job.
type Gate struct {
	mu   sync.Mutex
	cap  int
	held map[string]struct{}
}

// New returns a gate with the given capacity. Non-positive values fall back
// to DefaultCap.
func New(capacity int) *Gate {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Gate{
		cap:  capacity,
		held: make(map[string]struct{}, capacity),
	}
}

// TryReserve atomically checks the in-flight count against the cap and, if
// there is room, takes a slot for key. It returns false without side effects
// when the gate is full. Reserving a key that already holds a slot succeeds
// and does not take a second slot.
func (g *Gate) TryReserve(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.held[key]; ok {
		return true
	}
	if len(g.held) >= g.cap {
		return false
	}
	g.held[key] = struct{}{}
	return true
}

// Reserve is TryReserve returning ErrMaxGenerationsReached on refusal.
func (g *Gate) Reserve(key string) error {
	if !g.TryReserve(key) {
		return ErrMaxGenerationsReached
	}
	return nil
}

// Release frees the slot held by key. Releasing an unknown or already
// released key is a no-op. It reports whether a slot was actually freed.
func (g *Gate) Release(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.held[key]; !ok {
		return false
	}
	delete(g.held, key)
	return true
}

// Holds reports whether key currently owns a slot.
func (g *Gate) Holds(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[key]
	return ok
}

// InFlight returns the number of slots currently taken.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}

// Cap returns the configured capacity.
func (g *Gate) Cap() int { return g.cap }
