// Package dedup keeps the set of request fingerprints that currently have a
// generation in flight, so an identical request cannot run twice at once.
package dedup

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/genflow/pkg/types"
)

// ErrDuplicateInProgress is returned when the fingerprint is already active.
var ErrDuplicateInProgress = errors.New("identical generation already in progress")

// Index maps active fingerprints to the key of the job that owns them.
type Index struct {
	mu     sync.Mutex
	active map[types.Fingerprint]string
}

// New returns an empty index.
func New() *Index {
	return &Index{active: make(map[types.Fingerprint]string)}
}

// TryBegin inserts fp owned by owner. It returns false, leaving the index
// untouched, when fp is already active.
func (x *Index) TryBegin(fp types.Fingerprint, owner string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.active[fp]; ok {
		return false
	}
	x.active[fp] = owner
	return true
}

// Begin is TryBegin returning ErrDuplicateInProgress on refusal.
func (x *Index) Begin(fp types.Fingerprint, owner string) error {
	if !x.TryBegin(fp, owner) {
		return ErrDuplicateInProgress
	}
	return nil
}

// End removes fp. Ending an inactive fingerprint is a no-op.
func (x *Index) End(fp types.Fingerprint) {
	x.mu.Lock()
	delete(x.active, fp)
	x.mu.Unlock()
}

// EndOwned removes fp only while it is still owned by owner, so a late signal
// from a finished job cannot clear the entry of a newer one.
func (x *Index) EndOwned(fp types.Fingerprint, owner string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if cur, ok := x.active[fp]; !ok || cur != owner {
		return false
	}
	delete(x.active, fp)
	return true
}

// Owner returns the job key holding fp.
func (x *Index) Owner(fp types.Fingerprint) (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	owner, ok := x.active[fp]
	return owner, ok
}

// Active reports whether fp is in flight.
func (x *Index) Active(fp types.Fingerprint) bool {
	_, ok := x.Owner(fp)
	return ok
}

// Len returns the number of active fingerprints.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.active)
}
