package storage

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrReleased is returned when using a Handle whose last reference was dropped
var ErrReleased = errors.New("snapshot handle released")

// Handle is a reference counted Snapshot that can be shared between
// concurrent transfer jobs. The Snapshot is released when the last
// reference is dropped.
type Handle struct {
	mu   sync.Mutex
	snap Snapshot
	refs int
}

// NewHandle wraps snap in a Handle holding one reference
func NewHandle(snap Snapshot) *Handle {
	return &Handle{snap: snap, refs: 1}
}

// Acquire adds a reference. Every successful Acquire must be paired with a
// Release.
func (h *Handle) Acquire() (*Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs <= 0 {
		return nil, ErrReleased
	}
	h.refs++
	return h, nil
}

// Release drops a reference
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs <= 0 {
		return
	}
	h.refs--
	if h.refs == 0 {
		h.snap.Release()
		h.snap = nil
	}
}

// Refs returns the current number of references
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// NewIterator returns an iterator over the snapshot. The caller must hold a
// reference until the iterator is closed.
func (h *Handle) NewIterator() (Iterator, error) {
	h.mu.Lock()
	snap := h.snap
	h.mu.Unlock()
	if snap == nil {
		return nil, ErrReleased
	}
	return snap.NewIterator()
}
