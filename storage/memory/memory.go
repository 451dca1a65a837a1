// Package memory implements an in-memory storage engine on top of a
// copy-on-write B-tree. Snapshots are lazy clones of the tree.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"

	"powerdns.com/platform/snapsync/config"
	"powerdns.com/platform/snapsync/storage"
)

const degree = 32

// chunkSize is the number of items an iterator fetches from the tree at once
const chunkSize = 256

type item struct {
	key, value []byte
}

func less(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type Backend struct {
	mu     sync.Mutex
	tree   *btree.BTreeG[item]
	closed bool
}

func (b *Backend) Snapshot() (storage.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, storage.ErrClosed
	}
	// Clone must not run concurrently with writes, but afterwards both trees
	// can be used independently
	return &snapshot{tree: b.tree.Clone()}, nil
}

func (b *Backend) ApplyBatch(pairs []storage.KV) error {
	// Copy outside the lock
	items := make([]item, len(pairs))
	for i, kv := range pairs {
		items[i] = item{
			key:   bytes.Clone(kv.Key),
			value: bytes.Clone(kv.Value),
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.ErrClosed
	}
	for _, it := range items {
		b.tree.ReplaceOrInsert(it)
	}
	return nil
}

func (b *Backend) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.ErrClosed
	}
	// Nodes may be shared with snapshots, so never recycle them
	b.tree = btree.NewG(degree, less)
	return nil
}

// Len returns the number of stored keys
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tree.Len()
}

func (b *Backend) Maintain(ctx context.Context) error {
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

type snapshot struct {
	tree *btree.BTreeG[item]
}

func (s *snapshot) NewIterator() (storage.Iterator, error) {
	return &iterator{tree: s.tree, pos: -1}, nil
}

func (s *snapshot) Release() {
	s.tree = nil
}

// iterator turns the callback based tree walk into a pull iterator by
// fetching chunks of items, restarting after the last key returned.
type iterator struct {
	tree    *btree.BTreeG[item]
	buf     []item
	pos     int
	last    []byte
	started bool
	done    bool
}

func (it *iterator) fill() {
	it.buf = it.buf[:0]
	it.pos = 0
	collect := func(i item) bool {
		if it.started && bytes.Equal(i.key, it.last) {
			return true
		}
		it.buf = append(it.buf, i)
		return len(it.buf) < chunkSize
	}
	if it.started {
		it.tree.AscendGreaterOrEqual(item{key: it.last}, collect)
	} else {
		it.tree.Ascend(collect)
	}
	if len(it.buf) < chunkSize {
		it.done = true
	}
}

func (it *iterator) Next() bool {
	if it.tree == nil {
		return false
	}
	it.pos++
	if it.pos >= len(it.buf) {
		if it.done {
			return false
		}
		it.fill()
		if len(it.buf) == 0 {
			return false
		}
	}
	it.last = it.buf[it.pos].key
	it.started = true
	return true
}

func (it *iterator) Key() []byte {
	return it.buf[it.pos].key
}

func (it *iterator) Value() []byte {
	return it.buf[it.pos].value
}

func (it *iterator) Err() error {
	return nil
}

func (it *iterator) Close() {
	it.tree = nil
	it.buf = nil
}

func New() *Backend {
	return &Backend{tree: btree.NewG(degree, less)}
}

func init() {
	storage.RegisterBackend("memory", func(st config.Storage) (storage.Interface, error) {
		return New(), nil
	})
}
