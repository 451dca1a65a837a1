// Package storage defines the storage engine interface used as the source and
// destination of snapshot transfers, and a registry of engine backends.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"powerdns.com/platform/snapsync/config"
)

// KV is a single key/value pair
type KV struct {
	Key, Value []byte
}

// Iterator walks the pairs of a Snapshot in ascending key order.
// Key and Value are only valid until the next call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close()
}

// Snapshot is an immutable point-in-time view of the store
type Snapshot interface {
	NewIterator() (Iterator, error)
	Release()
}

// Interface defines the interface storage engine plugins need to implement
type Interface interface {
	// Snapshot returns a consistent view that is not affected by later writes
	Snapshot() (Snapshot, error)
	// ApplyBatch writes all pairs atomically, later pairs override earlier
	// ones with the same key
	ApplyBatch(pairs []KV) error
	// Clear removes all data
	Clear() error
	// Maintain performs one background maintenance pass
	Maintain(ctx context.Context) error
	Close() error
}

// ErrClosed is returned by backends after Close
var ErrClosed = errors.New("storage closed")

type InitFunc func(st config.Storage) (Interface, error)

var backends = make(map[string]InitFunc)

// RegisterBackend registers a backend under a storage.type name.
// Backends register themselves from init.
func RegisterBackend(typeName string, initFunc InitFunc) {
	backends[typeName] = initFunc
}

// GetBackend opens the configured storage engine
func GetBackend(sc config.Storage) (Interface, error) {
	if sc.Type == "" {
		return nil, fmt.Errorf("no storage.type configured")
	}
	initFunc, exists := backends[sc.Type]
	if !exists {
		return nil, fmt.Errorf("storage.type %q not found or registered (registered: %s)",
			sc.Type, strings.Join(Registered(), ", "))
	}
	return initFunc(sc)
}

// Registered returns the sorted names of all registered backends
func Registered() []string {
	names := lo.Keys(backends)
	sort.Strings(names)
	return names
}
