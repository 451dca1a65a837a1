package status

import (
	"context"
	"sync"
	"time"

	"github.com/PowerDNS/simpleblob"
	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"

	"powerdns.com/platform/snapsync/replication"
)

// SnapshotInfo describes the snapshot currently held by the server
type SnapshotInfo struct {
	Present bool
	Created time.Time
	Refs    int
}

type info struct {
	mu       sync.Mutex
	stats    []*replication.Stats
	archive  simpleblob.Interface
	snapshot func() SnapshotInfo
}

// ArchiveInfo is a blob in the archive storage
type ArchiveInfo struct {
	Name string
	Size datasize.ByteSize
}

var gi info

func (i *info) ListArchives(ctx context.Context) ([]ArchiveInfo, error) {
	i.mu.Lock()
	st := i.archive
	i.mu.Unlock()
	if st == nil {
		return nil, errors.New("no archive storage registered with status page")
	}
	list, err := replication.ListArchives(ctx, st, "")
	if err != nil {
		return nil, err
	}
	var res []ArchiveInfo
	for _, b := range list {
		res = append(res, ArchiveInfo{Name: b.Name, Size: datasize.ByteSize(b.Size)})
	}
	return res, nil
}

func (i *info) Stats() (res []replication.StatsSnapshot) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, s := range i.stats {
		res = append(res, s.Snapshot())
	}
	return res
}

func (i *info) Snapshot() SnapshotInfo {
	i.mu.Lock()
	fn := i.snapshot
	i.mu.Unlock()
	if fn == nil {
		return SnapshotInfo{}
	}
	return fn()
}

// AddStats registers transfer stats with the status page
func AddStats(s *replication.Stats) {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	gi.stats = append(gi.stats, s)
}

// SetArchive registers the archive storage with the status page
func SetArchive(st simpleblob.Interface) {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	gi.archive = st
}

// SetSnapshotFunc registers a function that describes the current snapshot
func SetSnapshotFunc(fn func() SnapshotInfo) {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	gi.snapshot = fn
}

func reset() {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	gi.stats = nil
	gi.archive = nil
	gi.snapshot = nil
}
