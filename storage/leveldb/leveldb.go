// Package leveldb implements a storage engine on top of goleveldb.
package leveldb

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"powerdns.com/platform/snapsync/config"
	"powerdns.com/platform/snapsync/storage"
)

// clearBatchSize is the number of deletes per write when clearing the db
const clearBatchSize = 10000

const defaultDirMask = 0775

type Backend struct {
	db *leveldb.DB
	wo *opt.WriteOptions
}

func (b *Backend) Snapshot() (storage.Snapshot, error) {
	snap, err := b.db.GetSnapshot()
	if err != nil {
		return nil, mapErr(err)
	}
	return &snapshot{snap: snap}, nil
}

func (b *Backend) ApplyBatch(pairs []storage.KV) error {
	// leveldb.Batch copies keys and values
	batch := new(leveldb.Batch)
	for _, kv := range pairs {
		batch.Put(kv.Key, kv.Value)
	}
	return mapErr(b.db.Write(batch, b.wo))
}

func (b *Backend) Clear() error {
	it := b.db.NewIterator(nil, nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(it.Key())
		if batch.Len() >= clearBatchSize {
			if err := b.db.Write(batch, b.wo); err != nil {
				return mapErr(err)
			}
			batch.Reset()
		}
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "clear: iterate")
	}
	if batch.Len() > 0 {
		if err := b.db.Write(batch, b.wo); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

// Maintain compacts the whole key range
func (b *Backend) Maintain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(b.db.CompactRange(util.Range{}))
}

func (b *Backend) Close() error {
	return b.db.Close()
}

type snapshot struct {
	snap *leveldb.Snapshot
}

func (s *snapshot) NewIterator() (storage.Iterator, error) {
	return &iter{it: s.snap.NewIterator(nil, nil)}, nil
}

func (s *snapshot) Release() {
	s.snap.Release()
}

type iter struct {
	it iterator.Iterator
}

func (i *iter) Next() bool    { return i.it.Next() }
func (i *iter) Key() []byte   { return i.it.Key() }
func (i *iter) Value() []byte { return i.it.Value() }
func (i *iter) Err() error    { return mapErr(i.it.Error()) }
func (i *iter) Close()        { i.it.Release() }

func mapErr(err error) error {
	if err == leveldb.ErrClosed || err == leveldb.ErrSnapshotReleased {
		return errors.Wrap(storage.ErrClosed, err.Error())
	}
	return err
}

// New wraps an open database
func New(db *leveldb.DB, sync bool) *Backend {
	return &Backend{db: db, wo: &opt.WriteOptions{Sync: sync}}
}

// Open opens or creates the database in given directory
func Open(st config.Storage) (*Backend, error) {
	o := st.Options
	dirMask := o.DirMask
	if dirMask == 0 {
		dirMask = defaultDirMask
	}
	if err := os.MkdirAll(st.Path, dirMask); err != nil {
		return nil, errors.Wrap(err, "leveldb: mkdir")
	}
	db, err := leveldb.OpenFile(st.Path, &opt.Options{
		BlockCacheCapacity: int(o.BlockCacheSize.Bytes()),
		WriteBuffer:        int(o.WriteBufferSize.Bytes()),
		NoSync:             o.NoSync,
	})
	if err != nil {
		return nil, errors.Wrap(err, "leveldb: open")
	}
	return New(db, !o.NoSync), nil
}

func init() {
	storage.RegisterBackend("leveldb", func(st config.Storage) (storage.Interface, error) {
		return Open(st)
	})
}
