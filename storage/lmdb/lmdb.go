// Package lmdb implements a storage engine on top of LMDB.
//
// All data lives in a single named DBI. Snapshots are read-only transactions,
// which requires the environment to be opened with NoTLS, because a snapshot
// is created and iterated on different goroutines.
// LMDB does not support empty keys.
package lmdb

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/PowerDNS/lmdb-go/lmdbscan"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"powerdns.com/platform/snapsync/config"
	"powerdns.com/platform/snapsync/storage"
)

// DBIName is the name of the DBI holding all data
const DBIName = "snapsync"

type Backend struct {
	path   string
	env    *lmdb.Env
	dbi    lmdb.DBI
	noSync bool
	logger logrus.FieldLogger
}

func (b *Backend) Snapshot() (storage.Snapshot, error) {
	txn, err := b.env.BeginTxn(nil, lmdb.Readonly)
	if err != nil {
		return nil, errors.Wrap(err, "lmdb: begin read txn")
	}
	return &snapshot{txn: txn, dbi: b.dbi}, nil
}

func (b *Backend) ApplyBatch(pairs []storage.KV) error {
	err := b.env.Update(func(txn *lmdb.Txn) error {
		for _, kv := range pairs {
			if err := txn.Put(b.dbi, kv.Key, kv.Value, 0); err != nil {
				return errors.Wrapf(err, "put key of %d bytes", len(kv.Key))
			}
		}
		return nil
	})
	return errors.Wrap(err, "lmdb: apply batch")
}

func (b *Backend) Clear() error {
	err := b.env.Update(func(txn *lmdb.Txn) error {
		return txn.Drop(b.dbi, false) // empty, but keep the DBI
	})
	return errors.Wrap(err, "lmdb: clear")
}

// Maintain clears stale reader slots and, when running without sync, flushes
// the data to disk.
func (b *Backend) Maintain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stale, err := b.env.ReaderCheck()
	if err != nil {
		return errors.Wrap(err, "lmdb: reader check")
	}
	if stale > 0 {
		b.logger.WithField("stale", stale).Warn("Cleared stale LMDB readers")
	}
	if b.noSync {
		if err := b.env.Sync(true); err != nil {
			return errors.Wrap(err, "lmdb: sync")
		}
	}
	return nil
}

func (b *Backend) Close() error {
	statsCollector.remove(b.path)
	return b.env.Close()
}

type snapshot struct {
	// LMDB allows a read txn to move between threads with NoTLS, but not
	// concurrent use. Cursor operations of all iterators are serialized.
	mu  sync.Mutex
	txn *lmdb.Txn
	dbi lmdb.DBI
}

func (s *snapshot) NewIterator() (storage.Iterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == nil {
		return nil, storage.ErrClosed
	}
	return &iterator{snap: s, scan: lmdbscan.New(s.txn, s.dbi)}, nil
}

func (s *snapshot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn != nil {
		s.txn.Abort()
		s.txn = nil
	}
}

type iterator struct {
	snap *snapshot
	scan *lmdbscan.Scanner
}

func (it *iterator) Next() bool {
	it.snap.mu.Lock()
	defer it.snap.mu.Unlock()
	if it.scan == nil || it.snap.txn == nil {
		return false
	}
	return it.scan.Scan()
}

func (it *iterator) Key() []byte {
	return it.scan.Key()
}

func (it *iterator) Value() []byte {
	return it.scan.Val()
}

func (it *iterator) Err() error {
	if it.scan == nil {
		return nil
	}
	return it.scan.Err()
}

func (it *iterator) Close() {
	it.snap.mu.Lock()
	defer it.snap.mu.Unlock()
	if it.scan != nil && it.snap.txn != nil {
		it.scan.Close()
	}
	it.scan = nil
}

// Open opens or creates the LMDB environment in directory st.Path
func Open(st config.Storage) (*Backend, error) {
	path := filepath.Clean(st.Path)
	eo := newEnvOptions(st.Options)
	env, err := openEnv(path, eo)
	if err != nil {
		return nil, err
	}

	var dbi lmdb.DBI
	err = env.Update(func(txn *lmdb.Txn) error {
		dbi, err = txn.OpenDBI(DBIName, lmdb.Create)
		return err
	})
	if err != nil {
		_ = env.Close()
		return nil, errors.Wrap(err, "lmdb: open dbi")
	}

	b := &Backend{
		path:   path,
		env:    env,
		dbi:    dbi,
		noSync: eo.NoSync,
		logger: logrus.WithField("component", "lmdb").WithField("path", path),
	}
	statsCollector.add(target{path: path, env: env, dbi: dbi})
	return b, nil
}

func init() {
	storage.RegisterBackend("lmdb", func(st config.Storage) (storage.Interface, error) {
		return Open(st)
	})
}
