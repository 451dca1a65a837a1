package lmdb

import (
	"os"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"

	"powerdns.com/platform/snapsync/config"
)

const (
	DefaultDirMask  = 0775
	DefaultFileMask = 0664
	DefaultMapSize  = 1 * datasize.GB
)

// envOptions are the config.StorageOptions that apply to LMDB, with
// defaults filled in
type envOptions struct {
	DirMask  os.FileMode
	FileMask os.FileMode
	MapSize  datasize.ByteSize
	NoSync   bool
}

func newEnvOptions(o config.StorageOptions) envOptions {
	eo := envOptions{
		DirMask:  o.DirMask,
		FileMask: o.FileMask,
		MapSize:  o.MapSize,
		NoSync:   o.NoSync,
	}
	if eo.DirMask == 0 {
		eo.DirMask = DefaultDirMask
	}
	if eo.FileMask == 0 {
		eo.FileMask = DefaultFileMask
	}
	if eo.MapSize == 0 {
		eo.MapSize = DefaultMapSize
	}
	return eo
}

// flags returns the environment flags. NoTLS is always set, because
// snapshots are read transactions used from other goroutines.
func (eo envOptions) flags() uint {
	flags := uint(lmdb.NoTLS)
	if eo.NoSync {
		flags |= lmdb.NoSync
	}
	return flags
}

// openEnv creates the directory if needed and opens the environment in it.
// The returned env must be closed after use.
func openEnv(path string, eo envOptions) (*lmdb.Env, error) {
	if err := os.MkdirAll(path, eo.DirMask); err != nil {
		return nil, errors.Wrap(err, "lmdb env: mkdir")
	}
	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, errors.Wrap(err, "lmdb env: new")
	}
	if err := env.SetMapSize(int64(eo.MapSize)); err != nil {
		_ = env.Close()
		return nil, errors.Wrap(err, "lmdb env: setmapsize")
	}
	// Only our own DBI
	if err := env.SetMaxDBs(1); err != nil {
		_ = env.Close()
		return nil, errors.Wrap(err, "lmdb env: setmaxdbs")
	}
	if err := env.Open(path, eo.flags(), eo.FileMask); err != nil {
		_ = env.Close()
		return nil, errors.Wrap(err, "lmdb env: open")
	}
	return env, nil
}
