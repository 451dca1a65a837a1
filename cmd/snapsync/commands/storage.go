package commands

import (
	"context"
	"fmt"

	"github.com/PowerDNS/simpleblob"
	"github.com/sirupsen/logrus"

	"powerdns.com/platform/snapsync/storage"
)

func openStorage() (storage.Interface, error) {
	st, err := storage.GetBackend(conf.Storage)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"storage_type": conf.Storage.Type,
		"path":         conf.Storage.Path,
	}).Info("Storage opened")
	return st, nil
}

func openArchive(ctx context.Context) (simpleblob.Interface, error) {
	if conf.Archive.Type == "" {
		return nil, fmt.Errorf("no archive.type configured")
	}
	bs, err := simpleblob.GetBackend(ctx, conf.Archive.Type, conf.Archive.Options)
	if err != nil {
		return nil, err
	}
	logrus.WithField("archive_type", conf.Archive.Type).Debug("Archive backend initialised")
	return bs, nil
}

// snapshotHandle takes a snapshot of st for a one-shot command
func snapshotHandle(st storage.Interface) (*storage.Handle, error) {
	snap, err := st.Snapshot()
	if err != nil {
		return nil, err
	}
	return storage.NewHandle(snap), nil
}
