package replication

import (
	"bytes"
	"context"
	"time"

	"github.com/PowerDNS/simpleblob"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"powerdns.com/platform/snapsync/control"
	"powerdns.com/platform/snapsync/storage"
	"powerdns.com/platform/snapsync/wire"
)

// An archive is a snapshot stream stored as a blob: a control message header
// followed by the same mset frames and complete frame an export sends.
const (
	archiveMagic   = "snapsync-archive"
	archiveVersion = "1"
)

// ArchiveInfo describes a dumped or restored archive
type ArchiveInfo struct {
	Name        string
	Compression string
	Pairs       int
	Frames      int
	RawSize     int
	Size        int
	TimeTaken   time.Duration
}

// Dump writes the snapshot to blob storage under name
func Dump(ctx context.Context, snap *storage.Handle, bs simpleblob.Interface, name string, opt Options, l logrus.FieldLogger) (ArchiveInfo, error) {
	info := ArchiveInfo{Name: name}
	comp, err := wire.NewCompressor(opt.Compression)
	if err != nil {
		return info, err
	}
	info.Compression = comp.Name()
	st := transferStats{start: time.Now()}

	it, err := snap.NewIterator()
	if err != nil {
		return info, newError(KindNoSnapshot, err)
	}
	defer it.Close()

	var buf bytes.Buffer
	buf.Write(control.Append(nil, archiveMagic, archiveVersion, comp.Name()))

	check := func() error {
		if err := ctx.Err(); err != nil {
			return newError(KindCanceled, err)
		}
		return nil
	}
	emit := func(frame []byte) error {
		buf.Write(frame)
		return nil
	}
	p := &producer{
		enc:       wire.NewEncoder(comp),
		batchSize: opt.BatchSize,
		stats:     &st,
		direction: "dump",
	}
	if err := p.run(it, check, emit); err != nil {
		return info, err
	}
	buf.Write(p.enc.AppendComplete(nil))

	if err := bs.Store(ctx, name, buf.Bytes()); err != nil {
		return info, errors.Wrap(err, "store archive")
	}

	info.Pairs = st.pairs
	info.Frames = st.frames
	info.RawSize = st.rawBytes
	info.Size = buf.Len()
	info.TimeTaken = time.Since(st.start).Round(time.Millisecond)
	l.WithFields(st.fields()).WithField("name", name).Info("Archive stored")
	return info, nil
}

// Restore replaces the contents of the store with an archive. The store is
// cleared first, so a failed restore leaves it partially filled.
func Restore(ctx context.Context, bs simpleblob.Interface, name string, store storage.Interface, maint Pauser, opt Options, l logrus.FieldLogger) (ArchiveInfo, error) {
	info := ArchiveInfo{Name: name}
	data, err := bs.Load(ctx, name)
	if err != nil {
		return info, errors.Wrap(err, "load archive")
	}
	info.Size = len(data)

	header, n, err := control.Parse(data)
	if err != nil || len(header) != 3 || header[0] != archiveMagic {
		return info, newError(KindMalformedBatch, errors.Errorf("%s: not an archive", name))
	}
	if header[1] != archiveVersion {
		return info, newError(KindMalformedBatch, errors.Errorf("%s: unsupported archive version %q", name, header[1]))
	}
	info.Compression = header[2]
	comp, err := wire.NewCompressor(info.Compression)
	if err != nil {
		return info, err
	}
	data = data[n:]

	if maint != nil {
		maint.Pause()
		defer maint.Resume()
	}
	if err := store.Clear(); err != nil {
		return info, newError(KindStorageFailed, errors.Wrap(err, "clear"))
	}

	st := transferStats{start: time.Now()}
	a := &applier{
		dec:       wire.NewDecoder(comp, opt.MaxFrameSize),
		st:        store,
		stats:     &st,
		l:         l.WithField("name", name),
		direction: "restore",
	}
	consumed, complete, err := a.apply(data)
	info.Pairs = st.pairs
	info.Frames = st.frames
	info.RawSize = st.rawBytes
	info.TimeTaken = time.Since(st.start).Round(time.Millisecond)
	if err != nil {
		return info, err
	}
	if !complete {
		return info, newError(KindMalformedBatch,
			errors.Errorf("%s: truncated archive after %d bytes", name, consumed))
	}
	l.WithFields(st.fields()).WithField("name", name).Info("Archive restored")
	return info, nil
}

// ListArchives returns the blobs with given prefix
func ListArchives(ctx context.Context, bs simpleblob.Interface, prefix string) (simpleblob.BlobList, error) {
	return bs.List(ctx, prefix)
}
