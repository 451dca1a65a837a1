package replication

import (
	"context"
	"testing"

	"github.com/PowerDNS/simpleblob/backends/memory"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powerdns.com/platform/snapsync/storage"
	memstorage "powerdns.com/platform/snapsync/storage/memory"
	"powerdns.com/platform/snapsync/storage/tester"
	"powerdns.com/platform/snapsync/wire"
)

type countingPauser struct {
	paused, resumed int
}

func (p *countingPauser) Pause()  { p.paused++ }
func (p *countingPauser) Resume() { p.resumed++ }

func TestArchive_dumpRestore(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	for _, compression := range wire.Compressors {
		t.Run(compression, func(t *testing.T) {
			bs := memory.New()
			opt := DefaultOptions()
			opt.Compression = compression
			opt.BatchSize = 2048

			src := memstorage.New()
			var kvs []storage.KV
			expected := make(map[string]string)
			for i := 0; i < 500; i++ {
				k := []byte{byte(i >> 8), byte(i), 'k'}
				v := []byte("value for a key that compresses well")
				kvs = append(kvs, storage.KV{Key: k, Value: v})
				expected[string(k)] = string(v)
			}
			require.NoError(t, src.ApplyBatch(kvs))
			snap, err := src.Snapshot()
			require.NoError(t, err)
			h := storage.NewHandle(snap)
			defer h.Release()

			info, err := Dump(ctx, h, bs, "node1.archive", opt, logger)
			require.NoError(t, err)
			assert.Equal(t, 500, info.Pairs)
			assert.Greater(t, info.Frames, 1)
			assert.Equal(t, compression, info.Compression)

			list, err := ListArchives(ctx, bs, "node1")
			require.NoError(t, err)
			assert.Equal(t, []string{"node1.archive"}, list.Names())

			dst := memstorage.New()
			require.NoError(t, dst.ApplyBatch([]storage.KV{{Key: []byte("stale"), Value: []byte("x")}}))
			p := &countingPauser{}
			rinfo, err := Restore(ctx, bs, "node1.archive", dst, p, opt, logger)
			require.NoError(t, err)
			assert.Equal(t, info.Pairs, rinfo.Pairs)
			assert.Equal(t, info.Frames, rinfo.Frames)
			assert.Equal(t, 1, p.paused)
			assert.Equal(t, 1, p.resumed)

			dsnap, err := dst.Snapshot()
			require.NoError(t, err)
			assert.Equal(t, expected, tester.ReadAll(t, dsnap))
		})
	}
}

func TestArchive_restoreErrors(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	bs := memory.New()
	opt := DefaultOptions()

	src := memstorage.New()
	require.NoError(t, src.ApplyBatch([]storage.KV{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}))
	snap, err := src.Snapshot()
	require.NoError(t, err)
	h := storage.NewHandle(snap)
	defer h.Release()
	_, err = Dump(ctx, h, bs, "full", opt, logger)
	require.NoError(t, err)

	t.Run("missing", func(t *testing.T) {
		_, err := Restore(ctx, bs, "nope", memstorage.New(), nil, opt, logger)
		assert.Error(t, err)
	})

	t.Run("not an archive", func(t *testing.T) {
		require.NoError(t, bs.Store(ctx, "garbage", []byte("hello world")))
		_, err := Restore(ctx, bs, "garbage", memstorage.New(), nil, opt, logger)
		assert.Equal(t, KindMalformedBatch, KindOf(err))
	})

	t.Run("truncated", func(t *testing.T) {
		data, err := bs.Load(ctx, "full")
		require.NoError(t, err)
		// Drop the complete frame
		require.NoError(t, bs.Store(ctx, "truncated", data[:len(data)-2]))
		dst := memstorage.New()
		_, err = Restore(ctx, bs, "truncated", dst, nil, opt, logger)
		assert.Equal(t, KindMalformedBatch, KindOf(err))
		assert.Contains(t, err.Error(), "truncated")
	})
}

func TestArchive_dumpReleasedSnapshot(t *testing.T) {
	logger, _ := test.NewNullLogger()
	src := memstorage.New()
	snap, err := src.Snapshot()
	require.NoError(t, err)
	h := storage.NewHandle(snap)
	h.Release()

	_, err = Dump(context.Background(), h, memory.New(), "x", DefaultOptions(), logger)
	assert.Equal(t, KindNoSnapshot, KindOf(err))
}

func TestArchive_restoreClearFails(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	bs := memory.New()
	opt := DefaultOptions()

	src := memstorage.New()
	require.NoError(t, src.ApplyBatch([]storage.KV{{Key: []byte("a"), Value: []byte("1")}}))
	snap, err := src.Snapshot()
	require.NoError(t, err)
	h := storage.NewHandle(snap)
	defer h.Release()
	_, err = Dump(ctx, h, bs, "a.archive", opt, logger)
	require.NoError(t, err)

	p := &countingPauser{}
	_, err = Restore(ctx, bs, "a.archive", clearFailingStore{memstorage.New()}, p, opt, logger)
	assert.Equal(t, KindStorageFailed, KindOf(err), "%v", err)
	assert.Equal(t, 1, p.resumed)
}
