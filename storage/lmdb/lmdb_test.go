package lmdb

import (
	"context"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powerdns.com/platform/snapsync/config"
	"powerdns.com/platform/snapsync/storage"
	"powerdns.com/platform/snapsync/storage/tester"
)

func testConfig(t *testing.T) config.Storage {
	return config.Storage{
		Type: "lmdb",
		Path: t.TempDir(),
		Options: config.StorageOptions{
			MapSize: 64 * datasize.MB,
			NoSync:  true,
		},
	}
}

func TestBackend(t *testing.T) {
	st, err := storage.GetBackend(testConfig(t))
	require.NoError(t, err)
	defer st.Close()
	tester.DoBackendTests(t, st)
}

func TestBackend_reopen(t *testing.T) {
	sc := testConfig(t)
	b, err := Open(sc)
	require.NoError(t, err)
	require.NoError(t, b.ApplyBatch([]storage.KV{
		{Key: []byte("a"), Value: []byte("1")},
	}))
	require.NoError(t, b.Maintain(context.Background()))
	require.NoError(t, b.Close())

	b, err = Open(sc)
	require.NoError(t, err)
	defer b.Close()
	snap, err := b.Snapshot()
	require.NoError(t, err)
	defer snap.Release()
	assert.Equal(t, map[string]string{"a": "1"}, tester.ReadAll(t, snap))
}

func TestBackend_emptyKeyRejected(t *testing.T) {
	b, err := Open(testConfig(t))
	require.NoError(t, err)
	defer b.Close()
	err = b.ApplyBatch([]storage.KV{
		{Key: []byte("ok"), Value: []byte("1")},
		{Key: nil, Value: []byte("2")},
	})
	assert.Error(t, err)

	// The whole batch was rolled back
	snap, err := b.Snapshot()
	require.NoError(t, err)
	defer snap.Release()
	assert.Empty(t, tester.ReadAll(t, snap))
}

func TestSnapshot_iteratorAfterRelease(t *testing.T) {
	b, err := Open(testConfig(t))
	require.NoError(t, err)
	defer b.Close()
	snap, err := b.Snapshot()
	require.NoError(t, err)
	snap.Release()
	_, err = snap.NewIterator()
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestCollector(t *testing.T) {
	b, err := Open(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, b.ApplyBatch([]storage.KV{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}))

	c := newCollector()
	c.add(target{path: b.path, env: b.env, dbi: b.dbi})
	// 5 env metrics, usage bytes and fraction, entries, depth, 3 page types
	assert.Equal(t, 12, testutil.CollectAndCount(c))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "snapsync_lmdb_usage_bytes", "snapsync_lmdb_entries"))

	statsCollector.mu.Lock()
	_, registered := statsCollector.targets[b.path]
	statsCollector.mu.Unlock()
	assert.True(t, registered)

	require.NoError(t, b.Close())
	statsCollector.mu.Lock()
	_, registered = statsCollector.targets[b.path]
	statsCollector.mu.Unlock()
	assert.False(t, registered)
}
