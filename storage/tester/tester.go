package tester

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powerdns.com/platform/snapsync/storage"
)

// ReadAll returns all pairs in a snapshot as a key to value map
func ReadAll(t *testing.T, snap storage.Snapshot) map[string]string {
	t.Helper()
	it, err := snap.NewIterator()
	require.NoError(t, err)
	defer it.Close()

	m := make(map[string]string)
	var prev []byte
	for it.Next() {
		if prev != nil {
			assert.Less(t, string(prev), string(it.Key()), "keys not in ascending order")
		}
		prev = append(prev[:0], it.Key()...)
		m[string(it.Key())] = string(it.Value())
	}
	require.NoError(t, it.Err())
	return m
}

// DoBackendTests tests a storage engine for conformance
func DoBackendTests(t *testing.T, b storage.Interface) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Starts empty
	snap, err := b.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, ReadAll(t, snap))
	snap.Release()

	// Add items, later pairs win
	foo := []byte("foo") // will be modified later
	err = b.ApplyBatch([]storage.KV{
		{Key: []byte("c"), Value: []byte("3")},
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("x")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("foo"), Value: foo},
		{Key: []byte("empty"), Value: nil},
	})
	require.NoError(t, err)

	// Change foo buffer to verify that ApplyBatch made a copy
	foo[0] = '!'

	expected := map[string]string{
		"a": "1", "b": "2", "c": "3", "foo": "foo", "empty": "",
	}
	snap, err = b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, expected, ReadAll(t, snap))

	// Writes after a snapshot are not visible in it
	err = b.ApplyBatch([]storage.KV{
		{Key: []byte("a"), Value: []byte("changed")},
		{Key: []byte("d"), Value: []byte("4")},
	})
	require.NoError(t, err)
	assert.Equal(t, expected, ReadAll(t, snap))

	// Clearing does not affect the snapshot either
	require.NoError(t, b.Clear())
	assert.Equal(t, expected, ReadAll(t, snap))

	// Two iterators on one snapshot
	it1, err := snap.NewIterator()
	require.NoError(t, err)
	it2, err := snap.NewIterator()
	require.NoError(t, err)
	require.True(t, it1.Next())
	require.True(t, it2.Next())
	assert.Equal(t, "a", string(it1.Key()))
	assert.Equal(t, "a", string(it2.Key()))
	require.True(t, it1.Next())
	assert.Equal(t, "b", string(it1.Key()))
	it1.Close()
	it2.Close()
	snap.Release()

	snap, err = b.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, ReadAll(t, snap))
	snap.Release()

	// Larger data set
	var pairs []storage.KV
	expected = make(map[string]string)
	for i := 0; i < 2000; i++ {
		k := fmt.Sprintf("key-%05d", i)
		v := fmt.Sprintf("value-%d", i)
		pairs = append(pairs, storage.KV{Key: []byte(k), Value: []byte(v)})
		expected[k] = v
	}
	require.NoError(t, b.ApplyBatch(pairs))
	snap, err = b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, expected, ReadAll(t, snap))
	snap.Release()

	assert.NoError(t, b.Maintain(ctx))
}
