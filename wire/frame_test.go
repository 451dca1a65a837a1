package wire

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powerdns.com/platform/snapsync/storage"
)

func kvs(pairs ...string) []storage.KV {
	var out []storage.KV
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, storage.KV{Key: []byte(pairs[i]), Value: []byte(pairs[i+1])})
	}
	return out
}

func batchOf(pairs []storage.KV) *Batch {
	b := new(Batch)
	for _, kv := range pairs {
		b.Add(kv.Key, kv.Value)
	}
	return b
}

func assertPairs(t *testing.T, exp, got []storage.KV) {
	t.Helper()
	require.Len(t, got, len(exp))
	for i := range exp {
		assert.Equal(t, string(exp[i].Key), string(got[i].Key), "key %d", i)
		assert.Equal(t, string(exp[i].Value), string(got[i].Value), "value %d", i)
	}
}

func allCompressors(t *testing.T) []Compressor {
	var list []Compressor
	for _, name := range Compressors {
		c, err := NewCompressor(name)
		require.NoError(t, err)
		list = append(list, c)
	}
	return list
}

func TestFrame_roundTrip(t *testing.T) {
	repetitive := bytes.Repeat([]byte("abcdefgh"), 1000)
	tests := []struct {
		name  string
		pairs []storage.KV
	}{
		{"simple", kvs("a", "1", "b", "2", "c", "3")},
		{"empty-strings", kvs("", "", "k", "", "", "v")},
		{"duplicate-keys", kvs("a", "1", "a", "2", "a", "3")},
		{"single", kvs("only", "one")},
		{"compressible", []storage.KV{
			{Key: []byte("big1"), Value: repetitive},
			{Key: []byte("big2"), Value: repetitive},
		}},
		{"large-lengths", []storage.KV{
			{Key: bytes.Repeat([]byte("k"), 70), Value: bytes.Repeat([]byte("v"), 20000)},
		}},
	}
	for _, c := range allCompressors(t) {
		for _, tt := range tests {
			t.Run(c.Name()+"/"+tt.name, func(t *testing.T) {
				enc := NewEncoder(c)
				dec := NewDecoder(c, 0)
				b := batchOf(tt.pairs)
				frame, _ := enc.AppendMSet(nil, b.Bytes())

				f, n, err := dec.Decode(frame)
				require.NoError(t, err)
				assert.Equal(t, len(frame), n)
				assert.Equal(t, OpMSet, f.Op)
				assert.Equal(t, b.Size(), f.RawSize)
				assertPairs(t, tt.pairs, f.Pairs)
			})
		}
	}
}

func TestFrame_compressionUsed(t *testing.T) {
	c, err := NewCompressor(CompressorS2)
	require.NoError(t, err)
	enc := NewEncoder(c)
	b := batchOf([]storage.KV{{Key: []byte("k"), Value: bytes.Repeat([]byte("x"), 10000)}})
	frame, compressed := enc.AppendMSet(nil, b.Bytes())
	assert.True(t, compressed)
	assert.Less(t, len(frame), b.Size())
}

func TestFrame_literalFallback(t *testing.T) {
	// Random data does not compress, so the literal path must be chosen
	r := rand.New(rand.NewSource(42))
	val := make([]byte, 4096)
	r.Read(val)
	pairs := []storage.KV{{Key: []byte("random"), Value: val}}

	for _, c := range allCompressors(t) {
		t.Run(c.Name(), func(t *testing.T) {
			b := batchOf(pairs)
			frame, compressed := NewEncoder(c).AppendMSet(nil, b.Bytes())
			assert.False(t, compressed)

			// oper, raw_len, compressed_len == 0, raw bytes
			exp := AppendString(nil, []byte(OpMSet))
			exp = AppendLength(exp, uint64(b.Size()))
			exp = AppendLength(exp, 0)
			exp = append(exp, b.Bytes()...)
			assert.Equal(t, exp, frame)

			f, n, err := NewDecoder(c, 0).Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, len(frame), n)
			assert.False(t, f.Compressed)
			assertPairs(t, pairs, f.Pairs)
		})
	}
}

func TestFrame_complete(t *testing.T) {
	c, _ := NewCompressor(CompressorNone)
	frame := NewEncoder(c).AppendComplete(nil)
	assert.Equal(t, append([]byte{8}, "complete"...), frame)
	f, n, err := NewDecoder(c, 0).Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, OpComplete, f.Op)
	assert.Equal(t, len(frame), n)
}

func TestFrame_byteByByte(t *testing.T) {
	for _, c := range allCompressors(t) {
		t.Run(c.Name(), func(t *testing.T) {
			enc := NewEncoder(c)
			var stream []byte
			var expected []storage.KV
			for i := 0; i < 3; i++ {
				var pairs []storage.KV
				for j := 0; j < 50; j++ {
					pairs = append(pairs, storage.KV{
						Key:   []byte(fmt.Sprintf("key-%d-%d", i, j)),
						Value: bytes.Repeat([]byte{byte(j)}, j*3),
					})
				}
				expected = append(expected, pairs...)
				stream, _ = enc.AppendMSet(stream, batchOf(pairs).Bytes())
			}
			stream = enc.AppendComplete(stream)

			// Feed the decoder one byte at a time, like a slow connection
			dec := NewDecoder(c, 0)
			var buf []byte
			var got []storage.KV
			complete := false
			for _, ch := range stream {
				require.False(t, complete, "data after complete")
				buf = append(buf, ch)
				for len(buf) > 0 {
					f, n, err := dec.Decode(buf)
					if err == ErrNeedMore {
						assert.Equal(t, 0, n)
						break
					}
					require.NoError(t, err)
					buf = buf[n:]
					if f.Op == OpComplete {
						complete = true
						break
					}
					got = append(got, f.Pairs...)
				}
			}
			assert.True(t, complete)
			assert.Empty(t, buf)
			assertPairs(t, expected, got)
		})
	}
}

func TestFrame_pairsDoNotAliasInput(t *testing.T) {
	c, _ := NewCompressor(CompressorNone)
	frame, _ := NewEncoder(c).AppendMSet(nil, batchOf(kvs("a", "1")).Bytes())
	f, _, err := NewDecoder(c, 0).Decode(frame)
	require.NoError(t, err)
	for i := range frame {
		frame[i] = 0
	}
	assertPairs(t, kvs("a", "1"), f.Pairs)
}

func TestFrame_errors(t *testing.T) {
	none, _ := NewCompressor(CompressorNone)
	s2c, _ := NewCompressor(CompressorS2)

	msetHeader := func(rawLen, compLen uint64) []byte {
		b := AppendString(nil, []byte(OpMSet))
		b = AppendLength(b, rawLen)
		return AppendLength(b, compLen)
	}

	t.Run("unknown-operation", func(t *testing.T) {
		_, _, err := NewDecoder(none, 0).Decode(AppendString(nil, []byte("del")))
		assert.ErrorIs(t, err, ErrUnknownOperation)
	})
	t.Run("sync-is-not-a-stream-frame", func(t *testing.T) {
		_, _, err := NewDecoder(none, 0).Decode(AppendString(nil, []byte(OpSync)))
		assert.ErrorIs(t, err, ErrUnknownOperation)
	})
	t.Run("oversized-operation-name", func(t *testing.T) {
		_, _, err := NewDecoder(none, 0).Decode(AppendLength(nil, 1000))
		assert.ErrorIs(t, err, ErrUnknownOperation)
	})
	t.Run("malformed-length", func(t *testing.T) {
		_, _, err := NewDecoder(none, 0).Decode([]byte{0xc5, 'x'})
		assert.ErrorIs(t, err, ErrMalformedLength)
	})
	t.Run("partial-pair", func(t *testing.T) {
		raw := AppendString(nil, []byte("key"))
		raw = append(raw, 0x05, 'v') // value announces 5 bytes, has 1
		frame := append(msetHeader(uint64(len(raw)), 0), raw...)
		_, _, err := NewDecoder(none, 0).Decode(frame)
		assert.ErrorIs(t, err, ErrMalformedBatch)
	})
	t.Run("missing-value", func(t *testing.T) {
		raw := AppendString(nil, []byte("key"))
		frame := append(msetHeader(uint64(len(raw)), 0), raw...)
		_, _, err := NewDecoder(none, 0).Decode(frame)
		assert.ErrorIs(t, err, ErrMalformedBatch)
	})
	t.Run("corrupt-compressed", func(t *testing.T) {
		payload := []byte{0xff, 0xfe, 0xfd, 0xfc}
		frame := append(msetHeader(100, uint64(len(payload))), payload...)
		_, _, err := NewDecoder(s2c, 0).Decode(frame)
		assert.ErrorIs(t, err, ErrDecompression)
	})
	t.Run("wrong-raw-length", func(t *testing.T) {
		raw := batchOf([]storage.KV{{Key: []byte("k"), Value: bytes.Repeat([]byte("z"), 1000)}}).Bytes()
		comp := s2c.Compress(nil, raw)
		frame := append(msetHeader(uint64(len(raw)+1), uint64(len(comp))), comp...)
		_, _, err := NewDecoder(s2c, 0).Decode(frame)
		assert.ErrorIs(t, err, ErrDecompression)
	})
	t.Run("compressed-with-none", func(t *testing.T) {
		frame := append(msetHeader(10, 3), 1, 2, 3)
		_, _, err := NewDecoder(none, 0).Decode(frame)
		assert.ErrorIs(t, err, ErrDecompression)
	})
	t.Run("too-large", func(t *testing.T) {
		_, _, err := NewDecoder(none, 1024).Decode(msetHeader(2048, 0))
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})
}

func TestBatch(t *testing.T) {
	var b Batch
	assert.Equal(t, 0, b.Len())
	b.Add([]byte("key"), []byte("value"))
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 1+3+1+5, b.Size())

	// Add copies the input
	key := []byte("k2")
	b.Add(key, nil)
	key[0] = 'X'
	pairs, err := ParsePairs(b.Bytes())
	require.NoError(t, err)
	assertPairs(t, kvs("key", "value", "k2", ""), pairs)

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.Size())
}
