package replication

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powerdns.com/platform/snapsync/control"
	"powerdns.com/platform/snapsync/flowconn"
	"powerdns.com/platform/snapsync/storage"
	"powerdns.com/platform/snapsync/storage/memory"
	"powerdns.com/platform/snapsync/wire"
)

// runImporter starts an importer on one end of a pipe and returns the other
// end, after reading the prepare reply from it
func runImporter(t *testing.T, dst storage.Interface, p Pauser, stats *Stats) (net.Conn, <-chan error) {
	logger, _ := test.NewNullLogger()
	opt := DefaultOptions()
	opt.PollInterval = 10 * time.Millisecond

	c1, c2 := net.Pipe()
	conn := flowconn.New(c2, flowconn.RoleControl, flowconn.Options{Logger: logger})
	im := NewImporter(opt, dst, p, stats, logger)
	job := NewJob(NextJobID("import"), "source", nil, nil)
	res := make(chan error, 1)
	go func() {
		res <- im.Run(context.Background(), job, conn)
	}()

	expected := control.Append(nil, control.StatusOK, control.StatusOK)
	buf := make([]byte, len(expected))
	_, err := io.ReadFull(c1, buf)
	require.NoError(t, err)
	require.Equal(t, expected, buf)
	return c1, res
}

func waitResult(t *testing.T, res <-chan error) error {
	select {
	case err := <-res:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("importer did not finish")
		return nil
	}
}

func TestImporter_ok(t *testing.T) {
	dst := memory.New()
	require.NoError(t, dst.ApplyBatch([]storage.KV{{Key: []byte("old"), Value: []byte("x")}}))
	p := &countingPauser{}
	stats := NewStats(DirectionImport, nil)
	nc, res := runImporter(t, dst, p, stats)
	defer nc.Close()

	comp, err := wire.NewCompressor(wire.DefaultCompressor)
	require.NoError(t, err)
	enc := wire.NewEncoder(comp)
	var b wire.Batch
	b.Add([]byte("a"), []byte("1"))
	b.Add([]byte("b"), []byte("2"))
	frame, _ := enc.AppendMSet(nil, b.Bytes())
	frame = enc.AppendComplete(frame)
	// Write in two parts to split a frame across reads
	_, err = nc.Write(frame[:3])
	require.NoError(t, err)
	_, err = nc.Write(frame[3:])
	require.NoError(t, err)

	expected := control.Append(nil, control.StatusOK)
	buf := make([]byte, len(expected))
	_, err = io.ReadFull(nc, buf)
	require.NoError(t, err)
	assert.Equal(t, expected, buf)

	require.NoError(t, waitResult(t, res))
	assert.Equal(t, 2, dst.Len())
	assert.Equal(t, 1, p.paused)
	assert.Equal(t, 1, p.resumed)
	assert.Equal(t, uint64(1), stats.Snapshot().Success)
}

func TestImporter_failures(t *testing.T) {
	comp, err := wire.NewCompressor(wire.DefaultCompressor)
	require.NoError(t, err)
	enc := wire.NewEncoder(comp)
	var b wire.Batch
	b.Add([]byte("a"), []byte("1"))
	goodFrame, _ := enc.AppendMSet(nil, b.Bytes())

	tests := []struct {
		name  string
		input []byte
		kind  Kind
	}{
		{
			name:  "unknown operation",
			input: wire.AppendString(nil, []byte("set")),
			kind:  KindUnknownOperation,
		},
		{
			name:  "malformed length",
			input: []byte{0xfe, 0, 0},
			kind:  KindMalformedLength,
		},
		{
			// raw length 10, compressed length 3, garbage payload
			name: "decompression",
			input: append(wire.AppendString(nil, []byte(wire.OpMSet)),
				10, 3, 0xff, 0xff, 0xff),
			kind: KindDecompressionError,
		},
		{
			// literal payload holding half a pair
			name: "malformed batch",
			input: append(wire.AppendString(nil, []byte(wire.OpMSet)),
				2, 0, 1, 'a'),
			kind: KindMalformedBatch,
		},
		{
			name:  "closed mid-stream",
			input: goodFrame,
			kind:  KindConnectionBroken,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := memory.New()
			stats := NewStats(DirectionImport, nil)
			nc, res := runImporter(t, dst, nil, stats)
			_, err := nc.Write(tt.input)
			require.NoError(t, err)
			if tt.kind == KindConnectionBroken {
				require.NoError(t, nc.Close())
			}

			err = waitResult(t, res)
			assert.Equal(t, tt.kind, KindOf(err), "%v", err)
			assert.Equal(t, uint64(1), stats.Snapshot().Failure)

			if tt.kind != KindConnectionBroken {
				// No completion reply, the connection is closed
				_ = nc.SetReadDeadline(time.Now().Add(time.Second))
				_, err = nc.Read(make([]byte, 1))
				assert.ErrorIs(t, err, io.EOF)
				_ = nc.Close()
			}
		})
	}
}

// clearFailingStore fails to remove existing data
type clearFailingStore struct {
	storage.Interface
}

func (clearFailingStore) Clear() error {
	return errors.New("disk on fire")
}

func TestImporter_clearFails(t *testing.T) {
	logger, _ := test.NewNullLogger()
	c1, c2 := net.Pipe()
	defer c1.Close()
	conn := flowconn.New(c2, flowconn.RoleControl, flowconn.Options{Logger: logger})
	stats := NewStats(DirectionImport, nil)
	p := &countingPauser{}
	im := NewImporter(DefaultOptions(), clearFailingStore{memory.New()}, p, stats, logger)
	res := make(chan error, 1)
	go func() {
		res <- im.Run(context.Background(), NewJob(NextJobID("import"), "source", nil, nil), conn)
	}()

	err := waitResult(t, res)
	assert.Equal(t, KindStorageFailed, KindOf(err), "%v", err)
	assert.Equal(t, uint64(1), stats.Snapshot().Failure)
	assert.Equal(t, 1, p.resumed)

	// No prepare reply, the connection is closed
	_ = c1.SetReadDeadline(time.Now().Add(time.Second))
	_, err = c1.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
