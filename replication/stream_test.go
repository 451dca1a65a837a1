package replication

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powerdns.com/platform/snapsync/storage"
	"powerdns.com/platform/snapsync/storage/memory"
	"powerdns.com/platform/snapsync/wire"
)

// pairSize returns the serialized size of a pair in a batch
func pairSize(kv storage.KV) int {
	return wire.LengthSize(uint64(len(kv.Key))) + len(kv.Key) +
		wire.LengthSize(uint64(len(kv.Value))) + len(kv.Value)
}

// loadPairs stores n pairs with values of random size and returns them in
// key order
func loadPairs(t *testing.T, n int) (storage.Iterator, []storage.KV) {
	r := rand.New(rand.NewSource(42))
	var pairs []storage.KV
	for i := 0; i < n; i++ {
		v := make([]byte, 1+r.Intn(80))
		r.Read(v)
		pairs = append(pairs, storage.KV{Key: []byte(fmt.Sprintf("key-%05d", i)), Value: v})
	}
	st := memory.New()
	require.NoError(t, st.ApplyBatch(pairs))
	snap, err := st.Snapshot()
	require.NoError(t, err)
	t.Cleanup(snap.Release)
	it, err := snap.NewIterator()
	require.NoError(t, err)
	t.Cleanup(it.Close)
	return it, pairs
}

func TestProducer_batchThreshold(t *testing.T) {
	const batchSize = 1000
	for _, name := range wire.Compressors {
		t.Run(name, func(t *testing.T) {
			comp, err := wire.NewCompressor(name)
			require.NoError(t, err)
			it, pairs := loadPairs(t, 300)

			st := &transferStats{}
			p := &producer{
				enc:       wire.NewEncoder(comp),
				batchSize: batchSize,
				stats:     st,
				direction: DirectionExport,
			}
			var frames [][]byte
			emit := func(frame []byte) error {
				frames = append(frames, frame)
				return nil
			}
			require.NoError(t, p.run(it, func() error { return nil }, emit))
			require.Greater(t, len(frames), 10)
			assert.Equal(t, len(frames), st.frames)
			assert.Equal(t, len(pairs), st.pairs)

			dec := wire.NewDecoder(comp, 0)
			var got []storage.KV
			for i, frame := range frames {
				f, n, err := dec.Decode(frame)
				require.NoError(t, err)
				require.Equal(t, len(frame), n, "one frame per emit")
				require.Equal(t, wire.OpMSet, f.Op)
				require.NotEmpty(t, f.Pairs)

				last := f.Pairs[len(f.Pairs)-1]
				// The batch was below the threshold before its last pair
				assert.LessOrEqual(t, f.RawSize-pairSize(last), batchSize, "frame %d", i)
				if i < len(frames)-1 {
					// and flushed as soon as that pair took it over
					assert.Greater(t, f.RawSize, batchSize, "frame %d", i)
				}
				got = append(got, f.Pairs...)
			}
			// Every pair exactly once, in order, none split
			assert.Equal(t, pairs, got)
		})
	}
}

func TestProducer_checkStops(t *testing.T) {
	comp, err := wire.NewCompressor(wire.CompressorNone)
	require.NoError(t, err)
	it, _ := loadPairs(t, 100)
	p := &producer{
		enc:       wire.NewEncoder(comp),
		batchSize: 100,
		stats:     &transferStats{},
		direction: DirectionExport,
	}
	calls := 0
	stop := errors.New("stop")
	check := func() error {
		calls++
		if calls > 20 {
			return stop
		}
		return nil
	}
	err = p.run(it, check, func([]byte) error { return nil })
	assert.Equal(t, stop, err)
	assert.Equal(t, 20, p.stats.pairs)
}

// slowQueue is an output queue whose writer sends drainStep bytes each time
// the producer checks it
type slowQueue struct {
	queued    int64
	drainStep int64
	maxBefore int64 // most queued when a frame was added
	maxAfter  int64 // most queued right after a frame was added
	maxFrame  int64
	waits     int
}

func (q *slowQueue) Enqueue(b []byte) {
	q.maxBefore = max(q.maxBefore, q.queued)
	q.queued += int64(len(b))
	q.maxAfter = max(q.maxAfter, q.queued)
	q.maxFrame = max(q.maxFrame, int64(len(b)))
}

func (q *slowQueue) Blocked(highWater int64) bool {
	if q.queued <= highWater {
		return false
	}
	q.waits++
	q.queued -= min(q.drainStep, q.queued)
	return true
}

func TestExporter_enqueueHighWaterMark(t *testing.T) {
	logger, _ := test.NewNullLogger()
	opt := DefaultOptions()
	opt.BatchSize = 1024
	opt.HighWaterMark = 4096
	opt.Backoff = time.Microsecond
	e := NewExporter(opt, NewStats(DirectionExport, nil), logger)

	comp, err := wire.NewCompressor(wire.CompressorNone)
	require.NoError(t, err)
	it, _ := loadPairs(t, 2000)
	p := &producer{
		enc:       wire.NewEncoder(comp),
		batchSize: opt.BatchSize,
		stats:     &transferStats{},
		direction: DirectionExport,
	}
	q := &slowQueue{drainStep: 300}
	ctx := context.Background()
	check := func() error { return nil }
	err = p.run(it, check, func(frame []byte) error {
		return e.enqueue(ctx, q, frame, check)
	})
	require.NoError(t, err)

	assert.Greater(t, q.waits, 0, "the producer had to wait")
	assert.LessOrEqual(t, q.maxBefore, opt.HighWaterMark)
	assert.LessOrEqual(t, q.maxAfter, opt.HighWaterMark+q.maxFrame)
	assert.Greater(t, q.maxAfter, opt.HighWaterMark)
}

func TestExporter_enqueueCanceledWhileBlocked(t *testing.T) {
	logger, _ := test.NewNullLogger()
	opt := DefaultOptions()
	opt.HighWaterMark = 10
	opt.Backoff = time.Microsecond
	e := NewExporter(opt, NewStats(DirectionExport, nil), logger)

	// Never drains
	q := &slowQueue{}
	job := NewJob(NextJobID("export"), "nowhere", nil, nil)
	check := func() error {
		return e.check(context.Background(), job, nil)
	}
	done := make(chan error, 1)
	go func() {
		done <- e.enqueue(context.Background(), q, make([]byte, 100), check)
	}()
	time.Sleep(20 * time.Millisecond)
	job.Cancel()
	select {
	case err := <-done:
		assert.Equal(t, KindCanceled, KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("enqueue did not return")
	}
}
