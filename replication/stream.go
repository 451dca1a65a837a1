package replication

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"powerdns.com/platform/snapsync/storage"
	"powerdns.com/platform/snapsync/utils"
	"powerdns.com/platform/snapsync/wire"
)

// producer turns snapshot pairs into mset frames
type producer struct {
	enc       *wire.Encoder
	batchSize int
	batch     wire.Batch
	stats     *transferStats
	direction string
}

// run adds all pairs of it to batches. A batch is flushed as one frame as
// soon as its size exceeds the batch size, so a pair is never split. check
// is called once per pair before it is added.
func (p *producer) run(it storage.Iterator, check func() error, emit func(frame []byte) error) error {
	for it.Next() {
		if err := check(); err != nil {
			return err
		}
		p.batch.Add(it.Key(), it.Value())
		p.stats.pairs++
		if p.batch.Size() > p.batchSize {
			if err := p.flush(emit); err != nil {
				return err
			}
		}
	}
	if err := it.Err(); err != nil {
		return newError(KindStorageFailed, errors.Wrap(err, "iterate snapshot"))
	}
	if p.batch.Len() > 0 {
		return p.flush(emit)
	}
	return nil
}

func (p *producer) flush(emit func(frame []byte) error) error {
	frame, _ := p.enc.AppendMSet(nil, p.batch.Bytes())
	p.stats.frames++
	p.stats.rawBytes += p.batch.Size()
	p.stats.wireBytes += len(frame)
	metricFrames.WithLabelValues(p.direction).Inc()
	metricPairs.WithLabelValues(p.direction).Add(float64(p.batch.Len()))
	metricRawBytes.WithLabelValues(p.direction).Add(float64(p.batch.Size()))
	p.batch.Reset()
	return emit(frame)
}

// applier decodes frames and applies them to a store in order
type applier struct {
	dec       *wire.Decoder
	st        storage.Interface
	stats     *transferStats
	l         logrus.FieldLogger
	direction string
}

// apply decodes and applies all complete frames at the start of buf. It
// returns the number of bytes consumed and whether the end of the stream
// was reached. Bytes after the complete frame are not consumed.
func (a *applier) apply(buf []byte) (consumed int, complete bool, err error) {
	for {
		f, n, err := a.dec.Decode(buf[consumed:])
		if err == wire.ErrNeedMore {
			return consumed, false, nil
		}
		if err != nil {
			return consumed, false, asError(err)
		}
		consumed += n
		a.stats.wireBytes += n
		if f.Op == wire.OpComplete {
			return consumed, true, nil
		}

		if err := a.st.ApplyBatch(f.Pairs); err != nil {
			l := a.l.WithError(err).WithField("batch_pairs", len(f.Pairs))
			if len(f.Pairs) > 0 {
				l = l.WithField("first_key", utils.DisplayASCII(f.Pairs[0].Key, 64))
			}
			l.Error("Apply batch failed")
			return consumed, false, newError(KindApplyFailed, err)
		}
		a.stats.frames++
		a.stats.pairs += len(f.Pairs)
		a.stats.rawBytes += f.RawSize
		metricFrames.WithLabelValues(a.direction).Inc()
		metricPairs.WithLabelValues(a.direction).Add(float64(len(f.Pairs)))
		metricRawBytes.WithLabelValues(a.direction).Add(float64(f.RawSize))
	}
}
