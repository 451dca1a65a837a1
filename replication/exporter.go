package replication

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"powerdns.com/platform/snapsync/control"
	"powerdns.com/platform/snapsync/flowconn"
	"powerdns.com/platform/snapsync/utils"
	"powerdns.com/platform/snapsync/wire"
)

// UnfinishedReply is sent on the control connection when an export fails
var UnfinishedReply = []string{control.StatusError, "rr_transfer_snapshot unfinished"}

// controlFlushTimeout bounds the delivery of the final reply on the control
// connection
const controlFlushTimeout = 5 * time.Second

// Exporter streams snapshots to other nodes
type Exporter struct {
	opt   Options
	stats *Stats
	l     logrus.FieldLogger

	// Dial is used to connect to the destination, mainly for tests
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewExporter returns an Exporter. stats may be shared between exporters.
func NewExporter(opt Options, stats *Stats, l logrus.FieldLogger) *Exporter {
	d := &net.Dialer{Timeout: opt.ConnectTimeout}
	return &Exporter{
		opt:   opt,
		stats: stats,
		l:     l.WithField("component", "exporter"),
		Dial:  d.DialContext,
	}
}

// Run runs an export job to completion. The result is reported on the
// job's control connection, tallied in the stats and returned.
// The job's snapshot reference is released when Run returns.
func (e *Exporter) Run(ctx context.Context, job *Job) (err error) {
	l := e.l.WithFields(logrus.Fields{
		"job":  job.ID,
		"addr": job.Addr,
	})
	st := transferStats{start: time.Now()}
	metricActive.WithLabelValues(DirectionExport).Inc()

	defer func() {
		metricActive.WithLabelValues(DirectionExport).Dec()
		metricDuration.WithLabelValues(DirectionExport).Observe(time.Since(st.start).Seconds())
		if job.Snapshot != nil {
			job.Snapshot.Release()
		}
		e.report(context.WithoutCancel(ctx), job, err, l)
		l.WithFields(st.fields()).Info("Transfer finished")
		job.finish(err)
	}()

	l.Info("Transfer started")
	if err := e.run(ctx, job, &st, l); err != nil {
		return asError(err)
	}
	return nil
}

// report tallies the result and replies on the control connection
func (e *Exporter) report(ctx context.Context, job *Job, err error, l logrus.FieldLogger) {
	e.stats.AddResult(err)
	ctl := job.Control
	if err == nil {
		if ctl != nil {
			ctl.Request(control.StatusOK)
		}
		return
	}

	l.WithError(err).WithField("kind", KindOf(err)).Error("Transfer failed")
	if ctl == nil {
		return
	}
	if ctl.Err() == nil {
		ctl.Request(UnfinishedReply...)
		if ferr := ctl.Flush(ctx, controlFlushTimeout); ferr != nil {
			l.WithError(ferr).Debug("Could not deliver failure reply")
		}
	}
	_ = ctl.Close()
}

func (e *Exporter) run(ctx context.Context, job *Job, st *transferStats, l logrus.FieldLogger) error {
	if job.Snapshot == nil {
		return newError(KindNoSnapshot, errors.New("no snapshot to transfer"))
	}
	comp, err := wire.NewCompressor(e.opt.Compression)
	if err != nil {
		return err
	}
	if err := e.check(ctx, job, nil); err != nil {
		return err
	}

	// Connect
	dialCtx, cancel := context.WithTimeout(ctx, e.opt.ConnectTimeout)
	nc, err := e.Dial(dialCtx, "tcp", job.Addr)
	cancel()
	if err != nil {
		return newError(KindConnectFailed, err)
	}
	copt := e.opt.connOptions()
	copt.Logger = l
	data := flowconn.New(nc, flowconn.RoleData, copt)
	defer func() {
		_ = data.Close()
	}()
	group := flowconn.Group{data, job.Control}

	// Handshake
	data.Request(wire.OpSync)
	reply, err := data.AwaitReply(ctx, e.opt.HandshakeTimeout)
	if err != nil {
		return newError(KindHandshakeRejected, err)
	}
	if !control.IsOK(reply) {
		return newError(KindHandshakeRejected, errors.Errorf("reply %q", reply))
	}
	l.Debug("Handshake done, streaming")

	// Stream
	it, err := job.Snapshot.NewIterator()
	if err != nil {
		return newError(KindNoSnapshot, err)
	}
	defer it.Close()

	check := func() error {
		return e.check(ctx, job, group)
	}
	emit := func(frame []byte) error {
		return e.enqueue(ctx, data, frame, check)
	}
	p := &producer{
		enc:       wire.NewEncoder(comp),
		batchSize: e.opt.BatchSize,
		stats:     st,
		direction: DirectionExport,
	}
	if err := p.run(it, check, emit); err != nil {
		return err
	}

	// Drain
	for data.Queued() > 0 {
		if err := check(); err != nil {
			return err
		}
		if err := data.Flush(ctx, e.opt.PollInterval); err != nil && !errors.Is(err, flowconn.ErrTimeout) {
			return asError(err)
		}
	}

	// Complete
	data.Enqueue(p.enc.AppendComplete(nil))
	reply, err = data.AwaitReply(ctx, e.opt.CompleteTimeout)
	if err != nil {
		return newError(KindCompletionRejected, err)
	}
	if control.IsFailure(reply) {
		return newError(KindCompletionRejected, errors.Errorf("reply %q", reply))
	}
	return nil
}

// outputQueue is the output side of a data connection
type outputQueue interface {
	Enqueue(b []byte)
	Blocked(highWater int64) bool
}

// enqueue queues frame and then waits while more than the high-water mark is
// queued. The queue thus never holds more than the high-water mark plus one
// frame when a frame is added.
func (e *Exporter) enqueue(ctx context.Context, q outputQueue, frame []byte, check func() error) error {
	q.Enqueue(frame)
	for q.Blocked(e.opt.HighWaterMark) {
		if err := check(); err != nil {
			return err
		}
		metricBackpressure.Inc()
		if err := utils.SleepContext(ctx, e.opt.Backoff); err != nil {
			return newError(KindCanceled, err)
		}
	}
	return nil
}

// check is performed once per iteration of the stream loop
func (e *Exporter) check(ctx context.Context, job *Job, group flowconn.Group) error {
	if job.Canceled() {
		return newError(KindCanceled, errors.New("job canceled"))
	}
	if err := ctx.Err(); err != nil {
		return newError(KindCanceled, err)
	}
	if err := group.Err(); err != nil {
		return newError(KindConnectionBroken, err)
	}
	return nil
}
