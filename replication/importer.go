package replication

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"powerdns.com/platform/snapsync/control"
	"powerdns.com/platform/snapsync/flowconn"
	"powerdns.com/platform/snapsync/storage"
	"powerdns.com/platform/snapsync/wire"
)

// Pauser stops background work on the store while it is being replaced,
// like a maintenance.Runner
type Pauser interface {
	Pause()
	Resume()
}

// Importer applies snapshots received from other nodes to the local store
type Importer struct {
	opt   Options
	st    storage.Interface
	maint Pauser
	stats *Stats
	l     logrus.FieldLogger
}

// NewImporter returns an Importer. maint may be nil.
func NewImporter(opt Options, st storage.Interface, maint Pauser, stats *Stats, l logrus.FieldLogger) *Importer {
	return &Importer{
		opt:   opt,
		st:    st,
		maint: maint,
		stats: stats,
		l:     l.WithField("component", "importer"),
	}
}

// Run handles an incoming transfer on conn, after the ssdb_sync request has
// been read from it. The connection is always closed when Run returns.
func (im *Importer) Run(ctx context.Context, job *Job, conn *flowconn.Conn) (err error) {
	l := im.l.WithFields(logrus.Fields{
		"job":  job.ID,
		"addr": job.Addr,
	})
	st := transferStats{start: time.Now()}
	metricActive.WithLabelValues(DirectionImport).Inc()
	conn.SetRole(flowconn.RoleData)

	defer func() {
		metricActive.WithLabelValues(DirectionImport).Dec()
		metricDuration.WithLabelValues(DirectionImport).Observe(time.Since(st.start).Seconds())
		im.stats.AddResult(err)
		if err != nil {
			l.WithError(err).WithField("kind", KindOf(err)).Error("Transfer failed")
		}
		l.WithFields(st.fields()).Info("Transfer finished")
		job.finish(err)
	}()

	l.Info("Transfer started")
	err = im.run(ctx, job, conn, &st, l)
	if err != nil {
		_ = conn.Close()
		return asError(err)
	}

	// Success, acknowledge completion
	conn.Request(control.StatusOK)
	if ferr := conn.Flush(ctx, im.opt.WriteTimeout); ferr != nil {
		l.WithError(ferr).Warn("Could not deliver completion reply")
	}
	_ = conn.Close()
	return nil
}

func (im *Importer) run(ctx context.Context, job *Job, conn *flowconn.Conn, st *transferStats, l logrus.FieldLogger) error {
	comp, err := wire.NewCompressor(im.opt.Compression)
	if err != nil {
		return err
	}

	// Prepare: the store is replaced by the incoming snapshot
	if im.maint != nil {
		im.maint.Pause()
		defer im.maint.Resume()
	}
	if err := im.st.Clear(); err != nil {
		return newError(KindStorageFailed, errors.Wrap(err, "clear"))
	}
	conn.Request(control.StatusOK, control.StatusOK)

	a := &applier{
		dec:       wire.NewDecoder(comp, im.opt.MaxFrameSize),
		st:        im.st,
		stats:     st,
		l:         l,
		direction: DirectionImport,
	}

	// Receive and apply
	for {
		if job.Canceled() {
			return newError(KindCanceled, errors.New("job canceled"))
		}
		// All data read before an error is in the channel once the error is
		// visible, so one more pump gets everything
		connErr := conn.Err()
		if _, err := conn.Pump(ctx, im.opt.PollInterval); err != nil {
			return newError(KindCanceled, err)
		}

		n, complete, err := a.apply(conn.Input())
		conn.Consume(n)
		if err != nil {
			return err
		}
		if complete {
			l.Debug("Received complete")
			return nil
		}
		if connErr != nil {
			return newError(KindConnectionBroken, connErr)
		}
	}
}
