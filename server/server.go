// Package server accepts replication commands over TCP and runs the
// resulting transfers.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"powerdns.com/platform/snapsync/flowconn"
	"powerdns.com/platform/snapsync/replication"
	"powerdns.com/platform/snapsync/storage"
	"powerdns.com/platform/snapsync/utils"
	"powerdns.com/platform/snapsync/utils/climit"
)

// commandTimeout is how long a control connection may be idle before we
// check for shutdown again. Idle connections are not closed.
const commandTimeout = time.Minute

// Options configures a Server
type Options struct {
	Replication replication.Options
	Workers     int
	// ExportTracker and ImportTracker are optional, like a
	// healthtracker.HealthTracker
	ExportTracker replication.Tracker
	ImportTracker replication.Tracker
}

// Server owns the storage snapshot and runs transfer jobs
type Server struct {
	opt      Options
	st       storage.Interface
	l        logrus.FieldLogger
	pool     *climit.ConcurrencyLimit
	exporter *replication.Exporter
	importer *replication.Importer

	ExportStats *replication.Stats
	ImportStats *replication.Stats

	snapMu      utils.MonitoredMutex
	snap        *storage.Handle
	snapCreated time.Time

	importing atomic.Bool
	commands  map[string]commandFunc
	conns     sync.WaitGroup
	addr      chan net.Addr
}

// New returns a Server for st. maint is paused while a snapshot is imported
// and may be nil.
func New(st storage.Interface, maint replication.Pauser, opt Options, l logrus.FieldLogger) *Server {
	l = l.WithField("component", "server")
	s := &Server{
		opt:         opt,
		st:          st,
		l:           l,
		pool:        climit.New("transfers", opt.Workers, l),
		ExportStats: replication.NewStats(replication.DirectionExport, opt.ExportTracker),
		ImportStats: replication.NewStats(replication.DirectionImport, opt.ImportTracker),
		addr:        make(chan net.Addr, 1),
	}
	s.snapMu.Logger = l
	s.snapMu.Name = "snapshot"
	s.exporter = replication.NewExporter(opt.Replication, s.ExportStats, l)
	s.importer = replication.NewImporter(opt.Replication, st, maint, s.ImportStats, l)
	s.commands = s.commandTable()
	return s
}

// SetDialer replaces the function used to connect to transfer destinations
func (s *Server) SetDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) {
	s.exporter.Dial = dial
}

// Addr returns the listening address once Serve has started
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case a := <-s.addr:
		s.addr <- a
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListenAndServe listens on addr and calls Serve
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections until ctx is canceled. Running jobs are canceled
// through ctx and waited for before Serve returns. The listener is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.addr <- ln.Addr()
	s.l.WithField("listen", ln.Addr().String()).Info("Accepting connections")

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		_ = ln.Close()
		return nil
	})
	eg.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					s.l.WithError(err).Warn("Accept error, retrying")
					if err := utils.SleepContext(ctx, 100*time.Millisecond); err != nil {
						return nil
					}
					continue
				}
				return errors.Wrap(err, "accept")
			}
			metricConnections.Inc()
			s.conns.Add(1)
			go func() {
				defer s.conns.Done()
				s.handleConn(ctx, nc)
			}()
		}
	})

	err := eg.Wait()
	s.conns.Wait()
	s.DeleteSnapshot()
	s.l.Info("Server stopped")
	return err
}

// handleConn reads commands until the connection fails or a command stops
// the loop, and then closes the connection
func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	copt := flowconn.Options{
		ReadChunkSize: s.opt.Replication.ReadChunkSize,
		WriteTimeout:  s.opt.Replication.WriteTimeout,
		Logger:        s.l,
	}
	conn := flowconn.New(nc, flowconn.RoleControl, copt)
	// Close is idempotent, commands that closed conn themselves are fine
	defer func() { _ = conn.Close() }()
	l := s.l.WithField("addr", conn.RemoteAddr())
	l.Debug("Connection accepted")

	for {
		req, err := conn.AwaitReply(ctx, commandTimeout)
		if errors.Is(err, flowconn.ErrTimeout) {
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				l.WithError(err).Debug("Connection done")
			}
			return
		}
		if !s.dispatch(ctx, conn, req, l) {
			return
		}
	}
}

// dispatch runs a single command. It returns false when no more commands
// must be read from the connection.
func (s *Server) dispatch(ctx context.Context, conn *flowconn.Conn, req []string, l logrus.FieldLogger) bool {
	if len(req) == 0 {
		conn.Request(errorReply("empty command")...)
		return true
	}
	name := req[0]
	cmd, ok := s.commands[name]
	if !ok {
		metricCommands.WithLabelValues("unknown").Inc()
		l.WithField("command", utils.DisplayASCII([]byte(name), 64)).Debug("Unknown command")
		conn.Request(errorReply("unknown command")...)
		return true
	}
	metricCommands.WithLabelValues(name).Inc()
	l.WithField("command", name).Debug("Command")
	return cmd(ctx, conn, req[1:])
}

// MakeSnapshot replaces the current snapshot with a new one. Jobs using the
// old snapshot keep it until they finish.
func (s *Server) MakeSnapshot() error {
	snap, err := s.st.Snapshot()
	if err != nil {
		return errors.Wrap(err, "snapshot")
	}
	h := storage.NewHandle(snap)

	s.snapMu.Lock()
	old := s.snap
	s.snap = h
	s.snapCreated = time.Now()
	s.snapMu.Unlock()

	if old != nil {
		old.Release()
	}
	s.l.Info("Snapshot created")
	return nil
}

// DeleteSnapshot drops the current snapshot
func (s *Server) DeleteSnapshot() {
	s.snapMu.Lock()
	old := s.snap
	s.snap = nil
	s.snapCreated = time.Time{}
	s.snapMu.Unlock()

	if old != nil {
		old.Release()
		s.l.Info("Snapshot deleted")
	}
}

// acquireSnapshot returns a new reference to the current snapshot, or nil
func (s *Server) acquireSnapshot() *storage.Handle {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if s.snap == nil {
		return nil
	}
	h, err := s.snap.Acquire()
	if err != nil {
		return nil
	}
	return h
}

// SnapshotInfo describes the current snapshot
type SnapshotInfo struct {
	Present bool
	Created time.Time
	Refs    int
}

// SnapshotInfo returns information about the current snapshot
func (s *Server) SnapshotInfo() SnapshotInfo {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if s.snap == nil {
		return SnapshotInfo{}
	}
	return SnapshotInfo{
		Present: true,
		Created: s.snapCreated,
		Refs:    s.snap.Refs(),
	}
}

// Transfer exports the current snapshot to addr and waits for the result.
// ctl receives the result and may be nil.
func (s *Server) Transfer(ctx context.Context, addr string, ctl *flowconn.Conn) (*replication.Job, error) {
	job := replication.NewJob(replication.NextJobID("export"), addr, ctl, s.acquireSnapshot())
	token, err := s.pool.AcquireContext(ctx)
	if err != nil {
		// The exporter reports the failure in the usual way
		job.Cancel()
		return job, s.exporter.Run(ctx, job)
	}
	defer token.Release()
	return job, s.exporter.Run(ctx, job)
}
