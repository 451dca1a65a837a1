package server

import (
	"context"
	"net"
	"sort"
	"strconv"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"powerdns.com/platform/snapsync/control"
	"powerdns.com/platform/snapsync/flowconn"
	"powerdns.com/platform/snapsync/replication"
	"powerdns.com/platform/snapsync/wire"
)

// Commands
const (
	CmdMakeSnapshot = "rr_make_snapshot"
	CmdDelSnapshot  = "rr_del_snapshot"
	CmdTransfer     = "rr_transfer_snapshot"
	CmdSync         = wire.OpSync
	CmdInfo         = "replic_info"
	CmdPing         = "ping"
)

// commandFunc handles a command. It returns false if no more commands must be
// read from conn, for example after a job used it and failed. The caller
// closes conn in that case.
type commandFunc func(ctx context.Context, conn *flowconn.Conn, args []string) bool

func errorReply(msg string) []string {
	return []string{control.StatusError, msg}
}

func (s *Server) commandTable() map[string]commandFunc {
	return map[string]commandFunc{
		CmdMakeSnapshot: s.cmdMakeSnapshot,
		CmdDelSnapshot:  s.cmdDelSnapshot,
		CmdTransfer:     s.cmdTransfer,
		CmdSync:         s.cmdSync,
		CmdInfo:         s.cmdInfo,
		CmdPing:         s.cmdPing,
	}
}

// Commands returns the supported command names
func (s *Server) Commands() []string {
	names := lo.Keys(s.commands)
	sort.Strings(names)
	return names
}

func (s *Server) cmdPing(ctx context.Context, conn *flowconn.Conn, args []string) bool {
	conn.Request(control.StatusOK)
	return true
}

func (s *Server) cmdMakeSnapshot(ctx context.Context, conn *flowconn.Conn, args []string) bool {
	if err := s.MakeSnapshot(); err != nil {
		s.l.WithError(err).Error("Make snapshot failed")
		conn.Request(errorReply(err.Error())...)
		return true
	}
	conn.Request(control.StatusOK)
	return true
}

func (s *Server) cmdDelSnapshot(ctx context.Context, conn *flowconn.Conn, args []string) bool {
	s.DeleteSnapshot()
	conn.Request(control.StatusOK)
	return true
}

// cmdInfo replies with ok, the export success and failure counts, whether a
// snapshot is present, and the import success and failure counts
func (s *Server) cmdInfo(ctx context.Context, conn *flowconn.Conn, args []string) bool {
	exp := s.ExportStats.Snapshot()
	imp := s.ImportStats.Snapshot()
	present := "no"
	if s.SnapshotInfo().Present {
		present = "yes"
	}
	conn.Request(
		control.StatusOK,
		strconv.FormatUint(exp.Success, 10),
		strconv.FormatUint(exp.Failure, 10),
		present,
		strconv.FormatUint(imp.Success, 10),
		strconv.FormatUint(imp.Failure, 10),
	)
	return true
}

// cmdTransfer exports the current snapshot to the given host and port. The
// connection is the control connection of the job, which replies on it.
func (s *Server) cmdTransfer(ctx context.Context, conn *flowconn.Conn, args []string) bool {
	if len(args) != 2 {
		conn.Request(errorReply("wrong number of arguments")...)
		return true
	}
	addr := net.JoinHostPort(args[0], args[1])
	job, err := s.Transfer(ctx, addr, conn)
	if err != nil {
		// The job replied and closed the connection
		return false
	}
	s.l.WithFields(logrus.Fields{
		"job":  job.ID,
		"addr": addr,
	}).Debug("Transfer command done")
	return conn.Err() == nil
}

// cmdSync hands the connection to an importer. Only one import runs at a
// time, since each one replaces the whole store.
func (s *Server) cmdSync(ctx context.Context, conn *flowconn.Conn, args []string) bool {
	l := s.l.WithField("addr", conn.RemoteAddr())
	if !s.importing.CompareAndSwap(false, true) {
		l.Warn("Rejected import, another import is running")
		conn.Request(errorReply("import in progress")...)
		_ = conn.Flush(ctx, s.opt.Replication.WriteTimeout)
		_ = conn.Close()
		return false
	}
	defer s.importing.Store(false)

	token, err := s.pool.AcquireContext(ctx)
	if err != nil {
		_ = conn.Close()
		return false
	}
	defer token.Release()

	job := replication.NewJob(replication.NextJobID("import"), conn.RemoteAddr(), nil, nil)
	_ = s.importer.Run(ctx, job, conn)
	return false
}
