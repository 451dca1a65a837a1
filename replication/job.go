// Package replication streams a storage snapshot to another node and applies
// a stream received from another node.
//
// An export job connects to the destination, performs the ssdb_sync
// handshake, streams the snapshot as mset frames while respecting
// backpressure, ends with a complete frame and reports the outcome on the
// control connection of the node that requested the transfer.
// An import job clears the local store, applies every received batch in
// order and acknowledges completion.
package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"powerdns.com/platform/snapsync/config"
	"powerdns.com/platform/snapsync/flowconn"
	"powerdns.com/platform/snapsync/storage"
)

var jobSeq atomic.Uint64

// NextJobID returns a process wide unique job id
func NextJobID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, jobSeq.Inc())
}

// Job is a single transfer
type Job struct {
	ID string
	// Addr is the destination for export jobs and the source for import jobs
	Addr string
	// Control receives the result of an export job. It may be nil.
	// On success it is left open for the caller, on failure it is closed.
	Control *flowconn.Conn
	// Snapshot is the data to export. The job owns one reference, which it
	// releases when it finishes.
	Snapshot *storage.Handle
	Created  time.Time

	canceled atomic.Bool
	done     chan struct{}
	err      error
}

// NewJob returns a new Job. snap may be nil for import jobs.
func NewJob(id, addr string, ctl *flowconn.Conn, snap *storage.Handle) *Job {
	return &Job{
		ID:       id,
		Addr:     addr,
		Control:  ctl,
		Snapshot: snap,
		Created:  time.Now(),
		done:     make(chan struct{}),
	}
}

// Cancel asks the job to stop at its next check
func (j *Job) Cancel() {
	j.canceled.Store(true)
}

// Canceled reports whether Cancel was called
func (j *Job) Canceled() bool {
	return j.canceled.Load()
}

// Done is closed when the job finished
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err returns the result of a finished job
func (j *Job) Err() error {
	<-j.done
	return j.err
}

// Wait waits for the job to finish or the context to close
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) finish(err error) {
	j.err = err
	close(j.done)
}

// Options tune the transfer
type Options struct {
	BatchSize     int   // Flush a batch once it grows beyond this size
	HighWaterMark int64 // Stop producing while more is queued
	Backoff       time.Duration
	PollInterval  time.Duration
	ReadChunkSize int

	WriteTimeout     time.Duration
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	CompleteTimeout  time.Duration

	Compression  string
	MaxFrameSize uint64
}

// OptionsFromConfig converts the replication config section
func OptionsFromConfig(c config.Replication) Options {
	return Options{
		BatchSize:        int(c.BatchSize.Bytes()),
		HighWaterMark:    int64(c.HighWaterMark.Bytes()),
		Backoff:          c.Backoff,
		PollInterval:     c.PollInterval,
		ReadChunkSize:    int(c.ReadChunkSize.Bytes()),
		WriteTimeout:     c.WriteTimeout,
		ConnectTimeout:   c.ConnectTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		CompleteTimeout:  c.CompleteTimeout,
		Compression:      c.Compression,
		MaxFrameSize:     c.MaxFrameSize.Bytes(),
	}
}

// DefaultOptions returns the Options of the default config
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default().Replication)
}

func (o Options) connOptions() flowconn.Options {
	return flowconn.Options{
		ReadChunkSize: o.ReadChunkSize,
		WriteTimeout:  o.WriteTimeout,
	}
}

// transferStats are logged at the end of a job
type transferStats struct {
	pairs     int
	frames    int
	rawBytes  int
	wireBytes int
	start     time.Time
}

func (s transferStats) fields() logrus.Fields {
	dt := time.Since(s.start)
	rate := 0.0
	if secs := dt.Seconds(); secs > 0 {
		rate = float64(s.pairs) / secs
	}
	return logrus.Fields{
		"pairs":      s.pairs,
		"frames":     s.frames,
		"raw_size":   datasize.ByteSize(s.rawBytes).HR(),
		"wire_size":  datasize.ByteSize(s.wireBytes).HR(),
		"time_taken": dt.Round(time.Millisecond),
		"pairs_sec":  int(rate),
	}
}
