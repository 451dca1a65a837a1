// Package flowconn implements a flow controlled, buffered connection.
//
// A Conn owns a reader and a writer goroutine. Output is queued without
// blocking and written in the background; the owner watches the amount of
// queued bytes to apply backpressure. Input is read in chunks and handed to
// the owner, which parses it from a single input buffer.
// Only one goroutine, the owner, may call methods other than Err, Queued,
// Blocked and Close.
package flowconn

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"powerdns.com/platform/snapsync/control"
)

// Role describes what a connection is used for
type Role string

const (
	// RoleControl connections carry commands and their replies
	RoleControl Role = "control"
	// RoleData connections carry the snapshot stream
	RoleData Role = "data"
)

var (
	// ErrConnectionBroken is returned for any read or write failure,
	// including an orderly close by the peer
	ErrConnectionBroken = errors.New("connection broken")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("connection closed")
	// ErrTimeout is returned by AwaitReply and Flush when the timeout expires
	ErrTimeout = errors.New("timeout")
)

// Defaults
const (
	DefaultReadChunkSize = 256 * 1024
	DefaultWriteTimeout  = time.Minute
)

// readQueueChunks bounds the number of read chunks not yet taken by the owner
const readQueueChunks = 16

// Options configures a Conn
type Options struct {
	ReadChunkSize int
	WriteTimeout  time.Duration // 0 for no timeout
	Logger        logrus.FieldLogger
}

// Conn is a flow controlled connection
type Conn struct {
	nc   net.Conn
	opt  Options
	role atomic.String
	l    logrus.FieldLogger

	// Output
	mu      sync.Mutex
	out     net.Buffers
	queued  atomic.Int64
	wake    chan struct{}
	drained chan struct{}

	// Input
	chunks chan []byte
	inBuf  []byte
	inOff  int

	errOnce sync.Once
	err     error
	errCh   chan struct{} // closed on first error

	closeOnce sync.Once
	done      chan struct{} // closed on Close
	wg        sync.WaitGroup
}

// New wraps nc and starts the reader and writer goroutines
func New(nc net.Conn, role Role, opt Options) *Conn {
	if opt.ReadChunkSize <= 0 {
		opt.ReadChunkSize = DefaultReadChunkSize
	}
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}
	c := &Conn{
		nc:      nc,
		opt:     opt,
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}, 1),
		chunks:  make(chan []byte, readQueueChunks),
		errCh:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.role.Store(string(role))
	c.l = opt.Logger.WithField("addr", c.RemoteAddr())
	metricOpen.WithLabelValues(string(role)).Inc()

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Role returns the current role
func (c *Conn) Role() Role {
	return Role(c.role.Load())
}

// SetRole changes the role, for example when a connection that sent a
// command becomes the data connection of a transfer.
func (c *Conn) SetRole(role Role) {
	old := c.role.Swap(string(role))
	if old != string(role) {
		metricOpen.WithLabelValues(old).Dec()
		metricOpen.WithLabelValues(string(role)).Inc()
	}
}

// RemoteAddr returns the address of the peer
func (c *Conn) RemoteAddr() string {
	if a := c.nc.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (c *Conn) logger() logrus.FieldLogger {
	return c.l.WithField("role", c.Role())
}

// fail records the first error and wakes up everyone waiting
func (c *Conn) fail(err error) {
	c.errOnce.Do(func() {
		c.err = err
		close(c.errCh)
		metricBroken.WithLabelValues(string(c.Role())).Inc()
		c.logger().WithError(err).Debug("Connection failed")
	})
}

// Err returns the first read or write error, or nil
func (c *Conn) Err() error {
	select {
	case <-c.errCh:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	for {
		buf := make([]byte, c.opt.ReadChunkSize)
		n, err := c.nc.Read(buf)
		if n > 0 {
			metricBytesRead.WithLabelValues(string(c.Role())).Add(float64(n))
			select {
			case c.chunks <- buf[:n]:
			case <-c.done:
				return
			}
		}
		if err != nil {
			if c.closing() {
				return
			}
			if err == io.EOF {
				c.fail(errors.Wrap(ErrConnectionBroken, "closed by peer"))
			} else {
				c.fail(errors.Wrapf(ErrConnectionBroken, "read: %v", err))
			}
			return
		}
		if n == 0 {
			// A zero byte read without error should not happen on a socket
			c.fail(errors.Wrap(ErrConnectionBroken, "zero byte read"))
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			bufs := c.out
			c.out = nil
			c.mu.Unlock()
			if len(bufs) == 0 {
				break
			}

			var size int64
			for _, b := range bufs {
				size += int64(len(b))
			}
			if c.opt.WriteTimeout > 0 {
				_ = c.nc.SetWriteDeadline(time.Now().Add(c.opt.WriteTimeout))
			}
			n, err := bufs.WriteTo(c.nc)
			metricBytesWritten.WithLabelValues(string(c.Role())).Add(float64(n))
			c.queued.Sub(size)
			if err != nil {
				if !c.closing() {
					c.fail(errors.Wrapf(ErrConnectionBroken, "write: %v", err))
				}
				return
			}
		}
		select {
		case c.drained <- struct{}{}:
		default:
		}
	}
}

// Enqueue queues b for writing. It never blocks. The Conn takes ownership
// of b. Data enqueued after an error or Close is discarded.
func (c *Conn) Enqueue(b []byte) {
	if len(b) == 0 || c.Err() != nil || c.closing() {
		return
	}
	c.queued.Add(int64(len(b)))
	c.mu.Lock()
	c.out = append(c.out, b)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Queued returns the number of bytes queued but not yet written
func (c *Conn) Queued() int64 {
	return c.queued.Load()
}

// Blocked reports whether more than highWater bytes are queued
func (c *Conn) Blocked(highWater int64) bool {
	return c.queued.Load() > highWater
}

// WaitDrained waits until all queued output has been written
func (c *Conn) WaitDrained(ctx context.Context) error {
	for {
		if err := c.Err(); err != nil {
			return err
		}
		if c.queued.Load() == 0 {
			return nil
		}
		select {
		case <-c.drained:
		case <-c.errCh:
		case <-c.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Flush is WaitDrained with a timeout
func (c *Conn) Flush(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := c.WaitDrained(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrTimeout, "flush")
	}
	return err
}

// Pump moves received data into the input buffer. It waits at most wait
// for the first chunk, then takes whatever else is immediately available.
// It returns the number of bytes added. Errors of the connection are not
// returned, check Err. Only a closed context returns an error.
func (c *Conn) Pump(ctx context.Context, wait time.Duration) (int, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	total := 0
	select {
	case b := <-c.chunks:
		total += c.addInput(b)
	case <-c.errCh:
		// Data read before the error may still be queued
	case <-c.done:
		return 0, nil
	case <-timer.C:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	for {
		select {
		case b := <-c.chunks:
			total += c.addInput(b)
		default:
			return total, nil
		}
	}
}

func (c *Conn) addInput(b []byte) int {
	if c.inOff > 0 && c.inOff >= len(c.inBuf)/2 {
		// Compact before growing
		n := copy(c.inBuf, c.inBuf[c.inOff:])
		c.inBuf = c.inBuf[:n]
		c.inOff = 0
	}
	c.inBuf = append(c.inBuf, b...)
	return len(b)
}

// Input returns the unconsumed input. Only valid until the next Pump or
// Consume call.
func (c *Conn) Input() []byte {
	return c.inBuf[c.inOff:]
}

// Consume marks n bytes of input as processed
func (c *Conn) Consume(n int) {
	c.inOff += n
	if c.inOff >= len(c.inBuf) {
		c.inBuf = c.inBuf[:0]
		c.inOff = 0
	}
}

// Request enqueues a control message
func (c *Conn) Request(items ...string) {
	c.Enqueue(control.Append(nil, items...))
}

// AwaitReply waits for a complete control message, pumping input as needed
func (c *Conn) AwaitReply(ctx context.Context, timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(timeout)
	for {
		items, n, err := control.Parse(c.Input())
		if err == nil {
			c.Consume(n)
			return items, nil
		}
		if err != control.ErrNeedMore {
			return nil, err
		}
		if c.closing() {
			return nil, ErrClosed
		}
		// A reply may have arrived right before the connection failed
		connErr := c.Err()
		remaining := time.Until(deadline)
		if remaining <= 0 && connErr == nil {
			return nil, errors.Wrap(ErrTimeout, "waiting for reply")
		}
		n, err = c.Pump(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if connErr != nil && n == 0 {
			return nil, connErr
		}
	}
}

// Close closes the connection and stops both goroutines. Queued output is
// discarded, use Flush first to deliver it. Close is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.nc.Close()
		c.wg.Wait()
		metricOpen.WithLabelValues(string(c.Role())).Dec()
	})
	return err
}

// Group is the set of connections used by one job
type Group []*Conn

// Err returns the error of the first broken connection, annotated with its
// role
func (g Group) Err() error {
	for _, c := range g {
		if c == nil {
			continue
		}
		if err := c.Err(); err != nil {
			return errors.Wrapf(err, "%s connection", c.Role())
		}
	}
	return nil
}
