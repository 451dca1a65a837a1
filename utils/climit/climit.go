// Package climit limits the number of jobs that run at the same time.
package climit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// New creates a new ConcurrencyLimit for the named pool with a given limit.
// The name is used for Prometheus metrics.
func New(name string, limit int, logger logrus.FieldLogger) *ConcurrencyLimit {
	if logger == nil {
		lr := logrus.New()
		lr.SetLevel(logrus.PanicLevel) // never reached
		logger = lr
	}
	logger = logger.WithField("pool", name)
	if limit < 1 {
		logger.Warnf(
			"Increasing concurrency limit from configured %d to minimum of 1", limit)
		limit = 1
	}
	l := &ConcurrencyLimit{
		name:   name,
		limit:  limit,
		labels: prometheus.Labels{"pool": name},
		ch:     make(chan struct{}, limit),
		log:    logger,
	}
	for i := 0; i < limit; i++ {
		l.ch <- struct{}{}
	}
	metricLimit.With(l.labels).Set(float64(limit))
	return l
}

// ConcurrencyLimit enforces a concurrency limit with tokens that need to be
// held by goroutines.
// A Token is acquired with Acquire or AcquireContext, and MUST be released
// by calling Token.Release().
type ConcurrencyLimit struct {
	name   string
	limit  int
	labels prometheus.Labels
	ch     chan struct{}
	log    logrus.FieldLogger
}

// Limit returns the configured number of tokens
func (cl *ConcurrencyLimit) Limit() int {
	return cl.limit
}

// Available returns the number of tokens that can be acquired right now
func (cl *ConcurrencyLimit) Available() int {
	return len(cl.ch)
}

// Acquire acquires a Token. It will block until a free Token is available.
// You MUST call Token.Release() when you are done with the operation.
func (cl *ConcurrencyLimit) Acquire() *Token {
	t, _ := cl.AcquireContext(context.Background())
	return t
}

// AcquireContext is like Acquire, but gives up when ctx is done.
func (cl *ConcurrencyLimit) AcquireContext(ctx context.Context) (*Token, error) {
	cl.log.Debug("Acquiring token")
	metricWaiting.With(cl.labels).Inc()
	t0 := time.Now()
	select {
	case <-cl.ch:
	case <-ctx.Done():
		metricWaiting.With(cl.labels).Dec()
		metricGaveUpTotal.With(cl.labels).Inc()
		return nil, ctx.Err()
	}
	dt := time.Since(t0)

	metricWaiting.With(cl.labels).Dec()
	metricActive.With(cl.labels).Inc()
	metricAcquiredTotal.With(cl.labels).Inc()
	metricWaitingSeconds.With(cl.labels).Observe(dt.Seconds())

	token := &Token{
		cl:   cl,
		time: time.Now(),
	}
	cl.log.WithField("time_to_acquire", dt).Debug("Acquired token")
	return token, nil
}

// TryAcquire returns a Token if one is free, or nil.
func (cl *ConcurrencyLimit) TryAcquire() *Token {
	select {
	case <-cl.ch:
	default:
		metricGaveUpTotal.With(cl.labels).Inc()
		return nil
	}
	metricActive.With(cl.labels).Inc()
	metricAcquiredTotal.With(cl.labels).Inc()
	return &Token{
		cl:   cl,
		time: time.Now(),
	}
}

// Token represents the token that allows the caller to proceed with a limited
// operation.
type Token struct {
	cl   *ConcurrencyLimit
	time time.Time

	mu       sync.Mutex
	released bool
}

// Release releases the Token.
// It can safely be called more than once, even from different goroutines.
// It returns how long the Token was held, or 0 if it had already been released.
func (t *Token) Release() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return 0
	}
	t.cl.ch <- struct{}{}
	t.released = true
	dt := time.Since(t.time)
	metricActive.With(t.cl.labels).Dec()
	metricActiveSeconds.With(t.cl.labels).Observe(dt.Seconds())
	t.cl.log.Debug("Released token")
	t.cl = nil
	return dt
}
