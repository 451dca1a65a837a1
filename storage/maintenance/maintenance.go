// Package maintenance runs periodic background maintenance on a storage
// engine, like compaction. Maintenance can be paused while the store is being
// replaced by an incoming snapshot.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"powerdns.com/platform/snapsync/storage"
	"powerdns.com/platform/snapsync/utils"
)

// Runner runs Maintain on a store at a fixed interval.
// Pause and Resume nest: maintenance only runs when every Pause has been
// matched by a Resume.
type Runner struct {
	st       storage.Interface
	interval time.Duration
	l        logrus.FieldLogger

	mu     sync.Mutex
	paused int
	idle   *sync.Cond // signalled when a pass finishes
	active bool       // a pass is running
	passes int
}

func New(st storage.Interface, interval time.Duration, l logrus.FieldLogger) *Runner {
	r := &Runner{
		st:       st,
		interval: interval,
		l:        l.WithField("component", "maintenance"),
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// Run runs maintenance according to the configured interval.
// It only returns when the context is closed. An interval of 0 disables
// maintenance, but Run still blocks until the context is closed.
func (r *Runner) Run(ctx context.Context) error {
	if r.interval <= 0 {
		r.l.Info("Storage maintenance disabled")
		<-ctx.Done()
		return context.Canceled
	}
	for {
		if err := utils.SleepContextPerturb(ctx, r.interval); err != nil {
			return err // context closed
		}
		err := r.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			r.l.WithError(err).Warn("Storage maintenance failed")
		}
	}
}

// RunOnce performs a single maintenance pass, unless paused
func (r *Runner) RunOnce(ctx context.Context) error {
	r.mu.Lock()
	if r.paused > 0 {
		r.mu.Unlock()
		r.l.Debug("Storage maintenance paused, skipping")
		metricSkipped.Inc()
		return nil
	}
	r.active = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active = false
		r.passes++
		r.idle.Broadcast()
		r.mu.Unlock()
	}()

	t0 := time.Now()
	r.l.Debug("Storage maintenance started")
	err := r.st.Maintain(ctx)
	dt := utils.TimeDiff(time.Now(), t0)
	metricDuration.Observe(dt.Seconds())
	if err != nil {
		metricFailed.Inc()
		return err
	}
	r.l.WithField("time_taken", dt).Debug("Storage maintenance finished")
	return nil
}

// Pause prevents new maintenance passes and waits for a running pass to
// finish.
func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused++
	metricPaused.Set(1)
	for r.active {
		r.idle.Wait()
	}
}

// Resume undoes one Pause
func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused == 0 {
		r.l.Warn("Resume without Pause")
		return
	}
	r.paused--
	if r.paused == 0 {
		metricPaused.Set(0)
	}
}

// Paused reports whether maintenance is currently paused
func (r *Runner) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused > 0
}

// Passes returns the number of completed maintenance passes
func (r *Runner) Passes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes
}
