// Package healthtracker turns the results of repeated transfers into healthz
// checks.
package healthtracker

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wojas/go-healthz"
	"go.uber.org/atomic"

	"powerdns.com/platform/snapsync/config"
)

// HealthTracker counts consecutive failures of an activity, like exporting
// snapshots. It satisfies replication.Tracker.
type HealthTracker struct {
	Config   config.Health
	sequence atomic.Uint32
	since    atomic.Time
	prefix   string
	activity string
	logger   logrus.FieldLogger
}

// New returns a HealthTracker. Call Register to expose it on /healthz.
func New(hc config.Health, prefix string, activity string) *HealthTracker {
	return &HealthTracker{
		Config:   Validated(hc),
		prefix:   prefix,
		activity: activity,
		logger:   logrus.WithField("healthtracker", prefix),
	}
}

// Register registers both checks with healthz
func (ht *HealthTracker) Register() {
	healthz.Register(fmt.Sprintf("%s_failed_attempts", ht.prefix), ht.Config.EvaluationInterval, ht.CheckSequence)
	healthz.Register(fmt.Sprintf("%s_failed_duration", ht.prefix), ht.Config.EvaluationInterval, ht.CheckDuration)
	ht.logger.Info("registered trackers for consecutive failures and failure duration")
}

// CheckSequence evaluates the number of consecutive failures
func (ht *HealthTracker) CheckSequence() error {
	conseqFails := ht.sequence.Load()

	if conseqFails >= ht.Config.ErrorSequence {
		ht.logger.Warnf("%d consecutive failures is violating the error threshold (%d)", conseqFails, ht.Config.ErrorSequence)
		return fmt.Errorf("failed to %s %d consecutive times", ht.activity, conseqFails)
	} else if conseqFails >= ht.Config.WarnSequence {
		ht.logger.Warnf("%d consecutive failures is violating the warning threshold (%d)", conseqFails, ht.Config.WarnSequence)
		return healthz.Warnf("failed to %s %d consecutive times", ht.activity, conseqFails)
	}
	return nil
}

// CheckDuration evaluates how long the activity has been failing
func (ht *HealthTracker) CheckDuration() error {
	if ht.sequence.Load() == 0 {
		return nil
	}
	failingFor := time.Since(ht.since.Load())

	if failingFor >= ht.Config.ErrorDuration {
		ht.logger.Warnf("failure for %s is violating the error threshold (%s)", failingFor.Round(time.Second), ht.Config.ErrorDuration)
		return fmt.Errorf("failed to %s for %s", ht.activity, failingFor.Round(time.Second))
	} else if failingFor >= ht.Config.WarnDuration {
		ht.logger.Warnf("failure for %s is violating the warning threshold (%s)", failingFor.Round(time.Second), ht.Config.WarnDuration)
		return healthz.Warnf("failed to %s for %s", ht.activity, failingFor.Round(time.Second))
	}
	return nil
}

// AddFailure records a failed attempt
func (ht *HealthTracker) AddFailure() {
	if ht.sequence.Inc() == 1 {
		ht.since.Store(time.Now())
	}
	ht.logger.Debugf("incremented consecutive failures to %d", ht.sequence.Load())
}

// AddSuccess resets the failure sequence
func (ht *HealthTracker) AddSuccess() {
	ht.sequence.Store(0)
	ht.logger.Debug("tracked successful attempt")
}

// Failures returns the number of consecutive failures
func (ht *HealthTracker) Failures() uint32 {
	return ht.sequence.Load()
}
