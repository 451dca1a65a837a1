// Package starttracker reports a node as unhealthy until its storage is open
// and it accepts replication connections.
package starttracker

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wojas/go-healthz"
	"go.uber.org/atomic"

	"powerdns.com/platform/snapsync/config"
)

type StartTracker struct {
	Config        config.Startup
	storageOpened atomic.Bool
	listening     atomic.Bool
	completed     atomic.Bool
	since         atomic.Time
	prefix        string
	logger        logrus.FieldLogger
}

func New(sc config.Startup, prefix string) *StartTracker {
	st := &StartTracker{
		Config: Validated(sc),
		prefix: prefix,
		logger: logrus.WithField("starttracker", prefix),
	}
	// Startup phase begins now
	st.since.Store(time.Now())
	return st
}

// Register registers the startup check with healthz. The check removes
// itself once startup has completed.
func (st *StartTracker) Register() {
	if st.Config.ReportMetadata {
		healthz.SetMeta("startupCompleted", false)
	}
	trackerName := fmt.Sprintf("%s_startup_in_progress", st.prefix)
	healthz.Register(trackerName, st.Config.EvaluationInterval, func() error {
		err := st.Check()
		if err == nil {
			// Startup phase is irrelevant after passing once
			healthz.Deregister(trackerName)
		}
		return err
	})
	st.logger.Info("registered tracker for startup phase")
}

// Check returns an error while startup is pending for too long
func (st *StartTracker) Check() error {
	if !st.Completed() {
		if !st.Config.ReportHealthz {
			return nil
		}
		pendingFor := time.Since(st.since.Load())
		if pendingFor >= st.Config.ErrorDuration {
			st.logger.Debugf("successful startup pending after %s is violating the error threshold (%s)", pendingFor.Round(time.Second), st.Config.ErrorDuration)
			return fmt.Errorf("successful startup pending after %s", pendingFor.Round(time.Second))
		} else if pendingFor >= st.Config.WarnDuration {
			st.logger.Debugf("successful startup pending after %s is violating the warning threshold (%s)", pendingFor.Round(time.Second), st.Config.WarnDuration)
			return healthz.Warnf("successful startup pending after %s", pendingFor.Round(time.Second))
		}
		return nil
	}

	if st.completed.CompareAndSwap(false, true) {
		if st.Config.ReportMetadata {
			healthz.SetMeta("startupCompleted", true)
		}
		st.logger.Info("startup phase completed successfully")
	}
	return nil
}

// Completed reports whether all startup phases have passed
func (st *StartTracker) Completed() bool {
	return st.storageOpened.Load() && st.listening.Load()
}

func (st *StartTracker) SetStorageOpened() {
	st.storageOpened.Store(true)
	st.logger.Debug("tracked storage opened")
}

func (st *StartTracker) SetListening() {
	st.listening.Store(true)
	st.logger.Debug("tracked listener ready")
}
