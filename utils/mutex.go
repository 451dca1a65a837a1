package utils

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const MonitoredMutexDefaultLimit = time.Second

// MonitoredMutex warns on unlocking when a lock was held too long
type MonitoredMutex struct {
	mu       sync.Mutex
	lockTime time.Time

	Logger logrus.FieldLogger
	Name   string
	Limit  time.Duration // MonitoredMutexDefaultLimit if 0
}

func (m *MonitoredMutex) Lock() {
	m.mu.Lock()
	m.lockTime = time.Now()
}

func (m *MonitoredMutex) Unlock() {
	held := time.Since(m.lockTime)
	m.lockTime = time.Time{}
	m.mu.Unlock()

	limit := m.Limit
	if limit == 0 {
		limit = MonitoredMutexDefaultLimit
	}
	if held <= limit {
		return
	}
	// Only a warning, because time jumps and paused processes cause spikes
	m.logger().WithFields(logrus.Fields{
		"lock_held": held,
		"limit":     limit,
		"lock_name": m.Name,
		"caller":    caller(2),
	}).Warn("Lock time limit exceeded")
}

func (m *MonitoredMutex) logger() logrus.FieldLogger {
	if m.Logger != nil {
		return m.Logger
	}
	return logrus.StandardLogger()
}

func caller(skip int) string {
	pc, fileName, fileLine, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	if details := runtime.FuncForPC(pc); details != nil {
		return fmt.Sprintf("%s:%d (%s)", fileName, fileLine, details.Name())
	}
	return fmt.Sprintf("%s:%d", fileName, fileLine)
}
