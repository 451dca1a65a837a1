package replication

import (
	"sync"
	"time"
)

// Direction of a transfer, used as a metric label
const (
	DirectionExport = "export"
	DirectionImport = "import"
)

// Tracker is notified of every result, like a healthtracker.HealthTracker
type Tracker interface {
	AddSuccess()
	AddFailure()
}

// Stats counts finished transfers. It is safe for concurrent use.
type Stats struct {
	direction string
	tracker   Tracker

	mu          sync.Mutex
	success     uint64
	failure     uint64
	lastError   string
	lastErrorAt time.Time
	lastOKAt    time.Time
}

// StatsSnapshot is a copy of the Stats counters
type StatsSnapshot struct {
	Direction   string
	Success     uint64
	Failure     uint64
	LastError   string
	LastErrorAt time.Time
	LastOKAt    time.Time
}

// NewStats returns Stats for direction. tracker may be nil.
func NewStats(direction string, tracker Tracker) *Stats {
	return &Stats{direction: direction, tracker: tracker}
}

// AddResult tallies a finished transfer
func (s *Stats) AddResult(err error) {
	now := time.Now()
	s.mu.Lock()
	if err == nil {
		s.success++
		s.lastOKAt = now
	} else {
		s.failure++
		s.lastError = err.Error()
		s.lastErrorAt = now
	}
	s.mu.Unlock()

	if err == nil {
		metricResults.WithLabelValues(s.direction, "ok").Inc()
		if s.tracker != nil {
			s.tracker.AddSuccess()
		}
		return
	}
	metricResults.WithLabelValues(s.direction, KindOf(err).String()).Inc()
	if s.tracker != nil {
		s.tracker.AddFailure()
	}
}

// Snapshot returns a copy of the counters
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Direction:   s.direction,
		Success:     s.success,
		Failure:     s.failure,
		LastError:   s.lastError,
		LastErrorAt: s.lastErrorAt,
		LastOKAt:    s.lastOKAt,
	}
}
