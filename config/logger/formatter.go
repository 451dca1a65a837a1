// Package logger configures logrus and implements a formatter that prefixes
// log messages with the replication job they belong to.
package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Field names recognized by JobFormatter
const (
	FieldJob  = "job"
	FieldRole = "role"
)

// JobFormatter is a logrus formatter that moves the 'job' and 'role' fields
// into a message prefix for nicer formatted text output.
type JobFormatter struct {
	Parent logrus.Formatter
}

// Format implements logrus.Formatter
func (f *JobFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	job, hasJob := entry.Data[FieldJob]
	if !hasJob {
		return f.Parent.Format(entry)
	}
	prefix := fmt.Sprint(job)
	if role, ok := entry.Data[FieldRole]; ok {
		prefix = fmt.Sprintf("%v/%v", job, role)
	}

	// The entry is shared between hooks and formatters, so work on a copy
	e := entry.Dup()
	e.Level = entry.Level
	e.Caller = entry.Caller
	e.Buffer = entry.Buffer
	e.Message = fmt.Sprintf("[%-12s] %s", prefix, entry.Message)
	delete(e.Data, FieldJob)
	delete(e.Data, FieldRole)
	return f.Parent.Format(e)
}
