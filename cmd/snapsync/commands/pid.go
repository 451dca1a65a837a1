package commands

import (
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	MaximumMinPID   = 200
	SkipPIDCheckEnv = "SNAPSYNC_NO_PID_CHECK"
)

var minimumPID int

// pidSpawnCount returns how many short-lived processes must be started before
// the PID counter reaches minimum. LMDB uses PIDs for reader slot locks, and
// in a container a restarted process often gets the PID of its predecessor.
func pidSpawnCount(pid, minimum int) int {
	if minimum > MaximumMinPID {
		minimum = MaximumMinPID
	}
	if minimum <= 0 || pid >= minimum {
		return 0
	}
	return minimum - pid
}

// ensureMinimumPID re-executes the current command with a higher PID if
// needed. It does not return in that case.
func ensureMinimumPID() {
	pid := os.Getpid()
	n := pidSpawnCount(pid, minimumPID)
	l := logrus.WithFields(logrus.Fields{
		"pid":         pid,
		"minimum_pid": minimumPID,
	})
	if n == 0 {
		return
	}
	if os.Getenv(SkipPIDCheckEnv) != "" {
		l.Warn("PID does not satisfy minimum, but requested to skip check")
		return
	}

	l.WithField("n", n).Info("Spawning processes to increase PID")
	for i := 0; i < n; i++ {
		_ = exec.Command("/nonexistent").Run()
	}
	l.Info("Starting new instance")
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), SkipPIDCheckEnv+"=1")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		l.WithError(err).Fatal("Error running as subcommand")
	}
	os.Exit(0)
}
