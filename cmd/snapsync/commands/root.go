package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"powerdns.com/platform/snapsync/config"
	"powerdns.com/platform/snapsync/config/logger"
)

// TimeoutExitCode is EX_TEMPFAIL from sysexits.h
const TimeoutExitCode = 75

var (
	configFile string
	debug      bool
	logConfig  bool
	timeout    time.Duration
	conf       config.Config
)

var (
	// Set by Execute. With --timeout, rootCtx gets a deadline in
	// PersistentPreRun.
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

const rootHelp = `Replicates a full key/value store snapshot between nodes.

A node runs 'serve' to accept replication commands. Another node, or an
operator using 'ctl', asks it to take a snapshot and stream it to a
destination node, which replaces its own data with the received snapshot.
`

var rootCmd = &cobra.Command{
	Use:     "snapsync",
	Short:   "Full snapshot replication for key/value stores",
	Long:    rootHelp,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		conf = c
		setupLogging()
		if conf.Storage.Type == "lmdb" {
			ensureMinimumPID()
		}
		if timeout > 0 {
			logrus.WithField("timeout", timeout).Info("Setting command timeout")
			rootCtx, rootCancel = context.WithTimeout(rootCtx, timeout)
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
	SilenceUsage: true,
}

// loadConfig returns the defaults overridden by the given YAML file, if any.
// A config must be valid on its own, before flags override parts of it.
func loadConfig(fpath string) (config.Config, error) {
	c := config.Default()
	c.Version = version
	if fpath != "" {
		if err := c.LoadYAMLFile(fpath, true); err != nil {
			return c, errors.Wrapf(err, "load config file %q", fpath)
		}
	}
	if err := c.Check(); err != nil {
		return c, errors.Wrap(err, "config error")
	}
	return c, nil
}

func setupLogging() {
	conf.Log = conf.Log.Merge(logger.FlagConfig)
	if debug {
		conf.Log.Level = "debug"
	}
	logger.Configure(conf.Log)
	logrus.WithField("version", version).Debug("Running")
	if logConfig {
		logrus.Infof("Effective configuration:\n%s\n", conf.String())
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "Config file, defaults are used if not set")
	pf.BoolVar(&logConfig, "log-config", false, "Log the evaluated configuration on startup")
	pf.BoolVar(&debug, "debug", false, "Enable debug logging")
	pf.IntVar(&minimumPID, "minimum-pid", 0, fmt.Sprintf(
		"With lmdb storage, fork until we reach this PID to avoid lock PID clashes in containers (max %d)",
		MaximumMinPID))
	pf.DurationVar(&timeout, "timeout", 0,
		fmt.Sprintf("Timeout for command execution (exit code %d)", TimeoutExitCode))
	logger.RegisterFlagsWith(pf.StringVar)
}

// Execute runs the root command and exits on error
func Execute() {
	rootCtx, rootCancel = context.WithCancel(context.Background())
	err := rootCmd.Execute()
	timedOut := errors.Is(rootCtx.Err(), context.DeadlineExceeded)
	rootCancel()
	if err == nil {
		return
	}
	if timedOut {
		logrus.WithError(err).Error("Exiting due to timeout")
		os.Exit(TimeoutExitCode)
	}
	logrus.WithError(err).Error("Error")
	os.Exit(1)
}
