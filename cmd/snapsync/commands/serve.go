package commands

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/PowerDNS/simpleblob"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/wojas/go-healthz"
	"golang.org/x/sync/errgroup"

	"powerdns.com/platform/snapsync/replication"
	"powerdns.com/platform/snapsync/server"
	"powerdns.com/platform/snapsync/status"
	"powerdns.com/platform/snapsync/status/healthtracker"
	"powerdns.com/platform/snapsync/status/starttracker"
	"powerdns.com/platform/snapsync/storage/maintenance"
)

var (
	listenAddr string
	noHTTP     bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address, overrides the config")
	serveCmd.Flags().BoolVar(&noHTTP, "no-http", false, "Do not start the HTTP status server")
}

func runServe() error {
	ctx, cancel := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if listenAddr != "" {
		conf.Listen = listenAddr
	}

	startup := starttracker.New(conf.Health.Startup, "serve")
	startup.Register()

	st, err := openStorage()
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logrus.WithError(err).Error("Storage close failed")
		}
	}()
	startup.SetStorageOpened()

	exportHealth := healthtracker.New(conf.Health, "export", "export snapshot")
	exportHealth.Register()
	importHealth := healthtracker.New(conf.Health, "import", "import snapshot")
	importHealth.Register()

	maint := maintenance.New(st, conf.Maintenance.Interval, logrus.StandardLogger())
	srv := server.New(st, maint, server.Options{
		Replication:   replication.OptionsFromConfig(conf.Replication),
		Workers:       conf.Replication.Workers,
		ExportTracker: exportHealth,
		ImportTracker: importHealth,
	}, logrus.StandardLogger())

	status.AddStats(srv.ExportStats)
	status.AddStats(srv.ImportStats)
	status.SetSnapshotFunc(func() status.SnapshotInfo {
		return status.SnapshotInfo(srv.SnapshotInfo())
	})
	if conf.Archive.Type != "" {
		bs, err := simpleblob.GetBackend(ctx, conf.Archive.Type, conf.Archive.Options)
		if err != nil {
			return err
		}
		status.SetArchive(bs)
	}

	healthz.AddBuildInfo()
	if hostname, err := os.Hostname(); err == nil {
		healthz.SetMeta("hostname", hostname)
	}
	healthz.SetMeta("version", version)
	if !noHTTP {
		status.StartHTTPServer(conf)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", conf.Listen)
	if err != nil {
		return err
	}
	startup.SetListening()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return maint.Run(ctx)
	})
	eg.Go(func() error {
		err := srv.Serve(ctx, ln)
		if err == nil {
			// Stop the other goroutines
			err = context.Canceled
		}
		return err
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		logrus.Info("Shutdown complete")
		return nil
	}
	return err
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept replication commands and transfers",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			logrus.WithError(err).Fatal("Error")
		}
	},
}
