package commands

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"powerdns.com/platform/snapsync/replication"
)

func init() {
	rootCmd.AddCommand(transferCmd)
}

var transferCmd = &cobra.Command{
	Use:   "transfer <host:port>",
	Short: "Stream a snapshot of the local storage to a node running 'serve'",
	Long: `Stream a snapshot of the local storage to a node running 'serve'.

The destination replaces all of its data with the snapshot. The local storage
must not be opened by a running 'serve' at the same time.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStorage()
		if err != nil {
			return err
		}
		defer st.Close()

		h, err := snapshotHandle(st)
		if err != nil {
			return err
		}
		opt := replication.OptionsFromConfig(conf.Replication)
		stats := replication.NewStats(replication.DirectionExport, nil)
		ex := replication.NewExporter(opt, stats, logrus.StandardLogger())
		job := replication.NewJob(replication.NextJobID("export"), args[0], nil, h)
		if err := ex.Run(rootCtx, job); err != nil {
			return err
		}
		fmt.Printf("Transferred snapshot to %s\n", args[0])
		return nil
	},
}
