package commands

import (
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"powerdns.com/platform/snapsync/storage"
)

var statsRemote string

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsRemote, "remote", "r", "",
		"Ask a node running 'serve' at this address instead of reading local storage")
}

type storageStats struct {
	Pairs      int
	KeyBytes   uint64
	ValueBytes uint64
}

func collectStats(snap storage.Snapshot) (s storageStats, err error) {
	it, err := snap.NewIterator()
	if err != nil {
		return s, err
	}
	defer it.Close()
	for it.Next() {
		s.Pairs++
		s.KeyBytes += uint64(len(it.Key()))
		s.ValueBytes += uint64(len(it.Value()))
	}
	return s, it.Err()
}

func remoteStats() error {
	reply, err := request(rootCtx, statsRemote, conf.Replication.HandshakeTimeout, "replic_info")
	if err != nil {
		return err
	}
	if len(reply) != 6 || reply[0] != "ok" {
		return fmt.Errorf("unexpected reply: %q", reply)
	}
	fmt.Printf("Exports: %s ok, %s failed\n", reply[1], reply[2])
	fmt.Printf("Imports: %s ok, %s failed\n", reply[4], reply[5])
	fmt.Printf("Snapshot present: %s\n", reply[3])
	return nil
}

var statsCmd = &cobra.Command{
	Use:          "stats",
	Short:        "Print storage or replication stats",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if statsRemote != "" {
			return remoteStats()
		}
		st, err := openStorage()
		if err != nil {
			return err
		}
		defer st.Close()
		snap, err := st.Snapshot()
		if err != nil {
			return err
		}
		defer snap.Release()

		s, err := collectStats(snap)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d pairs, keys %s, values %s, total %s\n",
			conf.Storage.Type,
			s.Pairs,
			datasize.ByteSize(s.KeyBytes).HR(),
			datasize.ByteSize(s.ValueBytes).HR(),
			datasize.ByteSize(s.KeyBytes+s.ValueBytes).HR(),
		)
		return nil
	},
}
