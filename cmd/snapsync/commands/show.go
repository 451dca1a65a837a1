package commands

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"powerdns.com/platform/snapsync/utils"
)

var showMaxLen int

func init() {
	rootCmd.AddCommand(showCmd)
	showCmd.Flags().IntVar(&showMaxLen, "max-len", 256, "Truncate keys and values to this length, 0 for no limit")
}

var showCmd = &cobra.Command{
	Use:          "show",
	Short:        "Print local storage contents for debugging",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
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
		it, err := snap.NewIterator()
		if err != nil {
			return err
		}
		defer it.Close()

		// Buffered output speeds things up
		out := bufio.NewWriter(os.Stdout)
		defer out.Flush()
		for it.Next() {
			_, _ = fmt.Fprintf(out, "%s  =  %s\n",
				utils.DisplayASCII(it.Key(), showMaxLen),
				utils.DisplayASCII(it.Value(), showMaxLen),
			)
		}
		return it.Err()
	},
}
