package commands

import (
	"fmt"
	"sort"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"powerdns.com/platform/snapsync/replication"
	"powerdns.com/platform/snapsync/storage/maintenance"
)

func init() {
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(restoreCmd)

	rootCmd.AddCommand(archivesCmd)
	archivesCmd.AddCommand(archivesListCmd)
	archivesListCmd.Flags().StringP("prefix", "p", "", "Prefix filter")
	archivesListCmd.Flags().BoolP("long", "l", false, "Add extra information, like size")
	archivesCmd.AddCommand(archivesRemoveCmd)
}

var dumpCmd = &cobra.Command{
	Use:          "dump <name>",
	Short:        "Write a snapshot of the local storage to the archive",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootCtx
		bs, err := openArchive(ctx)
		if err != nil {
			return err
		}
		st, err := openStorage()
		if err != nil {
			return err
		}
		defer st.Close()

		h, err := snapshotHandle(st)
		if err != nil {
			return err
		}
		defer h.Release()

		opt := replication.OptionsFromConfig(conf.Replication)
		info, err := replication.Dump(ctx, h, bs, args[0], opt, logrus.StandardLogger())
		if err != nil {
			return err
		}
		fmt.Printf("Stored %s: %d pairs in %d frames, %s (%s uncompressed) in %s\n",
			info.Name, info.Pairs, info.Frames,
			datasize.ByteSize(info.Size).HR(), datasize.ByteSize(info.RawSize).HR(),
			info.TimeTaken)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Replace the local storage contents with an archived snapshot",
	Long: `Replace the local storage contents with an archived snapshot.

All current data is removed first. The local storage must not be opened by a
running 'serve' at the same time.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootCtx
		bs, err := openArchive(ctx)
		if err != nil {
			return err
		}
		st, err := openStorage()
		if err != nil {
			return err
		}
		defer st.Close()

		maint := maintenance.New(st, 0, logrus.StandardLogger())
		opt := replication.OptionsFromConfig(conf.Replication)
		info, err := replication.Restore(ctx, bs, args[0], st, maint, opt, logrus.StandardLogger())
		if err != nil {
			return err
		}
		fmt.Printf("Restored %s: %d pairs in %d frames in %s\n",
			info.Name, info.Pairs, info.Frames, info.TimeTaken)

		// Compact after replacing everything
		return maint.RunOnce(ctx)
	},
}

var archivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "Archive operations (list, remove)",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var archivesListCmd = &cobra.Command{
	Use:          "list",
	Short:        "List archives",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, err := cmd.Flags().GetString("prefix")
		if err != nil {
			return err
		}
		long, err := cmd.Flags().GetBool("long")
		if err != nil {
			return err
		}
		bs, err := openArchive(rootCtx)
		if err != nil {
			return err
		}
		list, err := replication.ListArchives(rootCtx, bs, prefix)
		if err != nil {
			return err
		}
		sort.Slice(list, func(i, j int) bool {
			return list[i].Name < list[j].Name
		})
		for _, blob := range list {
			if long {
				fmt.Printf("%12d\t%s\n", blob.Size, blob.Name)
			} else {
				fmt.Printf("%s\n", blob.Name)
			}
		}
		return nil
	},
}

var archivesRemoveCmd = &cobra.Command{
	Use:          "remove <name>",
	Short:        "Remove an archive",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		bs, err := openArchive(rootCtx)
		if err != nil {
			return err
		}
		return bs.Delete(rootCtx, args[0])
	},
}
