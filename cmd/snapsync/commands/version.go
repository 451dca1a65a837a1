package commands

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	version      = "dev"
	versionShort bool
)

// SetVersion is called by main with the version set by the linker
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func writeVersion(w io.Writer, short bool) {
	if short {
		_, _ = fmt.Fprintln(w, version)
		return
	}
	_, _ = fmt.Fprintf(w, "snapsync %s (%s, %s/%s)\n",
		version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Only print the version")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Args:  cobra.NoArgs,
	// Works without a valid config
	PersistentPreRun: func(cmd *cobra.Command, args []string) {},
	Run: func(cmd *cobra.Command, args []string) {
		writeVersion(cmd.OutOrStdout(), versionShort)
	},
}
