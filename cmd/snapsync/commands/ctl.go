package commands

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"powerdns.com/platform/snapsync/control"
	"powerdns.com/platform/snapsync/flowconn"
)

var ctlWait time.Duration

func init() {
	rootCmd.AddCommand(ctlCmd)
	ctlCmd.Flags().DurationVarP(&ctlWait, "wait", "w", time.Hour,
		"Maximum time to wait for the reply, transfers can take a long time")
}

// request sends a single command to a node and returns the reply
func request(ctx context.Context, addr string, wait time.Duration, items ...string) ([]string, error) {
	d := net.Dialer{Timeout: conf.Replication.ConnectTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn := flowconn.New(nc, flowconn.RoleControl, flowconn.Options{
		WriteTimeout: conf.Replication.WriteTimeout,
		Logger:       logrus.StandardLogger(),
	})
	defer conn.Close()

	conn.Request(items...)
	return conn.AwaitReply(ctx, wait)
}

var ctlCmd = &cobra.Command{
	Use:   "ctl <host:port> <command> [args...]",
	Short: "Send a command to a node running 'serve'",
	Long: `Send a command to a node running 'serve' and print the reply.

Commands:
  ping                               Check that the node is alive
  rr_make_snapshot                   Take a new snapshot of the node's storage
  rr_del_snapshot                    Drop the current snapshot
  rr_transfer_snapshot <host> <port> Stream the snapshot to another node
  replic_info                        Print transfer counts
`,
	Args:         cobra.MinimumNArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := request(rootCtx, args[0], ctlWait, args[1:]...)
		if err != nil {
			return err
		}
		fmt.Println(strings.Join(reply, " "))
		if !control.IsOK(reply) {
			return fmt.Errorf("command failed: %q", reply)
		}
		return nil
	},
}
