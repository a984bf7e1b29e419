package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:   "join <invite>",
	Short: "Join a syncshell from an invite code",
	Long:  "Decode an invite code, connect to its bootstrap peers and stay a member until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE:  runJoin,
}

func init() {
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	n, err := startNode()
	if err != nil {
		return err
	}

	shell, err := n.mgr.JoinSyncshell(context.Background(), args[0])
	if err != nil {
		n.close()
		return fmt.Errorf("join failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "joined %q (%s), state %s\n", shell.Name(), shell.ID(), shell.State())
	return n.serve()
}
