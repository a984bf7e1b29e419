package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create and host a syncshell",
	Long:  "Create a new syncshell, print its invite code and host it until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

func init() {
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	n, err := startNode()
	if err != nil {
		return err
	}

	shell, invite, err := n.mgr.CreateSyncshell(args[0])
	if err != nil {
		n.close()
		return fmt.Errorf("create shell: %w", err)
	}

	fmt.Fprintf(os.Stderr, "hosting %q (%s)\n", shell.Name(), shell.ID())
	fmt.Println(invite)

	return n.serve()
}
