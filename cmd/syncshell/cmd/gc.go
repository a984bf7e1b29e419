package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/syncshell/syncshell"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Sweep unreferenced content",
	Long:  "Run a content-store sweep immediately and print storage statistics.",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) (err error) {
	mgr, err := syncshell.Open(
		syncshell.WithDataDir(viper.GetString("data_dir")),
		syncshell.WithLogger(zap.NewNop()),
		syncshell.WithSweepGrace(viper.GetDuration("sweep_grace")),
	)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := mgr.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	removed := mgr.Sweep()
	stats := mgr.Stats()
	fmt.Fprintf(os.Stderr, "removed %d objects\n", removed)
	fmt.Fprintf(os.Stderr, "%d objects (%d bound), %d bytes on disk\n",
		stats.Objects, stats.Bound, stats.DiskSize)
	return nil
}
