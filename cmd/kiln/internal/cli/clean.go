package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove the manifest and every compiled artifact",
	Long: `Removes the build manifest and the artifact directory. The next
'kiln build' recompiles every source.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	p, err := loadProject(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	if err := p.tracker.Clean(); err != nil {
		return fmt.Errorf("failed to clean: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed build state in %s\n", p.cfg.StateDirPath())
	return nil
}
