package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/albertocavalcante/kiln/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Prints the configuration after merging built-in defaults, the global
config, the project config, and KILN_* environment variables.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	p, err := loadProject(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if p.cfg.ProjectFile != "" {
		fmt.Fprintf(out, "# project config: %s\n", p.cfg.ProjectFile)
	} else {
		fmt.Fprintf(out, "# no project config found, create %s\n", config.ConfigFileName)
	}
	fmt.Fprintf(out, "# project root: %s\n", p.cfg.Root)
	return config.Encode(out, p.cfg)
}
