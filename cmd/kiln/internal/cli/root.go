// Package cli implements the kiln command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/albertocavalcante/kiln/cmd/kiln/internal/runner"
	"github.com/albertocavalcante/kiln/internal/log"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// globalFlags holds persistent flags that apply to all commands
var globalFlags struct {
	verbosity int
	logFormat string
	dir       string
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Incremental build driver",
	Long: `Kiln decides which source files must be recompiled after a change
and drives an external compiler over exactly that set.

It records what every module depends on in .kiln/manifest, so unchanged
sources are skipped and changes propagate only as far as they need to.`,
	SilenceUsage: true,
	// Default behavior: show help
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

// versionCmd shows version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "kiln %s (%s)\n", Version, GitCommit)

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		var opts []runner.Option
		if p, err := loadProject(cmd.ErrOrStderr()); err == nil {
			opts = append(opts,
				runner.WithCommand(p.cfg.Compiler.Command, p.cfg.Compiler.Args...),
				runner.WithDir(p.cfg.Root))
		}
		v, err := runner.New(opts...).Version(ctx)
		if err != nil {
			fmt.Fprintln(out, "compiler: not found")
			return
		}
		fmt.Fprintf(out, "compiler: %s\n", v)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	// Global flags (persistent across all commands)
	rootCmd.PersistentFlags().IntVarP(&globalFlags.verbosity, "verbosity", "v", 1,
		"Verbosity level (0=error, 1=warn, 2=info, 3=debug, 4=trace)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.logFormat, "log-format", "text",
		"Log format (text, json)")
	rootCmd.PersistentFlags().StringVarP(&globalFlags.dir, "dir", "C", "",
		"Run as if kiln was started in this directory")

	// Hook to apply flags before command runs
	cobra.OnInitialize(initLogging)
}

// initLogging applies CLI flags to the logger.
// This runs after flags are parsed but before command execution.
func initLogging() {
	log.Init(globalFlags.verbosity, globalFlags.logFormat)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// RootCmd returns the root command for testing.
func RootCmd() *cobra.Command {
	return rootCmd
}
