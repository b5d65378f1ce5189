package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusFlags struct {
	verbose bool
	json    bool
	force   bool
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which sources the next build would recompile",
	Long: `Shows what 'kiln build' would do without compiling or writing anything.

Compares the current sources against the manifest from the last build and
lists the sources that would be recompiled, including those pulled in by
compile-time dependencies.

The --verbose flag shows individual file changes (new, modified, deleted).
The --json flag outputs the result as JSON for scripting.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusFlags.verbose, "verbose", false,
		"Show individual file changes")
	statusCmd.Flags().BoolVar(&statusFlags.json, "json", false,
		"Output as JSON")
	statusCmd.Flags().BoolVar(&statusFlags.force, "force", false,
		"Report as if every source were forced")

	rootCmd.AddCommand(statusCmd)
}

// StatusOutput is the JSON output format for kiln status.
type StatusOutput struct {
	Stale         bool     `json:"stale"`
	HasState      bool     `json:"has_state"`
	Recompile     []string `json:"recompile"`
	StaleDirs     []string `json:"stale_dirs"`
	StaleModules  []string `json:"stale_modules,omitempty"`
	RuntimeOnly   []string `json:"runtime_only,omitempty"`
	NewFiles      []string `json:"new_files,omitempty"`
	ModifiedFiles []string `json:"modified_files,omitempty"`
	DeletedFiles  []string `json:"deleted_files,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	p, err := loadProject(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	cs, err := p.tracker.Status(cmd.Context(), statusFlags.force)
	if err != nil {
		return fmt.Errorf("failed to detect staleness: %w", err)
	}
	hasState := p.tracker.HasState()

	out := cmd.OutOrStdout()
	if statusFlags.json {
		return outputJSON(out, StatusOutput{
			Stale:         !cs.IsEmpty(),
			HasState:      hasState,
			Recompile:     cs.Recompile,
			StaleDirs:     cs.AffectedDirs(),
			StaleModules:  cs.StaleModules,
			RuntimeOnly:   cs.RuntimeOnly,
			NewFiles:      cs.Added,
			ModifiedFiles: cs.Modified,
			DeletedFiles:  cs.Removed,
		})
	}

	if !hasState {
		fmt.Fprintln(out, "No build state found. Run 'kiln build' to compile every source.")
	}

	if cs.IsEmpty() {
		fmt.Fprintln(out, "Up to date")
		return nil
	}

	fmt.Fprintf(out, "Stale sources (%d):\n", len(cs.Recompile))
	for _, f := range cs.Recompile {
		fmt.Fprintf(out, "  %s\n", f)
	}
	if len(cs.RuntimeOnly) > 0 {
		fmt.Fprintf(out, "\nRuntime-only changes, artifacts kept (%d):\n", len(cs.RuntimeOnly))
		for _, m := range cs.RuntimeOnly {
			fmt.Fprintf(out, "  %s\n", m)
		}
	}

	if statusFlags.verbose {
		if len(cs.Added) > 0 {
			fmt.Fprintf(out, "\nNew files (%d):\n", len(cs.Added))
			for _, f := range cs.Added {
				fmt.Fprintf(out, "  + %s\n", f)
			}
		}

		if len(cs.Modified) > 0 {
			fmt.Fprintf(out, "\nModified files (%d):\n", len(cs.Modified))
			for _, f := range cs.Modified {
				fmt.Fprintf(out, "  ~ %s\n", f)
			}
		}

		if len(cs.Removed) > 0 {
			fmt.Fprintf(out, "\nDeleted files (%d):\n", len(cs.Removed))
			for _, f := range cs.Removed {
				fmt.Fprintf(out, "  - %s\n", f)
			}
		}
	}

	fmt.Fprintln(out, "\nRun 'kiln build' to recompile stale sources")
	return nil
}
