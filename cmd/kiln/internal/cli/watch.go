package cli

import (
	"github.com/spf13/cobra"

	"github.com/albertocavalcante/kiln/cmd/kiln/internal/watch"
)

var watchFlags struct {
	debounce int
	verbose  bool
	json     bool
	noColor  bool
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch source roots and rebuild on change",
	Long: `Builds once, then watches the source roots and runs an incremental
build whenever sources change.

Rapid changes are coalesced within the debounce window, and builds never
overlap. A failed build is reported and the watch continues.

Example output:

  $ kiln watch

  kiln: watching 214 files in /path/to/project
  kiln: source roots: lib
  kiln: ready

  [14:32:15] lib/auth/login.kn changed, building...
  [14:32:16] ✓ compiled 3 files in 412ms

Press Ctrl+C to stop watching.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().IntVar(&watchFlags.debounce, "debounce", 500,
		"Debounce window in milliseconds")
	watchCmd.Flags().BoolVar(&watchFlags.verbose, "verbose", false,
		"Show file-level changes")
	watchCmd.Flags().BoolVar(&watchFlags.json, "json", false,
		"Stream JSON events (for tooling integration)")
	watchCmd.Flags().BoolVar(&watchFlags.noColor, "no-color", false,
		"Disable colored output")

	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	p, err := loadProject(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	w, err := watch.New(watch.Config{
		Root:     p.cfg.Root,
		Scanner:  p.scanner,
		Tracker:  p.tracker,
		Debounce: watchFlags.debounce,
		Verbose:  watchFlags.verbose,
		NoColor:  watchFlags.noColor,
		JSON:     watchFlags.json,
		Writer:   cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	return w.Run(ctx)
}
