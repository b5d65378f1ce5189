package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/albertocavalcante/kiln/cmd/kiln/internal/incremental"
)

var buildFlags struct {
	force   bool
	json    bool
	verbose bool
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Recompile stale sources",
	Long: `Detects which sources changed since the last build, propagates the
change through compile-time dependencies, and hands the resulting set to
the compiler.

Sources that only reach a change through runtime references keep their
artifacts. Nothing is written when the compiler fails, so the next build
retries the same set.

The --force flag recompiles every source.
The --json flag prints the build result as JSON.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().BoolVar(&buildFlags.force, "force", false,
		"Recompile every source")
	buildCmd.Flags().BoolVar(&buildFlags.json, "json", false,
		"Output as JSON")
	buildCmd.Flags().BoolVar(&buildFlags.verbose, "verbose", false,
		"List recompiled and removed sources")

	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	p, err := loadProject(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	res, err := p.tracker.Build(ctx, incremental.BuildOptions{Force: buildFlags.force})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if buildFlags.json {
		return outputJSON(out, res)
	}
	printBuildResult(out, res, buildFlags.verbose)
	return nil
}

func printBuildResult(out io.Writer, res *incremental.BuildResult, verbose bool) {
	if res.NoOp() {
		fmt.Fprintln(out, "Up to date")
		return
	}

	fmt.Fprintf(out, "Compiled %d files", len(res.Recompiled))
	if len(res.Removed) > 0 {
		fmt.Fprintf(out, ", removed %d", len(res.Removed))
	}
	fmt.Fprintf(out, " in %s\n", res.Duration.Round(time.Millisecond))

	if len(res.RuntimeOnly) > 0 {
		fmt.Fprintf(out, "Kept %d modules with runtime-only changes\n", len(res.RuntimeOnly))
	}

	if !verbose {
		return
	}
	for _, f := range res.Recompiled {
		fmt.Fprintf(out, "  ~ %s\n", f)
	}
	for _, f := range res.Removed {
		fmt.Fprintf(out, "  - %s\n", f)
	}
}

func outputJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// signalContext is the context used by long-running commands.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	// Include SIGHUP to handle terminal hangup
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
}
