package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/contentops/internal/client"
	"github.com/raphaelgruber/contentops/internal/models"
	"github.com/raphaelgruber/contentops/internal/service"
)

var (
	runTypes         []string
	runForce         bool
	runMaxConcurrent int
	runWait          bool
	runDetach        bool
)

var triggerHelp = map[service.RunKind]struct{ short, long string }{
	service.RunIngest: {
		"Fetch staged and stale entries into the bucket",
		"Select staged entries and completed entries older than the refresh threshold,\nfetch their sources and store the raw artifacts.",
	},
	service.RunVectorize: {
		"Chunk and embed ingested entries",
		"Select ingested entries, chunk and embed their processed artifacts.",
	},
	service.RunProcess: {
		"Run ingest followed by vectorize",
		"Discover direct uploads, then run ingest and vectorize in sequence.",
	},
	service.RunSweep: {
		"Revert entries held by dead workers",
		"Move in-flight entries whose claim is older than the dead worker timeout\nback to their previous status.",
	},
}

// triggerCmds builds one command per run kind.
func triggerCmds() []*cobra.Command {
	kinds := []service.RunKind{service.RunIngest, service.RunVectorize, service.RunProcess, service.RunSweep}
	cmds := make([]*cobra.Command, 0, len(kinds))
	for _, kind := range kinds {
		help := triggerHelp[kind]
		cmd := &cobra.Command{
			Use:   string(kind),
			Short: help.short,
			Long: help.long + `

By default the run starts in the background and its progress is shown until
it finishes. Ctrl+C leaves the run going on the server.

Examples:
  contentops ` + string(kind) + `
  contentops ` + string(kind) + ` --type repo,blog --wait
  contentops ` + string(kind) + ` --detach`,
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runTrigger(cmd, kind)
			},
		}
		if kind != service.RunSweep {
			cmd.Flags().StringSliceVarP(&runTypes, "type", "t", nil, "restrict to content types")
			cmd.Flags().BoolVarP(&runForce, "force", "f", false, "refresh completed entries regardless of age")
			cmd.Flags().IntVar(&runMaxConcurrent, "max-concurrent", 0, "concurrent tasks (default: server setting)")
		}
		cmd.Flags().BoolVarP(&runWait, "wait", "w", false, "block on the server until the run finishes")
		cmd.Flags().BoolVarP(&runDetach, "detach", "d", false, "print the run ID and return immediately")
		cmd.MarkFlagsMutuallyExclusive("wait", "detach")
		cmds = append(cmds, cmd)
	}
	return cmds
}

func runTrigger(cmd *cobra.Command, kind service.RunKind) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()
	opts := client.RunOptions{
		ContentTypes:  runTypes,
		ForceRefresh:  runForce,
		MaxConcurrent: runMaxConcurrent,
	}

	if runWait {
		res, err := apiClient.Run(ctx, kind, opts)
		if err != nil {
			return triggerError(kind, err)
		}
		if ok, err := printJSON(out, res); ok {
			return err
		}
		printResult(out, res)
		return nil
	}

	id, err := apiClient.StartRun(ctx, kind, opts)
	if err != nil {
		return triggerError(kind, err)
	}
	if runDetach || jsonOutput {
		if ok, err := printJSON(out, map[string]string{"run_id": id}); ok {
			return err
		}
		fmt.Fprintf(out, "Started %s run %s\n", kind, id)
		fmt.Fprintf(out, "Use 'contentops watch %s' to follow it.\n", id)
		return nil
	}
	return followRun(cmd, id)
}

func triggerError(kind service.RunKind, err error) error {
	if client.IsConflict(err) {
		return fmt.Errorf("a run overlapping %s is already in progress (see 'contentops runs')", kind)
	}
	return fmt.Errorf("start %s run: %w", kind, err)
}

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List or inspect pipeline runs",
	Long: `List recent pipeline runs or inspect a specific run by ID.

Examples:
  contentops runs           # List runs
  contentops runs abc12345  # Show details for run abc12345`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Follow the progress of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return followRun(cmd, args[0])
	},
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		run, err := apiClient.GetRun(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		if ok, err := printJSON(out, run); ok {
			return err
		}
		printRun(out, run)
		return nil
	}

	runs, err := apiClient.ListRuns(ctx)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if ok, err := printJSON(out, runs); ok {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found")
		return nil
	}

	fmt.Fprintf(out, "%-10s %-10s %-10s %-10s %s\n", "ID", "KIND", "STATUS", "PROGRESS", "STARTED")
	fmt.Fprintln(out, "------------------------------------------------------------------------")
	for _, r := range runs {
		progress := ""
		if r.Planned > 0 {
			progress = fmt.Sprintf("%d/%d", r.Processed, r.Planned)
		}
		fmt.Fprintf(out, "%-10s %-10s %-10s %-10s %s\n", r.ID, r.Kind, r.Status, progress, r.StartedAt.Local().Format("15:04:05"))
	}
	return nil
}

func printRun(out io.Writer, r *service.RunSnapshot) {
	fmt.Fprintf(out, "Run: %s\n", r.ID)
	fmt.Fprintf(out, "  Kind: %s\n", r.Kind)
	fmt.Fprintf(out, "  Status: %s\n", r.Status)
	if r.Planned > 0 {
		fmt.Fprintf(out, "  Progress: %d/%d\n", r.Processed, r.Planned)
	}
	fmt.Fprintf(out, "  Started: %s\n", r.StartedAt.Format(time.RFC3339))
	if r.CompletedAt != nil {
		fmt.Fprintf(out, "  Completed: %s\n", r.CompletedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "  Duration: %s\n", r.CompletedAt.Sub(r.StartedAt).Round(time.Second))
	}
	if r.Error != "" {
		fmt.Fprintf(out, "  Error: %s\n", r.Error)
	}
	if r.Result != nil {
		fmt.Fprintln(out, "\nResult:")
		printResult(out, r.Result)
	}
}

func printResult(out io.Writer, res *models.PipelineResult) {
	if res.Discovered > 0 {
		fmt.Fprintf(out, "  Discovered: %d\n", res.Discovered)
	}
	fmt.Fprintf(out, "  Selected:   %d\n", res.Total)
	fmt.Fprintf(out, "  Succeeded:  %d\n", res.Succeeded)
	if res.Reverted > 0 {
		fmt.Fprintf(out, "  Retrying:   %d\n", res.Reverted)
	}
	if res.Failed > 0 {
		fmt.Fprintf(out, "  Failed:     %d\n", res.Failed)
	}
	if res.Skipped > 0 {
		fmt.Fprintf(out, "  Skipped:    %d\n", res.Skipped)
	}

	var problems []models.EntryOutcome
	for _, o := range res.Outcomes {
		if o.Error != "" {
			problems = append(problems, o)
		}
	}
	if len(problems) > 0 {
		fmt.Fprintf(out, "\n  Errors (%d):\n", len(problems))
		for _, o := range problems {
			fmt.Fprintf(out, "    - %s/%s [%s]: %s\n", o.ContentType, o.Name, o.Outcome, o.Error)
		}
	} else if verbose {
		for _, o := range res.Outcomes {
			fmt.Fprintf(out, "    - %s/%s [%s]\n", o.ContentType, o.Name, o.Outcome)
		}
	}
}
