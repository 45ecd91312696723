package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/contentops/internal/metrics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server runtime statistics",
	Long: `Show in-memory server statistics since the last restart: task, embedding,
search and request timings plus entry outcome counts per stage.`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, _ []string) error {
	stats, err := apiClient.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("get server stats: %w", err)
	}
	out := cmd.OutOrStdout()
	if ok, err := printJSON(out, stats); ok {
		return err
	}
	printServerStats(out, stats)
	return nil
}

// printServerStats displays server runtime statistics.
func printServerStats(out io.Writer, stats *metrics.Snapshot) {
	fmt.Fprintf(out, "Server Statistics (in-memory, since restart)\n")
	fmt.Fprintf(out, "═══════════════════════════════════════════════\n")
	fmt.Fprintf(out, "Uptime: %.1f seconds\n", stats.UptimeSeconds)

	for _, name := range sortedKeys(stats.Operations) {
		op := stats.Operations[name]
		fmt.Fprintf(out, "\n%s:\n", name)
		fmt.Fprintf(out, "  Calls: %d, Errors: %d, Total: %dms\n", op.Count, op.Errors, op.TotalTimeMs)
		fmt.Fprintf(out, "  Time: avg %.1fms, min %dms, max %dms\n", op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
	}

	if len(stats.Outcomes) > 0 {
		fmt.Fprintf(out, "\nOutcomes:\n")
		for _, name := range sortedKeys(stats.Outcomes) {
			fmt.Fprintf(out, "  %-28s %d\n", name, stats.Outcomes[name])
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
