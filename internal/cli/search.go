package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/contentops/internal/client"
)

var (
	searchTypes []string
	searchLimit int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search vectorized content",
	Long: `Search the chunks of vectorized entries by semantic similarity.

Examples:
  contentops search "how do we rotate credentials"
  contentops search "deploy pipeline" --type repo,notebook -n 5`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringSliceVarP(&searchTypes, "type", "t", nil, "filter by content types")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "max results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	results, err := apiClient.Search(context.Background(), client.SearchOptions{
		Query:        args[0],
		Limit:        searchLimit,
		ContentTypes: searchTypes,
	})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	out := cmd.OutOrStdout()
	if ok, err := printJSON(out, results); ok {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}

	fmt.Fprintf(out, "Found %d results:\n\n", len(results))
	for i, m := range results {
		fmt.Fprintf(out, "%d. %s/%s #%d (%.3f)\n", i+1, m.ContentType, m.Name, m.Position, m.Score)
		if m.HeadingPath != "" {
			fmt.Fprintf(out, "   %s\n", m.HeadingPath)
		}
		content := strings.Join(strings.Fields(m.Content), " ")
		if !verbose && len(content) > 100 {
			content = content[:100] + "..."
		}
		fmt.Fprintf(out, "   %s\n", content)
		if verbose && m.SourceURL != "" {
			fmt.Fprintf(out, "   Source: %s\n", m.SourceURL)
		}
		fmt.Fprintln(out)
	}
	return nil
}
