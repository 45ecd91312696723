package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Register the entries listed in a YAML seed file",
	Long: `Register every entry of a YAML seed file. Entries that already exist are
skipped; invalid items are reported without aborting the rest.

Seed file format:
  content:
    - content_type: repo
      content_url: https://github.com/acme/payments
    - content_type: blog
      name: launch-post
      content_url: https://blog.acme.dev/launch
      archive: true

Examples:
  contentops seed seeds/content.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}

	res, err := apiClient.Seed(context.Background(), data)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	out := cmd.OutOrStdout()
	if ok, err := printJSON(out, res); ok {
		return err
	}
	fmt.Fprintf(out, "Created %d, skipped %d existing\n", res.Created, res.Skipped)
	if len(res.Errors) > 0 {
		fmt.Fprintf(out, "\nErrors (%d):\n", len(res.Errors))
		for _, e := range res.Errors {
			fmt.Fprintf(out, "  - %s\n", e)
		}
	}
	return nil
}
