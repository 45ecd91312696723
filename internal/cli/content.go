package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/contentops/internal/client"
	"github.com/raphaelgruber/contentops/internal/models"
	"github.com/raphaelgruber/contentops/internal/service"
)

var (
	addName    string
	addArchive bool
	addProcess bool

	updateURL     string
	updateRestage bool

	listStatuses []string
	listTypes    []string
	listArchived bool
	listActive   bool
)

var addCmd = &cobra.Command{
	Use:   "add <content_type> [content_url]",
	Short: "Register a content source in the ledger",
	Long: `Register a content source. The entry starts in the staged state.

The name defaults to the last path segment of the URL. Omit the URL for
content uploaded directly to the raw bucket prefix.

Examples:
  contentops add repo https://github.com/acme/payments
  contentops add blog https://blog.acme.dev/launch --name launch-post --process
  contentops add slide --name q3-review`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runAdd,
}

var updateCmd = &cobra.Command{
	Use:   "update <content_type>/<name>",
	Short: "Change the source URL of an entry or re-stage it",
	Long: `Change the source URL of an entry. A changed URL re-stages the entry
so the next run fetches it again. Entries that are being processed are
rejected.

Examples:
  contentops update blog/launch-post --url https://blog.acme.dev/launch-v2
  contentops update repo/payments --restage`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runUpdate,
}

var removeCmd = &cobra.Command{
	Use:     "remove <content_type>/<name>",
	Aliases: []string{"rm"},
	Short:   "Remove an entry with its stored objects and chunks",
	Args:    cobra.RangeArgs(1, 2),
	RunE:    runRemove,
}

var statusCmd = &cobra.Command{
	Use:   "status <content_type>/<name>",
	Short: "Show one ledger entry",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger entries",
	Long: `List ledger entries with optional filtering.

Examples:
  contentops list
  contentops list --status failed
  contentops list --type repo,blog --active`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show entry counts by status and type",
	Args:  cobra.NoArgs,
	RunE:  runSummary,
}

var resetCmd = &cobra.Command{
	Use:   "reset <content_type>/<name>",
	Short: "Move a failed entry back to staged",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  entryAction("reset", (*client.Client).Reset),
}

var archiveCmd = &cobra.Command{
	Use:   "archive <content_type>/<name>",
	Short: "Exclude an entry from pipeline runs",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  entryAction("archive", (*client.Client).Archive),
}

var unarchiveCmd = &cobra.Command{
	Use:   "unarchive <content_type>/<name>",
	Short: "Make an archived entry eligible for pipeline runs again",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  entryAction("unarchive", (*client.Client).Unarchive),
}

func init() {
	addCmd.Flags().StringVarP(&addName, "name", "n", "", "entry name (default: last URL path segment)")
	addCmd.Flags().BoolVar(&addArchive, "archive", false, "register the entry archived")
	addCmd.Flags().BoolVarP(&addProcess, "process", "p", false, "start ingest and vectorize for the new entry")

	updateCmd.Flags().StringVar(&updateURL, "url", "", "new source URL")
	updateCmd.Flags().BoolVar(&updateRestage, "restage", false, "re-stage the entry even if the URL is unchanged")

	listCmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "filter by processing status")
	listCmd.Flags().StringSliceVarP(&listTypes, "type", "t", nil, "filter by content type")
	listCmd.Flags().BoolVar(&listArchived, "archived", false, "only archived entries")
	listCmd.Flags().BoolVar(&listActive, "active", false, "only entries that are not archived")
	listCmd.MarkFlagsMutuallyExclusive("archived", "active")
}

func runAdd(cmd *cobra.Command, args []string) error {
	ct, err := models.ParseContentType(args[0])
	if err != nil {
		return err
	}
	req := service.AddRequest{
		ContentType: ct,
		Name:        addName,
		Archive:     addArchive,
		Process:     addProcess,
	}
	if len(args) == 2 {
		req.SourceURL = args[1]
	}

	res, err := apiClient.Add(context.Background(), req)
	if err != nil {
		return fmt.Errorf("add entry: %w", err)
	}

	out := cmd.OutOrStdout()
	if ok, err := printJSON(out, res); ok {
		return err
	}
	fmt.Fprintf(out, "Added %s [%s]\n", res.Entry.Key(), res.Entry.Status)
	if res.RunID != "" {
		fmt.Fprintf(out, "Processing in run %s. Use 'contentops watch %s' to follow it.\n", res.RunID, res.RunID)
	} else if addProcess {
		fmt.Fprintln(out, "A run is already in progress; the entry will be picked up by the next run.")
	}
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	key, err := parseKey(args)
	if err != nil {
		return err
	}
	req := service.UpdateRequest{Restage: updateRestage}
	if cmd.Flags().Changed("url") {
		req.SourceURL = &updateURL
	}
	if req.SourceURL == nil && !req.Restage {
		return fmt.Errorf("nothing to update: pass --url or --restage")
	}

	e, err := apiClient.Update(context.Background(), key, req)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	return printEntry(cmd.OutOrStdout(), e)
}

func runRemove(cmd *cobra.Command, args []string) error {
	key, err := parseKey(args)
	if err != nil {
		return err
	}
	res, err := apiClient.Remove(context.Background(), key)
	if err != nil {
		return fmt.Errorf("remove entry: %w", err)
	}

	out := cmd.OutOrStdout()
	if ok, err := printJSON(out, res); ok {
		return err
	}
	fmt.Fprintf(out, "Removed %s (%d objects, %d chunks deleted)\n", key, res.ObjectsDeleted, res.ChunksDeleted)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	key, err := parseKey(args)
	if err != nil {
		return err
	}
	e, err := apiClient.Status(context.Background(), key)
	if err != nil {
		return fmt.Errorf("get entry: %w", err)
	}
	return printEntry(cmd.OutOrStdout(), e)
}

func runList(cmd *cobra.Command, _ []string) error {
	opts := client.ListOptions{Statuses: listStatuses, ContentTypes: listTypes}
	switch {
	case listArchived:
		opts.Archived = &listArchived
	case listActive:
		archived := false
		opts.Archived = &archived
	}

	entries, err := apiClient.List(context.Background(), opts)
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}

	out := cmd.OutOrStdout()
	if ok, err := printJSON(out, entries); ok {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No entries found.")
		return nil
	}

	fmt.Fprintf(out, "%-10s %-32s %-12s %-11s %s\n", "TYPE", "NAME", "STATUS", "UPDATED", "RETRIES")
	fmt.Fprintln(out, "------------------------------------------------------------------------------")
	for _, e := range entries {
		name := e.Name
		if e.Archive {
			name += " [archived]"
		}
		fmt.Fprintf(out, "%-10s %-32s %-12s %-11s %d\n", e.ContentType, name, e.Status, e.UpdateDate, e.RetryCount)
		if verbose && e.FailureReason != nil {
			fmt.Fprintf(out, "  %s\n", *e.FailureReason)
		}
	}
	return nil
}

func runSummary(cmd *cobra.Command, _ []string) error {
	sum, err := apiClient.Summary(context.Background())
	if err != nil {
		return fmt.Errorf("get summary: %w", err)
	}

	out := cmd.OutOrStdout()
	if ok, err := printJSON(out, sum); ok {
		return err
	}
	printSummary(out, sum)
	return nil
}

func printSummary(out io.Writer, sum *models.LedgerSummary) {
	fmt.Fprintf(out, "Entries: %d (%d in flight, %d archived, %d stale)\n\n", sum.Total, sum.InFlight, sum.Archived, sum.Stale)

	fmt.Fprintln(out, "By status:")
	for _, st := range models.Statuses {
		if n := sum.ByStatus[st]; n > 0 {
			fmt.Fprintf(out, "  %-12s %d\n", st, n)
		}
	}

	fmt.Fprintln(out, "\nBy type:")
	types := make([]string, 0, len(sum.ByType))
	for ct := range sum.ByType {
		types = append(types, string(ct))
	}
	sort.Strings(types)
	for _, ct := range types {
		fmt.Fprintf(out, "  %-12s %d\n", ct, sum.ByType[models.ContentType(ct)])
	}

	if len(sum.Failed) > 0 {
		fmt.Fprintf(out, "\nFailed (%d):\n", len(sum.Failed))
		for _, f := range sum.Failed {
			fmt.Fprintf(out, "  - %s/%s (retries: %d): %s\n", f.ContentType, f.Name, f.RetryCount, f.FailureReason)
		}
	}
}

func entryAction(verb string, fn func(*client.Client, context.Context, models.Key) (*models.ContentEntry, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(args)
		if err != nil {
			return err
		}
		e, err := fn(apiClient, context.Background(), key)
		if err != nil {
			return fmt.Errorf("%s entry: %w", verb, err)
		}
		return printEntry(cmd.OutOrStdout(), e)
	}
}

func printEntry(out io.Writer, e *models.ContentEntry) error {
	if ok, err := printJSON(out, e); ok {
		return err
	}

	fmt.Fprintf(out, "%s\n", e.Key())
	fmt.Fprintf(out, "  Status:      %s\n", e.Status)
	if e.SourceURL != nil && *e.SourceURL != "" {
		fmt.Fprintf(out, "  Source:      %s\n", *e.SourceURL)
	} else {
		fmt.Fprintln(out, "  Source:      (direct upload)")
	}
	if e.BucketLocation != "" {
		fmt.Fprintf(out, "  Location:    %s\n", e.BucketLocation)
	}
	fmt.Fprintf(out, "  Registered:  %s\n", e.SourceDate)
	if !e.UpdateDate.IsZero() {
		fmt.Fprintf(out, "  Processed:   %s\n", e.UpdateDate)
	}
	if e.Archive {
		fmt.Fprintln(out, "  Archived:    yes")
	}
	if e.RetryCount > 0 {
		fmt.Fprintf(out, "  Retries:     %d\n", e.RetryCount)
	}
	if e.FailureReason != nil && *e.FailureReason != "" {
		fmt.Fprintf(out, "  Failure:     %s\n", *e.FailureReason)
	}
	if e.ChunkCount > 0 {
		fmt.Fprintf(out, "  Chunks:      %d\n", e.ChunkCount)
	}
	if verbose {
		if e.LastProcessingAttempt != nil {
			fmt.Fprintf(out, "  Last try:    %s\n", e.LastProcessingAttempt.Format(time.RFC3339))
		}
		fmt.Fprintf(out, "  Updated at:  %s\n", e.UpdatedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "  Version:     %d\n", e.Version)
	}
	return nil
}
