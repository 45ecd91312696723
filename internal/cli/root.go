// Package cli provides the command-line interface for contentops.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/contentops/internal/client"
	"github.com/raphaelgruber/contentops/internal/config"
	"github.com/raphaelgruber/contentops/internal/models"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose    bool
	jsonOutput bool
	serverURL  string
	apiToken   string

	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "contentops",
	Short: "Operate the content ingestion ledger",
	Long: `Contentops tracks content sources (repos, notebooks, blogs, slides, slack
exports) through ingestion and vectorization.

Register content, trigger pipeline runs, inspect the ledger and follow
run progress against a contentops server.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		url := serverURL
		if url == "" {
			url = cfg.ServerURL
		}
		token := apiToken
		if token == "" {
			token = cfg.APIToken
		}
		apiClient = client.New(url, token)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON responses")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default $CONTENTOPS_URL)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "API token (default $CONTENTOPS_API_TOKEN)")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(unarchiveCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statsCmd)
	for _, c := range triggerCmds() {
		rootCmd.AddCommand(c)
	}
}

// printJSON writes v indented when --json is set and reports whether it did.
func printJSON(w io.Writer, v any) (bool, error) {
	if !jsonOutput {
		return false, nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

// parseKey parses "<content_type>/<name>" or the two-argument form.
func parseKey(args []string) (models.Key, error) {
	var ct, name string
	switch len(args) {
	case 1:
		var ok bool
		ct, name, ok = strings.Cut(args[0], "/")
		if !ok {
			return models.Key{}, fmt.Errorf("expected <content_type>/<name>, got %q", args[0])
		}
	case 2:
		ct, name = args[0], args[1]
	default:
		return models.Key{}, fmt.Errorf("expected <content_type>/<name>")
	}
	t, err := models.ParseContentType(ct)
	if err != nil {
		return models.Key{}, err
	}
	key := models.NewKey(t, name)
	return key, key.Validate()
}
