package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pricequorum/pricequorum/internal/config"
)

var feedsFile string

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Print the registered feed table",
	RunE:  runFeeds,
}

func init() {
	feedsCmd.Flags().StringVar(&feedsFile, "feeds", "", "feed registry file; overrides FEEDS_FILE")
}

func runFeeds(cmd *cobra.Command, args []string) error {
	path := feedsFile
	if path == "" {
		path = os.Getenv("FEEDS_FILE")
	}
	if path == "" {
		path = "feeds.yaml"
	}

	feeds, err := config.LoadFeeds(path)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tPYTH\tSWITCHBOARD")
	for _, entry := range feeds.Feeds {
		fmt.Fprintf(w, "%s\t%s\t%s\n", entry.Symbol, orDash(entry.Pyth), orDash(entry.Switchboard))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
