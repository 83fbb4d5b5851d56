package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/server"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs one job to completion
// in the foreground.
func newCrawlCmd() *cobra.Command {
	var (
		sourceID string
		maxDepth int
		maxPages int
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls one source synchronously and prints the job summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var opts crawler.JobOptions
			if cmd.Flags().Changed("max-depth") {
				opts.MaxDepth = &maxDepth
			}
			if cmd.Flags().Changed("max-pages") {
				opts.MaxPages = &maxPages
			}
			return withApp(cmd, func(ctx context.Context, app *server.App) error {
				summary, err := app.CrawlNow(ctx, sourceID, opts)
				if summary.JobID != "" {
					renderSummary(cmd.OutOrStdout(), summary)
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("crawl %s: %w", sourceID, err)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&sourceID, "source", "", "source ID from the sources file")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "override the source's maximum link depth")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "override the source's page budget")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}
