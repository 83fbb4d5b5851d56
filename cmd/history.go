package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/server"
)

func newHistoryCmd() *cobra.Command {
	var sourceID, url string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Lists every version recorded for one document URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *server.App) error {
				versions, err := app.Changes.VersionHistory(ctx, sourceID, url)
				if err != nil {
					return fmt.Errorf("version history: %w", err)
				}
				renderVersions(cmd.OutOrStdout(), versions)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&sourceID, "source", "", "source ID")
	cmd.Flags().StringVar(&url, "url", "", "document URL")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newChangesCmd() *cobra.Command {
	var (
		sourceID string
		review   bool
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Lists recent document changes for a source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *server.App) error {
				var (
					versions []crawler.DocumentVersion
					err      error
				)
				if review {
					versions, err = app.Changes.ChangesForReview(ctx, sourceID)
				} else {
					versions, err = app.Changes.RecentChanges(ctx, sourceID, limit)
				}
				if err != nil {
					return fmt.Errorf("list changes: %w", err)
				}
				renderVersions(cmd.OutOrStdout(), versions)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&sourceID, "source", "", "source ID")
	cmd.Flags().BoolVar(&review, "review", false, "only show changes flagged for review")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of changes")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}
