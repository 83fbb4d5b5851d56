package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/regwatch/internal/server"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Lists the configured sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(_ context.Context, app *server.App) error {
				renderSources(cmd.OutOrStdout(), app.Sources.All())
				return nil
			})
		},
	}
}
