package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/regwatch/internal/id/uuid"

	"github.com/JakeFAU/regwatch/internal/server"
)

func newCancelCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancels a pending or running job",
		Long: `Marks a non-terminal job as failed. A running worker notices at its next
page boundary and stops. Requires a shared database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !uuid.Valid(args[0]) {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return withApp(cmd, func(ctx context.Context, app *server.App) error {
				job, err := app.Jobs.Cancel(ctx, args[0], reason)
				if err != nil {
					return fmt.Errorf("cancel job %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s is %s: %s\n", job.ID, job.Status, job.ErrorMessage)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the job (default \"Manually cancelled\")")
	return cmd
}
