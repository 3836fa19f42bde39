package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRefreshCommand creates the refresh command. Destructive: it discards
// the local mirror and re-seeds it from the authority.
func NewRefreshCommand() *cobra.Command {
	var yes, force bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Discard the local mirror and re-pull everything",
		Long: `Drop the local mirror, the mutation queue and the sync cursor, then
run a full initial pull from the authority.

Refuses to run while unsynced mutations exist unless --force is given,
because those mutations would be lost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refresh discards local data; pass --yes to confirm")
			}

			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			stats, err := app.Orch.ForceRefresh(cmd.Context(), force)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"status":  "success",
				"applied": stats.Applied,
				"deleted": stats.Deleted,
				"cursor":  stats.Cursor,
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive refresh")
	cmd.Flags().BoolVar(&force, "force", false, "proceed even when unsynced mutations would be forfeited")
	return cmd
}
