package cli

import (
	"github.com/spf13/cobra"
)

// NewSyncCommand creates the sync command: one immediate cycle.
func NewSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one push-then-pull cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			result, runErr := app.Orch.RunCycle(cmd.Context())
			if result != nil {
				out := map[string]interface{}{
					"duration_ms": result.Duration.Milliseconds(),
				}
				if result.Push != nil {
					out["pushed"] = result.Push.Applied
					out["push_failed"] = result.Push.Failed
				}
				if result.Pull != nil {
					out["pulled"] = result.Pull.Applied
					out["skipped"] = result.Pull.Skipped
				}
				if result.Error != "" {
					out["error"] = result.Error
				}
				if err := printJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
			}
			return runErr
		},
	}
}
