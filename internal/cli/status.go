package cli

import (
	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state, pending mutations and exhausted retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			snap, err := app.Orch.Snapshot()
			if err != nil {
				return err
			}
			exhausted, err := app.Orch.NeedsAttention()
			if err != nil {
				return err
			}

			out := map[string]interface{}{
				"state":             string(snap.State),
				"online":            snap.Online,
				"pending_count":     snap.PendingCount,
				"initial_sync_done": snap.InitialSyncDone,
				"needs_attention":   len(exhausted),
			}
			if !snap.LastPushAt.IsZero() {
				out["last_push"] = snap.LastPushAt.UTC().Format("2006-01-02T15:04:05Z")
			}
			if !snap.LastPullAt.IsZero() {
				out["last_pull"] = snap.LastPullAt.UTC().Format("2006-01-02T15:04:05Z")
			}
			if snap.LastError != "" {
				out["last_error"] = snap.LastError
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}
