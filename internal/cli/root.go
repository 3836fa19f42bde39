// Package cli implements the dukapos command line interface.
package cli

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/nduati/dukapos/backend/internal/config"
)

// NewRootCommand creates the root command for the dukapos engine.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dukapos",
		Short: "Offline-first sync engine for duka point-of-sale terminals",
		Long: `dukapos keeps a device-local SQLite mirror of shop data, queues every
write while offline, and reconciles with the remote authority when
connectivity returns.

Configuration comes from DUKA_-prefixed environment variables; see the
serve command for the daemon mode.`,
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewSyncCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewAuditCommand())
	cmd.AddCommand(NewRefreshCommand())

	return cmd
}

// printJSON writes an indented JSON document, the output format of every
// read command.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
