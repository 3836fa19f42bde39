package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewAuditCommand creates the audit command.
func NewAuditCommand() *cobra.Command {
	var failOnDrift bool

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Compare local aggregates against the remote authority",
		Long: `Compute trusted aggregates from the local mirror (product stock, sale
totals, stock movements, expense amounts), submit them to the authority
and report every mismatch. The audit never modifies data on either side.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Orch.Audit(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if failOnDrift && !report.Healthy() {
				return fmt.Errorf("audit found %d mismatches", report.TotalMismatches)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&failOnDrift, "fail-on-drift", false, "exit non-zero when mismatches are found")
	return cmd
}
