package main

import (
	"github.com/spf13/cobra"

	"ndefender/internal/dashboard"
)

func newDashboardCmd(root *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Render Grafana dashboards for the contact history",
		Long:  "dashboard renders the bundled Grafana dashboards. GREPTIMEDB_DATASOURCE_UID must name the Grafana datasource.",
		RunE: func(cmd *cobra.Command, args []string) error {
			h := root.cfg.History
			return dashboard.Render(out, dashboard.Tables{ContactTable: h.ContactTable, TelemetryTable: h.TelemetryTable})
		},
	}
	cmd.Flags().StringVar(&out, "out", "build", "Output directory")
	return cmd
}
