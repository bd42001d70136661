package main

import (
	"github.com/spf13/cobra"

	"ndefender/internal/core"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the core",
		Long:  "serve starts every ingest worker, the subscriber endpoint, the status query and metrics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if listen != "" {
				cfg.Server.Listen = listen
			}
			c, err := core.New(cfg, core.Options{Version: version})
			if err != nil {
				return err
			}
			return c.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides server.listen)")
	return cmd
}
