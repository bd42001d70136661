package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"ndefender/internal/tui"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	var (
		url    string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a running core",
		Long:  "watch connects to the subscriber endpoint of a running core. On a terminal it shows a live viewer; otherwise it prints one line per envelope.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := tui.Dial(ctx, url)
			if err != nil {
				return err
			}
			defer c.Close()
			if !asJSON && cmd.OutOrStdout() == os.Stdout && term.IsTerminal(int(os.Stdout.Fd())) {
				return tui.Run(ctx, c, url)
			}
			return tui.Stream(ctx, c, cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:8080/api/v1/ws", "Subscriber endpoint of the core")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw envelopes as JSON lines instead of the viewer")
	return cmd
}
