package main

import (
	"time"

	"github.com/spf13/cobra"

	"ndefender/internal/simfeed"
)

func newSimulateCmd(root *rootOptions) *cobra.Command {
	cfg := simfeed.Config{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Write a synthetic remote-ID feed",
		Long:  "simulate appends decoded OpenDroneID location records for a few random-walking emitters, for bench testing the ingest path.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Path == "" {
				cfg.Path = root.cfg.RemoteID.StreamPath
			}
			return simfeed.New(cfg).Run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Path, "out", "", "Feed file (defaults to remote_id.stream_path)")
	f.IntVar(&cfg.Count, "count", 3, "Number of emitters")
	f.Float64Var(&cfg.CenterLat, "lat", 47.3769, "Center latitude")
	f.Float64Var(&cfg.CenterLon, "lon", 8.5417, "Center longitude")
	f.Float64Var(&cfg.RadiusM, "radius", 1000, "Radius in meters emitters stay within")
	f.Float64Var(&cfg.AltM, "alt", 80, "Initial altitude in meters")
	f.DurationVar(&cfg.Interval, "interval", time.Second, "Broadcast interval")
	f.Int64Var(&cfg.Seed, "seed", 0, "Random seed (0 uses the clock)")
	return cmd
}
