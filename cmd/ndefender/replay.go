package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"ndefender/internal/contact"
	"ndefender/internal/hub"
	"ndefender/internal/replay"
)

type replayOptions struct {
	raw   string
	ek    string
	state string
	speed float64
	pace  time.Duration
	loop  bool
}

func newReplayCmd(root *rootOptions) *cobra.Command {
	o := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay remote-ID captures and print contact events",
		Long: "replay merges a raw decoded capture with an EK export, drops duplicates, " +
			"feeds the contact tracker in timestamp order and prints every envelope as a JSON line.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rid := root.cfg.RemoteID
			if !cmd.Flags().Changed("raw") {
				o.raw = rid.RawReplayPath
			}
			if !cmd.Flags().Changed("ek") {
				o.ek = rid.EKReplayPath
			}
			if !cmd.Flags().Changed("loop") {
				o.loop = rid.ReplayLoop
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			r := replay.New(replay.Config{
				RawPath:   o.raw,
				EKPath:    o.ek,
				StatePath: o.state,
				Pace:      o.pace,
				Speed:     o.speed,
				Loop:      o.loop,
			}, contact.NewTracker(rid.TTL()), func(obj map[string]any) {
				if env, ok := hub.Normalize(obj, time.Now()); ok {
					_ = enc.Encode(env)
				}
			})
			return r.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&o.raw, "raw", "", "Raw decoded capture (JSONL)")
	cmd.Flags().StringVar(&o.ek, "ek", "", "EK export capture (JSONL)")
	cmd.Flags().StringVar(&o.state, "state", "", "Also write the remote-ID state file here")
	cmd.Flags().Float64Var(&o.speed, "speed", 0, "Playback speed multiplier over recorded gaps (0 paces at --pace)")
	cmd.Flags().DurationVar(&o.pace, "pace", replay.DefaultPace, "Delay between events when --speed is 0")
	cmd.Flags().BoolVar(&o.loop, "loop", false, "Restart from the beginning when the captures are exhausted")
	return cmd
}
