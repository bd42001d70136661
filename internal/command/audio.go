package command

import "context"

// ErrNotSupported is the ack error for audio commands on hosts without an
// audio backend.
const ErrNotSupported = "not_supported"

// AudioResult is merged into the acknowledgement of a local audio command.
type AudioResult struct {
	OK     bool
	Err    string
	Fields map[string]any
}

// Audio performs local sound commands.
type Audio interface {
	SetVolume(ctx context.Context, percent int) AudioResult
	TestSpeaker(ctx context.Context, durationMs int) AudioResult
	// Beep sounds the local fallback for the controller buzzer.
	Beep(ctx context.Context, durationMs int) AudioResult
	PlaySound(ctx context.Context, name string, durationMs int) AudioResult
}

// NoAudio rejects every audio command.
type NoAudio struct{}

func (NoAudio) SetVolume(context.Context, int) AudioResult {
	return AudioResult{Err: ErrNotSupported}
}

func (NoAudio) TestSpeaker(context.Context, int) AudioResult {
	return AudioResult{Err: ErrNotSupported}
}

func (NoAudio) Beep(context.Context, int) AudioResult {
	return AudioResult{Err: ErrNotSupported}
}

func (NoAudio) PlaySound(context.Context, string, int) AudioResult {
	return AudioResult{Err: ErrNotSupported}
}
