package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"ndefender/internal/hub"
	"ndefender/internal/logging"
)

// SourceESP32 is the envelope source for controller telemetry.
const SourceESP32 = "esp32"

// DefaultStale is how long the link may stay silent before it is reported
// disconnected.
const DefaultStale = 3 * time.Second

const maxFrame = 64 * 1024

// Reader holds the long-lived read handle on the controller device.
type Reader struct {
	Device string
	Baud   int
	Opener Opener
	Stale  time.Duration
	Retry  time.Duration
	State  *State
	Bridge *Bridge
	// Publish receives a TELEMETRY_UPDATE for every telemetry frame.
	Publish func(hub.Envelope)

	now func() time.Time
}

func (r *Reader) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Run waits for the device, reads frames until an error, and starts over
// until ctx is done.
func (r *Reader) Run(ctx context.Context) error {
	log := logging.FromContext(ctx).With("device", r.Device)
	retry := r.Retry
	if retry <= 0 {
		retry = time.Second
	}
	for ctx.Err() == nil {
		if !r.Opener.Exists(r.Device) {
			r.State.SetDisconnected()
			if !sleep(ctx, retry) {
				break
			}
			continue
		}
		port, err := r.Opener.Open(r.Device, r.Baud)
		if err != nil {
			log.Warn("controller open failed", "err", err)
			r.State.SetDisconnected()
			if !sleep(ctx, retry) {
				break
			}
			continue
		}
		log.Info("controller link open")
		r.State.SetConnected()
		err = r.readLoop(ctx, port)
		if ctx.Err() != nil {
			break
		}
		log.Warn("controller link lost", "err", err)
		r.State.SetDisconnected()
		if !sleep(ctx, retry) {
			break
		}
	}
	return nil
}

func (r *Reader) readLoop(ctx context.Context, port Port) error {
	stop := context.AfterFunc(ctx, func() { _ = port.Close() })
	defer func() {
		if stop() {
			_ = port.Close()
		}
	}()

	stale := r.Stale
	if stale <= 0 {
		stale = DefaultStale
	}
	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := port.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			r.State.CheckStale(r.clock(), stale)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		pending = append(pending, buf[:n]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			r.handle(ctx, pending[:i])
			pending = pending[i+1:]
		}
		if len(pending) > maxFrame {
			pending = pending[:0]
		}
	}
}

func (r *Reader) handle(ctx context.Context, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return
	}
	var frame map[string]any
	if err := json.Unmarshal(line, &frame); err != nil {
		logging.FromContext(ctx).Debug("controller frame skipped", "err", err)
		return
	}
	switch frame["type"] {
	case "cmd_ack":
		if r.Bridge != nil {
			r.Bridge.Resolve(frame)
		}
	case "telemetry", "scan_report":
		now := r.clock()
		t := r.State.Apply(frame, now)
		if r.Publish != nil {
			r.Publish(hub.Envelope{
				Type:      hub.TypeTelemetryUpdate,
				Timestamp: now.UnixMilli(),
				Source:    SourceESP32,
				Data:      t,
			})
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
