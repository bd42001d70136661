// Package command routes subscriber COMMAND messages to the hardware
// controller or to local audio and builds their acknowledgements.
package command

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"ndefender/internal/controller"
	"ndefender/internal/event"
	"ndefender/internal/hub"
	"ndefender/internal/logging"
	"ndefender/internal/metrics"
)

// Ack error tokens produced by the router itself.
const (
	ErrNoVRX        = "no_vrx"
	ErrInvalidValue = "invalid_value"
)

// TargetController is the command target of the hardware controller.
const TargetController = "esp32"

const (
	defaultTimeout = 1500 * time.Millisecond
	buzzerTimeout  = 2 * time.Second
	buzzerTarget   = "buzzer"
	beepCmd        = "TEST_BEEP"
)

// ErrSendFailed is the buzzer ack error when neither the controller nor
// the local beep answered and the controller gave no reason.
const ErrSendFailed = "send_failed"

// Sender delivers a command to the controller.
type Sender interface {
	Send(ctx context.Context, cmd map[string]any, timeout time.Duration) controller.Result
}

// Router turns one inbound message into exactly one COMMAND_ACK.
type Router struct {
	Controller Sender
	Audio      Audio
	Metrics    *metrics.Metrics
	Now        func() time.Time

	// Strongest picks the receiver for FPV_LOCK_STRONGEST.
	Strongest func() (int64, bool)
	// Timeout applies when a command carries no timeout_s.
	Timeout time.Duration
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// reserved keys are not forwarded as command fields.
var reserved = map[string]bool{
	"target": true, "req_id": true, "id": true, "cmd": true,
	"command": true, "args": true, "timeout_s": true,
}

var audioTargets = map[string]string{
	"SET_VOLUME":   "audio",
	"TEST_SPEAKER": "audio",
	"PLAY_SOUND":   "audio",
	"TEST_BUZZER":  buzzerTarget,
}

// Handle processes msg, which may be nil for frames that were not JSON
// objects. Anything that is not a COMMAND is acknowledged with ok.
func (r *Router) Handle(ctx context.Context, msg map[string]any) hub.Envelope {
	ack := func(data map[string]any) hub.Envelope {
		return hub.Envelope{Type: hub.TypeCommandAck, Timestamp: r.now().UnixMilli(), Source: hub.DefaultSource, Data: data}
	}
	typ := event.String(msg["type"])
	data, isObj := msg["data"].(map[string]any)
	if !strings.EqualFold(typ, hub.TypeCommand) || !isObj {
		return ack(map[string]any{"ok": true})
	}

	reqID := event.String(data["req_id"])
	if reqID == "" {
		reqID = event.String(data["id"])
	}
	if reqID == "" {
		reqID = "t" + strconv.FormatInt(r.now().UnixMilli(), 10)
	}
	cmd, ok := data["cmd"]
	if !ok || cmd == nil || cmd == "" {
		cmd = data["command"]
	}
	name := strings.ToUpper(event.String(cmd))
	target := strings.ToLower(event.String(data["target"]))
	log := logging.FromContext(ctx).With("req_id", reqID, "cmd", name, "target", target)

	if audioTarget, isAudio := audioTargets[name]; isAudio && target != TargetController {
		var out map[string]any
		if name == "TEST_BUZZER" {
			out = r.buzzer(ctx, log, reqID, data)
		} else {
			out = r.audio(ctx, name, data)
		}
		out["target"] = audioTarget
		out["req_id"] = reqID
		out["cmd"] = name
		r.Metrics.ObserveCommand(audioTarget, outcome(out), 0)
		log.Info("audio command handled", "ok", out["ok"])
		return ack(out)
	}

	if target == TargetController {
		return ack(r.controller(ctx, log, reqID, cmd, name, data))
	}
	return ack(map[string]any{"ok": true})
}

func (r *Router) controller(ctx context.Context, log *slog.Logger, reqID string, orig any, name string, data map[string]any) map[string]any {
	out := map[string]any{"target": TargetController, "req_id": reqID, "cmd": orig}

	frame := map[string]any{"type": "cmd", "proto": 1, "req_id": reqID, "cmd": orig}
	if args, ok := data["args"].(map[string]any); ok {
		for k, v := range args {
			frame[k] = v
		}
	}
	for k, v := range data {
		if !reserved[k] {
			frame[k] = v
		}
	}

	switch name {
	case "FPV_SCAN_STOP":
		frame["cmd"] = "FPV_HOLD_SET"
		frame["hold"] = 1
	case "FPV_LOCK_STRONGEST":
		var sel int64
		found := false
		if r.Strongest != nil {
			sel, found = r.Strongest()
		}
		if !found {
			out["ok"] = false
			out["err"] = ErrNoVRX
			r.Metrics.ObserveCommand(TargetController, ErrNoVRX, 0)
			return out
		}
		frame["cmd"] = "VIDEO_SELECT"
		frame["sel"] = sel
	}

	timeout := defaultTimeout
	if r.Timeout > 0 {
		timeout = r.Timeout
	}
	if secs, ok := event.Number(data["timeout_s"]); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	if r.Controller == nil {
		out["ok"] = false
		out["err"] = ErrNotSupported
		return out
	}
	start := time.Now()
	res := r.Controller.Send(ctx, frame, timeout)
	out["ok"] = res.OK
	if res.Err != "" {
		out["err"] = res.Err
	} else {
		out["err"] = nil
	}
	if res.Response != nil {
		out["resp"] = res.Response
	}

	var elapsed time.Duration
	if res.Response != nil {
		elapsed = time.Since(start)
	}
	r.Metrics.ObserveCommand(TargetController, outcome(out), elapsed)
	if res.OK {
		log.Info("controller command acknowledged")
	} else {
		log.Warn("controller command failed", "err", res.Err)
	}
	return out
}

func (r *Router) audio(ctx context.Context, name string, data map[string]any) map[string]any {
	a := r.Audio
	if a == nil {
		a = NoAudio{}
	}
	out := map[string]any{"ok": false}
	var res AudioResult
	switch name {
	case "SET_VOLUME":
		v, ok := clampInt(firstOf(data, "value", "percent", "volume", "level"), 0, 100)
		if !ok {
			out["err"] = ErrInvalidValue
			return out
		}
		out["value"] = v
		res = a.SetVolume(ctx, v)
	case "TEST_SPEAKER":
		d := durationMs(data, 1000)
		d = max(200, min(2000, d))
		out["duration_ms"] = d
		res = a.TestSpeaker(ctx, d)
	case "PLAY_SOUND":
		sound := strings.TrimSpace(event.String(data["name"]))
		if sound == "" {
			sound = strings.TrimSpace(event.String(data["sound"]))
		}
		out["sound_name"] = sound
		res = a.PlaySound(ctx, sound, durationMs(data, 0))
	}
	for k, v := range res.Fields {
		out[k] = v
	}
	out["ok"] = res.OK
	if res.Err != "" {
		out["err"] = res.Err
	} else {
		out["err"] = nil
	}
	return out
}

// buzzer sounds the controller buzzer and the local beep. Either one
// answering makes the command succeed.
func (r *Router) buzzer(ctx context.Context, log *slog.Logger, reqID string, data map[string]any) map[string]any {
	d := max(100, min(5000, durationMs(data, 1000)))
	timeout := buzzerTimeout
	if secs, ok := event.Number(data["timeout_s"]); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	var res controller.Result
	if r.Controller != nil {
		frame := map[string]any{
			"type":        "cmd",
			"proto":       1,
			"req_id":      reqID,
			"cmd":         beepCmd,
			"ms":          d,
			"duration_ms": d,
		}
		start := time.Now()
		res = r.Controller.Send(ctx, frame, timeout)
		var elapsed time.Duration
		if res.Response != nil {
			elapsed = time.Since(start)
		}
		r.Metrics.ObserveCommand(TargetController, outcomeOf(res.OK, res.Err), elapsed)
	} else {
		res.Err = ErrNotSupported
	}
	log.Info("controller buzzer test", "ok", res.OK, "err", res.Err, "ms", d)

	a := r.Audio
	if a == nil {
		a = NoAudio{}
	}
	local := a.Beep(ctx, d)
	localEnabled := local.Err != ErrNotSupported
	var localOK any
	if localEnabled {
		localOK = local.OK
	}

	ok := res.OK || (localEnabled && local.OK)
	out := map[string]any{
		"ok":            ok,
		"err":           nil,
		"duration_ms":   d,
		"esp32_ok":      res.OK,
		"local_ok":      localOK,
		"local_enabled": localEnabled,
	}
	if !ok {
		out["err"] = res.Err
		if res.Err == "" {
			out["err"] = ErrSendFailed
		}
	}
	if res.Response != nil {
		out["resp"] = res.Response
	}
	return out
}

func outcomeOf(ok bool, err string) string {
	return outcome(map[string]any{"ok": ok, "err": err})
}

func outcome(ack map[string]any) string {
	if ok, _ := ack["ok"].(bool); ok {
		return "ok"
	}
	if err, _ := ack["err"].(string); err != "" {
		if i := strings.IndexByte(err, ':'); i > 0 {
			return err[:i]
		}
		return err
	}
	return "failed"
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func clampInt(v any, lo, hi int) (int, bool) {
	f, ok := event.Number(v)
	if !ok {
		return 0, false
	}
	if _, isBool := v.(bool); isBool {
		return 0, false
	}
	n := int(f)
	return max(lo, min(hi, n)), true
}

func durationMs(data map[string]any, def int) int {
	v := firstOf(data, "duration_ms", "ms")
	if n, ok := event.Number(v); ok && n != 0 {
		return int(n)
	}
	return def
}
