package command

import (
	"context"
	"testing"
	"time"

	"ndefender/internal/controller"
	"ndefender/internal/hub"
)

type fakeSender struct {
	got     []map[string]any
	timeout time.Duration
	result  controller.Result
}

func (f *fakeSender) Send(_ context.Context, cmd map[string]any, timeout time.Duration) controller.Result {
	f.got = append(f.got, cmd)
	f.timeout = timeout
	return f.result
}

type fakeAudio struct {
	NoAudio
	volume int
}

func (a *fakeAudio) SetVolume(_ context.Context, p int) AudioResult {
	a.volume = p
	return AudioResult{OK: true, Fields: map[string]any{"percent": p}}
}

func newRouter(s *fakeSender) *Router {
	return &Router{
		Controller: s,
		Strongest:  func() (int64, bool) { return 3, true },
		Now:        func() time.Time { return time.UnixMilli(777) },
	}
}

func ackData(t *testing.T, env hub.Envelope) map[string]any {
	t.Helper()
	if env.Type != hub.TypeCommandAck || env.Source != "backend" || env.Timestamp != 777 {
		t.Fatalf("unexpected envelope %+v", env)
	}
	return env.Data.(map[string]any)
}

func TestControllerCommandFlattening(t *testing.T) {
	s := &fakeSender{result: controller.Result{OK: true, Response: map[string]any{"ok": true}}}
	r := newRouter(s)
	env := r.Handle(context.Background(), map[string]any{
		"type": "command",
		"data": map[string]any{
			"target":    "ESP32",
			"id":        "abc",
			"command":   "VIDEO_SELECT",
			"args":      map[string]any{"sel": 2},
			"extra":     "x",
			"timeout_s": 0.25,
		},
	})
	d := ackData(t, env)
	if d["ok"] != true || d["req_id"] != "abc" || d["cmd"] != "VIDEO_SELECT" || d["target"] != "esp32" || d["err"] != nil {
		t.Fatalf("unexpected ack %v", d)
	}
	if _, ok := d["resp"]; !ok {
		t.Fatalf("response not attached")
	}
	cmd := s.got[0]
	if cmd["type"] != "cmd" || cmd["proto"] != 1 || cmd["sel"] != 2 || cmd["extra"] != "x" {
		t.Fatalf("unexpected command %v", cmd)
	}
	for _, k := range []string{"target", "id", "command", "args", "timeout_s"} {
		if _, ok := cmd[k]; ok {
			t.Fatalf("reserved key %q forwarded", k)
		}
	}
	if s.timeout != 250*time.Millisecond {
		t.Fatalf("timeout = %v", s.timeout)
	}
}

func TestControllerAliases(t *testing.T) {
	s := &fakeSender{result: controller.Result{Err: controller.ErrTimeout}}
	r := newRouter(s)

	d := ackData(t, r.Handle(context.Background(), map[string]any{
		"type": "COMMAND",
		"data": map[string]any{"target": "esp32", "req_id": "1", "cmd": "FPV_SCAN_STOP"},
	}))
	if s.got[0]["cmd"] != "FPV_HOLD_SET" || s.got[0]["hold"] != 1 {
		t.Fatalf("scan stop not aliased: %v", s.got[0])
	}
	if d["cmd"] != "FPV_SCAN_STOP" || d["ok"] != false || d["err"] != "timeout" {
		t.Fatalf("unexpected ack %v", d)
	}
	if s.timeout != 1500*time.Millisecond {
		t.Fatalf("default timeout = %v", s.timeout)
	}

	r.Handle(context.Background(), map[string]any{
		"type": "COMMAND",
		"data": map[string]any{"target": "esp32", "req_id": "2", "cmd": "FPV_LOCK_STRONGEST"},
	})
	if s.got[1]["cmd"] != "VIDEO_SELECT" || s.got[1]["sel"] != int64(3) {
		t.Fatalf("lock strongest not aliased: %v", s.got[1])
	}

	r.Strongest = func() (int64, bool) { return 0, false }
	d = ackData(t, r.Handle(context.Background(), map[string]any{
		"type": "COMMAND",
		"data": map[string]any{"target": "esp32", "req_id": "3", "cmd": "FPV_LOCK_STRONGEST"},
	}))
	if d["err"] != ErrNoVRX || d["ok"] != false || len(s.got) != 2 {
		t.Fatalf("expected no_vrx without a send, got %v", d)
	}
}

func TestGeneratedReqID(t *testing.T) {
	s := &fakeSender{}
	r := newRouter(s)
	d := ackData(t, r.Handle(context.Background(), map[string]any{
		"type": "COMMAND",
		"data": map[string]any{"target": "esp32", "cmd": "PING"},
	}))
	if d["req_id"] != "t777" || s.got[0]["req_id"] != "t777" {
		t.Fatalf("req_id = %v", d["req_id"])
	}
}

func TestAudioCommands(t *testing.T) {
	s := &fakeSender{}
	audio := &fakeAudio{}
	r := newRouter(s)
	r.Audio = audio

	d := ackData(t, r.Handle(context.Background(), map[string]any{
		"type": "COMMAND",
		"data": map[string]any{"req_id": "v", "cmd": "set_volume", "percent": 140},
	}))
	if d["ok"] != true || d["target"] != "audio" || d["value"] != 100 || audio.volume != 100 {
		t.Fatalf("unexpected volume ack %v", d)
	}

	d = ackData(t, r.Handle(context.Background(), map[string]any{
		"type": "COMMAND",
		"data": map[string]any{"req_id": "v2", "cmd": "SET_VOLUME", "value": "loud"},
	}))
	if d["ok"] != false || d["err"] != ErrInvalidValue {
		t.Fatalf("unexpected invalid ack %v", d)
	}

	d = ackData(t, r.Handle(context.Background(), map[string]any{
		"type": "COMMAND",
		"data": map[string]any{"req_id": "s", "cmd": "TEST_SPEAKER", "ms": 50},
	}))
	if d["duration_ms"] != 200 {
		t.Fatalf("speaker duration not clamped: %v", d)
	}
	if len(s.got) != 0 {
		t.Fatalf("audio command reached the controller")
	}
}

type beepAudio struct {
	NoAudio
	ok    bool
	beeps []int
}

func (a *beepAudio) Beep(_ context.Context, ms int) AudioResult {
	a.beeps = append(a.beeps, ms)
	return AudioResult{OK: a.ok}
}

func TestBuzzerUsesController(t *testing.T) {
	s := &fakeSender{result: controller.Result{OK: true, Response: map[string]any{"ok": true, "req_id": "b1"}}}
	r := newRouter(s)
	d := ackData(t, r.Handle(context.Background(), map[string]any{
		"type": "COMMAND",
		"data": map[string]any{"req_id": "b1", "cmd": "TEST_BUZZER", "duration_ms": 500},
	}))
	if len(s.got) != 1 {
		t.Fatalf("controller sends = %d, want 1", len(s.got))
	}
	cmd := s.got[0]
	if cmd["type"] != "cmd" || cmd["proto"] != 1 || cmd["cmd"] != "TEST_BEEP" || cmd["req_id"] != "b1" || cmd["ms"] != 500 || cmd["duration_ms"] != 500 {
		t.Fatalf("unexpected command %v", cmd)
	}
	if s.timeout != 2*time.Second {
		t.Fatalf("timeout = %v, want 2s", s.timeout)
	}
	if d["ok"] != true || d["err"] != nil || d["target"] != "buzzer" || d["cmd"] != "TEST_BUZZER" {
		t.Fatalf("unexpected ack %v", d)
	}
	if d["esp32_ok"] != true || d["local_ok"] != nil || d["local_enabled"] != false || d["duration_ms"] != 500 {
		t.Fatalf("unexpected buzzer fields %v", d)
	}
	if _, ok := d["resp"]; !ok {
		t.Fatalf("response not attached")
	}
}

func TestBuzzerClampsAndFallsBack(t *testing.T) {
	s := &fakeSender{result: controller.Result{Err: controller.ErrTimeout}}
	audio := &beepAudio{ok: true}
	r := newRouter(s)
	r.Audio = audio

	d := ackData(t, r.Handle(context.Background(), map[string]any{
		"type": "COMMAND",
		"data": map[string]any{"req_id": "b2", "cmd": "test_buzzer", "ms": 20, "timeout_s": 0.5},
	}))
	if s.got[0]["ms"] != 100 || s.timeout != 500*time.Millisecond {
		t.Fatalf("command %v timeout %v", s.got[0], s.timeout)
	}
	if d["ok"] != true || d["esp32_ok"] != false || d["local_ok"] != true || len(audio.beeps) != 1 || audio.beeps[0] != 100 {
		t.Fatalf("local beep should rescue the ack: %v", d)
	}

	audio.ok = false
	d = ackData(t, r.Handle(context.Background(), map[string]any{
		"type": "COMMAND",
		"data": map[string]any{"req_id": "b3", "cmd": "TEST_BUZZER", "duration_ms": 9000},
	}))
	if s.got[1]["ms"] != 5000 {
		t.Fatalf("duration not clamped: %v", s.got[1])
	}
	if d["ok"] != false || d["err"] != controller.ErrTimeout || d["local_ok"] != false {
		t.Fatalf("unexpected failed ack %v", d)
	}

	s.result = controller.Result{}
	r.Audio = nil
	d = ackData(t, r.Handle(context.Background(), map[string]any{
		"type": "COMMAND",
		"data": map[string]any{"req_id": "b4", "cmd": "TEST_BUZZER"},
	}))
	if d["err"] != ErrSendFailed || s.got[2]["ms"] != 1000 {
		t.Fatalf("unexpected ack %v for %v", d, s.got[2])
	}
}

func TestNonCommandAck(t *testing.T) {
	r := newRouter(&fakeSender{})
	for _, msg := range []map[string]any{nil, {"type": "PING"}, {"type": "COMMAND", "data": "x"}} {
		d := ackData(t, r.Handle(context.Background(), msg))
		if len(d) != 1 || d["ok"] != true {
			t.Fatalf("unexpected ack %v for %v", d, msg)
		}
	}
	d := ackData(t, r.Handle(context.Background(), map[string]any{
		"type": "COMMAND",
		"data": map[string]any{"target": "ui", "cmd": "NOOP"},
	}))
	if len(d) != 1 || d["ok"] != true {
		t.Fatalf("unroutable command should get a plain ack, got %v", d)
	}
}
