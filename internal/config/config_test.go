package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ndefender/internal/health"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ndefender.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestLoadConfig_Valid(t *testing.T) {
	path := writeConfig(t, `
remote_id:
  mode: replay
  ok_ms: 2000
  degraded_ms: 10000
  ttl_s: 30
controller:
  device: /dev/ttyUSB0
  enabled: false
state:
  dir: /tmp/ndefender-state
mqtt:
  broker: tcp://localhost:1883
  qos: 1
  encoding: msgpack
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.RemoteID.ModeValue() != health.ModeReplay {
		t.Errorf("mode = %q", cfg.RemoteID.Mode)
	}
	if cfg.RemoteID.Service != "ndefender-remoteid-replay" {
		t.Errorf("service default not mode aware: %q", cfg.RemoteID.Service)
	}
	if th := cfg.RemoteID.Thresholds(); th.OK != 2*time.Second || th.Degraded != 10*time.Second {
		t.Errorf("thresholds = %+v", th)
	}
	if cfg.RemoteID.TTL() != 30*time.Second {
		t.Errorf("ttl = %v", cfg.RemoteID.TTL())
	}
	if cfg.Controller.On() || !cfg.GPS.On() {
		t.Errorf("enabled flags wrong: controller=%v gps=%v", cfg.Controller.On(), cfg.GPS.On())
	}
	if cfg.State.StatePath() != "/tmp/ndefender-state/remoteid_state.json" {
		t.Errorf("state path = %q", cfg.State.StatePath())
	}
	if cfg.MQTT.Encoding != "msgpack" || cfg.MQTT.QoS != 1 {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.Controller.Baud != 115200 {
		t.Errorf("baud default = %d", cfg.Controller.Baud)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.RemoteID.StreamPath != want.RemoteID.StreamPath || cfg.Server.Listen != want.Server.Listen {
		t.Fatalf("defaults differ: %+v", cfg)
	}
	if cfg.RemoteID.InputPath() != "/opt/ndefender/logs/remoteid_decoded.jsonl" {
		t.Fatalf("input path = %q", cfg.RemoteID.InputPath())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "remote_id:\n  bogus: 1\n", "schema validation failed"},
		{"bad mode", "remote_id:\n  mode: pcap\n", "schema validation failed"},
		{"bad qos", "mqtt:\n  qos: 3\n", "schema validation failed"},
		{"thresholds", "remote_id:\n  ok_ms: 20000\n  degraded_ms: 10000\n", "must be below"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, c.body))
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("err = %v, want %q", err, c.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"NDEFENDER_REMOTEID_MODE":  "REPLAY",
		"NDEFENDER_REMOTEID_OK_MS": "1500",
		"NDEFENDER_CTRL_DEV":       "/dev/ttyACM0",
		"NDEFENDER_CTRL_BAUD":      "57600",
		"NDEFENDER_REPLAY_LOOP":    "1",
		"GREPTIMEDB_ENDPOINT":      "greptime:4001",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	var cfg Config
	if err := cfg.applyEnv(lookup); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	cfg.applyDefaults()
	if cfg.RemoteID.Mode != "replay" || cfg.RemoteID.OKMs != 1500 || !cfg.RemoteID.ReplayLoop {
		t.Errorf("remote id = %+v", cfg.RemoteID)
	}
	if cfg.Controller.Device != "/dev/ttyACM0" || cfg.Controller.Baud != 57600 {
		t.Errorf("controller = %+v", cfg.Controller)
	}
	if cfg.History.Endpoint != "greptime:4001" {
		t.Errorf("history endpoint = %q", cfg.History.Endpoint)
	}

	env["NDEFENDER_CTRL_STALE_MS"] = "soon"
	if err := (&Config{}).applyEnv(lookup); err == nil {
		t.Fatalf("expected parse error")
	}
}
