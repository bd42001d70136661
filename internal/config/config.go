// YAML config loader with CUE validation and appliance env overrides
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ndefender/internal/health"
)

// RemoteIDConfig selects the remote-ID input and its health thresholds.
type RemoteIDConfig struct {
	Mode             string  `yaml:"mode"`
	StreamPath       string  `yaml:"stream_path"`
	ReplayStreamPath string  `yaml:"replay_stream_path"`
	RawReplayPath    string  `yaml:"raw_replay_path"`
	EKReplayPath     string  `yaml:"ek_replay_path"`
	ReplayLoop       bool    `yaml:"replay_loop"`
	ReplayPaceMs     int     `yaml:"replay_pace_ms"`
	ReplaySpeed      float64 `yaml:"replay_speed"`
	Service          string  `yaml:"service"`
	OKMs             int     `yaml:"ok_ms"`
	DegradedMs       int     `yaml:"degraded_ms"`
	TTLSeconds       float64 `yaml:"ttl_s"`
}

// RFSensorConfig describes the RF scanner feed.
type RFSensorConfig struct {
	Enabled    *bool  `yaml:"enabled"`
	StreamPath string `yaml:"stream_path"`
	Endpoint   string `yaml:"endpoint"`
	Service    string `yaml:"service"`
	OKMs       int    `yaml:"ok_ms"`
	DegradedMs int    `yaml:"degraded_ms"`
	TTLMs      int    `yaml:"ttl_ms"`
}

// ControllerConfig describes the serial link to the FPV controller.
type ControllerConfig struct {
	Enabled          *bool  `yaml:"enabled"`
	Device           string `yaml:"device"`
	Baud             int    `yaml:"baud"`
	StaleMs          int    `yaml:"stale_ms"`
	CommandTimeoutMs int    `yaml:"command_timeout_ms"`
}

// GPSConfig points at gpsd.
type GPSConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// StateConfig controls the persisted state files.
type StateConfig struct {
	Dir             string `yaml:"dir"`
	WriteIntervalMs int    `yaml:"write_interval_ms"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// HistoryConfig enables the GreptimeDB history sink when Endpoint is set.
type HistoryConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Database        string `yaml:"database"`
	ContactTable    string `yaml:"contact_table"`
	TelemetryTable  string `yaml:"telemetry_table"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
	BatchSize       int    `yaml:"batch_size"`
}

// MQTTConfig enables the MQTT bridge when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
	Encoding    string `yaml:"encoding"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration of the core.
type Config struct {
	RemoteID   RemoteIDConfig   `yaml:"remote_id"`
	RFSensor   RFSensorConfig   `yaml:"rf_sensor"`
	Controller ControllerConfig `yaml:"controller"`
	GPS        GPSConfig        `yaml:"gps"`
	State      StateConfig      `yaml:"state"`
	Server     ServerConfig     `yaml:"server"`
	History    HistoryConfig    `yaml:"history"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Load reads path, validates it against the embedded schema and applies
// environment overrides and defaults. An empty or missing path yields the
// defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := Validate(path, data); err != nil {
				return nil, err
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("cannot unmarshal YAML config: %w", err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyEnv lets the appliance unit files override the file.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("NDEFENDER_REMOTEID_MODE", &c.RemoteID.Mode)
	c.RemoteID.Mode = strings.ToLower(c.RemoteID.Mode)
	str("NDEFENDER_REMOTEID_LIVE_JSONL", &c.RemoteID.StreamPath)
	str("NDEFENDER_REMOTEID_REPLAY_JSONL", &c.RemoteID.ReplayStreamPath)
	str("NDEFENDER_REMOTEID_SERVICE", &c.RemoteID.Service)
	if v, ok := lookup("NDEFENDER_REPLAY_LOOP"); ok {
		c.RemoteID.ReplayLoop = strings.TrimSpace(v) == "1"
	}
	str("NDEFENDER_CTRL_DEV", &c.Controller.Device)
	str("GREPTIMEDB_ENDPOINT", &c.History.Endpoint)
	str("MQTT_BROKER", &c.MQTT.Broker)
	for key, dst := range map[string]*int{
		"NDEFENDER_REMOTEID_OK_MS":       &c.RemoteID.OKMs,
		"NDEFENDER_REMOTEID_DEGRADED_MS": &c.RemoteID.DegradedMs,
		"NDEFENDER_CTRL_BAUD":            &c.Controller.Baud,
		"NDEFENDER_CTRL_STALE_MS":        &c.Controller.StaleMs,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	r := &c.RemoteID
	if r.Mode == "" {
		r.Mode = string(health.ModeLive)
	}
	if r.StreamPath == "" {
		r.StreamPath = "/opt/ndefender/logs/remoteid_decoded.jsonl"
	}
	if r.ReplayStreamPath == "" {
		r.ReplayStreamPath = r.StreamPath
	}
	if r.RawReplayPath == "" {
		r.RawReplayPath = "/opt/ndefender/logs/remoteid_replay.jsonl"
	}
	if r.EKReplayPath == "" {
		r.EKReplayPath = "/opt/ndefender/logs/odid_wifi_sample.ek.jsonl"
	}
	if r.ReplayPaceMs == 0 {
		r.ReplayPaceMs = 10
	}
	if r.Service == "" {
		r.Service = "ndefender-remoteid-live"
		if r.Mode == string(health.ModeReplay) {
			r.Service = "ndefender-remoteid-replay"
		}
	}
	if r.OKMs == 0 {
		r.OKMs = 3000
	}
	if r.DegradedMs == 0 {
		r.DegradedMs = 15000
	}
	if r.TTLSeconds == 0 {
		r.TTLSeconds = 15
	}

	rf := &c.RFSensor
	if rf.StreamPath == "" {
		rf.StreamPath = "/opt/ndefender/logs/antsdr_scan.jsonl"
	}
	if rf.Endpoint == "" {
		rf.Endpoint = "ip:192.168.10.2"
	}
	if rf.Service == "" {
		rf.Service = "ndefender-rfscan"
	}
	if rf.OKMs == 0 {
		rf.OKMs = 3000
	}
	if rf.DegradedMs == 0 {
		rf.DegradedMs = 15000
	}
	if rf.TTLMs == 0 {
		rf.TTLMs = 7000
	}

	ctl := &c.Controller
	if ctl.Device == "" {
		ctl.Device = "/dev/ndefender-controller"
	}
	if ctl.Baud == 0 {
		ctl.Baud = 115200
	}
	if ctl.StaleMs == 0 {
		ctl.StaleMs = 3000
	}
	if ctl.CommandTimeoutMs == 0 {
		ctl.CommandTimeoutMs = 1500
	}

	if c.GPS.Addr == "" {
		c.GPS.Addr = "127.0.0.1:2947"
	}
	if c.State.Dir == "" {
		c.State.Dir = "/opt/ndefender/backend/state"
	}
	if c.State.WriteIntervalMs == 0 {
		c.State.WriteIntervalMs = 500
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}

	h := &c.History
	if h.Database == "" {
		h.Database = "public"
	}
	if h.ContactTable == "" {
		h.ContactTable = "rid_contacts"
	}
	if h.TelemetryTable == "" {
		h.TelemetryTable = "controller_telemetry"
	}
	if h.FlushIntervalMs == 0 {
		h.FlushIntervalMs = 1000
	}
	if h.BatchSize == 0 {
		h.BatchSize = 200
	}

	m := &c.MQTT
	if m.ClientID == "" {
		m.ClientID = "ndefender-core"
	}
	if m.TopicPrefix == "" {
		m.TopicPrefix = "ndefender"
	}
	if m.Encoding == "" {
		m.Encoding = "json"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) validate() error {
	switch health.Mode(c.RemoteID.Mode) {
	case health.ModeLive, health.ModeReplay, health.ModeBatch:
	default:
		return fmt.Errorf("remote_id.mode %q: want live, replay or batch", c.RemoteID.Mode)
	}
	if c.RemoteID.OKMs >= c.RemoteID.DegradedMs {
		return fmt.Errorf("remote_id.ok_ms (%d) must be below degraded_ms (%d)", c.RemoteID.OKMs, c.RemoteID.DegradedMs)
	}
	if c.RFSensor.OKMs >= c.RFSensor.DegradedMs {
		return fmt.Errorf("rf_sensor.ok_ms (%d) must be below degraded_ms (%d)", c.RFSensor.OKMs, c.RFSensor.DegradedMs)
	}
	if c.Controller.Baud <= 0 {
		return fmt.Errorf("controller.baud must be positive")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d out of range", c.MQTT.QoS)
	}
	return nil
}

func enabled(b *bool) bool { return b == nil || *b }

// On reports whether the RF feed is consumed. Unset means on.
func (c RFSensorConfig) On() bool { return enabled(c.Enabled) }

// On reports whether the controller link is opened. Unset means on.
func (c ControllerConfig) On() bool { return enabled(c.Enabled) }

// On reports whether gpsd is followed. Unset means on.
func (c GPSConfig) On() bool { return enabled(c.Enabled) }

// ModeValue returns the ingest mode.
func (c RemoteIDConfig) ModeValue() health.Mode { return health.Mode(c.Mode) }

// Thresholds returns the remote-ID health thresholds.
func (c RemoteIDConfig) Thresholds() health.Thresholds {
	return health.Thresholds{OK: ms(c.OKMs), Degraded: ms(c.DegradedMs)}
}

// TTL is the contact time-to-live.
func (c RemoteIDConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds * float64(time.Second))
}

// InputPath is the stream followed in the current mode.
func (c RemoteIDConfig) InputPath() string {
	if c.ModeValue() == health.ModeReplay {
		return c.ReplayStreamPath
	}
	return c.StreamPath
}

// StatePath is the remote-ID state file.
func (c StateConfig) StatePath() string { return filepath.Join(c.Dir, "remoteid_state.json") }

// GPSPath is the gps state file.
func (c StateConfig) GPSPath() string { return filepath.Join(c.Dir, "gps_state.json") }

// Interval is the state file write interval.
func (c StateConfig) Interval() time.Duration { return ms(c.WriteIntervalMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
