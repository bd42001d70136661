// Package status assembles the aggregate status snapshot and persists the
// remote-ID state file.
package status

import (
	"time"

	"ndefender/internal/contact"
	"ndefender/internal/controller"
	"ndefender/internal/event"
	"ndefender/internal/health"
)

// GPSFix is the persisted gps state.
type GPSFix struct {
	Mode     int      `json:"mode"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	AltM     *float64 `json:"alt_m"`
	SpeedMps *float64 `json:"speed_mps"`
	TrackDeg *float64 `json:"track_deg"`
	HDOP     *float64 `json:"hdop,omitempty"`
	Sats     *int     `json:"sats"`
	LastTS   int64    `json:"last_ts"`
}

// GPS is the status view of a fix.
type GPS struct {
	Mode       int      `json:"mode"`
	FixQuality int      `json:"fix_quality"`
	LastTS     *int64   `json:"last_ts"`
	Satellites *int     `json:"satellites"`
	HDOP       *float64 `json:"hdop"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	Altitude   *float64 `json:"altitude"`
	Speed      *float64 `json:"speed"`
	Heading    *float64 `json:"heading"`
}

func gpsView(f GPSFix) GPS {
	q := f.Mode
	if q < 0 {
		q = 0
	}
	if q > 3 {
		q = 3
	}
	ts := f.LastTS
	return GPS{
		Mode:       f.Mode,
		FixQuality: q,
		LastTS:     &ts,
		Satellites: f.Sats,
		HDOP:       f.HDOP,
		Latitude:   f.Lat,
		Longitude:  f.Lon,
		Altitude:   f.AltM,
		Speed:      f.SpeedMps,
		Heading:    f.TrackDeg,
	}
}

// RemoteIDHealth is the nested health block of the remote-ID view.
type RemoteIDHealth struct {
	State         string `json:"state"`
	UpdatedTS     *int64 `json:"updated_ts"`
	AgoMs         *int64 `json:"last_response_ago_ms"`
	CaptureActive bool   `json:"capture_active"`
	LastError     string `json:"last_error,omitempty"`
}

// RemoteID is the remote-ID subsystem view.
type RemoteID struct {
	Status        health.Status  `json:"status"`
	Mode          health.Mode    `json:"mode"`
	HealthState   string         `json:"health_state"`
	LastUpdateTS  *int64         `json:"last_update_ts"`
	AgoMs         *int64         `json:"last_response_ago_ms"`
	CaptureActive bool           `json:"capture_active"`
	ReplayActive  bool           `json:"replay_active"`
	LastError     string         `json:"last_error,omitempty"`
	ServiceState  string         `json:"service_state"`
	Source        string         `json:"source"`
	DecodeRate60s int            `json:"decode_rate_60s"`
	Contacts      int            `json:"contacts"`
	Health        RemoteIDHealth `json:"health"`
}

// DeriveRemoteID builds the remote-ID view. In replay mode the probed
// service is the replayer, so it counts as replay rather than capture.
func DeriveRemoteID(st health.State, mode health.Mode, th health.Thresholds, stats contact.Stats, now time.Time) RemoteID {
	s := health.Derive(st, mode, th, now)
	var last *int64
	if st.LastResponse != 0 {
		ts := st.LastResponse
		last = &ts
	}
	ago := health.AgoMs(st, now)
	capture, replay := st.ServiceActive, false
	if mode == health.ModeReplay {
		capture, replay = false, st.ServiceActive
	}
	return RemoteID{
		Status:        s,
		Mode:          mode,
		HealthState:   s.HealthState(),
		LastUpdateTS:  last,
		AgoMs:         ago,
		CaptureActive: capture,
		ReplayActive:  replay,
		LastError:     st.LastError,
		ServiceState:  st.ServiceState,
		Source:        string(mode),
		DecodeRate60s: stats.Msgs60s,
		Contacts:      stats.Targets,
		Health: RemoteIDHealth{
			State:         s.HealthState(),
			UpdatedTS:     last,
			AgoMs:         ago,
			CaptureActive: capture,
			LastError:     st.LastError,
		},
	}
}

// Replay reports whether a replay is running.
type Replay struct {
	Active bool `json:"active"`
}

// Snapshot is the aggregate status document.
type Snapshot struct {
	Timestamp int64                 `json:"timestamp"`
	OverallOK bool                  `json:"overall_ok"`
	System    System                `json:"system"`
	ESP32     controller.Controller `json:"esp32"`
	GPS       GPS                   `json:"gps"`
	RemoteID  RemoteID              `json:"remote_id"`
	RFSensor  health.RFStatus       `json:"rf_sensor"`
	Contacts  []any                 `json:"contacts"`
	FPV       controller.FPV        `json:"fpv"`
	Replay    Replay                `json:"replay"`
}

// StateHealth is the health block of the state file.
type StateHealth struct {
	State     string `json:"state"`
	Source    string `json:"source"`
	UpdatedTS int64  `json:"updated_ts"`
}

// StateFile is the persisted remote-ID state document.
type StateFile struct {
	Health  StateHealth       `json:"health"`
	Counts  contact.Stats     `json:"counts"`
	Targets []contact.Contact `json:"targets"`
	Dedupe  *StateDedupe      `json:"dedupe,omitempty"`
}

// StateDedupe carries batch replay dedup counters.
type StateDedupe struct {
	EK event.DedupeStats `json:"ek"`
}

// Builder reads every live component and produces snapshots. Nil
// components are reported empty.
type Builder struct {
	Mode        health.Mode
	Thresholds  health.Thresholds
	RemoteID    *health.Subsystem
	RFSensor    *health.Subsystem
	RFEndpoint  string
	Tracker     *contact.Tracker
	RFStore     *contact.RFStore
	Controller  *controller.State
	GPS         func() GPSFix
	Replay      func() bool
	Version     string
	StoragePath string

	Now func() time.Time
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Builder) stats() contact.Stats {
	if b.Tracker == nil {
		return contact.Stats{}
	}
	return b.Tracker.Stats()
}

func (b *Builder) targets() []contact.Contact {
	if b.Tracker == nil {
		return []contact.Contact{}
	}
	return b.Tracker.Snapshot()
}

func (b *Builder) remoteID(now time.Time) RemoteID {
	var st health.State
	if b.RemoteID != nil {
		st = b.RemoteID.Snapshot()
	}
	return DeriveRemoteID(st, b.Mode, b.Thresholds, b.stats(), now)
}

// Build returns the aggregate snapshot.
func (b *Builder) Build() Snapshot {
	now := b.now()
	snap := Snapshot{
		Timestamp: now.UnixMilli(),
		OverallOK: true,
		System:    readSystem(b.Version, b.StoragePath),
		RemoteID:  b.remoteID(now),
		Contacts:  []any{},
	}

	var rf health.State
	if b.RFSensor != nil {
		rf = b.RFSensor.Snapshot()
	}
	snap.RFSensor = health.DeriveRF(rf, b.RFEndpoint, now)

	if b.Controller != nil {
		t := b.Controller.Snapshot()
		snap.ESP32, snap.FPV = t.ESP32, t.FPV
	} else {
		t := controller.NewState().Snapshot()
		snap.ESP32, snap.FPV = t.ESP32, t.FPV
	}

	var fix GPSFix
	if b.GPS != nil {
		fix = b.GPS()
	}
	snap.GPS = gpsView(fix)

	if b.RFStore != nil {
		for _, c := range b.RFStore.Snapshot() {
			snap.Contacts = append(snap.Contacts, c)
		}
	}
	for _, c := range b.targets() {
		snap.Contacts = append(snap.Contacts, c)
	}

	if b.Replay != nil {
		snap.Replay.Active = b.Replay()
	}
	return snap
}

// StateFile returns the remote-ID state document. updated_ts falls back
// to now while no response has been seen.
func (b *Builder) StateFile() StateFile {
	now := b.now()
	rid := b.remoteID(now)
	updated := now.UnixMilli()
	if rid.LastUpdateTS != nil {
		updated = *rid.LastUpdateTS
	}
	return StateFile{
		Health:  StateHealth{State: rid.HealthState, Source: string(b.Mode), UpdatedTS: updated},
		Counts:  b.stats(),
		Targets: b.targets(),
	}
}
