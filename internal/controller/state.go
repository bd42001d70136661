package controller

import (
	"sync"
	"time"

	"ndefender/internal/event"
)

// Link states reported for the controller.
const (
	StatusConnected    = "CONNECTED"
	StatusDisconnected = "DISCONNECTED"
)

// Scan states derived from telemetry.
const (
	ScanIdle     = "idle"
	ScanHold     = "hold"
	ScanScanning = "scanning"
)

// Controller is the link view of the hardware controller.
type Controller struct {
	Status        string   `json:"status"`
	RSSIdBm       *float64 `json:"rssi_dbm"`
	UptimeSeconds *float64 `json:"uptime_seconds"`
	LastTS        *int64   `json:"last_ts"`
}

// FPV is the video receiver summary.
type FPV struct {
	ScanState      string  `json:"scan_state"`
	LockedChannels []int64 `json:"locked_channels"`
	Selected       *int64  `json:"selected"`
	FreqHz         *int64  `json:"freq_hz"`
	RSSIRaw        *int64  `json:"rssi_raw"`
}

// VRX is one receiver as last reported.
type VRX struct {
	ID   *int64   `json:"id"`
	R    *int64   `json:"r"`
	Raw  *int64   `json:"raw"`
	F    *float64 `json:"f"`
	Scan int64    `json:"scan"`
	Lock int64    `json:"lock"`
}

// Telemetry is the payload of a TELEMETRY_UPDATE envelope.
type Telemetry struct {
	ESP32 Controller `json:"esp32"`
	FPV   FPV        `json:"fpv"`
}

// State holds the controller and receiver view behind one lock.
type State struct {
	mu   sync.Mutex
	ctrl Controller
	fpv  FPV
	vrx  []VRX
}

// NewState returns a disconnected state.
func NewState() *State {
	s := &State{}
	s.resetLocked()
	return s
}

func (s *State) resetLocked() {
	s.ctrl = Controller{Status: StatusDisconnected}
	s.fpv = FPV{ScanState: ScanIdle, LockedChannels: []int64{}}
	s.vrx = nil
}

// SetDisconnected clears everything learned from telemetry.
func (s *State) SetDisconnected() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

// SetConnected marks the link up without touching telemetry.
func (s *State) SetConnected() {
	s.mu.Lock()
	s.ctrl.Status = StatusConnected
	s.mu.Unlock()
}

// CheckStale marks the link down when the last telemetry is older than
// stale. It reports whether the status changed.
func (s *State) CheckStale(now time.Time, stale time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctrl.LastTS == nil || s.ctrl.Status == StatusDisconnected {
		return false
	}
	if now.UnixMilli()-*s.ctrl.LastTS > stale.Milliseconds() {
		s.ctrl.Status = StatusDisconnected
		return true
	}
	return false
}

// Apply folds a telemetry or scan_report frame into the state and returns
// the resulting view.
func (s *State) Apply(frame map[string]any, now time.Time) Telemetry {
	sel := toInt(frame["sel"])
	var vrx []VRX
	if list, ok := frame["vrx"].([]any); ok {
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			v := VRX{
				ID:  toInt(m["id"]),
				R:   toInt(m["r"]),
				Raw: toInt(m["raw"]),
				F:   toFloat(m["f"]),
			}
			if n := toInt(m["scan"]); n != nil {
				v.Scan = *n
			}
			if n := toInt(m["lock"]); n != nil {
				v.Lock = *n
			}
			vrx = append(vrx, v)
		}
	}

	var hold int64
	if ui, ok := frame["ui"].(map[string]any); ok {
		if n := toInt(ui["hold"]); n != nil {
			hold = *n
		}
	}

	scanning := false
	locked := []int64{}
	var chosen *VRX
	for i := range vrx {
		v := &vrx[i]
		if v.Scan == 1 {
			scanning = true
		}
		if v.Lock == 1 && v.ID != nil {
			locked = append(locked, *v.ID)
		}
		if chosen == nil && sel != nil && v.ID != nil && *v.ID == *sel {
			chosen = v
		}
	}

	fpv := FPV{ScanState: ScanIdle, LockedChannels: locked, Selected: sel}
	switch {
	case hold == 1:
		fpv.ScanState = ScanHold
	case scanning:
		fpv.ScanState = ScanScanning
	}
	if chosen != nil {
		if chosen.F != nil {
			hz := int64(*chosen.F) * 1_000_000
			fpv.FreqHz = &hz
		}
		if chosen.R != nil {
			fpv.RSSIRaw = chosen.R
		} else {
			fpv.RSSIRaw = chosen.Raw
		}
	}

	var uptime float64
	if ms, ok := event.Number(frame["esp_ms"]); ok {
		uptime = ms / 1000
	}
	ts := now.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrl = Controller{Status: StatusConnected, UptimeSeconds: &uptime, LastTS: &ts}
	s.fpv = fpv
	s.vrx = vrx
	return Telemetry{ESP32: s.ctrl, FPV: s.fpvCopyLocked()}
}

func (s *State) fpvCopyLocked() FPV {
	f := s.fpv
	f.LockedChannels = append([]int64{}, s.fpv.LockedChannels...)
	return f
}

// Snapshot returns copies of the controller and receiver views.
func (s *State) Snapshot() Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Telemetry{ESP32: s.ctrl, FPV: s.fpvCopyLocked()}
}

// StrongestVRX returns the receiver with the highest signal reading. A
// receiver without a reading only wins when nothing else has been picked.
// With no receivers the selected one is returned.
func (s *State) StrongestVRX() (int64, bool) {
	s.mu.Lock()
	vrx := append([]VRX(nil), s.vrx...)
	selected := s.fpv.Selected
	s.mu.Unlock()

	var (
		bestID   *int64
		bestRSSI *int64
	)
	for _, v := range vrx {
		if v.ID == nil {
			continue
		}
		r := v.R
		if r == nil {
			r = v.Raw
		}
		if r == nil {
			if bestID == nil {
				bestID = v.ID
			}
			continue
		}
		if bestRSSI == nil || *r > *bestRSSI {
			bestRSSI = r
			bestID = v.ID
		}
	}
	if bestID == nil && selected != nil {
		return *selected, true
	}
	if bestID == nil {
		return 0, false
	}
	return *bestID, true
}

func toFloat(v any) *float64 {
	f, ok := event.Number(v)
	if !ok {
		return nil
	}
	return &f
}

func toInt(v any) *int64 {
	f, ok := event.Number(v)
	if !ok {
		return nil
	}
	n := int64(f)
	return &n
}
