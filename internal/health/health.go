// Package health tracks per-subsystem liveness and derives ok/degraded/down.
package health

import (
	"sync"
	"time"
)

// Status is the derived health of a subsystem.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// HealthState maps a Status onto the CONNECTED/DEGRADED/DISCONNECTED
// vocabulary used by the persisted state file.
func (s Status) HealthState() string {
	switch s {
	case StatusOK:
		return "CONNECTED"
	case StatusDegraded:
		return "DEGRADED"
	default:
		return "DISCONNECTED"
	}
}

// Mode is the remote-ID ingest mode.
type Mode string

const (
	ModeLive   Mode = "live"
	ModeReplay Mode = "replay"
	ModeBatch  Mode = "batch"
)

// Error tokens that the liveness monitor owns and clears on recovery.
const (
	ErrServiceInactive    = "service_inactive"
	ErrServiceCheckFailed = "service_check_failed"
)

// Thresholds for response age.
type Thresholds struct {
	OK       time.Duration
	Degraded time.Duration
}

// DefaultThresholds returns 3s ok / 15s degraded.
func DefaultThresholds() Thresholds {
	return Thresholds{OK: 3 * time.Second, Degraded: 15 * time.Second}
}

// State is a copy of a subsystem record. LastResponse is unix ms, zero
// when no response has been seen yet.
type State struct {
	LastResponse  int64  `json:"last_response_ts,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	ServiceActive bool   `json:"service_active"`
	ServiceState  string `json:"service_state"`
}

// Subsystem is the locked health record for one input.
type Subsystem struct {
	name string
	mu   sync.Mutex
	st   State
}

// NewSubsystem returns a record with an unknown service state.
func NewSubsystem(name string) *Subsystem {
	return &Subsystem{name: name, st: State{ServiceState: "unknown"}}
}

// Name returns the subsystem name.
func (s *Subsystem) Name() string { return s.name }

// MarkResponse records a successful read at t and clears the last error.
func (s *Subsystem) MarkResponse(t time.Time) {
	s.mu.Lock()
	s.st.LastResponse = t.UnixMilli()
	s.st.LastError = ""
	s.mu.Unlock()
}

// SetError sets the last error token. An empty token clears it.
func (s *Subsystem) SetError(token string) {
	s.mu.Lock()
	s.st.LastError = token
	s.mu.Unlock()
}

// ClearError resets the last error only if it is one of tokens.
func (s *Subsystem) ClearError(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tokens {
		if s.st.LastError == t {
			s.st.LastError = ""
			return
		}
	}
}

// SetService records the liveness probe outcome.
func (s *Subsystem) SetService(active bool, state string) {
	s.mu.Lock()
	s.st.ServiceActive = active
	if state != "" {
		s.st.ServiceState = state
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of the record.
func (s *Subsystem) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Derive computes the status of st at now.
func Derive(st State, mode Mode, th Thresholds, now time.Time) Status {
	known := st.LastResponse != 0
	if !st.ServiceActive {
		if mode == ModeReplay && known {
			return StatusDegraded
		}
		return StatusDown
	}
	if !known {
		return StatusDegraded
	}
	if now.UnixMilli()-st.LastResponse <= th.OK.Milliseconds() {
		return StatusOK
	}
	return StatusDegraded
}

// AgoMs returns the response age in ms, or nil when unknown.
func AgoMs(st State, now time.Time) *int64 {
	if st.LastResponse == 0 {
		return nil
	}
	ago := now.UnixMilli() - st.LastResponse
	if ago < 0 {
		ago = 0
	}
	return &ago
}
