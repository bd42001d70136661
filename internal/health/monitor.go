package health

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"ndefender/internal/logging"
)

// Prober reports the service manager's state token for a unit.
type Prober interface {
	Probe(ctx context.Context, unit string) (string, error)
}

// SystemctlProber runs `systemctl is-active <unit>`.
type SystemctlProber struct {
	Timeout time.Duration
}

// Probe returns the trimmed state token. A non-zero exit status is not
// an error: systemctl reports inactive units that way.
func (p SystemctlProber) Probe(ctx context.Context, unit string) (string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "systemctl", "is-active", unit).Output()
	state := strings.TrimSpace(string(out))
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && ctx.Err() == nil {
			return state, nil
		}
		return "", err
	}
	return state, nil
}

// Monitor polls a Prober and folds the result into a Subsystem.
type Monitor struct {
	Unit     string
	Prober   Prober
	Target   *Subsystem
	Interval time.Duration
	// OnProbe, if set, is called with the active flag after every probe.
	OnProbe func(active bool)
}

// Check runs one probe.
func (m *Monitor) Check(ctx context.Context) {
	state, err := m.Prober.Probe(ctx, m.Unit)
	if err != nil {
		logging.FromContext(ctx).Debug("liveness probe failed", "unit", m.Unit, "err", err)
		m.Target.SetService(false, "unknown")
		m.Target.SetError(ErrServiceCheckFailed)
		m.notify(false)
		return
	}
	active := state == "active" || state == "activating"
	if state == "" {
		state = "unknown"
	}
	m.Target.SetService(active, state)
	if active {
		m.Target.ClearError(ErrServiceInactive, ErrServiceCheckFailed)
	} else {
		m.Target.SetError(ErrServiceInactive)
	}
	m.notify(active)
}

func (m *Monitor) notify(active bool) {
	if m.OnProbe != nil {
		m.OnProbe(active)
	}
}

// Run probes once per Interval (default 1s) until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RFStatus is the RF sensor view: link follows the scan service, state
// degrades on any recorded error.
type RFStatus struct {
	State        string `json:"state"`
	Link         string `json:"link"`
	Endpoint     string `json:"endpoint"`
	LastResponse *int64 `json:"last_response_ts"`
	AgoMs        *int64 `json:"last_response_ago_ms"`
	ScanActive   bool   `json:"scan_active"`
	LastError    string `json:"last_error,omitempty"`
}

// DeriveRF builds the RF sensor view from its record.
func DeriveRF(st State, endpoint string, now time.Time) RFStatus {
	out := RFStatus{
		Endpoint:   endpoint,
		AgoMs:      AgoMs(st, now),
		ScanActive: st.ServiceActive,
		LastError:  st.LastError,
		Link:       "down",
		State:      string(StatusDown),
	}
	if st.LastResponse != 0 {
		ts := st.LastResponse
		out.LastResponse = &ts
	}
	if st.ServiceActive {
		out.Link = "up"
		out.State = string(StatusOK)
		if st.LastError != "" {
			out.State = string(StatusDegraded)
		}
	}
	return out
}
