package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"ndefender/internal/hub"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	mi, cmd := m.Update(msg)
	return mi.(Model), cmd
}

func envelope(typ, source string, data map[string]any) envelopeMsg {
	return envelopeMsg{hub.Envelope{Type: typ, Timestamp: 1_700_000_000_000, Source: source, Data: data}}
}

func TestContactsTableFollowsLifecycle(t *testing.T) {
	m := NewModel("ws://core/api/v1/ws", nil)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})

	m, _ = update(t, m, envelope(hub.TypeContactNew, "remote_id", map[string]any{
		"contact": map[string]any{"id": "rid:SN-1", "type": "REMOTE_ID", "basic_id": "SN-1", "lat": 47.1, "lon": 8.5},
	}))
	m, _ = update(t, m, envelope(hub.TypeContactNew, "rf_sensor", map[string]any{
		"id": "rf-1", "type": "UNKNOWN_RF", "unknown_rf": map[string]any{"center_hz": 5.8e9, "family_hint": "analog_fpv"},
	}))
	if len(m.contacts) != 2 || len(m.table.Rows()) != 2 {
		t.Fatalf("contacts = %d rows = %d", len(m.contacts), len(m.table.Rows()))
	}
	if got := m.contacts["rf-1"].detail; !strings.Contains(got, "5.800 GHz") {
		t.Fatalf("rf detail = %q", got)
	}
	if got := m.contacts["rid:SN-1"].detail; !strings.Contains(got, "basic=SN-1") {
		t.Fatalf("rid detail = %q", got)
	}

	m, _ = update(t, m, envelope(hub.TypeContactLost, "remote_id", map[string]any{"id": "rid:SN-1"}))
	if _, ok := m.contacts["rid:SN-1"]; ok || len(m.table.Rows()) != 1 {
		t.Fatalf("lost contact still shown")
	}
	if len(m.logs) != 3 {
		t.Fatalf("logs = %d, want 3", len(m.logs))
	}
}

func TestTelemetryUpdatesChipsOnly(t *testing.T) {
	m := NewModel("ws://core", nil)
	m, _ = update(t, m, envelope(hub.TypeTelemetryUpdate, "esp32", map[string]any{
		"esp32": map[string]any{"status": "CONNECTED"},
		"fpv":   map[string]any{"scan_state": "scanning"},
	}))
	m, _ = update(t, m, envelope(hub.TypeReplayState, "replay", map[string]any{"active": true}))
	if m.esp32 != "CONNECTED" || m.scanState != "scanning" || !m.replay {
		t.Fatalf("chips not updated: %+v", m)
	}
	if len(m.logs) != 1 {
		t.Fatalf("telemetry should not be logged, logs = %v", m.logs)
	}
	if chips := m.renderChips(); !strings.Contains(chips, "esp32 CONNECTED") || !strings.Contains(chips, "replay on") {
		t.Fatalf("chips = %q", chips)
	}
}

func TestWrapToggle(t *testing.T) {
	m := NewModel("ws://core", nil)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 20, Height: 30})
	m, _ = update(t, m, envelope(hub.TypeLogEvent, "backend", map[string]any{"msg": "one two three four five six seven"}))
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("w")})
	if !m.wrap {
		t.Fatalf("wrap not enabled")
	}
	if !strings.Contains(m.vp.View(), "seven") {
		t.Fatalf("wrapped view = %q", m.vp.View())
	}
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("w")})
	if m.wrap {
		t.Fatalf("wrap not disabled")
	}
}

func TestPromptSendsCommand(t *testing.T) {
	var got Command
	send := func(c Command) (string, error) {
		got = c
		return "req-1", nil
	}
	m := NewModel("ws://core", send)
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(":")})
	if !m.prompting {
		t.Fatalf("prompt not opened")
	}
	m.prompt.SetValue("controller VIDEO_SELECT sel=2")
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if m.prompting || cmd == nil {
		t.Fatalf("enter did not submit")
	}
	m, _ = update(t, m, cmd())
	if got.Target != "controller" || got.Name != "VIDEO_SELECT" || got.Args["sel"] != float64(2) {
		t.Fatalf("sent %+v", got)
	}
	if !strings.Contains(m.lastStatus, "req-1") {
		t.Fatalf("status = %q", m.lastStatus)
	}

	m, _ = update(t, m, envelope(hub.TypeCommandAck, "backend", map[string]any{"ok": false, "req_id": "req-1", "err": "timeout"}))
	if m.lastStatus != "ack req-1 failed: timeout" {
		t.Fatalf("status = %q", m.lastStatus)
	}
}

func TestPromptReportsErrors(t *testing.T) {
	m := NewModel("ws://core", func(Command) (string, error) { return "", errors.New("closed") })
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(":")})
	m.prompt.SetValue("controller")
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil || !strings.HasPrefix(m.lastStatus, "usage:") {
		t.Fatalf("status = %q", m.lastStatus)
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(":")})
	m.prompt.SetValue("controller PING")
	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m, _ = update(t, m, cmd())
	if m.lastStatus != "send failed: closed" {
		t.Fatalf("status = %q", m.lastStatus)
	}
}

func TestDisconnectMarksLinkDown(t *testing.T) {
	m := NewModel("ws://core", nil)
	m, _ = update(t, m, disconnectedMsg{err: errors.New("subscriber read: EOF")})
	if m.connected || !strings.Contains(m.renderChips(), "link down") {
		t.Fatalf("link still up")
	}
	if !strings.Contains(m.renderBottom(), "EOF") {
		t.Fatalf("bottom = %q", m.renderBottom())
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		wantErr bool
		want    Command
	}{
		{line: "controller fpv_scan_start", want: Command{Target: "controller", Name: "FPV_SCAN_START", Args: map[string]any{}}},
		{line: "audio SET_VOLUME level=40 mute=false", want: Command{Target: "audio", Name: "SET_VOLUME", Args: map[string]any{"level": float64(40), "mute": false}}},
		{line: "controller PLAY name=alarm", want: Command{Target: "controller", Name: "PLAY", Args: map[string]any{"name": "alarm"}}},
		{line: "controller", wantErr: true},
		{line: "controller X =1", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseCommand(tt.line)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: err = %v", tt.line, err)
		}
		if tt.wantErr {
			continue
		}
		if got.Target != tt.want.Target || got.Name != tt.want.Name || len(got.Args) != len(tt.want.Args) {
			t.Fatalf("%q: got %+v", tt.line, got)
		}
		for k, v := range tt.want.Args {
			if got.Args[k] != v {
				t.Fatalf("%q: arg %s = %v, want %v", tt.line, k, got.Args[k], v)
			}
		}
	}
}
