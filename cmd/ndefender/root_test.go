package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ndefender/internal/hub"
)

func run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestReplayPrintsEnvelopes(t *testing.T) {
	dir := t.TempDir()
	raw := filepath.Join(dir, "raw.jsonl")
	lines := strings.Join([]string{
		`{"ts": 1, "basic_id": "SN-1", "lat": 47.1, "lon": 8.5}`,
		`{"ts": 2, "type": "stats_window", "basic_id": "SN-1"}`,
		`{"ts": 3, "basic_id": "SN-2"}`,
	}, "\n")
	if err := os.WriteFile(raw, []byte(lines+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	state := filepath.Join(dir, "state.json")

	out, err := run(t, context.Background(), "replay", "--raw", raw, "--ek", filepath.Join(dir, "none.jsonl"),
		"--pace", "1ms", "--state", state)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	var types []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var env hub.Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			t.Fatalf("bad line %q: %v", line, err)
		}
		types = append(types, env.Type)
	}
	want := []string{hub.TypeReplayState, hub.TypeContactNew, hub.TypeContactNew, hub.TypeReplayState}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("types = %v, want %v", types, want)
	}
	if _, err := os.Stat(state); err != nil {
		t.Fatalf("state not written: %v", err)
	}
}

func TestSimulateWritesFeed(t *testing.T) {
	out := filepath.Join(t.TempDir(), "feed.jsonl")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := run(t, ctx, "simulate", "--out", out, "--count", "2", "--interval", "20ms", "--seed", "5"); err != nil {
		t.Fatalf("simulate: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "\n"); n < 2 || n%2 != 0 {
		t.Fatalf("feed has %d lines", n)
	}
}

func TestDashboardRendersHistoryTables(t *testing.T) {
	t.Setenv("GREPTIMEDB_DATASOURCE_UID", "uid-x")
	dir := t.TempDir()
	cfg := filepath.Join(dir, "ndefender.yaml")
	if err := os.WriteFile(cfg, []byte("history:\n  contact_table: contacts_v2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, context.Background(), "--config", cfg, "dashboard", "--out", dir); err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "ndefender-dashboard.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "FROM contacts_v2") || !strings.Contains(string(b), "FROM controller_telemetry") {
		t.Fatalf("dashboard tables not rendered")
	}
}

func TestInvalidConfigFails(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(cfg, []byte("remote_id:\n  mode: sideways\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, context.Background(), "--config", cfg, "dashboard"); err == nil {
		t.Fatalf("expected config error")
	}
}
