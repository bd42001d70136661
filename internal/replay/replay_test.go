package replay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ndefender/internal/contact"
	"ndefender/internal/status"
)

const rawCapture = `{"ts": 3, "basic_id": "RAW-1", "lat": 1.0, "lon": 2.0}
{"ts": 1, "type": "stats_summary", "basic_id": "RAW-1"}
{"ts": 2, "operator_id": "OP-ONLY"}
not json
{"ts": 4, "mac": "AA:BB:CC:00:00:01"}
`

const ekCapture = `{"index": {"_index": "packets"}}
{"timestamp": 1, "layers": {"frame.frame_number": ["7"], "OpenDroneID.msgType": ["0"], "OpenDroneID.basicID_id_asc": ["EK-1"]}}
{"timestamp": 1, "layers": {"frame.frame_number": ["7"], "OpenDroneID.msgType": ["0"], "OpenDroneID.basicID_id_asc": ["EK-1"]}}
{"timestamp": 5, "layers": {"frame.frame_number": ["8"], "OpenDroneID.msgType": ["0"], "OpenDroneID.basicID_id_asc": ["EK-1"], "OpenDroneID.loc_lat": ["3.5"]}}
`

func writeCaptures(t *testing.T, raw, ek string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	rawPath := filepath.Join(dir, "raw.jsonl")
	ekPath := filepath.Join(dir, "ek.jsonl")
	if err := os.WriteFile(rawPath, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ekPath, []byte(ek), 0o644); err != nil {
		t.Fatal(err)
	}
	return rawPath, ekPath
}

type published struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (p *published) add(m map[string]any) {
	p.mu.Lock()
	p.msgs = append(p.msgs, m)
	p.mu.Unlock()
}

func (p *published) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.msgs))
	for i, m := range p.msgs {
		out[i], _ = m["type"].(string)
	}
	return out
}

func TestLoadFiltersDedupesAndSorts(t *testing.T) {
	rawPath, ekPath := writeCaptures(t, rawCapture, ekCapture)
	events, stats, err := Load(rawPath, ekPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats.Before != 3 || stats.After != 2 || stats.Dupes != 1 {
		t.Fatalf("unexpected dedupe stats %+v", stats)
	}
	var got []string
	for _, e := range events {
		id := e.BasicID
		if id == "" {
			id = e.MAC
		}
		got = append(got, id+"@"+e.Source)
	}
	want := "EK-1@ek_replay RAW-1@raw_replay AA:BB:CC:00:00:01@raw_replay EK-1@ek_replay"
	if strings.Join(got, " ") != want {
		t.Fatalf("events = %v, want %s", got, want)
	}
}

func TestLoadDropsStatsAnyCase(t *testing.T) {
	raw := `{"ts": 1, "msg_type": "STATS_Summary", "basic_id": "RAW-1"}
{"ts": 2, "type": "Stats_window", "mac": "AA:BB:CC:00:00:02"}
{"ts": 3, "msg_type": "location", "basic_id": "RAW-2"}
`
	rawPath, ekPath := writeCaptures(t, raw, "")
	events, _, err := Load(rawPath, ekPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 1 || events[0].BasicID != "RAW-2" {
		t.Fatalf("events = %+v, want only RAW-2", events)
	}
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	events, _, err := Load(filepath.Join(dir, "a"), filepath.Join(dir, "b"))
	if err != nil || len(events) != 0 {
		t.Fatalf("expected empty replay, got %d events err=%v", len(events), err)
	}
}

func TestRunPublishesLifecycleAndState(t *testing.T) {
	rawPath, ekPath := writeCaptures(t, rawCapture, ekCapture)
	statePath := filepath.Join(t.TempDir(), "remoteid_state.json")
	tracker := contact.NewTracker(time.Minute)
	pub := &published{}
	r := New(Config{RawPath: rawPath, EKPath: ekPath, StatePath: statePath}, tracker, pub.add)
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) bool {
		slept = append(slept, d)
		return ctx.Err() == nil
	}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	types := pub.types()
	want := []string{"REPLAY_STATE", "RID_CONTACT_NEW", "RID_CONTACT_NEW", "RID_CONTACT_NEW", "RID_CONTACT_UPDATE", "REPLAY_STATE"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("published %v, want %v", types, want)
	}
	if pub.msgs[1]["source"] != "remote_id" {
		t.Fatalf("lifecycle source = %v", pub.msgs[1]["source"])
	}
	if pub.msgs[0]["data"].(map[string]any)["active"] != true || pub.msgs[5]["data"].(map[string]any)["active"] != false {
		t.Fatalf("replay state flags wrong: %v / %v", pub.msgs[0], pub.msgs[5])
	}
	if r.Active() {
		t.Fatalf("replayer still active")
	}
	if len(slept) != 4 || slept[0] != DefaultPace {
		t.Fatalf("pacing = %v", slept)
	}

	var doc status.StateFile
	if err := status.ReadJSON(statePath, &doc); err != nil {
		t.Fatalf("read state: %v", err)
	}
	if doc.Health.State != "DEGRADED" || doc.Health.Source != "replay" {
		t.Fatalf("unexpected health %+v", doc.Health)
	}
	if doc.Counts.Targets != 3 || len(doc.Targets) != 3 {
		t.Fatalf("unexpected counts %+v", doc.Counts)
	}
	if doc.Dedupe == nil || doc.Dedupe.EK.Dupes != 1 {
		t.Fatalf("missing dedupe stats: %+v", doc.Dedupe)
	}
}

func TestRunSpeedUsesRecordedGaps(t *testing.T) {
	rawPath, ekPath := writeCaptures(t, rawCapture, ekCapture)
	r := New(Config{RawPath: rawPath, EKPath: ekPath, Speed: 2}, contact.NewTracker(time.Minute), nil)
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) bool {
		slept = append(slept, d)
		return true
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// events at 1, 3, 4, 5 seconds
	want := []time.Duration{time.Second, 500 * time.Millisecond, 500 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("slept %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("slept %v, want %v", slept, want)
		}
	}
}

func TestRunEmptyWritesDisconnected(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	pub := &published{}
	r := New(Config{RawPath: filepath.Join(dir, "none"), EKPath: filepath.Join(dir, "none2"), StatePath: statePath}, contact.NewTracker(0), pub.add)
	r.sleep = func(ctx context.Context, d time.Duration) bool { return true }
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var doc status.StateFile
	if err := status.ReadJSON(statePath, &doc); err != nil {
		t.Fatalf("read state: %v", err)
	}
	if doc.Health.State != "DISCONNECTED" || doc.Targets == nil {
		t.Fatalf("unexpected state %+v", doc)
	}
	if len(pub.types()) != 0 {
		t.Fatalf("empty replay published %v", pub.types())
	}
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	rawPath, ekPath := writeCaptures(t, rawCapture, ekCapture)
	tracker := contact.NewTracker(time.Minute)
	r := New(Config{RawPath: rawPath, EKPath: ekPath, Loop: true, Pace: time.Millisecond}, tracker, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tracker.Len() != 3 {
		t.Fatalf("tracker has %d contacts", tracker.Len())
	}
}

func TestRefreshKeepsLastState(t *testing.T) {
	rawPath, ekPath := writeCaptures(t, rawCapture, ekCapture)
	statePath := filepath.Join(t.TempDir(), "state.json")
	tracker := contact.NewTracker(time.Minute)
	r := New(Config{RawPath: rawPath, EKPath: ekPath, StatePath: statePath}, tracker, nil)
	r.sleep = func(ctx context.Context, d time.Duration) bool { return true }
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	clock := time.Now().Add(2 * time.Minute)
	tracker.SetClock(func() time.Time { return clock })
	if lost := tracker.Expire(); len(lost) != 3 {
		t.Fatalf("expected all contacts to expire, got %d", len(lost))
	}
	r.Refresh(context.Background())

	var doc status.StateFile
	if err := status.ReadJSON(statePath, &doc); err != nil {
		t.Fatalf("read state: %v", err)
	}
	if doc.Health.State != "DEGRADED" || len(doc.Targets) != 0 || doc.Dedupe.EK.Dupes != 1 {
		t.Fatalf("unexpected refreshed state %+v", doc)
	}
}
